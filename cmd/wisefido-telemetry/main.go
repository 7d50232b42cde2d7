package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/common/logger"
	"wisefido-telemetry/internal/config"
)

const serviceName = "wisefido-telemetry"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var simulated bool

	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("TELEMETRY_CONFIG"), "path to YAML config file (env TELEMETRY_CONFIG)")
	flagSet.BoolVar(&simulated, "simulated", false, "send to an in-memory simulated server instead of the central endpoint")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if simulated {
		cfg.Server.Simulated = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// 初始化日志
	log, level, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting wisefido-telemetry service",
		zap.String("device_id", cfg.Device.ID),
		zap.String("endpoint", cfg.Server.Endpoint),
		zap.Bool("simulated", cfg.Server.Simulated),
		zap.String("queue_backend", cfg.Queue.Backend),
	)
	if !cfg.HasSecretKey() {
		log.Warn("No signing key configured; batches will be held until the device is reprovisioned")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build telemetry service", zap.Error(err))
		return err
	}
	defer app.close()

	// 事件总线独立于引擎生命周期，保证停止期间的事件也能送达
	busCtx, busCancel := context.WithCancel(context.Background())
	go app.bus.Run(busCtx)

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 3)
	go func() {
		if err := app.engine.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	if app.consumer != nil {
		if err := app.consumer.Start(ctx); err != nil {
			log.Error("Failed to start ingest consumer", zap.Error(err))
			errChan <- err
		}
	}

	if app.server != nil {
		go func() {
			if err := app.server.Start(); err != nil {
				errChan <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	if configPath != "" {
		reload := newReloader(app.engine, cfg, level, log)
		go func() {
			err := config.Watch(ctx, configPath, log, func(next *config.Config) {
				reload.apply(ctx, next)
			})
			if err != nil {
				log.Warn("Config hot reload disabled", zap.String("path", configPath), zap.Error(err))
			}
		}()
	}

	// 等待信号或错误
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		log.Error("Service error", zap.Error(err))
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if app.consumer != nil {
		if err := app.consumer.Stop(stopCtx); err != nil {
			log.Warn("Error stopping ingest consumer", zap.Error(err))
		}
	}
	if err := app.engine.Stop(stopCtx); err != nil {
		log.Error("Error stopping engine", zap.Error(err))
	}
	if app.server != nil {
		if err := app.server.Stop(stopCtx); err != nil {
			log.Warn("Error stopping ops server", zap.Error(err))
		}
	}

	busCancel()
	select {
	case <-app.bus.Done():
	case <-stopCtx.Done():
	}

	log.Info("Service stopped")
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `wisefido-telemetry batches bedside vitals and alarms, signs them, and
delivers them to the central monitoring server over mTLS. Batches that
cannot be delivered are kept in the offline queue and replayed once the
server is reachable again.

Usage:
  wisefido-telemetry [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
