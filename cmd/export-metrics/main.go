package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/common/database"
	"wisefido-telemetry/internal/common/logger"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/report"
	"wisefido-telemetry/internal/repository"
)

const dateLayout = "2006-01-02"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "export-metrics: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		from, to   string
		deviceID   string
		outPath    string
		limit      int
	)

	flagSet := pflag.NewFlagSet("export-metrics", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("TELEMETRY_CONFIG"), "path to YAML config file (env TELEMETRY_CONFIG)")
	flagSet.StringVar(&from, "from", "", "first day to include, YYYY-MM-DD (default: 7 days ago)")
	flagSet.StringVar(&to, "to", "", "last day to include, YYYY-MM-DD (default: today)")
	flagSet.StringVar(&deviceID, "device", "", "only export this device (default: all devices)")
	flagSet.StringVarP(&outPath, "out", "o", "transmission_metrics.xlsx", "output file")
	flagSet.IntVar(&limit, "limit", 0, "maximum rows to export (0 = no limit)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	start, end, err := parseRange(from, to, time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, _, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "export-metrics")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	filters := repository.MetricsFilters{StartTime: &start, EndTime: &end, Limit: limit}
	if deviceID != "" {
		filters.DeviceID = &deviceID
	}

	records, err := repository.NewPostgresMetricsRepository(db, log).ListMetrics(ctx, filters)
	if err != nil {
		return err
	}

	data, err := report.GenerateMetricsExport(records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	summary := report.Summarize(records)
	log.Info("Transmission metrics exported",
		zap.String("path", outPath),
		zap.Int("records", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Time("from", start),
		zap.Time("to", end),
	)
	return nil
}

// parseRange 解析日期范围；to 包含当天全部时间
func parseRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	end := now
	if to != "" {
		d, err := time.ParseInLocation(dateLayout, to, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		end = d.Add(24*time.Hour - time.Nanosecond)
	}

	start := end.AddDate(0, 0, -7)
	if from != "" {
		d, err := time.ParseInLocation(dateLayout, from, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		start = d
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from is after --to")
	}
	return start, end, nil
}
