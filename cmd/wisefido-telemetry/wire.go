package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/client"
	"wisefido-telemetry/internal/common/database"
	mqttcommon "wisefido-telemetry/internal/common/mqtt"
	rediscommon "wisefido-telemetry/internal/common/redis"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/consumer"
	"wisefido-telemetry/internal/events"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/queue"
	"wisefido-telemetry/internal/repository"
	"wisefido-telemetry/internal/retry"
	"wisefido-telemetry/internal/service"
	"wisefido-telemetry/internal/transport"
)

// eventStreamMaxLen Redis Stream 近似上限
const eventStreamMaxLen = 10000

// app 组装好的服务组件
type app struct {
	engine   *service.Engine
	bus      *events.Bus
	consumer *consumer.MQTTConsumer // 未配置输入主题时为 nil
	server   *service.Server        // 未配置 metrics.addr 时为 nil
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build 按配置创建存储、传输、重试、指标、事件和引擎
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var redisClient *rediscommon.Client
	if cfg.Queue.Backend == "redis" || cfg.Events.RedisStream != "" {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			_ = rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rediscommon.Close(redisClient) })
	}

	var mqttClient *mqttcommon.Client
	wantMQTT := cfg.Ingest.VitalsTopic != "" || cfg.Ingest.AlarmsTopic != "" || cfg.Events.MQTTTopicPrefix != ""
	if wantMQTT && cfg.MQTT.Broker != "" {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mqttClient.Disconnect)
	} else if wantMQTT {
		log.Warn("MQTT topics configured without mqtt.broker; ingest and MQTT events disabled")
	}

	// 离线队列与指标存储
	var store queue.Store
	var metricsStore metrics.Store
	switch cfg.Queue.Backend {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = database.Close(db) })
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return nil, err
		}
		store = repository.NewPostgresOutboxRepository(db, log)
		metricsStore = repository.NewPostgresMetricsRepository(db, log)
	case "redis":
		store = repository.NewRedisOutboxRepository(redisClient, cfg.Queue.RedisPrefix, log)
	default:
		log.Warn("Using in-memory offline queue; queued batches will not survive a restart")
		store = repository.NewMemoryOutboxRepository()
	}

	// 传输
	var tr transport.Transport
	if cfg.Server.Simulated {
		tr = transport.NewSimulated(0)
	} else {
		tlsCfg, err := transport.LoadTLSConfig(transport.Credentials{
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
			CAFile:   cfg.Server.CAFile,
		})
		if err != nil {
			return nil, err
		}
		tr = transport.NewHTTPTransport(tlsCfg, log)
	}

	endpoint := cfg.Server.Endpoint
	if endpoint == "" {
		endpoint = "https://simulated.invalid"
	}
	sender := client.NewClient(client.Config{
		Endpoint:     endpoint,
		BatchTimeout: cfg.Server.BatchTimeout,
		AlarmTimeout: cfg.Server.AlarmTimeout,
		Compress:     cfg.Server.Compress,
	}, tr, log)

	breaker := retry.NewCircuitBreaker(
		cfg.Retry.Breaker.FailureThreshold,
		cfg.Retry.Breaker.ResetTimeout,
		cfg.Retry.Breaker.HalfOpenSuccess,
		log,
	)
	scheduler := retry.NewScheduler(breaker, log)

	// Prometheus 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promcollectors.NewGoCollector(),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
	)
	collectors := metrics.NewCollectors(reg)
	recorder := metrics.NewRecorder(metricsStore, collectors, log)

	// 运维事件
	a.bus = events.NewBus(256, log)
	a.bus.Subscribe(events.NewLoggingListener(log))
	if mqttClient != nil && cfg.Events.MQTTTopicPrefix != "" {
		a.bus.Subscribe(events.NewMQTTListener(mqttClient, cfg.Events.MQTTTopicPrefix, cfg.MQTT.QoS, log))
	}
	if redisClient != nil && cfg.Events.RedisStream != "" {
		a.bus.Subscribe(events.NewRedisStreamListener(redisClient, cfg.Events.RedisStream, eventStreamMaxLen, log))
	}

	a.engine, err = service.NewEngine(service.OptionsFromConfig(cfg), service.Deps{
		Client:     sender,
		Scheduler:  scheduler,
		Queue:      queue.NewOfflineQueue(store, log),
		Recorder:   recorder,
		Bus:        a.bus,
		Collectors: collectors,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if mqttClient != nil && (cfg.Ingest.VitalsTopic != "" || cfg.Ingest.AlarmsTopic != "") {
		a.consumer = consumer.NewMQTTConsumer(cfg.Ingest, cfg.Device.ID, cfg.MQTT.QoS, mqttClient, a.engine, log)
	}

	if cfg.Metrics.Addr != "" {
		a.server = service.NewServer(cfg.Metrics.Addr, reg, a.engine, log)
	}

	return a, nil
}
