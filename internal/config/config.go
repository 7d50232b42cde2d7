package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 遥测发送服务配置
// 加载顺序：默认值 → YAML 文件（可选）→ 环境变量
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Server    ServerConfig    `yaml:"server"`
	Batch     BatchConfig     `yaml:"batch"`
	Retry     RetryConfig     `yaml:"retry"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DeviceConfig 设备身份（配网写入）
type DeviceConfig struct {
	ID        string `yaml:"id"`
	PatientID string `yaml:"patient_id"` // 空表示当前无入院患者
	SecretKey string `yaml:"secret_key"` // 签名密钥；一般通过 TELEMETRY_SECRET_KEY 注入
}

// ServerConfig 中心服务器与 mTLS 凭据
type ServerConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
	CAFile       string        `yaml:"ca_file"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	AlarmTimeout time.Duration `yaml:"alarm_timeout"`
	Compress     bool          `yaml:"compress"`
	Simulated    bool          `yaml:"simulated"` // 使用内存模拟服务器（演示/联调）
}

// BatchConfig 批次组装
type BatchConfig struct {
	Capacity      int           `yaml:"capacity"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RetryConfig 重试与熔断
type RetryConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BatchAttempts int           `yaml:"batch_attempts"`
	AlarmAttempts int           `yaml:"alarm_attempts"`
	Breaker       struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		ResetTimeout     time.Duration `yaml:"reset_timeout"`
		HalfOpenSuccess  int           `yaml:"half_open_success"`
	} `yaml:"breaker"`
}

// HeartbeatConfig 心跳
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// QueueConfig 离线队列后端
type QueueConfig struct {
	Backend     string `yaml:"backend"` // postgres | redis | memory
	RedisPrefix string `yaml:"redis_prefix"`
}

// IngestConfig 本地监护流水线的 MQTT 输入主题（为空表示不订阅）
type IngestConfig struct {
	VitalsTopic string `yaml:"vitals_topic"` // 如 monitor/+/vitals
	AlarmsTopic string `yaml:"alarms_topic"` // 如 monitor/+/alarms
}

// EventsConfig 运维事件输出（为空表示不启用）
type EventsConfig struct {
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	RedisStream     string `yaml:"redis_stream"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Addr string `yaml:"addr"` // 如 ":9108"，为空不启动
}

// Tunables 可热更新的配置项
type Tunables struct {
	BatchCapacity int
	FlushInterval time.Duration
	LogLevel      string
}

const (
	DefaultCapacity          = 100
	DefaultFlushInterval     = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBatchTimeout      = 10 * time.Second
	DefaultAlarmTimeout      = 5 * time.Second
)

// Load 加载配置；path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}

	cfg.Server.BatchTimeout = DefaultBatchTimeout
	cfg.Server.AlarmTimeout = DefaultAlarmTimeout
	cfg.Server.Compress = true

	cfg.Batch.Capacity = DefaultCapacity
	cfg.Batch.FlushInterval = DefaultFlushInterval

	cfg.Retry.BaseDelay = time.Second
	cfg.Retry.MaxDelay = 60 * time.Second
	cfg.Retry.BatchAttempts = 3
	cfg.Retry.AlarmAttempts = 1
	cfg.Retry.Breaker.FailureThreshold = 5
	cfg.Retry.Breaker.ResetTimeout = 60 * time.Second
	cfg.Retry.Breaker.HalfOpenSuccess = 3

	cfg.Heartbeat.Interval = DefaultHeartbeatInterval

	cfg.Queue.Backend = "postgres"
	cfg.Queue.RedisPrefix = "telemetry:outbox:"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.ClientID = "wisefido-telemetry"
	cfg.MQTT.QoS = 1

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Device.ID = getEnv("DEVICE_ID", cfg.Device.ID)
	cfg.Device.PatientID = getEnv("PATIENT_ID", cfg.Device.PatientID)
	cfg.Device.SecretKey = getEnv("TELEMETRY_SECRET_KEY", cfg.Device.SecretKey)

	cfg.Server.Endpoint = getEnv("TELEMETRY_ENDPOINT", cfg.Server.Endpoint)
	cfg.Server.CertFile = getEnv("TELEMETRY_CERT_FILE", cfg.Server.CertFile)
	cfg.Server.KeyFile = getEnv("TELEMETRY_KEY_FILE", cfg.Server.KeyFile)
	cfg.Server.CAFile = getEnv("TELEMETRY_CA_FILE", cfg.Server.CAFile)
	cfg.Server.Compress = getEnvBool("TELEMETRY_COMPRESS", cfg.Server.Compress)
	cfg.Server.Simulated = getEnvBool("TELEMETRY_SIMULATED", cfg.Server.Simulated)

	cfg.Batch.Capacity = getEnvInt("BATCH_CAPACITY", cfg.Batch.Capacity)
	cfg.Batch.FlushInterval = getEnvDuration("BATCH_FLUSH_INTERVAL", cfg.Batch.FlushInterval)
	cfg.Heartbeat.Interval = getEnvDuration("HEARTBEAT_INTERVAL", cfg.Heartbeat.Interval)

	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Ingest.VitalsTopic = getEnv("INGEST_VITALS_TOPIC", cfg.Ingest.VitalsTopic)
	cfg.Ingest.AlarmsTopic = getEnv("INGEST_ALARMS_TOPIC", cfg.Ingest.AlarmsTopic)
	cfg.Events.MQTTTopicPrefix = getEnv("EVENTS_MQTT_TOPIC_PREFIX", cfg.Events.MQTTTopicPrefix)
	cfg.Events.RedisStream = getEnv("EVENTS_REDIS_STREAM", cfg.Events.RedisStream)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 检查结构性配置；缺少签名密钥不在这里报错，由引擎以 ConfigurationError 挂起发送
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Server.Endpoint == "" && !c.Server.Simulated {
		return fmt.Errorf("server.endpoint is required")
	}
	if !c.Server.Simulated && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("server.cert_file and server.key_file are required")
	}
	if c.Batch.Capacity <= 0 {
		return fmt.Errorf("batch.capacity must be positive")
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Retry.BatchAttempts <= 0 || c.Retry.AlarmAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	switch c.Queue.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	return nil
}

// HasSecretKey 是否已配置签名密钥
func (c *Config) HasSecretKey() bool {
	return c.Device.SecretKey != ""
}

// PatientID 可空的患者标识
func (c *Config) PatientID() *string {
	if c.Device.PatientID == "" {
		return nil
	}
	id := c.Device.PatientID
	return &id
}

// Tunables 当前可热更新的配置项
func (c *Config) Tunables() Tunables {
	return Tunables{
		BatchCapacity: c.Batch.Capacity,
		FlushInterval: c.Batch.FlushInterval,
		LogLevel:      c.Log.Level,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
