package events

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	commonredis "wisefido-telemetry/internal/common/redis"
)

// Envelope 事件的序列化格式
type Envelope struct {
	Type  Type  `json:"type"`
	Event Event `json:"event"`
}

// Marshal 序列化事件
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: e.EventType(), Event: e})
}

// LoggingListener 把事件写入日志
type LoggingListener struct {
	logger *zap.Logger
}

// NewLoggingListener 创建日志监听者
func NewLoggingListener(logger *zap.Logger) *LoggingListener {
	return &LoggingListener{logger: logger}
}

// Handle 实现 Listener
func (l *LoggingListener) Handle(ctx context.Context, e Event) {
	fields := Fields(e)
	switch e.(type) {
	case TransmissionFailed, RetryExhausted, MetricsIntegrityWarning:
		l.logger.Warn("Telemetry event", fields...)
	case EngineHalted, RecordsDropped:
		l.logger.Error("Telemetry event", fields...)
	case PendingChanged:
		l.logger.Debug("Telemetry event", fields...)
	default:
		l.logger.Info("Telemetry event", fields...)
	}
}

// Fields 事件的日志字段
func Fields(e Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event", string(e.EventType())),
		zap.String("device_id", e.Meta().DeviceID),
	}
	switch ev := e.(type) {
	case TransmissionSucceeded:
		fields = append(fields, zap.String("batch_id", ev.BatchID), zap.Int("records", ev.Records),
			zap.Bool("duplicate", ev.Duplicate), zap.String("quality", ev.Quality))
	case TransmissionFailed:
		fields = append(fields, zap.String("batch_id", ev.BatchID), zap.String("error_kind", string(ev.ErrorKind)),
			zap.String("message", ev.Message), zap.Bool("retryable", ev.Retryable), zap.Int("attempts", ev.Attempts))
	case RetryExhausted:
		fields = append(fields, zap.String("batch_id", ev.BatchID), zap.Int("attempts", ev.Attempts),
			zap.Duration("replay_hint", ev.ReplayHint))
	case ConnectivityChanged:
		fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	case BatchQueued:
		fields = append(fields, zap.String("batch_id", ev.BatchID), zap.String("reason", ev.Reason))
	case PendingChanged:
		fields = append(fields, zap.Int("pending", ev.Pending))
	case MetricsIntegrityWarning:
		fields = append(fields, zap.String("batch_id", ev.BatchID), zap.String("stage", ev.Stage),
			zap.Duration("latency", ev.Latency))
	case EngineHalted:
		fields = append(fields, zap.String("reason", ev.Reason))
	case RecordsDropped:
		fields = append(fields, zap.Int("vitals", ev.Vitals), zap.Int("alarms", ev.Alarms),
			zap.String("reason", ev.Reason))
	}
	return fields
}

// MQTTPublisher MQTT 发布能力（由 common/mqtt.Client 实现）
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTListener 把事件发布到 {prefix}/{device_id}/{event_type}
// 连接状态和待发送数量使用 retained 消息，界面订阅后立即拿到最新值
type MQTTListener struct {
	client MQTTPublisher
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTListener 创建 MQTT 事件发布者
func NewMQTTListener(client MQTTPublisher, prefix string, qos byte, logger *zap.Logger) *MQTTListener {
	return &MQTTListener{
		client: client,
		prefix: strings.TrimRight(prefix, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Topic 事件对应的主题
func (l *MQTTListener) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", l.prefix, e.Meta().DeviceID, snake(string(e.EventType())))
}

// Handle 实现 Listener
func (l *MQTTListener) Handle(ctx context.Context, e Event) {
	payload, err := Marshal(e)
	if err != nil {
		l.logger.Error("Failed to marshal event", zap.String("event", string(e.EventType())), zap.Error(err))
		return
	}
	if err := l.client.Publish(l.Topic(e), l.qos, UIVisible(e), payload); err != nil {
		l.logger.Warn("Failed to publish event to MQTT",
			zap.String("event", string(e.EventType())),
			zap.Error(err),
		)
	}
}

// RedisStreamListener 把事件追加到 Redis Stream，供运维看板消费
type RedisStreamListener struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisStreamListener 创建 Redis Stream 事件发布者
func NewRedisStreamListener(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisStreamListener {
	return &RedisStreamListener{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Handle 实现 Listener
func (l *RedisStreamListener) Handle(ctx context.Context, e Event) {
	if _, err := commonredis.PublishJSONToStream(ctx, l.client, l.stream, string(e.EventType()), e, l.maxLen); err != nil {
		l.logger.Warn("Failed to publish event to Redis stream",
			zap.String("event", string(e.EventType())),
			zap.String("stream", l.stream),
			zap.Error(err),
		)
	}
}

var camel = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func snake(s string) string {
	return strings.ToLower(camel.ReplaceAllString(s, "${1}_${2}"))
}
