package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	mqttcommon "wisefido-telemetry/internal/common/mqtt"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/models"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Sink 记录写入目标（service.Engine）
type Sink interface {
	AddVital(record models.VitalRecord) error
	RaiseAlarm(alarm models.AlarmEvent) error
}

// MQTTConsumer 订阅本地监护流水线发布的生命体征和报警
// 主题格式: {prefix}/{device_id}/vitals | {prefix}/{device_id}/alarms
type MQTTConsumer struct {
	config   config.IngestConfig
	deviceID string
	qos      byte
	client   Subscriber
	sink     Sink
	logger   *zap.Logger
}

// NewMQTTConsumer 创建消费者
func NewMQTTConsumer(cfg config.IngestConfig, deviceID string, qos byte, client Subscriber, sink Sink, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		config:   cfg,
		deviceID: deviceID,
		qos:      qos,
		client:   client,
		sink:     sink,
		logger:   logger,
	}
}

// Start 订阅已配置的主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if c.config.VitalsTopic != "" {
		if err := c.client.Subscribe(c.config.VitalsTopic, c.qos, c.handleVitals); err != nil {
			return fmt.Errorf("failed to subscribe to vitals topic: %w", err)
		}
	}
	if c.config.AlarmsTopic != "" {
		if err := c.client.Subscribe(c.config.AlarmsTopic, c.qos, c.handleAlarms); err != nil {
			return fmt.Errorf("failed to subscribe to alarms topic: %w", err)
		}
	}

	c.logger.Info("MQTT ingest consumer started",
		zap.String("vitals_topic", c.config.VitalsTopic),
		zap.String("alarms_topic", c.config.AlarmsTopic),
	)
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	var topics []string
	for _, t := range []string{c.config.VitalsTopic, c.config.AlarmsTopic} {
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil
	}
	if err := c.client.Unsubscribe(topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT ingest consumer stopped")
	return nil
}

// handleVitals 载荷为单条记录或记录数组
func (c *MQTTConsumer) handleVitals(topic string, payload []byte) error {
	if err := c.checkDevice(topic); err != nil {
		return err
	}

	var records []models.VitalRecord
	if err := decodeOneOrMany(payload, &records); err != nil {
		return fmt.Errorf("failed to unmarshal vitals: %w", err)
	}

	accepted := 0
	for _, r := range records {
		v, err := models.NewVitalRecord(r.Timestamp, r.HeartRate, r.SpO2, r.RespirationRate, r.SignalQuality)
		if err != nil {
			c.logger.Warn("Dropping invalid vital record",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		if err := c.sink.AddVital(v); err != nil {
			return fmt.Errorf("failed to add vital: %w", err)
		}
		accepted++
	}

	c.logger.Debug("Received vitals",
		zap.String("topic", topic),
		zap.Int("records", len(records)),
		zap.Int("accepted", accepted),
	)
	return nil
}

// handleAlarms 单条报警无效或写入失败只丢弃该条，同一消息中的其余报警照常处理
func (c *MQTTConsumer) handleAlarms(topic string, payload []byte) error {
	if err := c.checkDevice(topic); err != nil {
		return err
	}

	var alarms []models.AlarmEvent
	if err := decodeOneOrMany(payload, &alarms); err != nil {
		return fmt.Errorf("failed to unmarshal alarms: %w", err)
	}

	var failed []string
	for _, a := range alarms {
		if a.DeviceID != "" && a.DeviceID != c.deviceID {
			c.logger.Warn("Dropping alarm for another device",
				zap.String("alarm_id", a.AlarmID),
				zap.String("alarm_device_id", a.DeviceID),
			)
			continue
		}
		if err := a.Validate(); err != nil {
			c.logger.Warn("Dropping invalid alarm",
				zap.String("topic", topic),
				zap.String("alarm_id", a.AlarmID),
				zap.String("priority", string(a.Priority)),
				zap.String("status", string(a.Status)),
				zap.Error(err),
			)
			continue
		}
		if err := c.sink.RaiseAlarm(a); err != nil {
			c.logger.Error("Failed to raise alarm",
				zap.String("alarm_id", a.AlarmID),
				zap.String("priority", string(a.Priority)),
				zap.Error(err),
			)
			failed = append(failed, a.AlarmID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to raise %d of %d alarms: %s", len(failed), len(alarms), strings.Join(failed, ","))
	}
	return nil
}

// checkDevice 主题中的设备标识必须是本设备（通配订阅时）
func (c *MQTTConsumer) checkDevice(topic string) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	if id := parts[len(parts)-2]; id != c.deviceID {
		return fmt.Errorf("topic %s is for device %s, not %s", topic, id, c.deviceID)
	}
	return nil
}

func decodeOneOrMany[T any](payload []byte, out *[]T) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*out = append(*out, one)
	return nil
}
