package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/transport"
)

const (
	// DefaultBatchTimeout 常规批次超时
	DefaultBatchTimeout = 10 * time.Second
	// DefaultAlarmTimeout HIGH 报警超时（报警不能等在慢批次后面）
	DefaultAlarmTimeout = 5 * time.Second

	batchPath     = "/api/v1/telemetry/batches"
	alarmPath     = "/api/v1/telemetry/alarms"
	heartbeatPath = "/api/v1/telemetry/heartbeat"
)

// Config 发送客户端配置
type Config struct {
	Endpoint     string // 中心服务器基础地址，如 https://central.example.org
	BatchTimeout time.Duration
	AlarmTimeout time.Duration
	Compress     bool // gzip 压缩请求体
}

// Client 遥测发送客户端：编码批次、调用安全传输、解析服务端确认
type Client struct {
	cfg       Config
	transport transport.Transport
	logger    *zap.Logger
	now       func() time.Time
}

// NewClient 创建发送客户端
func NewClient(cfg Config, tr transport.Transport, logger *zap.Logger) *Client {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.AlarmTimeout <= 0 {
		cfg.AlarmTimeout = DefaultAlarmTimeout
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:       cfg,
		transport: tr,
		logger:    logger,
		now:       time.Now,
	}
}

// ack 服务端确认
// 成功：{status, recordsReceived, serverTimestamp}；失败：{status:"ERROR", reason, retryable}
type ack struct {
	Status          string     `json:"status"`
	RecordsReceived *int       `json:"recordsReceived"`
	ServerTimestamp *time.Time `json:"serverTimestamp"`
	Reason          string     `json:"reason"`
	Retryable       *bool      `json:"retryable"`
}

// TimeoutFor 批次对应的请求超时
func (c *Client) TimeoutFor(b *models.TelemetryBatch) time.Duration {
	if b.Kind == models.BatchKindAlarm && b.Priority() == models.PriorityHigh {
		return c.cfg.AlarmTimeout
	}
	return c.cfg.BatchTimeout
}

// Send 发送一个已签名批次
// metrics 携带 created/saved 时间戳，返回结果中补充 started 及成功时的 received/acknowledged
// 调用方取消 ctx 不会中断进行中的请求，请求只受自身超时约束
func (c *Client) Send(ctx context.Context, b *models.TelemetryBatch, metrics models.TransmissionMetrics) *models.TransmissionResult {
	metrics.BatchID = b.BatchID

	if !b.IsSigned() {
		return models.Failed(b.BatchID, metrics,
			models.NewTransmissionError(models.ErrSignature, "refusing to send unsigned batch", nil))
	}

	body, headers, err := c.encode(b)
	if err != nil {
		return models.Failed(b.BatchID, metrics,
			models.NewTransmissionError(models.ErrInvalidData, "failed to encode batch", err))
	}

	path := batchPath
	if b.Kind == models.BatchKindAlarm {
		path = alarmPath
	}
	timeout := c.TimeoutFor(b)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	metrics.TransmissionStartedAt = c.now()
	resp, err := c.transport.Send(sendCtx, &transport.Request{
		URL:     c.cfg.Endpoint + path,
		Body:    body,
		Headers: headers,
		Timeout: timeout,
	})
	if err != nil {
		terr := fromTransportError(err, timeout)
		c.logger.Warn("Telemetry batch transmission failed",
			zap.String("batch_id", b.BatchID),
			zap.String("kind", string(terr.Kind)),
			zap.Bool("retryable", terr.Retryable),
			zap.Error(err),
		)
		return models.Failed(b.BatchID, metrics, terr)
	}

	return c.interpret(b, resp, metrics)
}

// interpret 解析服务端响应
func (c *Client) interpret(b *models.TelemetryBatch, resp *transport.Response, metrics models.TransmissionMetrics) *models.TransmissionResult {
	var a ack
	parseErr := json.Unmarshal(resp.Body, &a)
	if parseErr == nil && a.Status == "" {
		parseErr = fmt.Errorf("missing status field")
	}
	status := strings.ToUpper(a.Status)

	fail := func(kind models.ErrorKind, msg string, cause error) *models.TransmissionResult {
		terr := models.NewTransmissionError(kind, msg, cause)
		if kind == models.ErrUnknown {
			c.logger.Error("Unexpected response from telemetry server",
				zap.String("batch_id", b.BatchID),
				zap.Int("status_code", resp.StatusCode),
				zap.String("body", truncate(resp.Body, 512)),
				zap.Error(cause),
			)
		} else {
			c.logger.Warn("Telemetry server rejected batch",
				zap.String("batch_id", b.BatchID),
				zap.Int("status_code", resp.StatusCode),
				zap.String("kind", string(kind)),
				zap.String("reason", a.Reason),
			)
		}
		return models.Failed(b.BatchID, metrics, terr)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fail(models.ErrAuthentication, fmt.Sprintf("server refused credentials (http %d)", resp.StatusCode), nil)

	case resp.StatusCode == http.StatusTooManyRequests:
		// 限流：按服务端错误退避重试
		reason := a.Reason
		if reason == "" {
			reason = "rate limited (http 429)"
		}
		return fail(models.ErrServer, reason, nil)

	case resp.StatusCode == http.StatusRequestTimeout:
		return fail(models.ErrTimeout, "server timed out reading request (http 408)", nil)

	case resp.StatusCode >= 500:
		reason := a.Reason
		if reason == "" {
			reason = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return fail(models.ErrServer, reason, nil)

	case parseErr == nil && status == "DUPLICATE" && (resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict):
		// 服务端按批次ID去重：已收到即视为成功
		received := b.RecordCount()
		if a.RecordsReceived != nil {
			received = *a.RecordsReceived
		}
		return c.succeed(b, resp, metrics, received, a.ServerTimestamp, true)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parseErr != nil {
			return fail(models.ErrUnknown, "malformed acknowledgement", parseErr)
		}
		switch status {
		case "OK", "ACCEPTED", "RECEIVED":
			if a.RecordsReceived == nil {
				return fail(models.ErrUnknown, "acknowledgement without recordsReceived", nil)
			}
			if *a.RecordsReceived < b.RecordCount() {
				return fail(models.ErrServer,
					fmt.Sprintf("partial acknowledgement: %d of %d records", *a.RecordsReceived, b.RecordCount()), nil)
			}
			return c.succeed(b, resp, metrics, *a.RecordsReceived, a.ServerTimestamp, false)
		case "ERROR":
			if a.Retryable != nil && *a.Retryable {
				return fail(models.ErrServer, a.Reason, nil)
			}
			return fail(models.ErrInvalidData, a.Reason, nil)
		}
		return fail(models.ErrUnknown, fmt.Sprintf("unexpected status %q", a.Status), nil)

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		if parseErr == nil && status == "ERROR" && a.Retryable != nil && *a.Retryable {
			return fail(models.ErrServer, a.Reason, nil)
		}
		return fail(models.ErrInvalidData, a.Reason, nil)
	}

	return fail(models.ErrUnknown, fmt.Sprintf("unexpected http status %d", resp.StatusCode), parseErr)
}

func (c *Client) succeed(b *models.TelemetryBatch, resp *transport.Response, metrics models.TransmissionMetrics, received int, serverTS *time.Time, duplicate bool) *models.TransmissionResult {
	metrics.ServerReceivedAt = resp.ReceivedAt
	if metrics.ServerReceivedAt.IsZero() {
		metrics.ServerReceivedAt = c.now()
	}
	metrics.ServerAcknowledgedAt = c.now()

	c.logger.Debug("Telemetry batch acknowledged",
		zap.String("batch_id", b.BatchID),
		zap.Int("records_received", received),
		zap.Bool("duplicate", duplicate),
	)

	return &models.TransmissionResult{
		BatchID:         b.BatchID,
		Success:         true,
		Duplicate:       duplicate,
		RecordsReceived: received,
		ServerTimestamp: serverTS,
		Metrics:         metrics,
	}
}

// heartbeat 心跳载荷
type heartbeat struct {
	DeviceID       string    `json:"deviceId"`
	Timestamp      time.Time `json:"timestamp"`
	PendingBatches int       `json:"pendingBatches"`
}

// SendHeartbeat 发送心跳，用于探测连通性
func (c *Client) SendHeartbeat(ctx context.Context, deviceID string, pending int) error {
	body, err := json.Marshal(heartbeat{DeviceID: deviceID, Timestamp: c.now(), PendingBatches: pending})
	if err != nil {
		return models.NewTransmissionError(models.ErrInvalidData, "failed to encode heartbeat", err)
	}

	timeout := c.cfg.AlarmTimeout
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	resp, err := c.transport.Send(sendCtx, &transport.Request{
		URL:     c.cfg.Endpoint + heartbeatPath,
		Body:    body,
		Headers: map[string]string{"Content-Type": "application/json", "X-Device-ID": deviceID},
		Timeout: timeout,
	})
	if err != nil {
		return fromTransportError(err, timeout)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.NewTransmissionError(models.ErrAuthentication, fmt.Sprintf("heartbeat refused (http %d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusRequestTimeout:
		return models.NewTransmissionError(models.ErrTimeout, "heartbeat http 408", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.NewTransmissionError(models.ErrServer, fmt.Sprintf("heartbeat http %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return models.NewTransmissionError(models.ErrUnknown, fmt.Sprintf("heartbeat http %d", resp.StatusCode), nil)
	}
	return nil
}

// encode 序列化批次（可选 gzip）
func (c *Client) encode(b *models.TelemetryBatch) ([]byte, map[string]string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"X-Device-ID":  b.DeviceID,
		"X-Batch-ID":   b.BatchID,
	}
	if !c.cfg.Compress {
		return raw, headers, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, nil, err
	}
	headers["Content-Encoding"] = "gzip"
	return buf.Bytes(), headers, nil
}

// fromTransportError 传输层错误映射到传输错误分类
func fromTransportError(err error, timeout time.Duration) *models.TransmissionError {
	switch transport.KindOf(err) {
	case transport.KindTimeout:
		return models.NewTransmissionError(models.ErrTimeout, fmt.Sprintf("no response within %s", timeout), err)
	case transport.KindAuthentication:
		return models.NewTransmissionError(models.ErrAuthentication, "certificate rejected", err)
	}
	return models.NewTransmissionError(models.ErrNetwork, "network failure", err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
