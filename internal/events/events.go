package events

import (
	"time"

	"wisefido-telemetry/internal/models"
)

// Type 事件类型
type Type string

const (
	TypeTransmissionSucceeded   Type = "TransmissionSucceeded"
	TypeTransmissionFailed      Type = "TransmissionFailed"
	TypeConnectivityChanged     Type = "ConnectivityChanged"
	TypeBatchQueued             Type = "BatchQueued"
	TypeRetryExhausted          Type = "RetryExhausted"
	TypePendingChanged          Type = "PendingChanged"
	TypeMetricsIntegrityWarning Type = "MetricsIntegrityWarning"
	TypeEngineHalted            Type = "EngineHalted"
	TypeRecordsDropped          Type = "RecordsDropped"
)

// Event 发往监听者的类型化事件
type Event interface {
	EventType() Type
	Meta() Header
}

// Header 所有事件共有的字段
type Header struct {
	DeviceID string    `json:"deviceId"`
	At       time.Time `json:"at"`
}

// Meta 实现 Event
func (h Header) Meta() Header { return h }

// TransmissionSucceeded 批次/报警已被服务端确认
type TransmissionSucceeded struct {
	Header
	BatchID   string           `json:"batchId"`
	Kind      models.BatchKind `json:"kind"`
	Records   int              `json:"records"`
	Duplicate bool             `json:"duplicate"`
	Attempts  int              `json:"attempts"`
	Quality   string           `json:"quality"`
	Replayed  bool             `json:"replayed"`
}

// TransmissionFailed 发送循环放弃（不可重试或重试用尽）
type TransmissionFailed struct {
	Header
	BatchID   string           `json:"batchId"`
	Kind      models.BatchKind `json:"kind"`
	ErrorKind models.ErrorKind `json:"errorKind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Attempts  int              `json:"attempts"`
}

// ConnectivityChanged 连接状态变化（床旁界面可见）
type ConnectivityChanged struct {
	Header
	From models.ConnectivityStatus `json:"from"`
	To   models.ConnectivityStatus `json:"to"`
}

// BatchQueued 批次移交离线队列
type BatchQueued struct {
	Header
	BatchID string           `json:"batchId"`
	Kind    models.BatchKind `json:"kind"`
	Reason  string           `json:"reason"`
}

// RetryExhausted 可重试错误用尽尝试次数
type RetryExhausted struct {
	Header
	BatchID    string        `json:"batchId"`
	Attempts   int           `json:"attempts"`
	ReplayHint time.Duration `json:"replayHint"`
}

// PendingChanged 待发送数量变化（床旁界面可见）
type PendingChanged struct {
	Header
	Pending int `json:"pending"`
}

// MetricsIntegrityWarning 时间戳顺序异常
type MetricsIntegrityWarning struct {
	Header
	BatchID string        `json:"batchId"`
	Stage   string        `json:"stage"`
	Latency time.Duration `json:"latency"`
}

// EngineHalted 配置错误导致停止发送，等待重新配网
type EngineHalted struct {
	Header
	Reason string `json:"reason"`
}

// RecordsDropped 记录在签名前就无法持久化，已经丢失
type RecordsDropped struct {
	Header
	Vitals int    `json:"vitals"`
	Alarms int    `json:"alarms"`
	Reason string `json:"reason"`
}

func (TransmissionSucceeded) EventType() Type   { return TypeTransmissionSucceeded }
func (TransmissionFailed) EventType() Type      { return TypeTransmissionFailed }
func (ConnectivityChanged) EventType() Type     { return TypeConnectivityChanged }
func (BatchQueued) EventType() Type             { return TypeBatchQueued }
func (RetryExhausted) EventType() Type          { return TypeRetryExhausted }
func (PendingChanged) EventType() Type          { return TypePendingChanged }
func (MetricsIntegrityWarning) EventType() Type { return TypeMetricsIntegrityWarning }
func (EngineHalted) EventType() Type            { return TypeEngineHalted }
func (RecordsDropped) EventType() Type          { return TypeRecordsDropped }

// UIVisible 床旁界面只关心连接状态和待发送数量
func UIVisible(e Event) bool {
	switch e.EventType() {
	case TypeConnectivityChanged, TypePendingChanged:
		return true
	}
	return false
}
