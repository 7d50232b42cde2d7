package models

import "time"

// MetricsRecord 持久化的单批次传输指标（transmission_metrics 表）
// 未发生的阶段时间戳为零值，无法推导的延迟为 nil
type MetricsRecord struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batchId"`
	DeviceID  string    `json:"deviceId"`
	Kind      BatchKind `json:"kind"`
	Success   bool      `json:"success"`
	Duplicate bool      `json:"duplicate"`
	ErrorKind string    `json:"errorKind,omitempty"`
	Attempts  int       `json:"attempts"`
	Records   int       `json:"records"`
	Quality   string    `json:"quality"`

	CreatedAt             time.Time `json:"createdAt"`
	SavedAt               time.Time `json:"savedAt"`
	TransmissionStartedAt time.Time `json:"transmissionStartedAt"`
	ServerReceivedAt      time.Time `json:"serverReceivedAt"`
	ServerAcknowledgedAt  time.Time `json:"serverAcknowledgedAt"`

	StoreLatencyMs    *int64 `json:"storeLatencyMs,omitempty"`
	TransmitLatencyMs *int64 `json:"transmitLatencyMs,omitempty"`
	ServerLatencyMs   *int64 `json:"serverLatencyMs,omitempty"`
	EndToEndMs        *int64 `json:"endToEndMs,omitempty"`

	RecordedAt time.Time `json:"recordedAt"`
}
