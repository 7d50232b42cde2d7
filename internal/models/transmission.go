package models

import (
	"time"
)

// TransmissionMetrics 单个批次的五个阶段时间戳
// 失败时只会填充部分时间戳（零值表示该阶段未发生）
type TransmissionMetrics struct {
	BatchID               string    `json:"batchId"`
	CreatedAt             time.Time `json:"createdAt"`
	SavedAt               time.Time `json:"savedAt"`
	TransmissionStartedAt time.Time `json:"transmissionStartedAt"`
	ServerReceivedAt      time.Time `json:"serverReceivedAt"`
	ServerAcknowledgedAt  time.Time `json:"serverAcknowledgedAt"`
}

// TransmissionResult 一次发送的结构化结果
type TransmissionResult struct {
	BatchID         string              `json:"batchId"`
	Success         bool                `json:"success"`
	Duplicate       bool                `json:"duplicate"` // 服务端已收到过该批次
	RecordsReceived int                 `json:"recordsReceived"`
	ServerTimestamp *time.Time          `json:"serverTimestamp,omitempty"` // 仅用于诊断，不参与时钟排序
	Attempts        int                 `json:"attempts"`
	Metrics         TransmissionMetrics `json:"metrics"`
	Error           *TransmissionError  `json:"error,omitempty"`
}

// Failed 构造失败结果
func Failed(batchID string, metrics TransmissionMetrics, err *TransmissionError) *TransmissionResult {
	return &TransmissionResult{
		BatchID: batchID,
		Success: false,
		Metrics: metrics,
		Error:   err,
	}
}

// Retryable 失败且可重试
func (r *TransmissionResult) Retryable() bool {
	return !r.Success && r.Error != nil && r.Error.Retryable
}
