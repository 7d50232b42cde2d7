package models

import "time"

// QueuedBatch 离线队列中的批次
// 批次在定型时先写入（write-ahead），发送失败后标记为 Queued，收到确认后删除
type QueuedBatch struct {
	Seq       int64           `json:"seq"` // 持久化顺序（FIFO）
	Batch     *TelemetryBatch `json:"batch"`
	SavedAt   time.Time       `json:"savedAt"`
	Queued    bool            `json:"queued"` // 已移交离线队列
	QueuedAt  *time.Time      `json:"queuedAt,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}
