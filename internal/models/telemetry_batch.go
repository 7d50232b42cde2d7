package models

import (
	"errors"
	"time"
)

// BatchKind 批次类型
type BatchKind string

const (
	BatchKindTelemetry BatchKind = "telemetry" // 常规生命体征批次
	BatchKindAlarm     BatchKind = "alarm"     // 单条 HIGH 报警（带外发送）
)

// ErrAlreadySigned 签名只能设置一次
var ErrAlreadySigned = errors.New("batch already signed")

// TelemetryBatch 遥测批次（对应线上 JSON 载荷）
// 签名覆盖除 Signature 以外的全部字段；签名后只读
type TelemetryBatch struct {
	BatchID   string        `json:"batchId"`
	Kind      BatchKind     `json:"kind"`
	DeviceID  string        `json:"deviceId"`
	PatientID *string       `json:"patientId,omitempty"` // 未入院时为空
	CreatedAt time.Time     `json:"createdAt"`
	Vitals    []VitalRecord `json:"vitals"`
	Alarms    []AlarmEvent  `json:"alarms"`
	Signature string        `json:"signature"`
}

// Seal 设置签名（只允许一次）
func (b *TelemetryBatch) Seal(signature string) error {
	if b.Signature != "" {
		return ErrAlreadySigned
	}
	b.Signature = signature
	return nil
}

// IsSigned 是否已签名
func (b *TelemetryBatch) IsSigned() bool {
	return b.Signature != ""
}

// RecordCount 服务端需确认接收的记录数（生命体征 + 报警）
func (b *TelemetryBatch) RecordCount() int {
	return len(b.Vitals) + len(b.Alarms)
}

// Priority 批次发送优先级：报警批次使用报警自身优先级
func (b *TelemetryBatch) Priority() AlarmPriority {
	if b.Kind == BatchKindAlarm && len(b.Alarms) > 0 {
		return b.Alarms[0].Priority
	}
	return PriorityLow
}
