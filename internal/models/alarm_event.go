package models

import (
	"fmt"
	"time"
)

// AlarmPriority 报警优先级
type AlarmPriority string

const (
	PriorityHigh   AlarmPriority = "HIGH"
	PriorityMedium AlarmPriority = "MEDIUM"
	PriorityLow    AlarmPriority = "LOW"
)

// Valid 是否为已知优先级（区分大小写）
func (p AlarmPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// AlarmStatus 报警状态
type AlarmStatus string

const (
	AlarmActive       AlarmStatus = "ACTIVE"
	AlarmAcknowledged AlarmStatus = "ACKNOWLEDGED"
	AlarmResolved     AlarmStatus = "RESOLVED"
)

// Valid 是否为已知状态
func (s AlarmStatus) Valid() bool {
	switch s {
	case AlarmActive, AlarmAcknowledged, AlarmResolved:
		return true
	}
	return false
}

// AlarmEvent 报警事件
// HIGH 优先级不进入批次，单独立即发送；MEDIUM/LOW 随批次嵌入发送
type AlarmEvent struct {
	AlarmID         string        `json:"alarmId"`
	DeviceID        string        `json:"deviceId"`
	PatientID       *string       `json:"patientId,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Priority        AlarmPriority `json:"priority"`
	AlarmType       string        `json:"alarmType"`       // 如 HR_HIGH, SPO2_LOW
	TriggeringValue float64       `json:"triggeringValue"` // 触发时的测量值
	Threshold       float64       `json:"threshold"`
	Status          AlarmStatus   `json:"status"`
}

// IsUrgent 是否需要绕过批次立即发送
func (a *AlarmEvent) IsUrgent() bool {
	return a.Priority == PriorityHigh
}

// Validate 检查必填字段和枚举取值
// 未知优先级会被当作非紧急报警嵌入批次，因此必须拒绝
func (a *AlarmEvent) Validate() error {
	if a.AlarmID == "" {
		return fmt.Errorf("alarm id is required")
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("alarm %s: invalid priority %q", a.AlarmID, a.Priority)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("alarm %s: invalid status %q", a.AlarmID, a.Status)
	}
	return nil
}
