package models

import (
	"fmt"
	"time"
)

// SignalQuality 信号质量
type SignalQuality string

const (
	SignalGood         SignalQuality = "GOOD"
	SignalFair         SignalQuality = "FAIR"
	SignalPoor         SignalQuality = "POOR"
	SignalDisconnected SignalQuality = "DISCONNECTED"
)

// Valid 检查信号质量是否为已知取值
func (q SignalQuality) Valid() bool {
	switch q {
	case SignalGood, SignalFair, SignalPoor, SignalDisconnected:
		return true
	}
	return false
}

// VitalRecord 单条生命体征记录（由监护采集管线产生，创建后不可修改）
type VitalRecord struct {
	Timestamp       time.Time     `json:"timestamp"`
	HeartRate       int           `json:"heartRate"`       // bpm
	SpO2            int           `json:"spo2"`            // %
	RespirationRate int           `json:"respirationRate"` // 次/分钟
	SignalQuality   SignalQuality `json:"signalQuality"`
}

// NewVitalRecord 创建生命体征记录
func NewVitalRecord(ts time.Time, heartRate, spo2, respirationRate int, quality SignalQuality) (VitalRecord, error) {
	if ts.IsZero() {
		return VitalRecord{}, fmt.Errorf("vital timestamp is required")
	}
	if !quality.Valid() {
		return VitalRecord{}, fmt.Errorf("invalid signal quality: %q", quality)
	}
	return VitalRecord{
		Timestamp:       ts,
		HeartRate:       heartRate,
		SpO2:            spo2,
		RespirationRate: respirationRate,
		SignalQuality:   quality,
	}, nil
}
