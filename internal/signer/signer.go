package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"wisefido-telemetry/internal/models"
)

// encMode CBOR Core Deterministic Encoding：相同数据总是得到相同字节
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signer: CBOR encoder initialization failed: " + err.Error())
	}
}

// Sign 使用 HMAC-SHA256 计算载荷签名（十六进制小写）
// 无随机数：相同载荷 + 密钥得到相同签名，重传无需重新签名
func Sign(payload []byte, secretKey []byte) (string, error) {
	if len(secretKey) == 0 {
		return "", models.NewTransmissionError(models.ErrConfiguration, "secret key is not configured", nil)
	}
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify 校验签名；密钥缺失或签名格式错误时一律返回 false
func Verify(payload []byte, signature string, secretKey []byte) bool {
	if len(secretKey) == 0 || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignBatch 对批次签名并写入 Signature（只能一次）
func SignBatch(batch *models.TelemetryBatch, secretKey []byte) error {
	payload, err := Canonical(batch)
	if err != nil {
		return models.NewTransmissionError(models.ErrInvalidData, "failed to encode batch", err)
	}
	signature, err := Sign(payload, secretKey)
	if err != nil {
		return err
	}
	if err := batch.Seal(signature); err != nil {
		return models.NewTransmissionError(models.ErrSignature, "batch signature is immutable", err)
	}
	return nil
}

// VerifyBatch 按当前字段重新计算并比对签名；字段被改动后必然失败
func VerifyBatch(batch *models.TelemetryBatch, secretKey []byte) bool {
	payload, err := Canonical(batch)
	if err != nil {
		return false
	}
	return Verify(payload, batch.Signature, secretKey)
}

// canonicalVital / canonicalAlarm / canonicalBatch 签名使用的规范结构
// 时间统一为 Unix 纳秒，避免时区和 JSON 往返造成字节差异
type canonicalVital struct {
	Timestamp       int64  `cbor:"1,keyasint"`
	HeartRate       int    `cbor:"2,keyasint"`
	SpO2            int    `cbor:"3,keyasint"`
	RespirationRate int    `cbor:"4,keyasint"`
	SignalQuality   string `cbor:"5,keyasint"`
}

type canonicalAlarm struct {
	AlarmID         string  `cbor:"1,keyasint"`
	DeviceID        string  `cbor:"2,keyasint"`
	PatientID       *string `cbor:"3,keyasint"`
	Timestamp       int64   `cbor:"4,keyasint"`
	Priority        string  `cbor:"5,keyasint"`
	AlarmType       string  `cbor:"6,keyasint"`
	TriggeringValue float64 `cbor:"7,keyasint"`
	Threshold       float64 `cbor:"8,keyasint"`
	Status          string  `cbor:"9,keyasint"`
}

type canonicalBatch struct {
	BatchID   string           `cbor:"1,keyasint"`
	Kind      string           `cbor:"2,keyasint"`
	DeviceID  string           `cbor:"3,keyasint"`
	PatientID *string          `cbor:"4,keyasint"`
	CreatedAt int64            `cbor:"5,keyasint"`
	Vitals    []canonicalVital `cbor:"6,keyasint"`
	Alarms    []canonicalAlarm `cbor:"7,keyasint"`
}

// Canonical 批次的规范字节编码（不含签名字段）
func Canonical(batch *models.TelemetryBatch) ([]byte, error) {
	if batch == nil {
		return nil, fmt.Errorf("batch is required")
	}
	c := canonicalBatch{
		BatchID:   batch.BatchID,
		Kind:      string(batch.Kind),
		DeviceID:  batch.DeviceID,
		PatientID: batch.PatientID,
		CreatedAt: batch.CreatedAt.UnixNano(),
		Vitals:    make([]canonicalVital, 0, len(batch.Vitals)),
		Alarms:    make([]canonicalAlarm, 0, len(batch.Alarms)),
	}
	for _, v := range batch.Vitals {
		c.Vitals = append(c.Vitals, canonicalVital{
			Timestamp:       v.Timestamp.UnixNano(),
			HeartRate:       v.HeartRate,
			SpO2:            v.SpO2,
			RespirationRate: v.RespirationRate,
			SignalQuality:   string(v.SignalQuality),
		})
	}
	for _, a := range batch.Alarms {
		c.Alarms = append(c.Alarms, canonicalAlarm{
			AlarmID:         a.AlarmID,
			DeviceID:        a.DeviceID,
			PatientID:       a.PatientID,
			Timestamp:       a.Timestamp.UnixNano(),
			Priority:        string(a.Priority),
			AlarmType:       a.AlarmType,
			TriggeringValue: a.TriggeringValue,
			Threshold:       a.Threshold,
			Status:          string(a.Status),
		})
	}
	return encMode.Marshal(c)
}
