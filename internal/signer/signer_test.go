package signer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-telemetry/internal/models"
)

var testKey = []byte("device-secret-key")

func newTestBatch(t *testing.T) *models.TelemetryBatch {
	t.Helper()
	patientID := "MRN-1001"
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batch := &models.TelemetryBatch{
		BatchID:   uuid.New().String(),
		Kind:      models.BatchKindTelemetry,
		DeviceID:  "ZM-0042",
		PatientID: &patientID,
		CreatedAt: base.Add(10 * time.Second),
	}
	for i := 0; i < 5; i++ {
		batch.Vitals = append(batch.Vitals, models.VitalRecord{
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			HeartRate:       70 + i,
			SpO2:            98,
			RespirationRate: 16,
			SignalQuality:   models.SignalGood,
		})
	}
	batch.Alarms = append(batch.Alarms, models.AlarmEvent{
		AlarmID:         uuid.New().String(),
		DeviceID:        "ZM-0042",
		PatientID:       &patientID,
		Timestamp:       base,
		Priority:        models.PriorityMedium,
		AlarmType:       "SPO2_LOW",
		TriggeringValue: 89,
		Threshold:       90,
		Status:          models.AlarmActive,
	})
	return batch
}

func TestSignVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"batchId":"b-1"}`)

	sig, err := Sign(payload, testKey)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, Verify(payload, sig, testKey))
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte("same payload")

	first, err := Sign(payload, testKey)
	require.NoError(t, err)
	second, err := Sign(payload, testKey)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSign_EmptyKeyIsConfigurationError(t *testing.T) {
	_, err := Sign([]byte("payload"), nil)
	require.Error(t, err)

	var te *models.TransmissionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.ErrConfiguration, te.Kind)
	assert.False(t, te.Retryable)
}

func TestVerify_FailsClosed(t *testing.T) {
	payload := []byte("payload")
	sig, err := Sign(payload, testKey)
	require.NoError(t, err)

	assert.False(t, Verify(payload, sig, []byte("other-key")))
	assert.False(t, Verify(payload, sig, nil))
	assert.False(t, Verify(payload, "", testKey))
	assert.False(t, Verify(payload, "not-hex", testKey))
	assert.False(t, Verify([]byte("payload2"), sig, testKey))
}

func TestSignBatch_VerifyBatch(t *testing.T) {
	batch := newTestBatch(t)

	require.NoError(t, SignBatch(batch, testKey))
	assert.True(t, batch.IsSigned())
	assert.True(t, VerifyBatch(batch, testKey))
}

func TestSignBatch_SignatureSetOnce(t *testing.T) {
	batch := newTestBatch(t)
	require.NoError(t, SignBatch(batch, testKey))

	err := SignBatch(batch, testKey)
	require.Error(t, err)
	assert.Equal(t, models.ErrSignature, models.KindOf(err))
}

func TestVerifyBatch_AnyFieldChangeFails(t *testing.T) {
	mutations := map[string]func(b *models.TelemetryBatch){
		"batch id":        func(b *models.TelemetryBatch) { b.BatchID = uuid.New().String() },
		"device id":       func(b *models.TelemetryBatch) { b.DeviceID = "ZM-9999" },
		"patient id":      func(b *models.TelemetryBatch) { b.PatientID = nil },
		"created at":      func(b *models.TelemetryBatch) { b.CreatedAt = b.CreatedAt.Add(time.Millisecond) },
		"kind":            func(b *models.TelemetryBatch) { b.Kind = models.BatchKindAlarm },
		"heart rate":      func(b *models.TelemetryBatch) { b.Vitals[2].HeartRate++ },
		"signal quality":  func(b *models.TelemetryBatch) { b.Vitals[0].SignalQuality = models.SignalPoor },
		"vital order":     func(b *models.TelemetryBatch) { b.Vitals[0], b.Vitals[1] = b.Vitals[1], b.Vitals[0] },
		"dropped vital":   func(b *models.TelemetryBatch) { b.Vitals = b.Vitals[:4] },
		"alarm threshold": func(b *models.TelemetryBatch) { b.Alarms[0].Threshold = 85 },
		"alarm status":    func(b *models.TelemetryBatch) { b.Alarms[0].Status = models.AlarmResolved },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			batch := newTestBatch(t)
			require.NoError(t, SignBatch(batch, testKey))

			mutate(batch)
			assert.False(t, VerifyBatch(batch, testKey))
		})
	}
}

func TestVerifyBatch_SurvivesJSONRoundTrip(t *testing.T) {
	batch := newTestBatch(t)
	// 本地时区的时间经过 JSON 往返后仍需验签通过
	batch.CreatedAt = batch.CreatedAt.In(time.FixedZone("CST", 8*3600))
	require.NoError(t, SignBatch(batch, testKey))

	raw, err := json.Marshal(batch)
	require.NoError(t, err)

	var decoded models.TelemetryBatch
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, VerifyBatch(&decoded, testKey))
}
