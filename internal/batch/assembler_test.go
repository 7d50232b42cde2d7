package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/signer"
)

var testKey = []byte("device-secret-key")

func vital(i int) models.VitalRecord {
	return models.VitalRecord{
		Timestamp:       time.Date(2026, 3, 1, 8, 0, i, 0, time.UTC),
		HeartRate:       60 + i,
		SpO2:            97,
		RespirationRate: 14,
		SignalQuality:   models.SignalGood,
	}
}

func TestAssembler_PreservesInsertionOrder(t *testing.T) {
	for _, n := range []int{1, 7, 50, 100} {
		a := NewAssembler("ZM-0042", nil, 100)
		for i := 0; i < n; i++ {
			_, err := a.Append(vital(i))
			require.NoError(t, err)
		}

		b, err := a.Finalize(testKey)
		require.NoError(t, err)
		require.Len(t, b.Vitals, n)
		for i, v := range b.Vitals {
			assert.Equal(t, 60+i, v.HeartRate, "record %d out of order", i)
		}
	}
}

func TestAssembler_FinalizeAssignsIDAndSigns(t *testing.T) {
	patientID := "MRN-1001"
	a := NewAssembler("ZM-0042", &patientID, 10)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	_, err := a.Append(vital(0))
	require.NoError(t, err)

	b, err := a.Finalize(testKey)
	require.NoError(t, err)

	_, parseErr := uuid.Parse(b.BatchID)
	assert.NoError(t, parseErr)
	assert.Equal(t, fixed, b.CreatedAt)
	assert.Equal(t, "ZM-0042", b.DeviceID)
	require.NotNil(t, b.PatientID)
	assert.Equal(t, "MRN-1001", *b.PatientID)
	assert.Equal(t, models.BatchKindTelemetry, b.Kind)
	assert.True(t, signer.VerifyBatch(b, testKey))
	assert.Equal(t, StateFinalized, a.State())
}

func TestAssembler_AppendAfterFinalizeFails(t *testing.T) {
	a := NewAssembler("ZM-0042", nil, 10)
	_, err := a.Append(vital(0))
	require.NoError(t, err)
	b, err := a.Finalize(testKey)
	require.NoError(t, err)

	_, err = a.Append(vital(1))
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	err = a.AppendAlarm(models.AlarmEvent{AlarmID: "a-1", Priority: models.PriorityLow})
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	_, err = a.Finalize(testKey)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	// 已定稿批次内容不受影响
	assert.Len(t, b.Vitals, 1)
}

func TestAssembler_CapacityTriggersFinalizing(t *testing.T) {
	a := NewAssembler("ZM-0042", nil, 3)

	full, err := a.Append(vital(0))
	require.NoError(t, err)
	assert.False(t, full)
	_, err = a.Append(vital(1))
	require.NoError(t, err)
	full, err = a.Append(vital(2))
	require.NoError(t, err)
	assert.True(t, full)
	assert.Equal(t, StateFinalizing, a.State())

	full, err = a.Append(vital(3))
	assert.True(t, full)
	assert.True(t, errors.Is(err, ErrBatchFull))
	assert.Equal(t, 3, a.Len())
}

func TestAssembler_FinalizeWithoutKeyKeepsRecords(t *testing.T) {
	a := NewAssembler("ZM-0042", nil, 10)
	_, err := a.Append(vital(0))
	require.NoError(t, err)

	b, err := a.Finalize(nil)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.Equal(t, models.ErrConfiguration, models.KindOf(err))
	assert.NotEqual(t, StateFinalized, a.State())
	assert.Equal(t, 1, a.Len())

	b, err = a.Finalize(testKey)
	require.NoError(t, err)
	assert.Len(t, b.Vitals, 1)
}

func TestAssembler_StageLeavesBatchUnsigned(t *testing.T) {
	patientID := "MRN-1001"
	a := NewAssembler("ZM-0042", &patientID, 10)
	for i := 0; i < 3; i++ {
		_, err := a.Append(vital(i))
		require.NoError(t, err)
	}
	_, err := a.Finalize(nil)
	require.Error(t, err)

	b, err := a.Stage()
	require.NoError(t, err)
	assert.False(t, b.IsSigned())
	assert.Len(t, b.Vitals, 3)
	assert.Equal(t, "MRN-1001", *b.PatientID)
	assert.Equal(t, StateFinalized, a.State())

	_, err = a.Stage()
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	// 补签后与正常定稿的批次一样可验证
	require.NoError(t, signer.SignBatch(b, testKey))
	assert.True(t, signer.VerifyBatch(b, testKey))
}

func TestAssembler_AlarmEmbedding(t *testing.T) {
	a := NewAssembler("ZM-0042", nil, 10)

	err := a.AppendAlarm(models.AlarmEvent{AlarmID: "high", Priority: models.PriorityHigh})
	assert.True(t, errors.Is(err, ErrUrgentAlarm))

	require.NoError(t, a.AppendAlarm(models.AlarmEvent{AlarmID: "medium", Priority: models.PriorityMedium}))
	b, err := a.Finalize(testKey)
	require.NoError(t, err)
	require.Len(t, b.Alarms, 1)
	assert.Equal(t, "medium", b.Alarms[0].AlarmID)
	assert.Equal(t, 1, b.RecordCount())
}

func TestAssembler_AlarmCap(t *testing.T) {
	a := NewAssembler("ZM-0042", nil, 10)
	for i := 0; i < MaxAlarmsPerBatch; i++ {
		require.NoError(t, a.AppendAlarm(models.AlarmEvent{AlarmID: uuid.NewString(), Priority: models.PriorityLow}))
	}
	err := a.AppendAlarm(models.AlarmEvent{AlarmID: "overflow", Priority: models.PriorityLow})
	assert.True(t, errors.Is(err, ErrBatchFull))
	assert.Equal(t, MaxAlarmsPerBatch, a.AlarmCount())
}

func TestAlarmAssembler(t *testing.T) {
	alarm := models.AlarmEvent{
		AlarmID:  uuid.NewString(),
		DeviceID: "ZM-0042",
		Priority: models.PriorityHigh,
		Status:   models.AlarmActive,
	}
	a := NewAlarmAssembler(alarm)

	_, err := a.Append(vital(0))
	assert.True(t, errors.Is(err, ErrBatchFull))

	b, err := a.Finalize(testKey)
	require.NoError(t, err)
	assert.Equal(t, models.BatchKindAlarm, b.Kind)
	assert.Equal(t, models.PriorityHigh, b.Priority())
	assert.Empty(t, b.Vitals)
	assert.Equal(t, 1, b.RecordCount())
}

func TestAssembler_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 50
	a := NewAssembler("ZM-0042", nil, producers*perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := a.Append(vital(i % 60))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, a.Len())
	assert.Equal(t, StateFinalizing, a.State())
}
