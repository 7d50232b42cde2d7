package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqttcommon "wisefido-telemetry/internal/common/mqtt"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/models"
)

type mockSubscriber struct {
	mock.Mock
	handlers map[string]mqttcommon.MessageHandler
}

func (m *mockSubscriber) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	if m.handlers == nil {
		m.handlers = make(map[string]mqttcommon.MessageHandler)
	}
	m.handlers[topic] = handler
	return m.Called(topic, qos).Error(0)
}

func (m *mockSubscriber) Unsubscribe(topics ...string) error {
	return m.Called(topics).Error(0)
}

type fakeSink struct {
	vitals []models.VitalRecord
	alarms []models.AlarmEvent
	err    error
	failID string
}

func (f *fakeSink) AddVital(r models.VitalRecord) error {
	if f.err != nil {
		return f.err
	}
	f.vitals = append(f.vitals, r)
	return nil
}

func (f *fakeSink) RaiseAlarm(a models.AlarmEvent) error {
	if f.err != nil {
		return f.err
	}
	if f.failID != "" && a.AlarmID == f.failID {
		return errors.New("queue unavailable")
	}
	f.alarms = append(f.alarms, a)
	return nil
}

var ingest = config.IngestConfig{VitalsTopic: "monitor/+/vitals", AlarmsTopic: "monitor/+/alarms"}

func newConsumer(t *testing.T) (*MQTTConsumer, *mockSubscriber, *fakeSink) {
	t.Helper()
	sub := &mockSubscriber{}
	sub.On("Subscribe", ingest.VitalsTopic, byte(1)).Return(nil)
	sub.On("Subscribe", ingest.AlarmsTopic, byte(1)).Return(nil)
	sink := &fakeSink{}
	c := NewMQTTConsumer(ingest, "ZM-0042", 1, sub, sink, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))
	return c, sub, sink
}

func TestMQTTConsumer_Subscribes(t *testing.T) {
	c, sub, _ := newConsumer(t)
	sub.AssertExpectations(t)

	sub.On("Unsubscribe", []string{ingest.VitalsTopic, ingest.AlarmsTopic}).Return(nil)
	require.NoError(t, c.Stop(context.Background()))
}

func TestMQTTConsumer_SubscribeError(t *testing.T) {
	sub := &mockSubscriber{}
	sub.On("Subscribe", ingest.VitalsTopic, byte(0)).Return(errors.New("not connected"))
	c := NewMQTTConsumer(ingest, "ZM-0042", 0, sub, &fakeSink{}, zap.NewNop())
	require.Error(t, c.Start(context.Background()))
}

func TestMQTTConsumer_Vitals(t *testing.T) {
	_, sub, sink := newConsumer(t)
	handle := sub.handlers[ingest.VitalsTopic]

	one := `{"timestamp":"2026-03-01T08:00:00Z","heartRate":72,"spo2":98,"respirationRate":16,"signalQuality":"GOOD"}`
	require.NoError(t, handle("monitor/ZM-0042/vitals", []byte(one)))

	many := `[
		{"timestamp":"2026-03-01T08:00:01Z","heartRate":73,"spo2":97,"respirationRate":16,"signalQuality":"FAIR"},
		{"timestamp":"2026-03-01T08:00:02Z","heartRate":74,"spo2":97,"respirationRate":15,"signalQuality":"NOISY"}
	]`
	require.NoError(t, handle("monitor/ZM-0042/vitals", []byte(many)))

	require.Len(t, sink.vitals, 2)
	assert.Equal(t, 72, sink.vitals[0].HeartRate)
	assert.Equal(t, models.SignalFair, sink.vitals[1].SignalQuality)
}

func TestMQTTConsumer_RejectsBadInput(t *testing.T) {
	_, sub, sink := newConsumer(t)
	handle := sub.handlers[ingest.VitalsTopic]

	assert.Error(t, handle("vitals", []byte(`{}`)))
	assert.Error(t, handle("monitor/ZM-9999/vitals", []byte(`{}`)))
	assert.Error(t, handle("monitor/ZM-0042/vitals", []byte(`not json`)))
	assert.Empty(t, sink.vitals)

	sink.err = errors.New("engine stopped")
	assert.Error(t, handle("monitor/ZM-0042/vitals", []byte(`{"timestamp":"2026-03-01T08:00:00Z","signalQuality":"GOOD"}`)))
}

func TestMQTTConsumer_Alarms(t *testing.T) {
	_, sub, sink := newConsumer(t)
	handle := sub.handlers[ingest.AlarmsTopic]

	payload := `[
		{"alarmId":"a-1","priority":"HIGH","alarmType":"SPO2_LOW","triggeringValue":84,"threshold":90,"status":"ACTIVE"},
		{"alarmId":"a-2","deviceId":"ZM-9999","priority":"LOW","status":"ACTIVE"}
	]`
	require.NoError(t, handle("monitor/ZM-0042/alarms", []byte(payload)))

	require.Len(t, sink.alarms, 1)
	assert.Equal(t, "a-1", sink.alarms[0].AlarmID)
	assert.Equal(t, models.PriorityHigh, sink.alarms[0].Priority)
}

func TestMQTTConsumer_InvalidAlarmDoesNotBlockOthers(t *testing.T) {
	_, sub, sink := newConsumer(t)
	handle := sub.handlers[ingest.AlarmsTopic]

	payload := `[
		{"alarmId":"","priority":"HIGH","status":"ACTIVE"},
		{"alarmId":"a-lower","priority":"high","status":"ACTIVE"},
		{"alarmId":"a-status","priority":"LOW","status":"OPEN"},
		{"alarmId":"a-2","priority":"HIGH","alarmType":"HR_HIGH","status":"ACTIVE"}
	]`
	require.NoError(t, handle("monitor/ZM-0042/alarms", []byte(payload)))

	require.Len(t, sink.alarms, 1)
	assert.Equal(t, "a-2", sink.alarms[0].AlarmID)
	assert.True(t, sink.alarms[0].IsUrgent())
}

func TestMQTTConsumer_AlarmSinkErrorContinues(t *testing.T) {
	_, sub, sink := newConsumer(t)
	sink.failID = "a-1"
	handle := sub.handlers[ingest.AlarmsTopic]

	payload := `[
		{"alarmId":"a-1","priority":"LOW","status":"ACTIVE"},
		{"alarmId":"a-2","priority":"HIGH","status":"ACTIVE"}
	]`
	err := handle("monitor/ZM-0042/alarms", []byte(payload))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a-1")

	require.Len(t, sink.alarms, 1)
	assert.Equal(t, "a-2", sink.alarms[0].AlarmID)
}
