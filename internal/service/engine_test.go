package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/batch"
	"wisefido-telemetry/internal/client"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/events"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/queue"
	"wisefido-telemetry/internal/repository"
	"wisefido-telemetry/internal/retry"
	"wisefido-telemetry/internal/transport"
)

var testKey = []byte("device-secret-key")

type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) Handle(_ context.Context, e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, e)
}

func (l *eventLog) of(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.all {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type metricsStore struct {
	mu   sync.Mutex
	recs []*models.MetricsRecord
}

func (s *metricsStore) SaveMetrics(_ context.Context, rec *models.MetricsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

type harness struct {
	engine    *Engine
	sim       *transport.Simulated
	queue     *queue.OfflineQueue
	store     *repository.MemoryOutboxRepository
	scheduler *retry.Scheduler
	metrics   *metricsStore
	log       *eventLog

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, key []byte, latency time.Duration, tweak ...func(*Options)) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		sim:     transport.NewSimulated(latency),
		metrics: &metricsStore{},
		log:     &eventLog{},
	}

	bus := events.NewBus(0, logger)
	bus.Subscribe(h.log)

	h.store = repository.NewMemoryOutboxRepository()
	h.queue = queue.NewOfflineQueue(h.store, logger)
	h.scheduler = retry.NewScheduler(retry.NewCircuitBreaker(0, 0, 0, logger), logger)
	h.scheduler.SetSleep(func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	})

	opts := Options{DeviceID: "ZM-0042", SecretKey: key, BatchCapacity: 100}
	for _, fn := range tweak {
		fn(&opts)
	}

	e, err := NewEngine(opts, Deps{
		Client:    client.NewClient(client.Config{Endpoint: "https://central.test"}, h.sim, logger),
		Scheduler: h.scheduler,
		Queue:     h.queue,
		Recorder:  metrics.NewRecorder(h.metrics, nil, logger),
		Bus:       bus,
	}, logger)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	return n
}

func vital(i int) models.VitalRecord {
	return models.VitalRecord{
		Timestamp:       time.Now().Add(time.Duration(i) * time.Second),
		HeartRate:       72,
		SpO2:            98,
		RespirationRate: 16,
		SignalQuality:   models.SignalGood,
	}
}

func highAlarm() models.AlarmEvent {
	return models.AlarmEvent{
		AlarmID:         uuid.New().String(),
		Timestamp:       time.Now(),
		Priority:        models.PriorityHigh,
		AlarmType:       "SPO2_LOW",
		TriggeringValue: 84,
		Threshold:       90,
		Status:          models.AlarmActive,
	}
}

func addVitals(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.AddVital(vital(i)))
	}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Options{}, Deps{}, zap.NewNop())
	require.Error(t, err)

	_, err = NewEngine(Options{DeviceID: "ZM-0042"}, Deps{}, zap.NewNop())
	require.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Device.ID = "ZM-0042"
	cfg.Device.PatientID = "MRN-1001"
	cfg.Device.SecretKey = "k"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "ZM-0042", opts.DeviceID)
	require.NotNil(t, opts.PatientID)
	assert.Equal(t, "MRN-1001", *opts.PatientID)
	assert.Equal(t, []byte("k"), opts.SecretKey)
	assert.Equal(t, cfg.Retry.BatchAttempts, opts.BatchPolicy.MaxAttempts)
	assert.Equal(t, cfg.Retry.AlarmAttempts, opts.AlarmPolicy.MaxAttempts)
}

// 10 条生命体征，签名有效，模拟网络 300ms 成功
func TestEngine_SendsSignedBatch(t *testing.T) {
	h := newHarness(t, testKey, 300*time.Millisecond)
	addVitals(t, h.engine, 10)

	require.True(t, h.engine.FlushNow())
	h.engine.processSealed(context.Background())

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 1)
	ev := sent[0].(events.TransmissionSucceeded)
	assert.Equal(t, 10, ev.Records)
	assert.Equal(t, 1, ev.Attempts)
	assert.False(t, ev.Duplicate)
	assert.True(t, metrics.Quality(ev.Quality).AtLeast(metrics.QualityGood), "quality %s", ev.Quality)

	assert.Equal(t, 10, h.sim.Received()[ev.BatchID])
	assert.Equal(t, 0, h.pending(t))
	assert.Equal(t, models.ConnectivityOnline, h.engine.Connectivity())

	require.Len(t, h.metrics.recs, 1)
	assert.True(t, h.metrics.recs[0].Success)
	require.NotNil(t, h.metrics.recs[0].EndToEndMs)
	assert.GreaterOrEqual(t, *h.metrics.recs[0].EndToEndMs, int64(300))
}

// 空密钥签名失败，批次不会到达发送客户端
func TestEngine_MissingKeyHaltsWithoutSending(t *testing.T) {
	h := newHarness(t, nil, 0)
	addVitals(t, h.engine, 5)
	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	assert.Equal(t, 0, h.sim.SendCount())
	assert.True(t, h.engine.Halted())
	halted := h.log.of(events.TypeEngineHalted)
	require.Len(t, halted, 1)
	assert.Contains(t, halted[0].(events.EngineHalted).Reason, string(models.ErrConfiguration))

	// 停止期间的新批次同样挂起，只报告一次
	addVitals(t, h.engine, 3)
	h.engine.FlushNow()
	h.engine.processSealed(context.Background())
	assert.Equal(t, 0, h.sim.SendCount())
	assert.Len(t, h.log.of(events.TypeEngineHalted), 1)

	require.Error(t, h.engine.Reprovision(nil))
	require.NoError(t, h.engine.Reprovision(testKey))
	assert.False(t, h.engine.Halted())
	h.engine.processSealed(context.Background())

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 2)
	assert.Equal(t, 5, sent[0].(events.TransmissionSucceeded).Records)
	assert.Equal(t, 3, sent[1].(events.TransmissionSucceeded).Records)
}

// 连续三次网络错误，发送 3 次，退避 1s/2s/4s，然后交给离线队列
func TestEngine_RetryExhaustionHandsOffOnce(t *testing.T) {
	h := newHarness(t, testKey, 0)
	h.sim.FailNext(3, transport.KindNetwork)

	addVitals(t, h.engine, 4)
	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	assert.Equal(t, 3, h.sim.SendCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.recordedSleeps())

	exhausted := h.log.of(events.TypeRetryExhausted)
	require.Len(t, exhausted, 1)
	ev := exhausted[0].(events.RetryExhausted)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 4*time.Second, ev.ReplayHint)

	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, ev.BatchID, queued[0].(events.BatchQueued).BatchID)
	assert.Len(t, h.log.of(events.TypeTransmissionFailed), 1)
	assert.Equal(t, 1, h.pending(t))
	assert.Equal(t, 0, h.queue.InFlight())
	assert.Equal(t, models.ConnectivityOffline, h.engine.Connectivity())

	// 没有重放触发就不会再次发送
	h.engine.processSealed(context.Background())
	assert.Equal(t, 3, h.sim.SendCount())

	report, err := h.engine.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, h.pending(t))
	assert.Equal(t, 4, h.sim.SendCount())
	assert.Equal(t, models.ConnectivityOnline, h.engine.Connectivity())

	replayed := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].(events.TransmissionSucceeded).Replayed)
}

// HIGH 报警超时一次立即进入离线队列，不影响正在重试的批次
func TestEngine_HighAlarmFailsOnceWhileBatchRetries(t *testing.T) {
	h := newHarness(t, testKey, 0)

	sleeping := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.scheduler.SetSleep(func(ctx context.Context, d time.Duration) error {
		once.Do(func() { close(sleeping) })
		<-release
		return nil
	})

	h.sim.FailNext(1, transport.KindNetwork)
	addVitals(t, h.engine, 6)
	h.engine.FlushNow()

	done := make(chan struct{})
	go func() {
		h.engine.processSealed(context.Background())
		close(done)
	}()
	<-sleeping

	h.sim.Enqueue(transport.Outcome{Err: transport.NewError(transport.KindTimeout, context.DeadlineExceeded)})
	require.NoError(t, h.engine.RaiseAlarm(highAlarm()))
	h.engine.alarms.Wait()

	failed := h.log.of(events.TypeTransmissionFailed)
	require.Len(t, failed, 1)
	alarmFail := failed[0].(events.TransmissionFailed)
	assert.Equal(t, models.BatchKindAlarm, alarmFail.Kind)
	assert.Equal(t, models.ErrTimeout, alarmFail.ErrorKind)
	assert.Equal(t, 1, alarmFail.Attempts)

	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, models.BatchKindAlarm, queued[0].(events.BatchQueued).Kind)

	close(release)
	<-done

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 1)
	batchOK := sent[0].(events.TransmissionSucceeded)
	assert.Equal(t, models.BatchKindTelemetry, batchOK.Kind)
	assert.Equal(t, 2, batchOK.Attempts)
	assert.Equal(t, 6, batchOK.Records)

	assert.Equal(t, 3, h.sim.SendCount())
	assert.Equal(t, 1, h.pending(t))
}

// 服务端已收到的批次重放时回 DUPLICATE，视为成功
func TestEngine_ReplayTreatsDuplicateAsSuccess(t *testing.T) {
	h := newHarness(t, testKey, 0)
	ctx := context.Background()

	a := batch.NewAssembler("ZM-0042", nil, 10)
	for i := 0; i < 3; i++ {
		_, err := a.Append(vital(i))
		require.NoError(t, err)
	}
	b, err := a.Finalize(testKey)
	require.NoError(t, err)

	_, err = h.queue.Save(ctx, b)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, b, "network down")
	require.NoError(t, err)
	h.sim.MarkReceived(b.BatchID, 3)

	report, err := h.engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Duplicates)
	assert.Nil(t, report.StoppedBy)
	assert.Equal(t, 0, h.pending(t))

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 1)
	ev := sent[0].(events.TransmissionSucceeded)
	assert.True(t, ev.Duplicate)
	assert.True(t, ev.Replayed)
	assert.Empty(t, h.log.of(events.TypeTransmissionFailed))
}

func TestEngine_RotatesAtCapacity(t *testing.T) {
	h := newHarness(t, testKey, 0, func(o *Options) { o.BatchCapacity = 3 })
	addVitals(t, h.engine, 7)

	h.engine.mu.Lock()
	sealed := len(h.engine.sealed)
	current := h.engine.current.Len()
	h.engine.mu.Unlock()
	assert.Equal(t, 2, sealed)
	assert.Equal(t, 1, current)

	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 3)
	total := 0
	for _, e := range sent {
		total += e.(events.TransmissionSucceeded).Records
	}
	assert.Equal(t, 7, total)
	assert.False(t, h.engine.FlushNow())
}

func TestEngine_EmbedsMediumAlarm(t *testing.T) {
	h := newHarness(t, testKey, 0)
	addVitals(t, h.engine, 2)

	alarm := highAlarm()
	alarm.Priority = models.PriorityMedium
	require.NoError(t, h.engine.RaiseAlarm(alarm))
	require.Error(t, h.engine.RaiseAlarm(models.AlarmEvent{}))
	unknown := highAlarm()
	unknown.Priority = "high"
	require.Error(t, h.engine.RaiseAlarm(unknown))

	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	sent := h.log.of(events.TypeTransmissionSucceeded)
	require.Len(t, sent, 1)
	assert.Equal(t, 3, sent[0].(events.TransmissionSucceeded).Records)
	assert.Equal(t, models.BatchKindTelemetry, sent[0].(events.TransmissionSucceeded).Kind)
}

func TestEngine_RejectsInvalidVital(t *testing.T) {
	h := newHarness(t, testKey, 0)
	v := vital(0)
	v.SignalQuality = "NOISY"
	require.Error(t, h.engine.AddVital(v))
}

func TestEngine_NonRetryableAlarmIsHeld(t *testing.T) {
	h := newHarness(t, testKey, 0)
	h.sim.Enqueue(transport.Outcome{StatusCode: http.StatusUnauthorized})

	require.NoError(t, h.engine.RaiseAlarm(highAlarm()))
	h.engine.alarms.Wait()

	assert.Len(t, h.queue.Held(), 1)
	assert.Equal(t, 1, h.pending(t))
	assert.Empty(t, h.log.of(events.TypeBatchQueued))

	report, err := h.engine.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, 1, h.sim.SendCount())

	require.NoError(t, h.engine.Reprovision(testKey))
	report, err = h.engine.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, h.pending(t))
}

func TestEngine_HeartbeatDrivesConnectivity(t *testing.T) {
	h := newHarness(t, testKey, 0)
	ctx := context.Background()

	h.sim.FailNext(1, transport.KindNetwork)
	require.Error(t, h.engine.Heartbeat(ctx))
	assert.Equal(t, models.ConnectivityOffline, h.engine.Connectivity())

	require.NoError(t, h.engine.Heartbeat(ctx))
	assert.Equal(t, models.ConnectivityOnline, h.engine.Connectivity())
	assert.Len(t, h.engine.replayReq, 1)

	changes := h.log.of(events.TypeConnectivityChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ConnectivityUnknown, changes[0].(events.ConnectivityChanged).From)
	assert.Equal(t, models.ConnectivityOffline, changes[0].(events.ConnectivityChanged).To)
	assert.Equal(t, models.ConnectivityOnline, changes[1].(events.ConnectivityChanged).To)

	h.sim.Enqueue(transport.Outcome{StatusCode: http.StatusServiceUnavailable})
	require.Error(t, h.engine.Heartbeat(ctx))
	assert.Equal(t, models.ConnectivityDegraded, h.engine.Connectivity())
}

func TestEngine_RecoveryResetsOpenBreaker(t *testing.T) {
	h := newHarness(t, testKey, 0)
	cb := h.scheduler.Breaker()
	for i := 0; i < retry.DefaultFailureThreshold; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, retry.CircuitOpen, cb.State())

	require.NoError(t, h.engine.Heartbeat(context.Background()))
	assert.Equal(t, retry.CircuitClosed, cb.State())
}

func TestEngine_ShutdownPersistsWithoutSending(t *testing.T) {
	h := newHarness(t, testKey, 0)
	addVitals(t, h.engine, 2)
	h.engine.FlushNow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.engine.processSealed(ctx)

	assert.Equal(t, 0, h.sim.SendCount())
	assert.Equal(t, 1, h.pending(t))
	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, "engine shutting down", queued[0].(events.BatchQueued).Reason)
}

func TestEngine_DeprovisionCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, testKey, 0)
	h.scheduler.SetSleep(func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.sim.FailNext(1, transport.KindNetwork)
	addVitals(t, h.engine, 2)
	h.engine.FlushNow()

	done := make(chan struct{})
	go func() {
		h.engine.processSealed(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return h.sim.SendCount() == 1 }, time.Second, 5*time.Millisecond)

	h.engine.Deprovision(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pending retry was not cancelled")
	}

	assert.True(t, h.engine.Halted())
	assert.Equal(t, 1, h.sim.SendCount())
	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 1)
	assert.True(t, strings.HasPrefix(queued[0].(events.BatchQueued).Reason, "retry cancelled"))
}

func TestEngine_PendingChangedEvents(t *testing.T) {
	h := newHarness(t, testKey, 0)
	addVitals(t, h.engine, 1)
	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	changes := h.log.of(events.TypePendingChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, 1, changes[0].(events.PendingChanged).Pending)
	assert.Equal(t, 0, changes[1].(events.PendingChanged).Pending)
}

func TestEngine_ApplyTunables(t *testing.T) {
	h := newHarness(t, testKey, 0)

	require.NoError(t, h.engine.ApplyTunables(config.Tunables{BatchCapacity: 2, FlushInterval: time.Second}))
	require.Error(t, h.engine.SetBatchCapacity(0))
	require.Error(t, h.engine.SetFlushInterval(0))
	assert.Len(t, h.engine.flushReset, 1)

	// 新容量从下一个批次开始生效
	addVitals(t, h.engine, 1)
	h.engine.FlushNow()
	addVitals(t, h.engine, 2)

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.Len(t, h.engine.sealed, 2)
	assert.Equal(t, 2, h.engine.sealed[1].Capacity())
}

func TestEngine_StartAndStop(t *testing.T) {
	h := newHarness(t, testKey, 0, func(o *Options) {
		o.FlushInterval = 20 * time.Millisecond
		o.HeartbeatInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- h.engine.Start(ctx) }()

	addVitals(t, h.engine, 3)
	require.Eventually(t, func() bool {
		return len(h.log.of(events.TypeTransmissionSucceeded)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	addVitals(t, h.engine, 2)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, h.engine.Stop(stopCtx))
	require.NoError(t, <-started)

	// 每条记录要么已发送，要么在离线队列中
	records := 0
	for _, e := range h.log.of(events.TypeTransmissionSucceeded) {
		records += e.(events.TransmissionSucceeded).Records
	}
	unsent, err := h.store.UnsentBatches(context.Background(), 0)
	require.NoError(t, err)
	for _, qb := range unsent {
		records += qb.Batch.RecordCount()
	}
	assert.Equal(t, 5, records)
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, *models.QueuedBatch) error {
	return errors.New("disk full")
}

func (brokenStore) MarkQueued(context.Context, string, time.Time, string) (bool, error) {
	return false, errors.New("disk full")
}

func (brokenStore) MarkSent(context.Context, string) error { return errors.New("disk full") }

func (brokenStore) UnsentBatches(context.Context, int) ([]*models.QueuedBatch, error) {
	return nil, errors.New("disk full")
}

func (brokenStore) Count(context.Context) (int, error) { return 0, errors.New("disk full") }

// 停机时等待密钥的记录以未签名批次落盘，补签后才发送
func TestEngine_StopStagesRecordsAwaitingKey(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	addVitals(t, h.engine, 7)
	h.engine.FlushNow()
	h.engine.processSealed(ctx)
	require.True(t, h.engine.Halted())
	require.NoError(t, h.engine.RaiseAlarm(highAlarm()))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))

	assert.Equal(t, 0, h.sim.SendCount())
	assert.Empty(t, h.log.of(events.TypeRecordsDropped))

	unsent, err := h.store.UnsentBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	records := 0
	for _, qb := range unsent {
		assert.False(t, qb.Batch.IsSigned())
		assert.True(t, qb.Queued)
		records += qb.Batch.RecordCount()
	}
	assert.Equal(t, 8, records)
	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, "awaiting signing key", queued[0].(events.BatchQueued).Reason)

	// 仍无密钥：重放不发送，批次挂起
	report, err := h.engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Held)
	assert.Equal(t, 0, h.sim.SendCount())
	assert.Equal(t, 2, h.pending(t))

	require.NoError(t, h.engine.Reprovision(testKey))
	report, err = h.engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, h.pending(t))

	received := 0
	for _, n := range h.sim.Received() {
		received += n
	}
	assert.Equal(t, 8, received)
	for _, e := range h.log.of(events.TypeTransmissionSucceeded) {
		assert.True(t, e.(events.TransmissionSucceeded).Replayed)
	}
}

func TestEngine_StopReportsRecordsItCannotStage(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.engine.queue = queue.NewOfflineQueue(brokenStore{}, zap.NewNop())

	addVitals(t, h.engine, 4)
	embedded := highAlarm()
	embedded.Priority = models.PriorityLow
	require.NoError(t, h.engine.RaiseAlarm(embedded))

	require.NoError(t, h.engine.Stop(context.Background()))

	dropped := h.log.of(events.TypeRecordsDropped)
	require.Len(t, dropped, 1)
	ev := dropped[0].(events.RecordsDropped)
	assert.Equal(t, 4, ev.Vitals)
	assert.Equal(t, 1, ev.Alarms)
	assert.NotEmpty(t, ev.Reason)
	assert.Equal(t, 0, h.sim.SendCount())
}

func TestEngine_SetPatientSealsCurrentBatch(t *testing.T) {
	first := "MRN-1001"
	h := newHarness(t, testKey, 0, func(o *Options) { o.PatientID = &first })

	addVitals(t, h.engine, 2)
	second := "MRN-2002"
	h.engine.SetPatient(&second)
	same := "MRN-2002"
	h.engine.SetPatient(&same)
	addVitals(t, h.engine, 3)
	h.engine.SetPatient(nil)
	addVitals(t, h.engine, 1)
	h.engine.FlushNow()

	// 只落盘，按批次检查患者
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.engine.processSealed(ctx)

	unsent, err := h.store.UnsentBatches(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, unsent, 3)

	require.NotNil(t, unsent[0].Batch.PatientID)
	assert.Equal(t, first, *unsent[0].Batch.PatientID)
	assert.Len(t, unsent[0].Batch.Vitals, 2)

	require.NotNil(t, unsent[1].Batch.PatientID)
	assert.Equal(t, second, *unsent[1].Batch.PatientID)
	assert.Len(t, unsent[1].Batch.Vitals, 3)

	assert.Nil(t, unsent[2].Batch.PatientID)
	assert.Nil(t, h.engine.Patient())
}

// 熔断器在重试中跳闸，连接状态立即变为离线
func TestEngine_BreakerTripMarksOffline(t *testing.T) {
	h := newHarness(t, testKey, 0)
	h.scheduler = retry.NewScheduler(retry.NewCircuitBreaker(2, time.Hour, 1, zap.NewNop()), zap.NewNop())
	h.scheduler.SetSleep(func(context.Context, time.Duration) error { return nil })
	h.engine.scheduler = h.scheduler

	h.sim.Enqueue(transport.Outcome{StatusCode: http.StatusServiceUnavailable})
	h.sim.Enqueue(transport.Outcome{StatusCode: http.StatusServiceUnavailable})
	addVitals(t, h.engine, 2)
	h.engine.FlushNow()
	h.engine.processSealed(context.Background())

	assert.Equal(t, 2, h.sim.SendCount())
	assert.Equal(t, retry.CircuitOpen, h.scheduler.Breaker().State())
	assert.Equal(t, models.ConnectivityOffline, h.engine.Connectivity())

	changes := h.log.of(events.TypeConnectivityChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, models.ConnectivityOffline, changes[len(changes)-1].(events.ConnectivityChanged).To)

	queued := h.log.of(events.TypeBatchQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, "circuit breaker open", queued[0].(events.BatchQueued).Reason)
}
