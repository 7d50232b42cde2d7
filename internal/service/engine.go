package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/batch"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/events"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/queue"
	"wisefido-telemetry/internal/retry"
)

// DefaultOfflineAfter 连续网络失败多少次后判定为离线
const DefaultOfflineAfter = 3

// Sender 发送客户端（client.Client）
type Sender interface {
	Send(ctx context.Context, b *models.TelemetryBatch, metrics models.TransmissionMetrics) *models.TransmissionResult
	SendHeartbeat(ctx context.Context, deviceID string, pending int) error
}

// Publisher 事件发布（events.Bus）
type Publisher interface {
	Publish(ctx context.Context, e events.Event)
}

// Options 引擎配置，构造时注入
type Options struct {
	DeviceID          string
	PatientID         *string
	SecretKey         []byte
	BatchCapacity     int
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	BatchPolicy       retry.Policy
	AlarmPolicy       retry.Policy
	OfflineAfter      int
}

// OptionsFromConfig 从服务配置生成引擎配置
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DeviceID:          cfg.Device.ID,
		PatientID:         cfg.PatientID(),
		SecretKey:         []byte(cfg.Device.SecretKey),
		BatchCapacity:     cfg.Batch.Capacity,
		FlushInterval:     cfg.Batch.FlushInterval,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		BatchPolicy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.BatchAttempts,
		},
		AlarmPolicy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.AlarmAttempts,
		},
	}
}

// Deps 引擎依赖
type Deps struct {
	Client     Sender
	Scheduler  *retry.Scheduler
	Queue      *queue.OfflineQueue
	Recorder   *metrics.Recorder
	Bus        Publisher
	Collectors *metrics.Collectors // 可为 nil
}

// Engine 遥测发送引擎
//
// 生产者通过 AddVital / RaiseAlarm 写入当前批次后立即返回；
// 满批或定时刷新时批次被封存，由唯一的派发 goroutine 按创建顺序定稿、签名、发送；
// HIGH 报警在各自的 goroutine 中带外发送。
type Engine struct {
	opts       Options
	client     Sender
	scheduler  *retry.Scheduler
	queue      *queue.OfflineQueue
	recorder   *metrics.Recorder
	bus        Publisher
	collectors *metrics.Collectors
	logger     *zap.Logger
	now        func() time.Time

	mu            sync.Mutex
	current       *batch.Assembler
	capacity      int
	patientID     *string
	secretKey     []byte
	halted        bool
	held          []*batch.Assembler // 签名失败等待重新配网
	sealed        []*batch.Assembler // 等待派发，按创建顺序
	status        models.ConnectivityStatus
	networkFails  int
	flushInterval time.Duration
	cancel        context.CancelFunc
	runCtx        context.Context
	retryCtx      context.Context
	retryCancel   context.CancelFunc

	wake       chan struct{}
	replayReq  chan struct{}
	flushReset chan time.Duration
	loops      sync.WaitGroup
	alarms     sync.WaitGroup
	dispatchMu sync.Mutex // 串行化定稿与发送，保持创建顺序
}

// NewEngine 创建引擎
func NewEngine(opts Options, deps Deps, logger *zap.Logger) (*Engine, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if deps.Client == nil || deps.Scheduler == nil || deps.Queue == nil || deps.Recorder == nil || deps.Bus == nil {
		return nil, fmt.Errorf("engine dependencies are incomplete")
	}
	if opts.BatchCapacity <= 0 {
		opts.BatchCapacity = batch.DefaultCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = config.DefaultFlushInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if opts.BatchPolicy.MaxAttempts <= 0 {
		opts.BatchPolicy = retry.BatchPolicy()
	}
	if opts.AlarmPolicy.MaxAttempts <= 0 {
		opts.AlarmPolicy = retry.AlarmPolicy()
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = DefaultOfflineAfter
	}

	e := &Engine{
		opts:          opts,
		client:        deps.Client,
		scheduler:     deps.Scheduler,
		queue:         deps.Queue,
		recorder:      deps.Recorder,
		bus:           deps.Bus,
		collectors:    deps.Collectors,
		logger:        logger.With(zap.String("device_id", opts.DeviceID)),
		now:           time.Now,
		capacity:      opts.BatchCapacity,
		patientID:     copyString(opts.PatientID),
		secretKey:     append([]byte(nil), opts.SecretKey...),
		status:        models.ConnectivityUnknown,
		flushInterval: opts.FlushInterval,
		wake:          make(chan struct{}, 1),
		replayReq:     make(chan struct{}, 1),
		flushReset:    make(chan time.Duration, 1),
	}
	e.retryCtx, e.retryCancel = context.WithCancel(context.Background())
	e.current = e.newAssembler()

	deps.Queue.SetPendingListener(e.onPending)
	return e, nil
}

// newAssembler 调用方持有 e.mu（构造时除外）
func (e *Engine) newAssembler() *batch.Assembler {
	return batch.NewAssembler(e.opts.DeviceID, e.patientID, e.capacity)
}

// AddVital 写入一条生命体征；不会被网络阻塞
func (e *Engine) AddVital(record models.VitalRecord) error {
	if !record.SignalQuality.Valid() {
		return fmt.Errorf("invalid signal quality %q", record.SignalQuality)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	full, err := e.current.Append(record)
	if errors.Is(err, batch.ErrBatchFull) || errors.Is(err, batch.ErrAlreadyFinalized) {
		e.rotateLocked()
		full, err = e.current.Append(record)
	}
	if err != nil {
		return fmt.Errorf("failed to append vital record: %w", err)
	}
	if full {
		e.rotateLocked()
	}
	return nil
}

// RaiseAlarm HIGH 报警立即带外发送；MEDIUM/LOW 嵌入当前批次
func (e *Engine) RaiseAlarm(alarm models.AlarmEvent) error {
	if err := alarm.Validate(); err != nil {
		return err
	}
	if alarm.DeviceID == "" {
		alarm.DeviceID = e.opts.DeviceID
	}
	if alarm.PatientID == nil {
		alarm.PatientID = e.Patient()
	}

	if alarm.IsUrgent() {
		e.alarms.Add(1)
		go func() {
			defer e.alarms.Done()
			e.sendAlarm(e.context(), alarm)
		}()
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.current.AppendAlarm(alarm)
	if errors.Is(err, batch.ErrBatchFull) || errors.Is(err, batch.ErrAlreadyFinalized) {
		e.rotateLocked()
		err = e.current.AppendAlarm(alarm)
	}
	if err != nil {
		return fmt.Errorf("failed to embed alarm: %w", err)
	}
	return nil
}

// FlushNow 立即封存当前批次（非空时）并交给派发循环
func (e *Engine) FlushNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current.Empty() {
		return false
	}
	e.rotateLocked()
	return true
}

// rotateLocked 封存当前批次并换新；调用方持有 e.mu
func (e *Engine) rotateLocked() {
	sealed := e.current
	sealed.Seal()
	e.current = e.newAssembler()
	if sealed.Empty() {
		return
	}
	e.sealed = append(e.sealed, sealed)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// SetBatchCapacity 调整批次容量，从下一个批次开始生效
func (e *Engine) SetBatchCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("batch capacity must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.capacity == n {
		return nil
	}
	e.logger.Info("Batch capacity changed",
		zap.Int("from", e.capacity),
		zap.Int("to", n),
	)
	e.capacity = n
	return nil
}

// SetFlushInterval 调整定时刷新周期
func (e *Engine) SetFlushInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	e.mu.Lock()
	changed := e.flushInterval != d
	e.flushInterval = d
	e.mu.Unlock()
	if !changed {
		return nil
	}
	// 只保留最新的周期
	select {
	case <-e.flushReset:
	default:
	}
	select {
	case e.flushReset <- d:
	default:
	}
	return nil
}

// SetPatient 更换当前患者；nil 表示出院
// 当前批次先封存，一个批次只属于一个患者
func (e *Engine) SetPatient(id *string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if samePatient(e.patientID, id) {
		return
	}
	e.logger.Info("Patient changed",
		zap.String("from", patientLabel(e.patientID)),
		zap.String("to", patientLabel(id)),
	)
	e.patientID = copyString(id)
	e.rotateLocked()
}

// Patient 当前患者
func (e *Engine) Patient() *string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyString(e.patientID)
}

func samePatient(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func patientLabel(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ApplyTunables 应用热更新的配置
func (e *Engine) ApplyTunables(t config.Tunables) error {
	if err := e.SetBatchCapacity(t.BatchCapacity); err != nil {
		return err
	}
	return e.SetFlushInterval(t.FlushInterval)
}

// Connectivity 当前连接状态
func (e *Engine) Connectivity() models.ConnectivityStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Halted 是否因配置错误停止发送
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Reprovision 写入新的签名密钥，放行被挂起的批次并请求重放
func (e *Engine) Reprovision(secretKey []byte) error {
	if len(secretKey) == 0 {
		return models.NewTransmissionError(models.ErrConfiguration, "secret key is not configured", nil)
	}

	e.mu.Lock()
	e.secretKey = append([]byte(nil), secretKey...)
	e.halted = false
	held := e.held
	e.held = nil
	e.sealed = append(held, e.sealed...)
	e.mu.Unlock()

	released := e.queue.ReleaseHeld()
	e.logger.Info("Device reprovisioned",
		zap.Int("held_assemblers", len(held)),
		zap.Int("released_batches", released),
	)

	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.requestReplay()
	return nil
}

// Deprovision 清除密钥并取消所有等待中的重试；发送中的请求按自身超时结束
func (e *Engine) Deprovision(ctx context.Context) {
	e.mu.Lock()
	e.secretKey = nil
	e.retryCancel()
	e.retryCtx, e.retryCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.halt(ctx, "device deprovisioned")
}

// Start 启动派发、定时刷新和心跳循环，阻塞直到 ctx 取消或 Stop
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("engine already started")
	}
	e.cancel = cancel
	e.runCtx = runCtx
	e.mu.Unlock()

	e.logger.Info("Starting telemetry transmission engine",
		zap.Int("batch_capacity", e.opts.BatchCapacity),
		zap.Duration("flush_interval", e.opts.FlushInterval),
		zap.Duration("heartbeat_interval", e.opts.HeartbeatInterval),
	)

	e.loops.Add(3)
	go e.dispatchLoop(runCtx)
	go e.flushLoop(runCtx)
	go e.heartbeatLoop(runCtx)

	<-runCtx.Done()
	return nil
}

// Stop 刷新当前批次，停止循环并等待带外报警结束
// 未能发送的批次留在离线队列中；因缺少密钥挂起的记录以未签名批次落盘，重放前补签
func (e *Engine) Stop(ctx context.Context) error {
	e.FlushNow()

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.alarms.Wait()
		// 派发循环退出后才封存的批次只写入离线队列
		closed, cancelClosed := context.WithCancel(context.Background())
		cancelClosed()
		e.processSealed(closed)
		e.stageHeld(closed)
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Telemetry transmission engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop engine: %w", ctx.Err())
	}
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// dispatchLoop 唯一的批次派发 goroutine；重放也在这里执行，和实时发送不交叉
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.loops.Done()
	for {
		select {
		case <-e.wake:
			e.processSealed(ctx)
		case <-e.replayReq:
			if _, err := e.Replay(ctx); err != nil && !errors.Is(err, queue.ErrReplayInProgress) {
				e.logger.Error("Offline queue replay failed", zap.Error(err))
			}
		case <-ctx.Done():
			// 关闭前把剩余批次定稿并写入离线队列
			e.processSealed(ctx)
			return
		}
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	defer e.loops.Done()

	e.mu.Lock()
	interval := e.flushInterval
	e.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.flushReset:
			ticker.Reset(d)
			e.logger.Info("Flush interval changed", zap.Duration("interval", d))
		case <-ticker.C:
			e.FlushNow()
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	e.Heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Heartbeat(ctx)
		}
	}
}

// Heartbeat 发送一次心跳并更新连接状态
func (e *Engine) Heartbeat(ctx context.Context) error {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		e.logger.Warn("Failed to count pending batches", zap.Error(err))
	}

	err = e.client.SendHeartbeat(ctx, e.opts.DeviceID, pending)
	if err == nil {
		e.markOnline(ctx)
		return nil
	}

	kind := models.KindOf(err)
	e.logger.Warn("Heartbeat failed",
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	switch kind {
	case models.ErrNetwork, models.ErrTimeout:
		e.setStatus(ctx, models.ConnectivityOffline)
	default:
		e.setStatus(ctx, models.ConnectivityDegraded)
	}
	return err
}

func (e *Engine) requestReplay() {
	select {
	case e.replayReq <- struct{}{}:
	default:
	}
}

func (e *Engine) onPending(n int) {
	if e.collectors != nil {
		e.collectors.SetPending(n)
	}
	e.bus.Publish(context.Background(), events.PendingChanged{Header: e.header(), Pending: n})
}

func (e *Engine) header() events.Header {
	return events.Header{DeviceID: e.opts.DeviceID, At: e.now()}
}
