package service

import (
	"context"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/batch"
	"wisefido-telemetry/internal/events"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/queue"
	"wisefido-telemetry/internal/retry"
	"wisefido-telemetry/internal/signer"
)

// processSealed 按创建顺序定稿并发送所有已封存批次
// ctx 已取消时只定稿并写入离线队列，不再发起请求
func (e *Engine) processSealed(ctx context.Context) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	for {
		e.mu.Lock()
		if len(e.sealed) == 0 {
			e.mu.Unlock()
			return
		}
		a := e.sealed[0]
		e.sealed = e.sealed[1:]
		e.mu.Unlock()

		b, ok := e.finalize(ctx, a)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			e.persist(ctx, b, "engine shutting down")
			continue
		}
		e.transmit(ctx, b)
	}
}

// finalize 签名定稿；密钥缺失时挂起组装器并停止发送，记录不会丢失
func (e *Engine) finalize(ctx context.Context, a *batch.Assembler) (*models.TelemetryBatch, bool) {
	e.mu.Lock()
	halted := e.halted
	key := e.secretKey
	e.mu.Unlock()

	if halted {
		e.hold(a)
		return nil, false
	}

	b, err := a.Finalize(key)
	if err != nil {
		e.hold(a)
		if models.KindOf(err) == models.ErrConfiguration {
			e.halt(ctx, err.Error())
			return nil, false
		}
		e.logger.Error("Failed to finalize batch",
			zap.Int("vitals", a.Len()),
			zap.Int("alarms", a.AlarmCount()),
			zap.Error(err),
		)
		return nil, false
	}
	return b, true
}

func (e *Engine) hold(a *batch.Assembler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held = append(e.held, a)
}

func (e *Engine) halt(ctx context.Context, reason string) {
	e.mu.Lock()
	was := e.halted
	e.halted = true
	e.mu.Unlock()
	if was {
		return
	}
	e.logger.Error("Telemetry transmission halted until reprovisioned",
		zap.String("reason", reason),
	)
	e.bus.Publish(ctx, events.EngineHalted{Header: e.header(), Reason: reason})
}

// retryScope 发送上下文；Deprovision 会取消其中等待的重试
func (e *Engine) retryScope(parent context.Context) (context.Context, context.CancelFunc) {
	e.mu.Lock()
	rc := e.retryCtx
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(rc, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// transmit 先写入离线存储（write-ahead），再按策略发送
func (e *Engine) transmit(ctx context.Context, b *models.TelemetryBatch) {
	storeCtx := context.WithoutCancel(ctx)

	savedAt, err := e.queue.Save(storeCtx, b)
	saved := err == nil
	if err != nil {
		e.logger.Error("Failed to persist batch before transmission",
			zap.String("batch_id", b.BatchID),
			zap.Error(err),
		)
	}

	base := models.TransmissionMetrics{
		BatchID:   b.BatchID,
		CreatedAt: b.CreatedAt,
		SavedAt:   savedAt,
	}

	sendCtx, cancel := e.retryScope(ctx)
	defer cancel()

	policy := retry.For(b, e.opts.BatchPolicy, e.opts.AlarmPolicy)
	out := e.scheduler.Run(sendCtx, b.BatchID, policy, func(ctx context.Context, attempt int) *models.TransmissionResult {
		res := e.client.Send(ctx, b, base)
		e.observe(ctx, res)
		return res
	})
	e.checkBreaker(ctx)

	if out.Succeeded() {
		e.onSent(storeCtx, b, out.Result, false)
		if saved {
			if err := e.queue.MarkSent(storeCtx, b.BatchID); err != nil {
				e.logger.Error("Failed to remove acknowledged batch", zap.String("batch_id", b.BatchID), zap.Error(err))
			}
		}
		return
	}
	e.onGiveUp(storeCtx, b, out)
}

// sendAlarm HIGH 报警带外发送，不排在任何批次之后
func (e *Engine) sendAlarm(ctx context.Context, alarm models.AlarmEvent) {
	b, ok := e.finalize(ctx, batch.NewAlarmAssembler(alarm))
	if !ok {
		return
	}
	e.logger.Info("Sending high priority alarm",
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("alarm_type", alarm.AlarmType),
		zap.String("batch_id", b.BatchID),
	)
	if ctx.Err() != nil {
		e.persist(ctx, b, "engine shutting down")
		return
	}
	e.transmit(ctx, b)
}

// persist 不发送，直接交给离线队列
func (e *Engine) persist(ctx context.Context, b *models.TelemetryBatch, reason string) bool {
	storeCtx := context.WithoutCancel(ctx)
	changed, err := e.queue.Enqueue(storeCtx, b, reason)
	if err != nil {
		e.logger.Error("Failed to hand batch to offline queue",
			zap.String("batch_id", b.BatchID),
			zap.Error(err),
		)
		return false
	}
	if changed {
		e.bus.Publish(storeCtx, events.BatchQueued{Header: e.header(), BatchID: b.BatchID, Kind: b.Kind, Reason: reason})
	}
	return true
}

// stageHeld 停机时把等待密钥的组装器以未签名批次写入离线队列
// 写入失败的记录无法恢复，上报 RecordsDropped
func (e *Engine) stageHeld(ctx context.Context) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	held := e.held
	e.held = nil
	e.mu.Unlock()

	for _, a := range held {
		vitals, alarms := a.Len(), a.AlarmCount()
		b, err := a.Stage()
		if err == nil && e.persist(ctx, b, awaitingKey) {
			e.logger.Warn("Staged unsigned batch until reprovisioned",
				zap.String("batch_id", b.BatchID),
				zap.Int("vitals", vitals),
				zap.Int("alarms", alarms),
			)
			continue
		}
		reason := "failed to stage records awaiting signing key"
		if err != nil {
			reason = err.Error()
		}
		e.logger.Error("Dropping records held for signing",
			zap.Int("vitals", vitals),
			zap.Int("alarms", alarms),
			zap.String("reason", reason),
		)
		e.bus.Publish(context.WithoutCancel(ctx), events.RecordsDropped{
			Header: e.header(),
			Vitals: vitals,
			Alarms: alarms,
			Reason: reason,
		})
	}
}

const awaitingKey = "awaiting signing key"

// signStaged 停机时未签名落盘的批次在重放前补签；无法签名时返回失败结果
func (e *Engine) signStaged(ctx context.Context, b *models.TelemetryBatch, base models.TransmissionMetrics) *models.TransmissionResult {
	e.mu.Lock()
	halted := e.halted
	key := e.secretKey
	e.mu.Unlock()

	if !halted {
		err := signer.SignBatch(b, key)
		if err == nil {
			return nil
		}
		if models.KindOf(err) != models.ErrConfiguration {
			return models.Failed(b.BatchID, base, models.NewTransmissionError(models.ErrSignature, "failed to sign staged batch", err))
		}
		e.halt(ctx, err.Error())
	}
	return models.Failed(b.BatchID, base, models.NewTransmissionError(models.ErrConfiguration, awaitingKey, nil))
}

func (e *Engine) onSent(ctx context.Context, b *models.TelemetryBatch, res *models.TransmissionResult, replayed bool) {
	report, _ := e.recorder.Record(ctx, b, res)

	for _, w := range report.Warnings {
		e.bus.Publish(ctx, events.MetricsIntegrityWarning{
			Header:  e.header(),
			BatchID: w.BatchID,
			Stage:   string(w.Stage),
			Latency: w.Value,
		})
	}

	e.bus.Publish(ctx, events.TransmissionSucceeded{
		Header:    e.header(),
		BatchID:   b.BatchID,
		Kind:      b.Kind,
		Records:   res.RecordsReceived,
		Duplicate: res.Duplicate,
		Attempts:  res.Attempts,
		Quality:   string(report.Quality),
		Replayed:  replayed,
	})
}

func (e *Engine) onFailed(ctx context.Context, b *models.TelemetryBatch, res *models.TransmissionResult) *models.TransmissionError {
	terr := res.Error
	if terr == nil {
		terr = models.NewTransmissionError(models.ErrUnknown, "transmission failed without error detail", nil)
	}
	e.recorder.Record(ctx, b, res)
	e.bus.Publish(ctx, events.TransmissionFailed{
		Header:    e.header(),
		BatchID:   b.BatchID,
		Kind:      b.Kind,
		ErrorKind: terr.Kind,
		Message:   terr.Message,
		Retryable: terr.Retryable,
		Attempts:  res.Attempts,
	})
	return terr
}

// onGiveUp 发送循环放弃：上报，然后把批次交给离线队列
// 不可重试的 HIGH 报警持久化后挂起，等待运维处理而不进入自动重放
func (e *Engine) onGiveUp(ctx context.Context, b *models.TelemetryBatch, out *retry.Outcome) {
	terr := e.onFailed(ctx, b, out.Result)

	if out.Exhausted {
		e.bus.Publish(ctx, events.RetryExhausted{
			Header:     e.header(),
			BatchID:    b.BatchID,
			Attempts:   out.Attempts,
			ReplayHint: out.ReplayHint(),
		})
	}

	if b.Kind == models.BatchKindAlarm && !terr.Retryable {
		e.queue.Hold(b.BatchID, terr.Error())
		if _, err := e.queue.Enqueue(ctx, b, terr.Error()); err != nil {
			e.logger.Error("Failed to persist held alarm",
				zap.String("batch_id", b.BatchID),
				zap.Error(err),
			)
		}
		return
	}

	reason := terr.Error()
	switch {
	case out.Cancelled:
		reason = "retry cancelled: " + reason
	case out.ShortCircuited:
		reason = "circuit breaker open"
	case out.Exhausted:
		reason = "retry attempts exhausted: " + reason
	}
	e.persist(ctx, b, reason)
}

// Replay 按 FIFO 重放离线队列；每个批次只尝试一次，可重试失败时停止
func (e *Engine) Replay(ctx context.Context) (*queue.ReplayReport, error) {
	policy := e.opts.BatchPolicy
	policy.MaxAttempts = 1

	return e.queue.Replay(ctx, func(ctx context.Context, qb *models.QueuedBatch) *models.TransmissionResult {
		b := qb.Batch
		base := models.TransmissionMetrics{
			BatchID:   b.BatchID,
			CreatedAt: b.CreatedAt,
			SavedAt:   qb.SavedAt,
		}
		if !b.IsSigned() {
			if res := e.signStaged(ctx, b, base); res != nil {
				return res
			}
		}
		out := e.scheduler.Run(ctx, b.BatchID, policy, func(ctx context.Context, attempt int) *models.TransmissionResult {
			res := e.client.Send(ctx, b, base)
			e.observe(ctx, res)
			return res
		})
		e.checkBreaker(ctx)

		storeCtx := context.WithoutCancel(ctx)
		res := out.Result
		switch {
		case res.Success:
			e.onSent(storeCtx, b, res, true)
		case !res.Retryable():
			e.onFailed(storeCtx, b, res)
		}
		return res
	})
}

// observe 根据每次发送结果更新连接状态
func (e *Engine) observe(ctx context.Context, res *models.TransmissionResult) {
	if res.Success {
		e.markOnline(ctx)
		return
	}
	if res.Error == nil {
		return
	}
	switch res.Error.Kind {
	case models.ErrNetwork, models.ErrTimeout:
		e.mu.Lock()
		e.networkFails++
		n := e.networkFails
		e.mu.Unlock()

		breakerOpen := e.scheduler.Breaker() != nil && e.scheduler.Breaker().State() == retry.CircuitOpen
		if n >= e.opts.OfflineAfter || breakerOpen {
			e.setStatus(ctx, models.ConnectivityOffline)
		} else {
			e.setStatus(ctx, models.ConnectivityDegraded)
		}
	case models.ErrServer:
		e.setStatus(ctx, models.ConnectivityDegraded)
	}
}

// checkBreaker 熔断器在本次发送中跳闸时立即标记离线
// observe 在 RecordFailure 之前运行，看不到刚跳闸的状态
func (e *Engine) checkBreaker(ctx context.Context) {
	cb := e.scheduler.Breaker()
	if cb == nil || cb.State() != retry.CircuitOpen {
		return
	}
	e.setStatus(ctx, models.ConnectivityOffline)
}

// markOnline 连接恢复：复位熔断器并请求重放
func (e *Engine) markOnline(ctx context.Context) {
	e.mu.Lock()
	e.networkFails = 0
	e.mu.Unlock()

	if !e.setStatus(ctx, models.ConnectivityOnline) {
		return
	}
	if cb := e.scheduler.Breaker(); cb != nil && cb.State() != retry.CircuitClosed {
		cb.Reset()
	}
	e.requestReplay()
}

func (e *Engine) setStatus(ctx context.Context, to models.ConnectivityStatus) bool {
	e.mu.Lock()
	from := e.status
	if from == to {
		e.mu.Unlock()
		return false
	}
	e.status = to
	e.mu.Unlock()

	e.logger.Info("Connectivity status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	e.bus.Publish(ctx, events.ConnectivityChanged{Header: e.header(), From: from, To: to})
	return true
}
