package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/repository"
)

// ErrReplayInProgress 已有重放在运行
var ErrReplayInProgress = errors.New("replay already in progress")

// Store 离线队列的持久化后端（Postgres / Redis / 内存）
type Store interface {
	Append(ctx context.Context, qb *models.QueuedBatch) error
	MarkQueued(ctx context.Context, batchID string, queuedAt time.Time, reason string) (bool, error)
	MarkSent(ctx context.Context, batchID string) error
	UnsentBatches(ctx context.Context, limit int) ([]*models.QueuedBatch, error)
	Count(ctx context.Context) (int, error)
}

// SendFunc 重放时发送一个批次
type SendFunc func(ctx context.Context, qb *models.QueuedBatch) *models.TransmissionResult

// ReplayReport 一次重放的统计
type ReplayReport struct {
	Attempted  int
	Sent       int
	Duplicates int
	Held       int
	Skipped    int // 仍由发送循环持有的批次
	Remaining  int
	StoppedBy  *models.TransmissionError // 可重试错误导致重放中止
}

// OfflineQueue 未确认批次的持久 FIFO
//
// 批次在定型后立即 Save（write-ahead），此时归发送循环所有（in-flight）；
// 发送循环放弃时 Enqueue 把所有权交给队列，Replay 只处理队列拥有的批次；
// MarkSent 是唯一的删除路径。所有写操作串行执行。
type OfflineQueue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu        sync.Mutex
	inFlight  map[string]struct{}
	held      map[string]string // batchID -> 不可重试原因，等待运维处理
	replaying bool
	onPending func(n int)
}

// NewOfflineQueue 创建离线队列
func NewOfflineQueue(store Store, logger *zap.Logger) *OfflineQueue {
	return &OfflineQueue{
		store:    store,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		held:     make(map[string]string),
	}
}

// SetPendingListener 待发送数量变化时回调
func (q *OfflineQueue) SetPendingListener(fn func(n int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPending = fn
}

// Save 持久化刚定型的批次，返回 saved-to-durable-store 时间
// 保存后批次归调用方的发送循环所有，重放不会触碰它
func (q *OfflineQueue) Save(ctx context.Context, b *models.TelemetryBatch) (time.Time, error) {
	if !b.IsSigned() {
		return time.Time{}, fmt.Errorf("refusing to store unsigned batch %s", b.BatchID)
	}

	q.writeMu.Lock()
	savedAt := q.now()
	err := q.store.Append(ctx, &models.QueuedBatch{Batch: b, SavedAt: savedAt})
	q.writeMu.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to save batch %s: %w", b.BatchID, err)
	}

	q.mu.Lock()
	q.inFlight[b.BatchID] = struct{}{}
	q.mu.Unlock()

	q.notifyPending(ctx)
	return savedAt, nil
}

// Enqueue 发送循环放弃批次后移交给离线队列；每个批次只生效一次
// 返回 true 表示本次完成了移交
func (q *OfflineQueue) Enqueue(ctx context.Context, b *models.TelemetryBatch, reason string) (bool, error) {
	q.writeMu.Lock()
	changed, err := q.store.MarkQueued(ctx, b.BatchID, q.now(), reason)
	if errors.Is(err, repository.ErrBatchNotFound) {
		// Save 失败过的批次在这里补写
		if err = q.store.Append(ctx, &models.QueuedBatch{Batch: b, SavedAt: q.now()}); err == nil {
			changed, err = q.store.MarkQueued(ctx, b.BatchID, q.now(), reason)
		}
	}
	q.writeMu.Unlock()

	q.mu.Lock()
	delete(q.inFlight, b.BatchID)
	q.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("failed to enqueue batch %s: %w", b.BatchID, err)
	}
	if changed {
		q.logger.Info("Batch handed to offline queue",
			zap.String("batch_id", b.BatchID),
			zap.String("reason", reason),
		)
		q.notifyPending(ctx)
	}
	return changed, nil
}

// Hold 不可重试失败的批次保留在存储中但不参与重放，直到 ReleaseHeld
func (q *OfflineQueue) Hold(batchID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, batchID)
	q.held[batchID] = reason
	q.logger.Warn("Batch held for operator action",
		zap.String("batch_id", batchID),
		zap.String("reason", reason),
	)
}

// ReleaseHeld 放行所有被挂起的批次（重新配网或运维处理后调用）
func (q *OfflineQueue) ReleaseHeld() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.held)
	q.held = make(map[string]string)
	return n
}

// Held 被挂起的批次
func (q *OfflineQueue) Held() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.held))
	for k, v := range q.held {
		out[k] = v
	}
	return out
}

// MarkSent 服务端确认后删除批次；每个批次只能调用一次
func (q *OfflineQueue) MarkSent(ctx context.Context, batchID string) error {
	q.writeMu.Lock()
	err := q.store.MarkSent(ctx, batchID)
	q.writeMu.Unlock()

	q.mu.Lock()
	delete(q.inFlight, batchID)
	delete(q.held, batchID)
	q.mu.Unlock()

	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			q.logger.Warn("MarkSent for unknown batch",
				zap.String("batch_id", batchID),
			)
		}
		return fmt.Errorf("failed to mark batch %s sent: %w", batchID, err)
	}
	q.notifyPending(ctx)
	return nil
}

// Pending 未确认批次数（含发送中的）
func (q *OfflineQueue) Pending(ctx context.Context) (int, error) {
	return q.store.Count(ctx)
}

// InFlight 当前由发送循环持有的批次数
func (q *OfflineQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Replay 按写入顺序重放队列拥有的批次
// 服务端回 DUPLICATE 视为成功；遇到可重试错误立即停止以保持 FIFO；
// 不可重试错误的批次被挂起，继续处理后面的批次
func (q *OfflineQueue) Replay(ctx context.Context, send SendFunc) (*ReplayReport, error) {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return nil, ErrReplayInProgress
	}
	q.replaying = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	batches, err := q.store.UnsentBatches(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load unsent batches: %w", err)
	}

	report := &ReplayReport{}
	for i, qb := range batches {
		if ctx.Err() != nil {
			report.Remaining = len(batches) - i
			return report, ctx.Err()
		}
		id := qb.Batch.BatchID

		if !q.claim(id) {
			report.Skipped++
			continue
		}

		report.Attempted++
		res := send(ctx, qb)

		if res.Success {
			if err := q.MarkSent(ctx, id); err != nil {
				q.logger.Error("Failed to remove replayed batch",
					zap.String("batch_id", id),
					zap.Error(err),
				)
			}
			report.Sent++
			if res.Duplicate {
				report.Duplicates++
			}
			continue
		}

		if res.Retryable() {
			q.unclaim(id)
			report.StoppedBy = res.Error
			report.Remaining = len(batches) - i
			q.logger.Info("Replay paused by retryable failure",
				zap.String("batch_id", id),
				zap.Int("remaining", report.Remaining),
				zap.Error(res.Error),
			)
			return report, nil
		}

		reason := "unknown failure"
		if res.Error != nil {
			reason = res.Error.Error()
		}
		q.Hold(id, reason)
		report.Held++
	}

	q.logger.Info("Offline queue replay finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("sent", report.Sent),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("held", report.Held),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// claim 重放前取得批次所有权；发送中或被挂起的批次返回 false
func (q *OfflineQueue) claim(batchID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[batchID]; ok {
		return false
	}
	if _, ok := q.held[batchID]; ok {
		return false
	}
	q.inFlight[batchID] = struct{}{}
	return true
}

func (q *OfflineQueue) unclaim(batchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, batchID)
}

func (q *OfflineQueue) notifyPending(ctx context.Context) {
	q.mu.Lock()
	fn := q.onPending
	q.mu.Unlock()
	if fn == nil {
		return
	}
	n, err := q.store.Count(ctx)
	if err != nil {
		q.logger.Warn("Failed to count pending batches", zap.Error(err))
		return
	}
	fn(n)
}
