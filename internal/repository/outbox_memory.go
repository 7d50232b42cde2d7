package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-telemetry/internal/models"
)

// MemoryOutboxRepository 内存离线队列（无持久化，用于测试和无数据库的演示部署）
type MemoryOutboxRepository struct {
	mu      sync.Mutex
	seq     int64
	batches map[string]*models.QueuedBatch
}

// NewMemoryOutboxRepository 创建内存离线队列
func NewMemoryOutboxRepository() *MemoryOutboxRepository {
	return &MemoryOutboxRepository{batches: make(map[string]*models.QueuedBatch)}
}

// Append 写入批次
func (r *MemoryOutboxRepository) Append(ctx context.Context, qb *models.QueuedBatch) error {
	if qb == nil || qb.Batch == nil || qb.Batch.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[qb.Batch.BatchID]; ok {
		return nil
	}
	r.seq++
	stored := *qb
	stored.Seq = r.seq
	r.batches[qb.Batch.BatchID] = &stored
	return nil
}

// MarkQueued 标记已移交
func (r *MemoryOutboxRepository) MarkQueued(ctx context.Context, batchID string, queuedAt time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qb, ok := r.batches[batchID]
	if !ok {
		return false, ErrBatchNotFound
	}
	if qb.Queued {
		return false, nil
	}
	qb.Queued = true
	qb.QueuedAt = &queuedAt
	qb.LastError = reason
	return true, nil
}

// MarkSent 删除批次
func (r *MemoryOutboxRepository) MarkSent(ctx context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batchID]; !ok {
		return ErrBatchNotFound
	}
	delete(r.batches, batchID)
	return nil
}

// UnsentBatches 按写入顺序返回
func (r *MemoryOutboxRepository) UnsentBatches(ctx context.Context, limit int) ([]*models.QueuedBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.QueuedBatch, 0, len(r.batches))
	for _, qb := range r.batches {
		c := *qb
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count 未确认批次数
func (r *MemoryOutboxRepository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches), nil
}
