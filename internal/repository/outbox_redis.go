package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
)

// RedisOutboxRepository 基于 Redis 的离线队列存储
// {prefix}pending  有序集合，score 为写入序号
// {prefix}seq      序号计数器
// {prefix}batch:ID 哈希：payload / saved_at / queued_at / last_error
// {prefix}dead     有序集合，无法解码的批次，score 为移入时间
// {prefix}dead:ID  哈希：payload / reason
type RedisOutboxRepository struct {
	redisClient *redis.Client
	prefix      string
	logger      *zap.Logger
}

// NewRedisOutboxRepository 创建 Redis 离线队列仓库
func NewRedisOutboxRepository(redisClient *redis.Client, prefix string, logger *zap.Logger) *RedisOutboxRepository {
	if prefix == "" {
		prefix = "telemetry:outbox:"
	}
	return &RedisOutboxRepository{
		redisClient: redisClient,
		prefix:      prefix,
		logger:      logger,
	}
}

func (r *RedisOutboxRepository) pendingKey() string { return r.prefix + "pending" }
func (r *RedisOutboxRepository) seqKey() string     { return r.prefix + "seq" }
func (r *RedisOutboxRepository) deadKey() string    { return r.prefix + "dead" }
func (r *RedisOutboxRepository) batchKey(id string) string {
	return r.prefix + "batch:" + id
}
func (r *RedisOutboxRepository) deadBatchKey(id string) string {
	return r.prefix + "dead:" + id
}

// Append 写入一个已签名批次；同一 batch_id 重复写入不生效
func (r *RedisOutboxRepository) Append(ctx context.Context, qb *models.QueuedBatch) error {
	if qb == nil || qb.Batch == nil || qb.Batch.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	id := qb.Batch.BatchID

	exists, err := r.redisClient.Exists(ctx, r.batchKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check batch: %w", err)
	}
	if exists > 0 {
		return nil
	}

	payload, err := json.Marshal(qb.Batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	seq, err := r.redisClient.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.batchKey(id),
			"seq", seq,
			"payload", string(payload),
			"saved_at", qb.SavedAt.Format(time.RFC3339Nano),
		)
		pipe.ZAddNX(ctx, r.pendingKey(), &redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append batch: %w", err)
	}
	return nil
}

// MarkQueued 标记批次已移交离线队列；返回 false 表示已标记过
func (r *RedisOutboxRepository) MarkQueued(ctx context.Context, batchID string, queuedAt time.Time, reason string) (bool, error) {
	key := r.batchKey(batchID)
	exists, err := r.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check batch: %w", err)
	}
	if exists == 0 {
		return false, ErrBatchNotFound
	}

	set, err := r.redisClient.HSetNX(ctx, key, "queued_at", queuedAt.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark batch queued: %w", err)
	}
	if set && reason != "" {
		if err := r.redisClient.HSet(ctx, key, "last_error", reason).Err(); err != nil {
			return true, fmt.Errorf("failed to record last error: %w", err)
		}
	}
	return set, nil
}

// MarkSent 服务端确认后删除批次
func (r *RedisOutboxRepository) MarkSent(ctx context.Context, batchID string) error {
	removed, err := r.redisClient.ZRem(ctx, r.pendingKey(), batchID).Result()
	if err != nil {
		return fmt.Errorf("failed to mark batch sent: %w", err)
	}
	if removed == 0 {
		return ErrBatchNotFound
	}
	if err := r.redisClient.Del(ctx, r.batchKey(batchID)).Err(); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

// UnsentBatches 按写入顺序返回未确认的批次；limit <= 0 表示不限
func (r *RedisOutboxRepository) UnsentBatches(ctx context.Context, limit int) ([]*models.QueuedBatch, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.redisClient.ZRange(ctx, r.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent batches: %w", err)
	}

	out := make([]*models.QueuedBatch, 0, len(ids))
	for _, id := range ids {
		fields, err := r.redisClient.HGetAll(ctx, r.batchKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
		}
		qb, err := decodeQueuedBatch(fields)
		if err != nil {
			r.deadLetter(ctx, id, fields["payload"], err)
			continue
		}
		out = append(out, qb)
	}
	return out, nil
}

// Count 未确认批次数
func (r *RedisOutboxRepository) Count(ctx context.Context) (int, error) {
	n, err := r.redisClient.ZCard(ctx, r.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return int(n), nil
}

// deadLetter 把无法解码的批次移出 pending，否则 Count 永远不会归零
// 移动失败时只记录日志，下次读取时再试
func (r *RedisOutboxRepository) deadLetter(ctx context.Context, id, payload string, cause error) {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.deadBatchKey(id),
			"payload", payload,
			"reason", cause.Error(),
		)
		pipe.ZAdd(ctx, r.deadKey(), &redis.Z{Score: float64(time.Now().Unix()), Member: id})
		pipe.ZRem(ctx, r.pendingKey(), id)
		pipe.Del(ctx, r.batchKey(id))
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to dead-letter undecodable outbox entry",
			zap.String("batch_id", id),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	r.logger.Error("Moved undecodable outbox entry to dead letter set",
		zap.String("batch_id", id),
		zap.Error(cause),
	)
}

func decodeQueuedBatch(fields map[string]string) (*models.QueuedBatch, error) {
	payload, ok := fields["payload"]
	if !ok {
		return nil, fmt.Errorf("missing payload")
	}
	var b models.TelemetryBatch
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	qb := &models.QueuedBatch{Batch: &b, LastError: fields["last_error"]}
	if v, ok := fields["seq"]; ok {
		qb.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["saved_at"]; ok {
		qb.SavedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := fields["queued_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			qb.Queued = true
			qb.QueuedAt = &t
		}
	}
	return qb, nil
}
