package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
)

// OutboxSchema 离线队列表
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS telemetry_outbox (
	seq        BIGSERIAL PRIMARY KEY,
	batch_id   UUID        NOT NULL UNIQUE,
	device_id  TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL,
	payload    JSONB       NOT NULL,
	queued     BOOLEAN     NOT NULL DEFAULT FALSE,
	queued_at  TIMESTAMPTZ,
	last_error TEXT
)`

// OutboxDeadSchema 无法解码的离线队列行移到这里，等待人工处理
const OutboxDeadSchema = `
CREATE TABLE IF NOT EXISTS telemetry_outbox_dead (
	seq       BIGINT      PRIMARY KEY,
	batch_id  UUID        NOT NULL,
	payload   JSONB       NOT NULL,
	reason    TEXT        NOT NULL,
	dead_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresOutboxRepository 基于 PostgreSQL 的离线队列存储
type PostgresOutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresOutboxRepository 创建离线队列仓库
func NewPostgresOutboxRepository(db *sql.DB, logger *zap.Logger) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{
		db:     db,
		logger: logger,
	}
}

// Append 写入一个已签名批次；同一 batch_id 重复写入不生效
func (r *PostgresOutboxRepository) Append(ctx context.Context, qb *models.QueuedBatch) error {
	if qb == nil || qb.Batch == nil || qb.Batch.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	payload, err := json.Marshal(qb.Batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	query := `
		INSERT INTO telemetry_outbox (batch_id, device_id, kind, created_at, saved_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		qb.Batch.BatchID,
		qb.Batch.DeviceID,
		string(qb.Batch.Kind),
		qb.Batch.CreatedAt,
		qb.SavedAt,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append batch: %w", err)
	}
	return nil
}

// MarkQueued 标记批次已移交离线队列；返回 false 表示已标记过
func (r *PostgresOutboxRepository) MarkQueued(ctx context.Context, batchID string, queuedAt time.Time, reason string) (bool, error) {
	query := `
		UPDATE telemetry_outbox
		SET queued = TRUE, queued_at = $2, last_error = $3
		WHERE batch_id = $1 AND queued = FALSE
	`
	result, err := r.db.ExecContext(ctx, query, batchID, queuedAt, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark batch queued: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM telemetry_outbox WHERE batch_id = $1)`, batchID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check batch: %w", err)
	}
	if !exists {
		return false, ErrBatchNotFound
	}
	return false, nil
}

// MarkSent 服务端确认后删除批次
func (r *PostgresOutboxRepository) MarkSent(ctx context.Context, batchID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM telemetry_outbox WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark batch sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// UnsentBatches 按写入顺序返回未确认的批次；limit <= 0 表示不限
func (r *PostgresOutboxRepository) UnsentBatches(ctx context.Context, limit int) ([]*models.QueuedBatch, error) {
	query := `
		SELECT seq, payload, saved_at, queued, queued_at, last_error
		FROM telemetry_outbox
		ORDER BY seq ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent batches: %w", err)
	}
	defer rows.Close()

	var (
		out []*models.QueuedBatch
		bad []deadRow
	)
	for rows.Next() {
		var (
			qb        models.QueuedBatch
			payload   []byte
			queuedAt  sql.NullTime
			lastError sql.NullString
		)
		if err := rows.Scan(&qb.Seq, &payload, &qb.SavedAt, &qb.Queued, &queuedAt, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		var b models.TelemetryBatch
		if err := json.Unmarshal(payload, &b); err != nil {
			bad = append(bad, deadRow{seq: qb.Seq, reason: err.Error()})
			continue
		}
		qb.Batch = &b
		if queuedAt.Valid {
			t := queuedAt.Time
			qb.QueuedAt = &t
		}
		qb.LastError = lastError.String
		out = append(out, &qb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", err)
	}
	rows.Close()

	for _, d := range bad {
		r.deadLetter(ctx, d)
	}
	return out, nil
}

type deadRow struct {
	seq    int64
	reason string
}

// deadLetter 把无法解码的行移出队列，否则 Count 永远不会归零
// 移动失败时只记录日志，下次读取时再试
func (r *PostgresOutboxRepository) deadLetter(ctx context.Context, d deadRow) {
	query := `
		WITH moved AS (
			DELETE FROM telemetry_outbox WHERE seq = $1
			RETURNING seq, batch_id, payload
		)
		INSERT INTO telemetry_outbox_dead (seq, batch_id, payload, reason)
		SELECT seq, batch_id, payload, $2 FROM moved
		ON CONFLICT (seq) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, d.seq, d.reason); err != nil {
		r.logger.Error("Failed to dead-letter undecodable outbox row",
			zap.Int64("seq", d.seq),
			zap.String("reason", d.reason),
			zap.Error(err),
		)
		return
	}
	r.logger.Error("Moved undecodable outbox row to dead letter table",
		zap.Int64("seq", d.seq),
		zap.String("reason", d.reason),
	)
}

// Count 未确认批次数
func (r *PostgresOutboxRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return n, nil
}
