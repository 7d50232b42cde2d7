package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
)

// MetricsSchema 传输指标表
const MetricsSchema = `
CREATE TABLE IF NOT EXISTS transmission_metrics (
	id                      BIGSERIAL PRIMARY KEY,
	batch_id                UUID        NOT NULL,
	device_id               TEXT        NOT NULL,
	kind                    TEXT        NOT NULL,
	success                 BOOLEAN     NOT NULL,
	duplicate               BOOLEAN     NOT NULL DEFAULT FALSE,
	error_kind              TEXT,
	attempts                INT         NOT NULL,
	records                 INT         NOT NULL,
	quality                 TEXT        NOT NULL,
	created_at              TIMESTAMPTZ,
	saved_at                TIMESTAMPTZ,
	transmission_started_at TIMESTAMPTZ,
	server_received_at      TIMESTAMPTZ,
	server_acknowledged_at  TIMESTAMPTZ,
	store_latency_ms        BIGINT,
	transmit_latency_ms     BIGINT,
	server_latency_ms       BIGINT,
	end_to_end_ms           BIGINT,
	recorded_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// MetricsFilters 指标查询条件
type MetricsFilters struct {
	DeviceID  *string
	StartTime *time.Time // recorded_at >= StartTime
	EndTime   *time.Time // recorded_at <= EndTime
	Limit     int
}

// PostgresMetricsRepository 传输指标仓库
type PostgresMetricsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresMetricsRepository 创建传输指标仓库
func NewPostgresMetricsRepository(db *sql.DB, logger *zap.Logger) *PostgresMetricsRepository {
	return &PostgresMetricsRepository{
		db:     db,
		logger: logger,
	}
}

// SaveMetrics 写入一条指标记录
func (r *PostgresMetricsRepository) SaveMetrics(ctx context.Context, rec *models.MetricsRecord) error {
	query := `
		INSERT INTO transmission_metrics (
			batch_id, device_id, kind, success, duplicate, error_kind, attempts, records, quality,
			created_at, saved_at, transmission_started_at, server_received_at, server_acknowledged_at,
			store_latency_ms, transmit_latency_ms, server_latency_ms, end_to_end_ms, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		rec.BatchID,
		rec.DeviceID,
		string(rec.Kind),
		rec.Success,
		rec.Duplicate,
		nullString(rec.ErrorKind),
		rec.Attempts,
		rec.Records,
		rec.Quality,
		nullTime(rec.CreatedAt),
		nullTime(rec.SavedAt),
		nullTime(rec.TransmissionStartedAt),
		nullTime(rec.ServerReceivedAt),
		nullTime(rec.ServerAcknowledgedAt),
		nullInt64(rec.StoreLatencyMs),
		nullInt64(rec.TransmitLatencyMs),
		nullInt64(rec.ServerLatencyMs),
		nullInt64(rec.EndToEndMs),
		rec.RecordedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert transmission metrics: %w", err)
	}
	return nil
}

// ListMetrics 按条件查询指标，按 recorded_at 升序
func (r *PostgresMetricsRepository) ListMetrics(ctx context.Context, filters MetricsFilters) ([]*models.MetricsRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filters.DeviceID != nil {
		args = append(args, *filters.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if filters.StartTime != nil {
		args = append(args, *filters.StartTime)
		where = append(where, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if filters.EndTime != nil {
		args = append(args, *filters.EndTime)
		where = append(where, fmt.Sprintf("recorded_at <= $%d", len(args)))
	}

	query := `
		SELECT id, batch_id, device_id, kind, success, duplicate, error_kind, attempts, records, quality,
			created_at, saved_at, transmission_started_at, server_received_at, server_acknowledged_at,
			store_latency_ms, transmit_latency_ms, server_latency_ms, end_to_end_ms, recorded_at
		FROM transmission_metrics
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transmission metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.MetricsRecord
	for rows.Next() {
		var (
			rec                                       models.MetricsRecord
			kind                                      string
			errorKind                                 sql.NullString
			created, saved, started, received, acked  sql.NullTime
			storeMs, transmitMs, serverMs, endToEndMs sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID, &rec.BatchID, &rec.DeviceID, &kind, &rec.Success, &rec.Duplicate, &errorKind,
			&rec.Attempts, &rec.Records, &rec.Quality,
			&created, &saved, &started, &received, &acked,
			&storeMs, &transmitMs, &serverMs, &endToEndMs, &rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transmission metrics: %w", err)
		}
		rec.Kind = models.BatchKind(kind)
		rec.ErrorKind = errorKind.String
		rec.CreatedAt = created.Time
		rec.SavedAt = saved.Time
		rec.TransmissionStartedAt = started.Time
		rec.ServerReceivedAt = received.Time
		rec.ServerAcknowledgedAt = acked.Time
		rec.StoreLatencyMs = int64Ptr(storeMs)
		rec.TransmitLatencyMs = int64Ptr(transmitMs)
		rec.ServerLatencyMs = int64Ptr(serverMs)
		rec.EndToEndMs = int64Ptr(endToEndMs)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transmission metrics: %w", err)
	}
	return out, nil
}

// EnsureSchema 创建离线队列、死信和指标表
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, ddl := range []string{OutboxSchema, OutboxDeadSchema, MetricsSchema} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
