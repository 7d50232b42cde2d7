package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
)

// Store 指标持久化接口
type Store interface {
	SaveMetrics(ctx context.Context, rec *models.MetricsRecord) error
}

// Report 单批次指标汇总
type Report struct {
	Record    *models.MetricsRecord
	Latencies Latencies
	Quality   Quality
	Warnings  []Warning
}

// Recorder 计算、校验并持久化每个批次的传输指标
type Recorder struct {
	store      Store
	collectors *Collectors
	logger     *zap.Logger
	now        func() time.Time
}

// NewRecorder 创建指标记录器；store 和 collectors 均可为 nil
func NewRecorder(store Store, collectors *Collectors, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:      store,
		collectors: collectors,
		logger:     logger,
		now:        time.Now,
	}
}

// Record 记录一次发送结果（成功或最终失败）
// 持久化失败时仍返回 Report，并返回错误
func (r *Recorder) Record(ctx context.Context, b *models.TelemetryBatch, res *models.TransmissionResult) (*Report, error) {
	lat := Compute(res.Metrics)
	report := &Report{
		Latencies: lat,
		Quality:   Classify(lat),
		Warnings:  Check(b.BatchID, lat),
	}

	for _, w := range report.Warnings {
		r.logger.Warn("Transmission metrics integrity warning",
			zap.String("batch_id", w.BatchID),
			zap.String("stage", string(w.Stage)),
			zap.Duration("latency", w.Value),
		)
	}

	rec := &models.MetricsRecord{
		BatchID:               b.BatchID,
		DeviceID:              b.DeviceID,
		Kind:                  b.Kind,
		Success:               res.Success,
		Duplicate:             res.Duplicate,
		Attempts:              res.Attempts,
		Records:               b.RecordCount(),
		Quality:               string(report.Quality),
		CreatedAt:             res.Metrics.CreatedAt,
		SavedAt:               res.Metrics.SavedAt,
		TransmissionStartedAt: res.Metrics.TransmissionStartedAt,
		ServerReceivedAt:      res.Metrics.ServerReceivedAt,
		ServerAcknowledgedAt:  res.Metrics.ServerAcknowledgedAt,
		StoreLatencyMs:        millis(lat, StageStore),
		TransmitLatencyMs:     millis(lat, StageTransmit),
		ServerLatencyMs:       millis(lat, StageServerProcessing),
		EndToEndMs:            millis(lat, StageEndToEnd),
		RecordedAt:            r.now(),
	}
	if res.Error != nil {
		rec.ErrorKind = string(res.Error.Kind)
	}
	report.Record = rec

	if r.collectors != nil {
		r.collectors.Observe(report)
	}

	r.logger.Debug("Transmission metrics recorded",
		zap.String("batch_id", b.BatchID),
		zap.Bool("success", res.Success),
		zap.String("quality", string(report.Quality)),
		zap.Int("attempts", res.Attempts),
	)

	if r.store == nil {
		return report, nil
	}
	if err := r.store.SaveMetrics(ctx, rec); err != nil {
		r.logger.Error("Failed to persist transmission metrics",
			zap.String("batch_id", b.BatchID),
			zap.Error(err),
		)
		return report, fmt.Errorf("failed to save metrics: %w", err)
	}
	return report, nil
}

func millis(l Latencies, stage Stage) *int64 {
	v, ok := l[stage]
	if !ok {
		return nil
	}
	ms := v.Milliseconds()
	return &ms
}
