package retry

import (
	"time"

	"wisefido-telemetry/internal/models"
)

const (
	// DefaultBaseDelay 首次重试延迟
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay 退避上限
	DefaultMaxDelay = 60 * time.Second
	// DefaultBatchAttempts 常规批次最大尝试次数
	DefaultBatchAttempts = 3
	// DefaultAlarmAttempts HIGH 报警最大尝试次数（失败直接进离线队列重放）
	DefaultAlarmAttempts = 1
)

// Policy 指数退避策略
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// BatchPolicy 常规批次默认策略
func BatchPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultBatchAttempts}
}

// AlarmPolicy HIGH 报警默认策略
func AlarmPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultAlarmAttempts}
}

// For 按批次类型选择策略
func For(b *models.TelemetryBatch, batch, alarm Policy) Policy {
	if b.Kind == models.BatchKindAlarm {
		return alarm
	}
	return batch
}

// Delay 第 attempt 次失败后的等待时间：min(base * 2^(attempt-1), max)
// 只依赖尝试次数，不看墙钟
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxDelay
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
