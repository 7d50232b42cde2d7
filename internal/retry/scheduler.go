package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/models"
)

// Operation 一次发送尝试；attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) *models.TransmissionResult

// Outcome 一次调度的最终结果
type Outcome struct {
	Result         *models.TransmissionResult // 最后一次尝试的结果
	Attempts       int
	Delays         []time.Duration // 每次可重试失败后计算出的退避
	Exhausted      bool            // 可重试错误用尽尝试次数
	Cancelled      bool            // 等待重试期间 ctx 被取消
	ShortCircuited bool            // 熔断器打开，未发出请求
}

// Succeeded 是否最终成功
func (o *Outcome) Succeeded() bool {
	return o.Result != nil && o.Result.Success
}

// NeedsReplay 批次是否需要交给离线队列
func (o *Outcome) NeedsReplay() bool {
	return !o.Succeeded()
}

// ReplayHint 最后一次计算的退避，供离线重放参考
func (o *Outcome) ReplayHint() time.Duration {
	if len(o.Delays) == 0 {
		return 0
	}
	return o.Delays[len(o.Delays)-1]
}

// Scheduler 重试调度器
type Scheduler struct {
	breaker *CircuitBreaker
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewScheduler 创建调度器；breaker 可为 nil
func NewScheduler(breaker *CircuitBreaker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		breaker: breaker,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// SetSleep 替换等待函数（测试中记录退避而不真正等待）
func (s *Scheduler) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// Breaker 关联的熔断器
func (s *Scheduler) Breaker() *CircuitBreaker {
	return s.breaker
}

// Run 按策略执行 op，直到成功、遇到不可重试错误、用尽尝试次数或 ctx 取消
// 同一批次的每次尝试都发送同一个已签名批次，调用方不得在尝试之间修改它
func (s *Scheduler) Run(ctx context.Context, batchID string, policy Policy, op Operation) *Outcome {
	out := &Outcome{}
	maxAttempts := policy.attempts()

	for attempt := 1; ; attempt++ {
		if s.breaker != nil && !s.breaker.AllowRequest() {
			out.ShortCircuited = true
			if out.Result == nil {
				out.Result = models.Failed(batchID, models.TransmissionMetrics{BatchID: batchID},
					models.NewTransmissionError(models.ErrNetwork, "circuit breaker open", nil))
			}
			s.logger.Debug("Transmission short-circuited",
				zap.String("batch_id", batchID),
				zap.Int("attempt", attempt),
			)
			return out
		}

		res := op(ctx, attempt)
		res.Attempts = attempt
		out.Result = res
		out.Attempts = attempt

		if res.Success {
			if s.breaker != nil {
				s.breaker.RecordSuccess()
			}
			return out
		}

		if !res.Retryable() {
			if s.breaker != nil {
				s.breaker.Release()
			}
			s.logger.Warn("Transmission failed with non-retryable error",
				zap.String("batch_id", batchID),
				zap.Int("attempt", attempt),
				zap.Error(res.Error),
			)
			return out
		}

		if s.breaker != nil {
			s.breaker.RecordFailure()
		}

		delay := policy.Delay(attempt)
		out.Delays = append(out.Delays, delay)

		if attempt >= maxAttempts {
			out.Exhausted = true
			s.logger.Warn("Retry attempts exhausted",
				zap.String("batch_id", batchID),
				zap.Int("attempts", attempt),
				zap.Duration("replay_hint", delay),
				zap.Error(res.Error),
			)
			return out
		}

		s.logger.Info("Scheduling transmission retry",
			zap.String("batch_id", batchID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(res.Error.Kind)),
		)
		if err := s.sleep(ctx, delay); err != nil {
			out.Cancelled = true
			return out
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
