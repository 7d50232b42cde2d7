package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultHalfOpenSuccess  = 3
)

// CircuitBreaker 服务端持续不可用时短路发送，批次直接转入离线队列
// 连续 failureThreshold 次可重试失败后打开；resetTimeout 后进入半开，
// 半开期间每次只放行一个探测请求，连续 halfOpenSuccess 次成功后关闭
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	halfOpenOK       int
	probing          bool
	lastFailure      time.Time

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenSuccess  int

	logger *zap.Logger
	now    func() time.Time
}

// NewCircuitBreaker 创建熔断器；参数 <= 0 时使用默认值
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenSuccess int, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	if halfOpenSuccess <= 0 {
		halfOpenSuccess = DefaultHalfOpenSuccess
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenSuccess:  halfOpenSuccess,
		logger:           logger,
		now:              time.Now,
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures 连续失败次数
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// AllowRequest 是否放行本次请求
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenOK = 0
		cb.probing = true
		cb.logger.Info("Circuit breaker transitioning to half-open",
			zap.Duration("reset_timeout", cb.resetTimeout),
		)
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	if cb.state != CircuitHalfOpen {
		return
	}
	cb.probing = false
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenSuccess {
		cb.state = CircuitClosed
		cb.halfOpenOK = 0
		cb.logger.Info("Circuit breaker closed after successful probes")
	}
}

// RecordFailure 记录一次可重试失败（网络/超时/服务端错误）
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.probing = false
		cb.halfOpenOK = 0
		cb.state = CircuitOpen
		cb.logger.Warn("Circuit breaker reopened after half-open failure",
			zap.Int("consecutive_failures", cb.consecutiveFails),
		)
	case CircuitClosed:
		if cb.consecutiveFails >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.logger.Warn("Circuit breaker opened due to consecutive failures",
				zap.Int("consecutive_failures", cb.consecutiveFails),
				zap.Int("threshold", cb.failureThreshold),
				zap.Duration("reset_timeout", cb.resetTimeout),
			)
		}
	}
}

// Release 放弃半开探测（请求未真正发出时调用）
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// Reset 恢复关闭状态（心跳确认服务端恢复后调用）
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.logger.Info("Circuit breaker reset")
	}
	cb.state = CircuitClosed
	cb.consecutiveFails = 0
	cb.halfOpenOK = 0
	cb.probing = false
}
