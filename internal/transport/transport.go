package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind 传输层失败类型
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"        // 连接被拒、DNS、连接重置等
	KindAuthentication ErrorKind = "authentication" // 证书被拒、握手失败
)

// Error 传输层错误
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建传输层错误
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf 返回传输层错误类型；无法识别时按网络错误处理
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// Request 一次发送请求
type Request struct {
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration
}

// Response 服务端响应
type Response struct {
	StatusCode int
	Body       []byte
	ReceivedAt time.Time // 本地收到响应的时间
}

// Transport 安全传输能力（生产：mTLS HTTP；测试：内存模拟）
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}
