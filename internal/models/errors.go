package models

import (
	"errors"
	"fmt"
)

// ErrorKind 传输错误分类
type ErrorKind string

const (
	ErrConfiguration  ErrorKind = "ConfigurationError"  // 缺少凭据，致命，该设备停止发送直到修复
	ErrNetwork        ErrorKind = "NetworkError"        // 可重试
	ErrTimeout        ErrorKind = "Timeout"             // 可重试
	ErrServer         ErrorKind = "ServerError"         // 可重试
	ErrAuthentication ErrorKind = "AuthenticationError" // 证书问题，需要人工介入
	ErrInvalidData    ErrorKind = "InvalidData"
	ErrSignature      ErrorKind = "SignatureError"
	ErrUnknown        ErrorKind = "UnknownError" // 不重试，记录日志供排查
)

// Retryable 该类错误是否允许重试
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrNetwork, ErrTimeout, ErrServer:
		return true
	}
	return false
}

// TransmissionError 传输错误（kind + 可读信息 + 是否可重试）
type TransmissionError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Err       error     `json:"-"`
}

// NewTransmissionError 创建传输错误，可重试标记由 kind 决定
func NewTransmissionError(kind ErrorKind, message string, cause error) *TransmissionError {
	return &TransmissionError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
		Err:       cause,
	}
}

func (e *TransmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}

// Is 支持 errors.Is 按 kind 比较
func (e *TransmissionError) Is(target error) bool {
	t, ok := target.(*TransmissionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// KindOf 提取错误分类；非 TransmissionError 视为 UnknownError
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TransmissionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrUnknown
}
