package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Outcome 模拟服务器的一次预设结果
type Outcome struct {
	Err        error // 非空时返回传输层错误
	StatusCode int
	Body       []byte
	Latency    time.Duration // 覆盖默认延迟
}

// Simulated 内存模拟服务器（测试和离线演示用）
// 未预设结果时按服务端协议应答：首次收到批次回 OK，重复批次ID回 DUPLICATE
type Simulated struct {
	mu       sync.Mutex
	latency  time.Duration
	script   []Outcome
	received map[string]int
	requests []*Request
}

// NewSimulated 创建模拟传输；latency 为每次请求的默认延迟
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{
		latency:  latency,
		received: make(map[string]int),
	}
}

// Enqueue 追加预设结果，按顺序消费
func (s *Simulated) Enqueue(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// FailNext 接下来 n 次请求返回指定类型的传输层错误
func (s *Simulated) FailNext(n int, kind ErrorKind) {
	for i := 0; i < n; i++ {
		s.Enqueue(Outcome{Err: NewError(kind, fmt.Errorf("simulated %s failure", kind))})
	}
}

// MarkReceived 预置服务端已收到的批次（模拟重放场景）
func (s *Simulated) MarkReceived(batchID string, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[batchID] = records
}

// Requests 已收到的请求副本
func (s *Simulated) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// SendCount 已收到的请求数
func (s *Simulated) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Received 服务端已接收的批次ID集合
func (s *Simulated) Received() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.received))
	for k, v := range s.received {
		out[k] = v
	}
	return out
}

// Send 实现 Transport
func (s *Simulated) Send(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var outcome *Outcome
	if len(s.script) > 0 {
		o := s.script[0]
		s.script = s.script[1:]
		outcome = &o
	}
	latency := s.latency
	s.mu.Unlock()

	if outcome != nil && outcome.Latency > 0 {
		latency = outcome.Latency
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, NewError(KindTimeout, ctx.Err())
			}
			return nil, NewError(KindNetwork, ctx.Err())
		case <-timer.C:
		}
	}

	if outcome != nil {
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return &Response{StatusCode: outcome.StatusCode, Body: outcome.Body, ReceivedAt: time.Now()}, nil
	}
	return s.serve(req), nil
}

// serve 模拟服务端的确认逻辑
func (s *Simulated) serve(req *Request) *Response {
	body := req.Body
	if req.Headers["Content-Encoding"] == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return errorResponse(http.StatusBadRequest, "invalid gzip body", false)
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return errorResponse(http.StatusBadRequest, "invalid gzip body", false)
		}
	}

	var payload struct {
		BatchID string            `json:"batchId"`
		Vitals  []json.RawMessage `json:"vitals"`
		Alarms  []json.RawMessage `json:"alarms"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return errorResponse(http.StatusBadRequest, "malformed payload", false)
	}

	now := time.Now().UTC()
	if payload.BatchID == "" {
		// 心跳
		return jsonResponse(http.StatusOK, map[string]any{
			"status":          "OK",
			"recordsReceived": 0,
			"serverTimestamp": now,
		})
	}

	records := len(payload.Vitals) + len(payload.Alarms)
	s.mu.Lock()
	_, seen := s.received[payload.BatchID]
	if !seen {
		s.received[payload.BatchID] = records
	}
	s.mu.Unlock()

	status := "OK"
	if seen {
		status = "DUPLICATE"
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"status":          status,
		"recordsReceived": records,
		"serverTimestamp": now,
	})
}

func jsonResponse(code int, v any) *Response {
	raw, _ := json.Marshal(v)
	return &Response{StatusCode: code, Body: raw, ReceivedAt: time.Now()}
}

func errorResponse(code int, reason string, retryable bool) *Response {
	return jsonResponse(code, map[string]any{
		"status":    "ERROR",
		"reason":    reason,
		"retryable": retryable,
	})
}
