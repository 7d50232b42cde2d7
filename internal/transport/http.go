package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Credentials mTLS 凭据（由设备配网写入，运行期只读）
type Credentials struct {
	CertFile string // 客户端证书
	KeyFile  string // 客户端私钥
	CAFile   string // 服务端 CA 证书
}

// LoadTLSConfig 加载 mTLS 凭据，生成只读的 TLS 配置（可被所有发送任务共享）
func LoadTLSConfig(creds Credentials) (*tls.Config, error) {
	if creds.CertFile == "" || creds.KeyFile == "" {
		return nil, fmt.Errorf("client certificate and key are required")
	}
	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if creds.CAFile != "" {
		caPEM, err := os.ReadFile(creds.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", creds.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// HTTPTransport 基于 resty 的 mTLS HTTPS 传输
// 重试由上层 RetryScheduler 负责，这里不开启 resty 自带重试
type HTTPTransport struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPTransport 创建 HTTPS 传输
func NewHTTPTransport(tlsCfg *tls.Config, logger *zap.Logger) *HTTPTransport {
	client := resty.New().
		SetTLSClientConfig(tlsCfg).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPTransport{
		httpClient: client,
		logger:     logger,
	}
}

// Send 发送一次请求；超时通过 context 控制
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetBody(req.Body).
		Post(req.URL)
	if err != nil {
		terr := classify(ctx, err)
		t.logger.Debug("Telemetry transport request failed",
			zap.String("url", req.URL),
			zap.String("kind", string(terr.Kind)),
			zap.Error(err),
		)
		return nil, terr
	}

	receivedAt := resp.ReceivedAt()
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		ReceivedAt: receivedAt,
	}, nil
}

// classify 将 net/http/tls 错误映射为传输层错误类型
func classify(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, err)
	}
	if isCertificateError(err) {
		return NewError(KindAuthentication, err)
	}
	return NewError(KindNetwork, err)
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var verification *tls.CertificateVerificationError
	if errors.As(err, &verification) {
		return true
	}
	var alert tls.AlertError
	return errors.As(err, &alert)
}
