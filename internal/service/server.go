package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server 运维 HTTP 服务：/metrics 与 /healthz
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer 创建运维 HTTP 服务
func NewServer(addr string, reg *prometheus.Registry, engine *Engine, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", healthHandler(engine))

	s := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 阻塞直到 Stop
func (s *Server) Start() error {
	s.logger.Info("Starting telemetry ops HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry ops HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// healthHandler 挂起（缺少签名密钥）时返回 503，其余情况返回 200 和当前连接状态
func healthHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if engine.Halted() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("halted\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(string(engine.Connectivity()) + "\n"))
	}
}
