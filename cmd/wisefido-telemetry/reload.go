package main

import (
	"context"

	"go.uber.org/zap"

	"wisefido-telemetry/internal/common/logger"
	"wisefido-telemetry/internal/config"
)

// reloadTarget 热更新作用的引擎（service.Engine）
type reloadTarget interface {
	ApplyTunables(t config.Tunables) error
	Reprovision(secretKey []byte) error
	Deprovision(ctx context.Context)
	SetPatient(id *string)
}

// reloader 把配置文件变化应用到运行中的引擎
// 密钥只在与上次生效值不同时才触发重新配网/撤销
type reloader struct {
	engine   reloadTarget
	level    zap.AtomicLevel
	logger   *zap.Logger
	deviceID string
	secret   string
}

func newReloader(engine reloadTarget, cfg *config.Config, level zap.AtomicLevel, log *zap.Logger) *reloader {
	return &reloader{
		engine:   engine,
		level:    level,
		logger:   log,
		deviceID: cfg.Device.ID,
		secret:   cfg.Device.SecretKey,
	}
}

func (r *reloader) apply(ctx context.Context, next *config.Config) {
	if next.Device.ID != r.deviceID {
		r.logger.Warn("Ignoring device.id change until restart",
			zap.String("running", r.deviceID),
			zap.String("configured", next.Device.ID),
		)
	}

	if err := r.engine.ApplyTunables(next.Tunables()); err != nil {
		r.logger.Warn("Rejected config tunables", zap.Error(err))
	}
	r.level.SetLevel(logger.ParseLevel(next.Log.Level))
	r.engine.SetPatient(next.PatientID())

	if next.Device.SecretKey == r.secret {
		return
	}
	r.secret = next.Device.SecretKey
	if !next.HasSecretKey() {
		r.logger.Warn("Signing key removed from config, deprovisioning device")
		r.engine.Deprovision(ctx)
		return
	}
	if err := r.engine.Reprovision([]byte(next.Device.SecretKey)); err != nil {
		r.logger.Error("Failed to reprovision device", zap.Error(err))
		return
	}
	r.logger.Info("Device reprovisioned from config")
}
