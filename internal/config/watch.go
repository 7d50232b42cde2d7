package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch 监听配置文件变化，每次写入后重新加载并回调 onChange，直到 ctx 取消
// 重新加载失败时保留旧配置，不回调
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("Watching config file for changes", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// 编辑器常用 rename 方式原子保存，因此也处理 Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logger.Error("Config reload failed, keeping previous config",
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}

			logger.Info("Config reloaded", zap.String("path", path))
			onChange(cfg)

			// 原子保存会替换 inode，重新添加监听
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Config watcher error", zap.Error(err))
		}
	}
}
