// Package worker 独立批量上传 worker：与 API 进程共享 Postgres 任务表，
// API 提交任务（控制面），worker 负责实际的落盘与索引（数据面）。
package worker

import (
	"context"
	"fmt"

	"pathology-platform/internal/app"
	"pathology-platform/pkg/config"
	"pathology-platform/pkg/log"
)

// App Worker 应用
type App struct {
	config    *config.Config
	logger    *log.Logger
	bootstrap *app.Bootstrap
	cancel    context.CancelFunc
}

// NewApp 创建 Worker 应用；要求 batch.store.type=postgres，内存任务表无法跨进程共享
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil || cfg.Batch.Store.Type != "postgres" {
		return nil, fmt.Errorf("worker 需要 batch.store.type=postgres")
	}

	bootstrap, err := app.NewBootstrap(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化failed: %w", err)
	}

	return &App{
		config:    cfg,
		logger:    bootstrap.Logger,
		bootstrap: bootstrap,
	}, nil
}

// Start 启动任务领取循环
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "workers", a.config.Batch.Workers)
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.bootstrap.Batch.Start(ctx)
	return nil
}

// Shutdown 关闭应用，等待在途任务完成
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	if a.cancel != nil {
		a.cancel()
	}
	a.bootstrap.Batch.Stop()

	if err := a.bootstrap.Index.Close(); err != nil {
		a.logger.Error("关闭元数据索引failed", "error", err)
	}

	a.logger.Info("worker 应用已关闭")
	return nil
}
