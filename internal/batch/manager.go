// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/metrics"
)

// ProcessFunc 执行单条任务的回调（由应用层注入，落图像或文档存储）
type ProcessFunc func(ctx context.Context, t *Task) (map[string]interface{}, error)

// ManagerConfig 批量上传管理器配置：并发上限、重试与 backoff
type ManagerConfig struct {
	Workers    int           // worker 数量，<=0 表示 1
	MaxRetries int           // 最大重试次数（不含首次）
	Backoff    time.Duration // 重试前等待时间
	AutoRetry  bool          // 失败是否自动重试
}

// NewTaskStore 根据配置创建任务存储
func NewTaskStore(ctx context.Context, cfg config.BatchStoreConfig) (TaskStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewTaskStoreMem(), nil
	case "postgres":
		return NewTaskStorePg(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported batch store type任务存储类型: %s", cfg.Type)
	}
}

// Manager 在 TaskStore 之上提供 worker 池、并发限制与重试
type Manager struct {
	store   TaskStore
	process ProcessFunc
	config  ManagerConfig
	logger  *log.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter chan struct{} // 信号量，限制并发
}

// NewManager 创建批量上传管理器
func NewManager(store TaskStore, process ProcessFunc, cfg ManagerConfig, logger *log.Logger) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		store:   store,
		process: process,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		limiter: make(chan struct{}, workers),
	}
}

// Submit 提交单条任务，返回 task_id
func (m *Manager) Submit(ctx context.Context, kind string, payload map[string]interface{}) (string, error) {
	if kind != "image" && kind != "document" {
		return "", pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知任务类型 %q", kind)
	}
	if payload == nil {
		return "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "任务 payload 为空")
	}
	id, err := m.store.Create(ctx, &Task{Kind: kind, Payload: payload})
	if err != nil {
		return "", err
	}
	metrics.BatchTaskTotal.WithLabelValues("submitted").Inc()
	metrics.BatchQueueDepth.Inc()
	return id, nil
}

// SubmitAll 批量提交；单条失败不影响其余，返回已接受的 task_id 列表
func (m *Manager) SubmitAll(ctx context.Context, kind string, payloads []map[string]interface{}) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := m.Submit(ctx, kind, p)
		if err != nil {
			m.logger.Warn("批量提交中单条任务被拒绝", "error", err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "没有可接受的任务")
	}
	return ids, nil
}

// Status 查询单条任务
func (m *Manager) Status(ctx context.Context, taskID string) (*Task, error) {
	return m.store.Get(ctx, taskID)
}

// All 列出全部任务
func (m *Manager) All(ctx context.Context) ([]*Task, error) {
	return m.store.List(ctx)
}

// Counts 按状态统计
func (m *Manager) Counts(ctx context.Context) (map[string]int, error) {
	return m.store.Counts(ctx)
}

// Cancel 取消任务；仅 pending 可取消
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	if err := m.store.Cancel(ctx, taskID); err != nil {
		return err
	}
	metrics.BatchTaskTotal.WithLabelValues("cancelled").Inc()
	metrics.BatchQueueDepth.Dec()
	return nil
}

// Start 启动 worker 循环：认领 Pending、执行、成功 MarkCompleted，失败按 MaxRetries/Backoff 重试或 MarkFailed
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case m.limiter <- struct{}{}:
				t, _ := m.store.ClaimNextPending(ctx)
				if t == nil {
					<-m.limiter
					time.Sleep(200 * time.Millisecond)
					continue
				}
				metrics.BatchQueueDepth.Dec()
				m.wg.Add(1)
				go func(task *Task) {
					defer m.wg.Done()
					defer func() { <-m.limiter }()
					m.runTask(task)
				}(t)
			}
		}
	}()
}

func (m *Manager) runTask(task *Task) {
	runCtx := context.Background()
	result, err := m.process(runCtx, task)
	if err == nil {
		_ = m.store.MarkCompleted(runCtx, task.ID, result)
		metrics.BatchTaskTotal.WithLabelValues("completed").Inc()
		return
	}
	if m.config.AutoRetry && task.RetryCount < m.config.MaxRetries {
		m.logger.Warn("任务执行failed，准备重试",
			"task_id", task.ID, "retry", task.RetryCount+1, "error", err)
		time.Sleep(m.config.Backoff)
		_ = m.store.Requeue(runCtx, task)
		metrics.BatchTaskTotal.WithLabelValues("retried").Inc()
		metrics.BatchQueueDepth.Inc()
		return
	}
	m.logger.Error("任务执行failed", "task_id", task.ID, "error", err)
	_ = m.store.MarkFailed(runCtx, task.ID, err.Error())
	metrics.BatchTaskTotal.WithLabelValues("failed").Inc()
}

// Stop 优雅退出：关闭 stopCh，等待在执行的任务收尾
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
