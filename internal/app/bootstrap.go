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

// Package app 统一装配：供 api 与 cli 复用，避免在 cmd 内写业务
package app

import (
	"context"
	"fmt"
	"time"

	"pathology-platform/internal/batch"
	"pathology-platform/internal/integration"
	"pathology-platform/internal/retrieval"
	"pathology-platform/internal/storage/cache"
	"pathology-platform/internal/storage/document"
	"pathology-platform/internal/storage/image"
	"pathology-platform/internal/storage/index"
	"pathology-platform/pkg/config"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/secrets"
)

// Bootstrap 统一初始化产物：存储、索引、检索、批量与集成
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Images     *image.Store
	Documents  *document.Store
	Index      *index.Manager
	Engine     *retrieval.Engine
	Batch      *batch.Manager
	Integrator *integration.Integrator
	Service    *DataService
}

// NewBootstrap 根据配置创建全部组件
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志failed: %w", err)
	}

	images, err := image.NewStore(cfg.Storage.Image, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化图像存储failed: %w", err)
	}
	documents, err := document.NewStore(cfg.Storage.Document, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化文档存储failed: %w", err)
	}

	cacheStore, err := cache.NewCache(cfg.Storage.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存failed: %w", err)
	}
	idx, err := index.NewManager(cfg.Storage.Index, cacheStore, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化元数据索引failed: %w", err)
	}

	engine := retrieval.NewEngine(images, documents, idx, logger)

	// 集成是可选的：没有任何 endpoint 时跳过
	var integrator *integration.Integrator
	if hasIntegrationEndpoint(cfg.Integration) {
		sec, err := secrets.NewStore(secrets.Config{
			Provider: cfg.Secrets.Backend,
			Vault: secrets.VaultConfig{
				Address:    cfg.Secrets.Vault.Address,
				Token:      cfg.Secrets.Vault.Token,
				PathPrefix: cfg.Secrets.Vault.PathPrefix,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 secrets 存储failed: %w", err)
		}
		integrator, err = integration.New(context.Background(), cfg.Integration, sec, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化院内系统集成failed: %w", err)
		}
	}

	service := NewDataService(cfg, images, documents, idx, engine, integrator, logger)

	taskStore, err := batch.NewTaskStore(context.Background(), cfg.Batch.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化批量任务存储failed: %w", err)
	}
	autoRetry := true
	if cfg.Batch.AutoRetry != nil {
		autoRetry = *cfg.Batch.AutoRetry
	}
	manager := batch.NewManager(taskStore, service.ProcessTask, batch.ManagerConfig{
		Workers:    cfg.Batch.Workers,
		MaxRetries: cfg.Batch.MaxRetries,
		Backoff:    parseDuration(cfg.Batch.RetryBackoff, time.Second),
		AutoRetry:  autoRetry,
	}, logger)
	service.SetBatch(manager)

	return &Bootstrap{
		Config:     cfg,
		Logger:     logger,
		Images:     images,
		Documents:  documents,
		Index:      idx,
		Engine:     engine,
		Batch:      manager,
		Integrator: integrator,
		Service:    service,
	}, nil
}

// parseDuration 解析 "1s"/"5m" 形式的配置项，非法时退回默认值
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func hasIntegrationEndpoint(cfg config.IntegrationConfig) bool {
	return cfg.HIS.Endpoint != "" || cfg.EMR.Endpoint != "" || cfg.LIS.Endpoint != "" || cfg.PACS.Endpoint != ""
}
