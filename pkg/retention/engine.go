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

package retention

import (
	"context"
	"fmt"
	"time"
)

// Engine 医疗数据留存引擎：删除留痕（tombstone）与过期扫描
type Engine struct {
	config         RetentionConfig
	tombstoneStore TombstoneStore
	scanner        RetentionScanner
	deleter        EntityDeleter
}

// TombstoneStore Tombstone 存储接口
type TombstoneStore interface {
	// CreateTombstone 创建 tombstone 记录
	CreateTombstone(ctx context.Context, tombstone Tombstone) error

	// GetTombstone 获取 tombstone 记录
	GetTombstone(ctx context.Context, entityID string) (*Tombstone, error)

	// ListTombstones 列出 tombstones
	ListTombstones(ctx context.Context, tenantID string, limit int) ([]Tombstone, error)
}

// Tombstone 实体删除的审计记录
type Tombstone struct {
	EntityID      string
	EntityType    string // image / document
	TenantID      string
	DeletedAt     time.Time
	DeletedBy     string
	Reason        string
	FileSize      int64
	RetentionDays int
	ArchiveRef    string
}

// RetentionCandidate 留存扫描候选
type RetentionCandidate struct {
	EntityID   string
	EntityType string
	TenantID   string
	CreatedAt  time.Time
	Archived   bool
}

// RetentionScanner 过期扫描数据源
type RetentionScanner interface {
	// ListCandidates 返回留存扫描候选列表
	ListCandidates(ctx context.Context) ([]RetentionCandidate, error)
}

// EntityDeleter 过期实体的删除执行方
type EntityDeleter interface {
	DeleteEntity(ctx context.Context, entityType, entityID string) error
}

// NewEngine 创建留存引擎
func NewEngine(config RetentionConfig, tombstoneStore TombstoneStore) *Engine {
	return &Engine{
		config:         config,
		tombstoneStore: tombstoneStore,
	}
}

// SetScanner 设置留存扫描数据源
func (e *Engine) SetScanner(scanner RetentionScanner) {
	e.scanner = scanner
}

// SetDeleter 设置过期实体删除执行方
func (e *Engine) SetDeleter(deleter EntityDeleter) {
	e.deleter = deleter
}

// ArchiveEntity 归档实体并返回归档引用
// TODO: 对接对象存储导出归档包，当前仅生成引用
func (e *Engine) ArchiveEntity(ctx context.Context, entityType, entityID string, tenantID string) (string, error) {
	archiveRef := fmt.Sprintf("archive://%s/%s/%s", tenantID, entityType, entityID)
	return archiveRef, nil
}

// RecordDeletion 为已删除的实体写入 tombstone 审计记录
func (e *Engine) RecordDeletion(ctx context.Context, entityType, entityID, tenantID, deletedBy, reason string, fileSize int64) error {
	policy := e.config.GetPolicyForEntity(tenantID, entityType)

	tombstone := Tombstone{
		EntityID:      entityID,
		EntityType:    entityType,
		TenantID:      tenantID,
		DeletedAt:     time.Now().UTC(),
		DeletedBy:     deletedBy,
		Reason:        reason,
		FileSize:      fileSize,
		RetentionDays: policy.RetentionDays,
	}

	if e.config.ArchiveAfterDays > 0 {
		archiveRef, err := e.ArchiveEntity(ctx, entityType, entityID, tenantID)
		if err == nil {
			tombstone.ArchiveRef = archiveRef
		}
	}

	return e.tombstoneStore.CreateTombstone(ctx, tombstone)
}

// RunRetentionScan 扫描并执行留存策略，返回处理的实体数
func (e *Engine) RunRetentionScan(ctx context.Context) (int, error) {
	if !e.config.Enable {
		return 0, nil
	}
	if e.scanner == nil {
		return 0, nil
	}

	candidates, err := e.scanner.ListCandidates(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, c := range candidates {
		policy := e.config.GetPolicyForEntity(c.TenantID, c.EntityType)
		if e.ShouldDelete(c.CreatedAt, policy) && policy.AutoDelete && e.deleter != nil {
			if err := e.deleter.DeleteEntity(ctx, c.EntityType, c.EntityID); err != nil {
				return processed, err
			}
			if err := e.RecordDeletion(ctx, c.EntityType, c.EntityID, c.TenantID, "retention-engine", "retention_policy_expired", 0); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if !c.Archived && e.ShouldArchive(c.CreatedAt, policy) {
			if _, err := e.ArchiveEntity(ctx, c.EntityType, c.EntityID, c.TenantID); err != nil {
				return processed, err
			}
			processed++
		}
	}

	return processed, nil
}

// ShouldDelete 判断实体是否超出留存期
func (e *Engine) ShouldDelete(createdAt time.Time, policy RetentionPolicy) bool {
	if policy.RetentionDays == 0 {
		return false // 永久保留
	}

	expiryDate := createdAt.AddDate(0, 0, policy.RetentionDays)
	return time.Now().UTC().After(expiryDate)
}

// ShouldArchive 判断实体是否应该归档
func (e *Engine) ShouldArchive(createdAt time.Time, policy RetentionPolicy) bool {
	if policy.ArchiveAfterDays == 0 {
		return false
	}

	archiveDate := createdAt.AddDate(0, 0, policy.ArchiveAfterDays)
	return time.Now().UTC().After(archiveDate)
}
