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

package auth

import (
	"time"
)

// Tenant 租户模型，对应一个医院或科室
type Tenant struct {
	ID        string
	Name      string
	Status    TenantStatus
	Quota     TenantQuota
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantStatus 租户状态
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusDeleted   TenantStatus = "deleted"
)

// TenantQuota 租户配额
type TenantQuota struct {
	MaxImages     int   // 最大图像数（0=无限制）
	MaxStorage    int64 // 最大存储（bytes，0=无限制）
	MaxBatchTasks int   // 排队中的批量任务上限（0=无限制）
	MaxImports    int   // 每天最大患者导入次数（0=无限制）
}

// DefaultTenantQuota 默认租户配额
func DefaultTenantQuota() TenantQuota {
	return TenantQuota{
		MaxImages:     0,
		MaxStorage:    0,
		MaxBatchTasks: 1000,
		MaxImports:    100,
	}
}
