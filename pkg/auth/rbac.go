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
	"context"
)

// Permission 权限
type Permission string

const (
	PermissionDataView      Permission = "data:view"
	PermissionDataUpload    Permission = "data:upload"
	PermissionDataUpdate    Permission = "data:update"
	PermissionDataDelete    Permission = "data:delete"
	PermissionBatchManage   Permission = "batch:manage"
	PermissionPatientImport Permission = "patient:import" // 从 HIS/EMR/LIS/PACS 导入
	PermissionAuditView     Permission = "audit:view"     // 查看访问审计
	PermissionSystemView    Permission = "system:view"
)

// Role 角色
type Role string

const (
	RoleAdmin       Role = "admin"       // 全部权限
	RolePathologist Role = "pathologist" // 诊断医师：读写 + 患者导入，不能删除
	RoleTechnician  Role = "technician"  // 扫描技师：上传 + 批量，不能更新诊断字段以外的数据
	RoleAuditor     Role = "auditor"     // 只读 + 审计查看
)

// RolePermissions 角色与权限映射
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionDataView,
		PermissionDataUpload,
		PermissionDataUpdate,
		PermissionDataDelete,
		PermissionBatchManage,
		PermissionPatientImport,
		PermissionAuditView,
		PermissionSystemView,
	},
	RolePathologist: {
		PermissionDataView,
		PermissionDataUpload,
		PermissionDataUpdate,
		PermissionPatientImport,
		PermissionSystemView,
	},
	RoleTechnician: {
		PermissionDataView,
		PermissionDataUpload,
		PermissionBatchManage,
	},
	RoleAuditor: {
		PermissionDataView,
		PermissionAuditView,
		PermissionSystemView,
	},
}

// RBACChecker RBAC 权限检查器接口
type RBACChecker interface {
	// CheckPermission 检查用户是否有权限访问资源
	CheckPermission(ctx context.Context, tenantID string, userID string, permission Permission, resourceID string) (bool, error)

	// GetUserRole 获取用户在租户中的角色
	GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error)

	// AssignRole 分配角色给用户
	AssignRole(ctx context.Context, tenantID string, userID string, role Role) error
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// SimpleRBACChecker 简单的 RBAC 实现（基于内存或数据库）
type SimpleRBACChecker struct {
	roleStore RoleStore
}

// RoleStore 角色存储接口
type RoleStore interface {
	GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error)
	SetUserRole(ctx context.Context, tenantID string, userID string, role Role) error
}

// NewSimpleRBACChecker 创建简单 RBAC 检查器
func NewSimpleRBACChecker(roleStore RoleStore) *SimpleRBACChecker {
	return &SimpleRBACChecker{roleStore: roleStore}
}

// CheckPermission 实现 RBACChecker 接口
func (c *SimpleRBACChecker) CheckPermission(ctx context.Context, tenantID string, userID string, permission Permission, resourceID string) (bool, error) {
	role, err := c.roleStore.GetUserRole(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}

	return HasPermission(role, permission), nil
}

// GetUserRole 实现 RBACChecker 接口
func (c *SimpleRBACChecker) GetUserRole(ctx context.Context, tenantID string, userID string) (Role, error) {
	return c.roleStore.GetUserRole(ctx, tenantID, userID)
}

// AssignRole 实现 RBACChecker 接口
func (c *SimpleRBACChecker) AssignRole(ctx context.Context, tenantID string, userID string, role Role) error {
	return c.roleStore.SetUserRole(ctx, tenantID, userID, role)
}
