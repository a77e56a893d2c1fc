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
	"testing"
)

// TestRBAC_AdminHasAllPermissions Admin 角色拥有所有权限
func TestRBAC_AdminHasAllPermissions(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetUserRole(context.Background(), "hospital1", "user1", RoleAdmin)

	rbac := NewSimpleRBACChecker(store)

	permissions := []Permission{
		PermissionDataView,
		PermissionDataUpload,
		PermissionDataDelete,
		PermissionPatientImport,
		PermissionAuditView,
	}

	for _, perm := range permissions {
		allowed, err := rbac.CheckPermission(context.Background(), "hospital1", "user1", perm, "")
		if err != nil {
			t.Errorf("permission check failed: %v", err)
		}
		if !allowed {
			t.Errorf("admin should have permission %s", perm)
		}
	}
}

// TestRBAC_TechnicianCannotDelete 技师角色不能删除数据
func TestRBAC_TechnicianCannotDelete(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetUserRole(context.Background(), "hospital1", "tech1", RoleTechnician)

	rbac := NewSimpleRBACChecker(store)

	if allowed, _ := rbac.CheckPermission(context.Background(), "hospital1", "tech1", PermissionDataDelete, ""); allowed {
		t.Error("technician should not have delete permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "hospital1", "tech1", PermissionBatchManage, ""); !allowed {
		t.Error("technician should have batch permission")
	}
}

// TestRBAC_TenantIsolation 不同租户之间隔离
func TestRBAC_TenantIsolation(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetUserRole(context.Background(), "hospital1", "user1", RoleAdmin)
	store.SetUserRole(context.Background(), "hospital2", "user1", RoleAuditor)

	rbac := NewSimpleRBACChecker(store)

	role1, _ := rbac.GetUserRole(context.Background(), "hospital1", "user1")
	if role1 != RoleAdmin {
		t.Errorf("expected admin role in hospital1, got %s", role1)
	}

	role2, _ := rbac.GetUserRole(context.Background(), "hospital2", "user1")
	if role2 != RoleAuditor {
		t.Errorf("expected auditor role in hospital2, got %s", role2)
	}
}

// TestRBAC_PathologistCanImport 诊断医师可以导入患者数据，但不能删除
func TestRBAC_PathologistCanImport(t *testing.T) {
	store := NewMemoryRoleStore()
	store.SetUserRole(context.Background(), "hospital1", "path1", RolePathologist)

	rbac := NewSimpleRBACChecker(store)

	if allowed, _ := rbac.CheckPermission(context.Background(), "hospital1", "path1", PermissionPatientImport, ""); !allowed {
		t.Error("pathologist should have import permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "hospital1", "path1", PermissionDataUpdate, ""); !allowed {
		t.Error("pathologist should have update permission")
	}
	if allowed, _ := rbac.CheckPermission(context.Background(), "hospital1", "path1", PermissionDataDelete, ""); allowed {
		t.Error("pathologist should not have delete permission")
	}
}

// TestRBAC_DefaultRole 未分配角色的用户默认为技师
func TestRBAC_DefaultRole(t *testing.T) {
	rbac := NewSimpleRBACChecker(NewMemoryRoleStore())

	role, err := rbac.GetUserRole(context.Background(), "hospital1", "nobody")
	if err != nil {
		t.Fatalf("GetUserRole: %v", err)
	}
	if role != RoleTechnician {
		t.Errorf("default role = %s, want technician", role)
	}
}
