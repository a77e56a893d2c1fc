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

package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"pathology-platform/pkg/auth"
)

// defaultTenant 未携带 X-Tenant-ID 时使用的租户
const defaultTenant = "default"

// AuthzMiddleware RBAC 鉴权中间件；身份来自 JWT 中间件写入的 identity
type AuthzMiddleware struct {
	checker auth.RBACChecker
}

// NewAuthzMiddleware 创建鉴权中间件
func NewAuthzMiddleware(checker auth.RBACChecker) *AuthzMiddleware {
	return &AuthzMiddleware{checker: checker}
}

// Require 要求指定权限，不满足时返回 403
func (m *AuthzMiddleware) Require(perm auth.Permission) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		userID := userIDFromContext(ctx)
		tenantID := string(ctx.GetHeader("X-Tenant-ID"))
		if tenantID == "" {
			tenantID = defaultTenant
		}
		allowed, err := m.checker.CheckPermission(c, tenantID, userID, perm, "")
		if err != nil {
			hlog.CtxErrorf(c, "permission check failed: %v", err)
			ctx.JSON(consts.StatusForbidden, map[string]string{"error": "权限校验failed"})
			ctx.Abort()
			return
		}
		if !allowed {
			ctx.JSON(consts.StatusForbidden, map[string]string{
				"error": "权限不足: " + string(perm),
			})
			ctx.Abort()
			return
		}

		// 身份透传给下游（审计、删除留痕）
		c = auth.WithTenantID(c, tenantID)
		c = auth.WithUserID(c, userID)
		if role, err := m.checker.GetUserRole(c, tenantID, userID); err == nil {
			c = auth.WithRole(c, role)
		}
		ctx.Next(c)
	}
}
