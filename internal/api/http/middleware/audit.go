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
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
)

// AuditMiddleware 访问审计中间件：把对患者数据的访问写入审计存储
type AuditMiddleware struct {
	auditStore AuditStore
}

// AuditStore 审计日志存储接口
type AuditStore interface {
	LogAccess(ctx context.Context, log AuditLog) error
}

// AuditLog 审计日志记录
type AuditLog struct {
	UserID     string
	Method     string
	Path       string
	EntityID   string
	StatusCode int
	Timestamp  time.Time
}

// NewAuditMiddleware 创建审计中间件；store 为 nil 时 Handle 直接放行
func NewAuditMiddleware(store AuditStore) *AuditMiddleware {
	return &AuditMiddleware{auditStore: store}
}

// Handle 请求完成后记录访问；审计写失败不影响响应
func (m *AuditMiddleware) Handle() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Next(c)
		if m.auditStore == nil {
			return
		}
		path := string(ctx.Path())
		entry := AuditLog{
			UserID:     userIDFromContext(ctx),
			Method:     string(ctx.Method()),
			Path:       path,
			EntityID:   entityIDFromPath(path),
			StatusCode: ctx.Response.StatusCode(),
			Timestamp:  time.Now().UTC(),
		}
		_ = m.auditStore.LogAccess(c, entry)
	}
}

func userIDFromContext(ctx *app.RequestContext) string {
	if v, ok := ctx.Get("identity"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "anonymous"
}

// entityIDFromPath 提取 /api/data/<kind>/<id>... 中的实体 ID
func entityIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "data" {
		return parts[3]
	}
	return ""
}
