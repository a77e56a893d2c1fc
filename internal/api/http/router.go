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

package http

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"pathology-platform/internal/api/http/middleware"
	"pathology-platform/pkg/auth"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	jwtAuth    *jwt.HertzJWTMiddleware
	authz      *middleware.AuthzMiddleware
	audit      *middleware.AuditMiddleware
	rateLimit  int
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetJWT 启用 JWT 认证（/api/data 下所有路由）
func (r *Router) SetJWT(auth *jwt.HertzJWTMiddleware) {
	r.jwtAuth = auth
}

// SetAuthz 启用 RBAC 鉴权（要求同时启用 JWT）
func (r *Router) SetAuthz(authz *middleware.AuthzMiddleware) {
	r.authz = authz
}

// SetAudit 启用访问审计
func (r *Router) SetAudit(audit *middleware.AuditMiddleware) {
	r.audit = audit
}

// perm 返回权限检查 handler；未启用鉴权时为直通
func (r *Router) perm(p auth.Permission) app.HandlerFunc {
	if r.authz == nil {
		return func(c context.Context, ctx *app.RequestContext) {
			ctx.Next(c)
		}
	}
	return r.authz.Require(p)
}

// SetRateLimit 启用进程级限流，rps<=0 不限
func (r *Router) SetRateLimit(rps int) {
	r.rateLimit = rps
}

// Build 构建 Hertz Server 并注册全部路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)

	h.Use(r.middleware.CORS())
	h.Use(r.middleware.RequestLog())
	if r.rateLimit > 0 {
		h.Use(r.middleware.RateLimit(r.rateLimit))
	}
	if r.audit != nil {
		h.Use(r.audit.Handle())
	}

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/metrics", r.handler.Metrics)

	data := api.Group("/data")
	if r.jwtAuth != nil {
		data.Use(r.jwtAuth.MiddlewareFunc())
	}

	images := data.Group("/images")
	{
		images.POST("/upload", r.perm(auth.PermissionDataUpload), r.handler.UploadImage)
		images.GET("/:id", r.perm(auth.PermissionDataView), r.handler.GetImage)
		images.GET("/:id/metadata", r.perm(auth.PermissionDataView), r.handler.GetImageMetadata)
		images.DELETE("/:id", r.perm(auth.PermissionDataDelete), r.handler.DeleteImage)
	}

	documents := data.Group("/documents")
	{
		documents.POST("/upload", r.perm(auth.PermissionDataUpload), r.handler.UploadDocument)
		documents.GET("/:id", r.perm(auth.PermissionDataView), r.handler.GetDocument)
		documents.DELETE("/:id", r.perm(auth.PermissionDataDelete), r.handler.DeleteDocument)
	}

	data.PUT("/metadata/:type/:id", r.perm(auth.PermissionDataUpdate), r.handler.UpdateMetadata)
	data.POST("/search", r.perm(auth.PermissionDataView), r.handler.Search)

	patients := data.Group("/patients")
	{
		patients.GET("/:id", r.perm(auth.PermissionDataView), r.handler.PatientEntities)
		patients.POST("/:id/import", r.perm(auth.PermissionPatientImport), r.handler.ImportPatient)
	}
	data.GET("/studies/:id", r.perm(auth.PermissionDataView), r.handler.StudyEntities)

	entities := data.Group("/entities")
	{
		entities.GET("/:id/related", r.perm(auth.PermissionDataView), r.handler.RelatedEntities)
		entities.GET("/:id/similar", r.perm(auth.PermissionDataView), r.handler.SimilarEntities)
	}

	batchGroup := data.Group("/batch")
	{
		batchGroup.POST("/upload", r.perm(auth.PermissionBatchManage), r.handler.BatchUpload)
		batchGroup.GET("/tasks", r.perm(auth.PermissionBatchManage), r.handler.BatchTasks)
		batchGroup.GET("/tasks/:id", r.perm(auth.PermissionBatchManage), r.handler.BatchTaskStatus)
		batchGroup.POST("/tasks/:id/cancel", r.perm(auth.PermissionBatchManage), r.handler.BatchTaskCancel)
	}

	data.GET("/status", r.perm(auth.PermissionSystemView), r.handler.SystemStatus)
	data.POST("/retention/scan", r.perm(auth.PermissionDataDelete), r.handler.RetentionScan)

	return h
}
