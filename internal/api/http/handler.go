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

// Package http 对外 REST API：病理数据的上传、查询、检索、批量与院内集成
package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	appsvc "pathology-platform/internal/app"
	"pathology-platform/internal/integration"
	"pathology-platform/internal/retrieval"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/metrics"
)

// Handler HTTP 处理器，仅依赖 DataService 门面
type Handler struct {
	svc *appsvc.DataService
}

// NewHandler 创建处理器
func NewHandler(svc *appsvc.DataService) *Handler {
	return &Handler{svc: svc}
}

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"svs":  "application/octet-stream",
	"ndpi": "application/octet-stream",
}

// uploadRequest 上传请求体：内容 base64 编码，metadata 为临床元数据
type uploadRequest struct {
	ContentBase64 string                 `json:"content_base64"`
	Format        string                 `json:"format"`
	Title         string                 `json:"title"`
	DocumentType  string                 `json:"document_type"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (r *uploadRequest) decodeContent() ([]byte, error) {
	if r.ContentBase64 == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "content_base64 is required")
	}
	content, err := base64.StdEncoding.DecodeString(r.ContentBase64)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "content_base64 解码failed")
	}
	return content, nil
}

// bindUpload 同时接受 multipart 表单（file + 表单字段）与 JSON（content_base64）
func bindUpload(ctx *app.RequestContext) (*uploadRequest, []byte, error) {
	if strings.HasPrefix(string(ctx.ContentType()), "multipart/form-data") {
		return bindMultipartUpload(ctx)
	}
	var req uploadRequest
	if err := ctx.BindJSON(&req); err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "请求体解析failed: "+err.Error())
	}
	content, err := req.decodeContent()
	if err != nil {
		return nil, nil, err
	}
	return &req, content, nil
}

// bindMultipartUpload 表单字段：file（必填）、format、title、document_type、metadata（JSON 串）；
// 文件内容直接读入内存，不落临时文件
func bindMultipartUpload(ctx *app.RequestContext) (*uploadRequest, []byte, error) {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "multipart 缺少 file 字段")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "打开上传文件failed")
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "读取上传文件failed")
	}

	req := &uploadRequest{
		Format:       ctx.PostForm("format"),
		Title:        ctx.PostForm("title"),
		DocumentType: ctx.PostForm("document_type"),
	}
	if req.Format == "" {
		req.Format = strings.TrimPrefix(filepath.Ext(fh.Filename), ".")
	}
	if raw := ctx.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "metadata 字段不是合法 JSON")
		}
	}
	return req, content, nil
}

// HealthCheck GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /api/metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.Header("Content-Type", "text/plain; version=0.0.4")
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}

// UploadImage POST /api/data/images/upload
func (h *Handler) UploadImage(c context.Context, ctx *app.RequestContext) {
	req, content, err := bindUpload(ctx)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	meta, err := h.svc.UploadImage(c, content, req.Format, req.Metadata)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, map[string]interface{}{
		"image_id": meta.ImageID,
		"metadata": meta,
	})
}

// GetImage GET /api/data/images/:id
func (h *Handler) GetImage(c context.Context, ctx *app.RequestContext) {
	content, meta, err := h.svc.GetImage(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	contentType, ok := contentTypes[meta.Format]
	if !ok {
		contentType = "application/octet-stream"
	}
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", meta.ImageID, meta.Format))
	ctx.Data(consts.StatusOK, contentType, content)
}

// GetImageMetadata GET /api/data/images/:id/metadata
func (h *Handler) GetImageMetadata(c context.Context, ctx *app.RequestContext) {
	meta, err := h.svc.GetImageMetadata(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, meta)
}

// UpdateMetadata PUT /api/data/metadata/:type/:id
func (h *Handler) UpdateMetadata(c context.Context, ctx *app.RequestContext) {
	var updates map[string]interface{}
	if err := ctx.BindJSON(&updates); err != nil {
		h.badRequest(ctx, "请求体解析failed: "+err.Error())
		return
	}
	if len(updates) == 0 {
		h.badRequest(ctx, "更新内容为空")
		return
	}
	result, err := h.svc.UpdateMetadata(c, ctx.Param("type"), ctx.Param("id"), updates)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, result)
}

// DeleteImage DELETE /api/data/images/:id
func (h *Handler) DeleteImage(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.DeleteImage(c, ctx.Param("id")); err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

// UploadDocument POST /api/data/documents/upload
func (h *Handler) UploadDocument(c context.Context, ctx *app.RequestContext) {
	req, content, err := bindUpload(ctx)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	meta, err := h.svc.UploadDocument(c, content, req.Title, req.DocumentType, req.Format, req.Metadata)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, map[string]interface{}{
		"document_id": meta.DocumentID,
		"metadata":    meta,
	})
}

// GetDocument GET /api/data/documents/:id
func (h *Handler) GetDocument(c context.Context, ctx *app.RequestContext) {
	content, meta, err := h.svc.GetDocument(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"metadata": meta,
		"content":  base64.StdEncoding.EncodeToString(content),
	})
}

// DeleteDocument DELETE /api/data/documents/:id
func (h *Handler) DeleteDocument(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.DeleteDocument(c, ctx.Param("id")); err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

// Search POST /api/data/search
func (h *Handler) Search(c context.Context, ctx *app.RequestContext) {
	var q retrieval.Query
	if err := ctx.BindJSON(&q); err != nil {
		h.badRequest(ctx, "请求体解析failed: "+err.Error())
		return
	}
	resp, err := h.svc.Search(c, &q)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, resp)
}

// PatientEntities GET /api/data/patients/:id?modality=image|document
func (h *Handler) PatientEntities(c context.Context, ctx *app.RequestContext) {
	modality := ctx.Query("modality")
	switch modality {
	case "", "image", "document":
	default:
		h.badRequest(ctx, fmt.Sprintf("未知模态 %q", modality))
		return
	}
	results, err := h.svc.PatientEntities(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	if modality != "" {
		filtered := make([]*retrieval.Result, 0, len(results))
		for _, r := range results {
			if r.EntityType == modality {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"patient_id": ctx.Param("id"),
		"entities":   results,
		"total":      len(results),
	})
}

// ImportPatient POST /api/data/patients/:id/import；请求体可选，携带各系统的查询过滤
func (h *Handler) ImportPatient(c context.Context, ctx *app.RequestContext) {
	var opts integration.ImportOptions
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&opts); err != nil {
			h.badRequest(ctx, "请求体解析failed: "+err.Error())
			return
		}
	}
	data, err := h.svc.ImportPatient(c, ctx.Param("id"), opts)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, data)
}

// BatchUpload POST /api/data/batch/upload，接受后返回 202
func (h *Handler) BatchUpload(c context.Context, ctx *app.RequestContext) {
	var req struct {
		Kind  string                   `json:"kind"`
		Items []map[string]interface{} `json:"items"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		h.badRequest(ctx, "请求体解析failed: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		h.badRequest(ctx, "items 为空")
		return
	}
	ids, err := h.svc.Batch().SubmitAll(c, req.Kind, req.Items)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]interface{}{
		"task_ids": ids,
		"accepted": len(ids),
	})
}

// BatchTaskStatus GET /api/data/batch/tasks/:id
func (h *Handler) BatchTaskStatus(c context.Context, ctx *app.RequestContext) {
	task, err := h.svc.Batch().Status(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"task_id":      task.ID,
		"kind":         task.Kind,
		"status":       task.Status.String(),
		"result":       task.Result,
		"error":        task.Error,
		"retry_count":  task.RetryCount,
		"created_at":   task.CreatedAt,
		"completed_at": task.CompletedAt,
	})
}

// BatchTasks GET /api/data/batch/tasks
func (h *Handler) BatchTasks(c context.Context, ctx *app.RequestContext) {
	tasks, err := h.svc.Batch().All(c)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	counts, err := h.svc.Batch().Counts(c)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"tasks":  tasks,
		"counts": counts,
	})
}

// BatchTaskCancel POST /api/data/batch/tasks/:id/cancel
func (h *Handler) BatchTaskCancel(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.Batch().Cancel(c, ctx.Param("id")); err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "cancelled"})
}

// RelatedEntities GET /api/data/entities/:id/related
func (h *Handler) RelatedEntities(c context.Context, ctx *app.RequestContext) {
	results, err := h.svc.Engine().RelatedEntities(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"entities": results, "total": len(results)})
}

// SimilarEntities GET /api/data/entities/:id/similar
func (h *Handler) SimilarEntities(c context.Context, ctx *app.RequestContext) {
	results, err := h.svc.Engine().SimilarEntities(c, ctx.Param("id"), 10)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"entities": results, "total": len(results)})
}

// StudyEntities GET /api/data/studies/:id
func (h *Handler) StudyEntities(c context.Context, ctx *app.RequestContext) {
	results, err := h.svc.Engine().SearchByStudy(c, ctx.Param("id"))
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"study_id": ctx.Param("id"),
		"entities": results,
		"total":    len(results),
	})
}

// SystemStatus GET /api/data/status
func (h *Handler) SystemStatus(c context.Context, ctx *app.RequestContext) {
	status, err := h.svc.Status(c)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	if integrator := h.svc.Integrator(); integrator != nil {
		status["integration_health"] = integrator.Ping(c)
	}
	ctx.JSON(consts.StatusOK, status)
}

// RetentionScan POST /api/data/retention/scan，手动触发留存策略扫描
func (h *Handler) RetentionScan(c context.Context, ctx *app.RequestContext) {
	processed, err := h.svc.RunRetentionScan(c)
	if err != nil {
		h.respondError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"processed": processed})
}

func (h *Handler) badRequest(ctx *app.RequestContext, msg string) {
	ctx.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// respondError 按哨兵错误映射状态码：404/400，其余 500
func (h *Handler) respondError(c context.Context, ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, pkgerrors.ErrInvalidArg),
		errors.Is(err, pkgerrors.ErrUnsupportedFormat),
		errors.Is(err, pkgerrors.ErrTooLarge):
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		hlog.CtxErrorf(c, "internal error: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
