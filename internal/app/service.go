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

package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pathology-platform/internal/batch"
	"pathology-platform/internal/integration"
	"pathology-platform/internal/preprocess/imageproc"
	"pathology-platform/internal/retrieval"
	"pathology-platform/internal/storage/document"
	"pathology-platform/internal/storage/image"
	"pathology-platform/internal/storage/index"
	"pathology-platform/pkg/auth"
	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/metrics"
	"pathology-platform/pkg/monitoring"
	"pathology-platform/pkg/redaction"
	"pathology-platform/pkg/retention"
)

// DataService 业务门面：上传、查询、检索、批量与院内集成都经由此处
type DataService struct {
	cfg        *config.Config
	images     *image.Store
	documents  *document.Store
	index      *index.Manager
	engine     *retrieval.Engine
	integrator *integration.Integrator
	batch      *batch.Manager
	scorer     *monitoring.CompletenessScorer
	docScorer  *monitoring.CompletenessScorer
	redactor   *redaction.Engine
	retention  *retention.Engine
	tombstones retention.TombstoneStore
	logger     *log.Logger
}

// NewDataService 创建业务门面；batch.Manager 依赖 ProcessTask，装配后经 SetBatch 注入
func NewDataService(cfg *config.Config, images *image.Store, documents *document.Store,
	idx *index.Manager, engine *retrieval.Engine, integrator *integration.Integrator, logger *log.Logger) *DataService {
	s := &DataService{
		cfg:        cfg,
		images:     images,
		documents:  documents,
		index:      idx,
		engine:     engine,
		integrator: integrator,
		scorer:     monitoring.NewCompletenessScorer(),
		docScorer:  monitoring.NewCompletenessScorer().WithRequired("patient_id").WithRecommended("diagnosis", "study_id"),
		redactor:   redaction.NewEngine(redaction.DefaultPHIPolicy(), nil),
		logger:     logger,
	}
	s.tombstones = retention.NewMemoryTombstoneStore()
	s.retention = retention.NewEngine(retention.DefaultRetentionConfig(), s.tombstones)
	s.retention.SetScanner(&indexRetentionScanner{index: idx})
	s.retention.SetDeleter(&serviceEntityDeleter{service: s})
	return s
}

// indexRetentionScanner 以元数据索引为留存扫描数据源
type indexRetentionScanner struct {
	index *index.Manager
}

func (sc *indexRetentionScanner) ListCandidates(ctx context.Context) ([]retention.RetentionCandidate, error) {
	entries, err := sc.index.SearchByMetadata(ctx, "", nil, 0)
	if err != nil {
		return nil, err
	}
	candidates := make([]retention.RetentionCandidate, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, retention.RetentionCandidate{
			EntityID:   e.EntityID,
			EntityType: e.EntityType,
			TenantID:   "default",
			CreatedAt:  e.CreatedAt,
		})
	}
	return candidates, nil
}

// serviceEntityDeleter 留存扫描的删除执行方
type serviceEntityDeleter struct {
	service *DataService
}

func (d *serviceEntityDeleter) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	switch entityType {
	case "image":
		return d.service.DeleteImage(ctx, entityID)
	case "document":
		return d.service.DeleteDocument(ctx, entityID)
	}
	return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知实体类型 %s", entityType)
}

// SetBatch 注入批量管理器
func (s *DataService) SetBatch(m *batch.Manager) {
	s.batch = m
}

// Batch 返回批量管理器
func (s *DataService) Batch() *batch.Manager {
	return s.batch
}

// Engine 返回检索引擎
func (s *DataService) Engine() *retrieval.Engine {
	return s.engine
}

// Integrator 返回院内集成，未配置时为 nil
func (s *DataService) Integrator() *integration.Integrator {
	return s.integrator
}

// UploadImage 存储图像并建索引；PNG/JPEG 先走预处理流水线
func (s *DataService) UploadImage(ctx context.Context, data []byte, format string, clinical map[string]interface{}) (*image.Metadata, error) {
	start := time.Now()

	if enhanced, ok := s.maybeEnhance(data, format); ok {
		data = enhanced
	}
	meta, err := s.images.Store(ctx, data, format, clinical)
	if err != nil {
		metrics.UploadTotal.WithLabelValues("image", "error").Inc()
		return nil, err
	}
	if err := s.index.Create(ctx, "image", meta.ImageID, indexMetadata(meta.Clinical, map[string]interface{}{
		"format":     meta.Format,
		"image_type": metaValue(meta.Clinical, "image_type"),
	})); err != nil {
		s.logger.Warn("图像索引创建failed", "image_id", meta.ImageID, "error", err)
	}
	if score := s.scorer.ScoreMetadata(meta.Clinical); score.Overall < 70 {
		s.logger.Warn("临床元数据不完整", "image_id", meta.ImageID,
			"score", score.Overall, "missing", score.MissingRequired)
	}
	metrics.UploadTotal.WithLabelValues("image", "ok").Inc()
	metrics.UploadDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	metrics.StorageBytes.WithLabelValues("image").Add(float64(meta.FileSize))
	return meta, nil
}

// maybeEnhance 仅对可解码格式（png/jpg/jpeg）做预处理，整片格式原样存储
func (s *DataService) maybeEnhance(data []byte, format string) ([]byte, bool) {
	switch format {
	case "png", "jpg", "jpeg":
	default:
		return nil, false
	}
	pp := s.cfg.Preprocess
	if pp.DenoiseStrength <= 0 && pp.NormalizeMethod == "" {
		return nil, false
	}
	enhanced, err := imageproc.Enhance(data, imageproc.EnhanceOptions{
		DenoiseStrength: pp.DenoiseStrength,
		NormalizeMethod: pp.NormalizeMethod,
	})
	if err != nil {
		s.logger.Warn("图像预处理failed，按原图存储", "error", err)
		return nil, false
	}
	return enhanced, true
}

// GetImage 读取图像内容与元数据
func (s *DataService) GetImage(ctx context.Context, imageID string) ([]byte, *image.Metadata, error) {
	return s.images.Retrieve(ctx, imageID)
}

// GetImageMetadata 读取图像元数据
func (s *DataService) GetImageMetadata(ctx context.Context, imageID string) (*image.Metadata, error) {
	return s.images.GetMetadata(ctx, imageID)
}

// UpdateMetadata 更新实体元数据并同步索引；entityType 为 image 或 document
func (s *DataService) UpdateMetadata(ctx context.Context, entityType, entityID string, updates map[string]interface{}) (map[string]interface{}, error) {
	switch entityType {
	case "image":
		meta, err := s.images.UpdateMetadata(ctx, entityID, updates)
		if err != nil {
			return nil, err
		}
		s.syncIndex(ctx, entityID, updates)
		return map[string]interface{}{"image_id": meta.ImageID, "clinical": meta.Clinical}, nil
	case "document":
		meta, err := s.documents.Update(ctx, entityID, nil, updates)
		if err != nil {
			return nil, err
		}
		s.syncIndex(ctx, entityID, updates)
		return map[string]interface{}{"document_id": meta.DocumentID, "title": meta.Title, "clinical": meta.Clinical}, nil
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知实体类型 %q", entityType)
	}
}

func (s *DataService) syncIndex(ctx context.Context, entityID string, updates map[string]interface{}) {
	if _, err := s.index.Update(ctx, entityID, updates); err != nil {
		s.logger.Warn("索引同步failed", "entity_id", entityID, "error", err)
	}
}

// DeleteImage 删除图像与索引记录
func (s *DataService) DeleteImage(ctx context.Context, imageID string) error {
	meta, err := s.images.GetMetadata(ctx, imageID)
	if err != nil {
		return err
	}
	if err := s.images.Delete(ctx, imageID); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, imageID); err != nil {
		s.logger.Warn("图像索引删除failed", "image_id", imageID, "error", err)
	}
	s.recordDeletion(ctx, "image", imageID, meta.FileSize)
	metrics.StorageBytes.WithLabelValues("image").Sub(float64(meta.FileSize))
	return nil
}

// UploadDocument 存储文档并建索引
func (s *DataService) UploadDocument(ctx context.Context, content []byte, title, docType, format string, clinical map[string]interface{}) (*document.Metadata, error) {
	start := time.Now()
	meta, err := s.documents.Store(ctx, content, title, docType, format, clinical)
	if err != nil {
		metrics.UploadTotal.WithLabelValues("document", "error").Inc()
		return nil, err
	}
	if err := s.index.Create(ctx, "document", meta.DocumentID, indexMetadata(meta.Clinical, map[string]interface{}{
		"document_type": meta.DocType,
		"title":         meta.Title,
	})); err != nil {
		s.logger.Warn("文档索引创建failed", "document_id", meta.DocumentID, "error", err)
	}
	if score := s.docScorer.ScoreMetadata(meta.Clinical); score.Overall < 70 {
		s.logger.Warn("临床元数据不完整", "document_id", meta.DocumentID,
			"score", score.Overall, "missing", score.MissingRequired)
	}
	metrics.UploadTotal.WithLabelValues("document", "ok").Inc()
	metrics.UploadDuration.WithLabelValues("document").Observe(time.Since(start).Seconds())
	metrics.StorageBytes.WithLabelValues("document").Add(float64(meta.FileSize))
	return meta, nil
}

// GetDocument 读取文档内容与元数据
func (s *DataService) GetDocument(ctx context.Context, docID string) ([]byte, *document.Metadata, error) {
	return s.documents.Retrieve(ctx, docID)
}

// DeleteDocument 删除文档与索引记录
func (s *DataService) DeleteDocument(ctx context.Context, docID string) error {
	meta, err := s.documents.GetMetadata(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.documents.Delete(ctx, docID); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, docID); err != nil {
		s.logger.Warn("文档索引删除failed", "document_id", docID, "error", err)
	}
	s.recordDeletion(ctx, "document", docID, meta.FileSize)
	metrics.StorageBytes.WithLabelValues("document").Sub(float64(meta.FileSize))
	return nil
}

// recordDeletion 删除留痕；失败只告警，不阻断删除
func (s *DataService) recordDeletion(ctx context.Context, entityType, entityID string, fileSize int64) {
	if s.retention == nil {
		return
	}
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		tenantID = "default"
	}
	deletedBy := auth.GetUserID(ctx)
	if deletedBy == "" {
		deletedBy = "api"
	}
	if err := s.retention.RecordDeletion(ctx, entityType, entityID, tenantID, deletedBy, "user_request", fileSize); err != nil {
		s.logger.Warn("删除留痕failed", "entity_id", entityID, "error", err)
	}
}

// RunRetentionScan 执行留存策略扫描，返回处理的实体数
func (s *DataService) RunRetentionScan(ctx context.Context) (int, error) {
	return s.retention.RunRetentionScan(ctx)
}

// Search 统一检索
func (s *DataService) Search(ctx context.Context, q *retrieval.Query) (*retrieval.Response, error) {
	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if q.Deidentify {
		s.deidentifyResults(resp.Results)
	}
	return resp, nil
}

// deidentifyResults 对检索结果的元数据做 PHI 脱敏。
// 索引条目与结果共享 metadata map，先 clone 再改写。
func (s *DataService) deidentifyResults(results []*retrieval.Result) {
	for _, r := range results {
		if r.Metadata == nil {
			continue
		}
		meta := cloneMetadata(r.Metadata)
		s.redactor.RedactMetadata(r.EntityType, meta)
		r.Metadata = meta
	}
}

func cloneMetadata(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]interface{}); ok {
			dst[k] = cloneMetadata(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}

// PatientEntities 患者关联实体
func (s *DataService) PatientEntities(ctx context.Context, patientID string) ([]*retrieval.Result, error) {
	return s.engine.SearchByPatient(ctx, patientID)
}

// ImportPatient 从院内系统汇聚患者数据，并把汇总留存为临床文档
func (s *DataService) ImportPatient(ctx context.Context, patientID string, opts integration.ImportOptions) (*integration.PatientData, error) {
	if s.integrator == nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "院内系统集成未配置")
	}
	data, err := s.integrator.ImportPatientData(ctx, patientID, opts)
	if err != nil {
		return nil, err
	}
	if summary := importSummary(data); summary != "" {
		if _, err := s.UploadDocument(ctx, []byte(summary),
			fmt.Sprintf("Imported record %s", patientID), "imported_record", "txt",
			map[string]interface{}{"patient_id": patientID, "source": "integration"}); err != nil {
			s.logger.Warn("导入汇总留存failed", "patient_id", patientID, "error", err)
		}
	}
	return data, nil
}

// Status 汇总各存储层统计
func (s *DataService) Status(ctx context.Context) (map[string]interface{}, error) {
	imageStats, err := s.images.Stats(ctx)
	if err != nil {
		return nil, err
	}
	docStats, err := s.documents.Stats(ctx)
	if err != nil {
		return nil, err
	}
	indexStats, err := s.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	status := map[string]interface{}{
		"images":    imageStats,
		"documents": docStats,
		"index":     indexStats,
	}
	if s.batch != nil {
		counts, err := s.batch.Counts(ctx)
		if err != nil {
			return nil, err
		}
		status["batch"] = counts
	}
	if s.integrator != nil {
		status["integration"] = s.integrator.Systems()
	}
	if tombstones, err := s.tombstones.ListTombstones(ctx, "", 0); err == nil {
		status["deleted_entities"] = len(tombstones)
	}
	return status, nil
}

// ProcessTask 批量任务回调：按 Kind 取 payload 内容并落对应存储。
// 内容来源二选一：content_base64 内联，或 source_path 指向工作节点可读的文件。
func (s *DataService) ProcessTask(ctx context.Context, t *batch.Task) (map[string]interface{}, error) {
	content, format, err := taskContent(t.Payload)
	if err != nil {
		return nil, err
	}
	clinical, _ := t.Payload["metadata"].(map[string]interface{})

	switch t.Kind {
	case "image":
		meta, err := s.UploadImage(ctx, content, format, clinical)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"image_id": meta.ImageID}, nil
	case "document":
		title, _ := t.Payload["title"].(string)
		docType, _ := t.Payload["document_type"].(string)
		meta, err := s.UploadDocument(ctx, content, title, docType, format, clinical)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"document_id": meta.DocumentID}, nil
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知任务类型 %q", t.Kind)
	}
}

// taskContent 读取任务内容；format 缺省时从 source_path 扩展名推断
func taskContent(payload map[string]interface{}) ([]byte, string, error) {
	format, _ := payload["format"].(string)

	if encoded, _ := payload["content_base64"].(string); encoded != "" {
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "content_base64 解码failed")
		}
		return content, format, nil
	}
	if path, _ := payload["source_path"].(string); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, "", pkgerrors.Wrapf(pkgerrors.ErrNotFound, "源文件 %s", path)
			}
			return nil, "", pkgerrors.Wrapf(err, "读取源文件 %s", path)
		}
		if format == "" {
			format = strings.TrimPrefix(filepath.Ext(path), ".")
		}
		return content, format, nil
	}
	return nil, "", pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "payload 缺少 content_base64 或 source_path")
}

// indexMetadata 合并临床元数据与附加字段作为索引内容
func indexMetadata(clinical map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(clinical)+len(extra))
	for k, v := range clinical {
		out[k] = v
	}
	for k, v := range extra {
		if v != nil && v != "" {
			out[k] = v
		}
	}
	return out
}

func metaValue(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	return m[key]
}

// importSummary 汇聚结果的可读文本，作为 imported_record 文档留存
func importSummary(data *integration.PatientData) string {
	if data == nil {
		return ""
	}
	return fmt.Sprintf(
		"Patient %s import summary. Demographics fields: %d. EMR records: %d. Lab results: %d. Imaging studies: %d.",
		data.PatientID, len(data.Demographics), len(data.Records), len(data.LabResults), len(data.Studies),
	)
}
