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

// Package retrieval 跨模态检索引擎：统一查询图像与文档，支持结构化过滤与聚合
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pathology-platform/internal/preprocess/textproc"
	"pathology-platform/internal/storage/document"
	"pathology-platform/internal/storage/image"
	"pathology-platform/internal/storage/index"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/metrics"
)

const aggregationTopN = 5

// 聚合统计的元数据字段
var aggregationFields = []string{"document_type", "image_type", "diagnosis", "body_part"}

// 相似实体匹配字段：先找标识符，没有再退到描述性字段
var (
	similarityIdentifierFields  = []string{"patient_id", "study_id", "case_id"}
	similarityDescriptiveFields = []string{"diagnosis", "body_part", "tissue_type"}
)

// Query 统一检索请求
type Query struct {
	Text     string                 `json:"text"`
	Modality string                 `json:"modality"` // 空为全部，或 image / document
	Filters  map[string]interface{} `json:"filters"`
	SortBy   string                 `json:"sort_by"` // relevance / date / last_updated
	Limit    int                    `json:"limit"`   // 每个模态各自的结果上限

	// Deidentify 为 true 时结果中的 PHI 字段会被脱敏（hash/移除）
	Deidentify bool `json:"deidentify"`
}

// Result 单条检索结果
type Result struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"last_modified"`
}

// Response 检索响应，含按模态分组与字段聚合
type Response struct {
	Results      []*Result                 `json:"results"`
	Total        int                       `json:"total"`
	ByModality   map[string]int            `json:"modality_distribution"`
	Aggregations map[string]map[string]int `json:"aggregations"`
}

// Engine 检索引擎，组合图像存储、文档存储与元数据索引
type Engine struct {
	images *image.Store
	docs   *document.Store
	index  *index.Manager
	logger *log.Logger
}

// NewEngine 创建检索引擎
func NewEngine(images *image.Store, docs *document.Store, idx *index.Manager, logger *log.Logger) *Engine {
	return &Engine{images: images, docs: docs, index: idx, logger: logger}
}

// Search 统一检索：文本打分加结构化过滤，支持排序与聚合
func (e *Engine) Search(ctx context.Context, q *Query) (*Response, error) {
	if q == nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "检索请求为空")
	}
	switch q.Modality {
	case "", "image", "document":
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知模态 %q", q.Modality)
	}
	start := time.Now()
	defer func() {
		metrics.SearchDuration.WithLabelValues("unified").Observe(time.Since(start).Seconds())
	}()

	var results []*Result
	if q.Modality == "" || q.Modality == "document" {
		docResults, err := e.searchDocuments(ctx, q)
		if err != nil {
			return nil, err
		}
		results = append(results, docResults...)
	}
	if q.Modality == "" || q.Modality == "image" {
		imgResults, err := e.searchImages(ctx, q)
		if err != nil {
			return nil, err
		}
		results = append(results, imgResults...)
	}

	sortResults(results, q.SortBy)
	results = limitPerModality(results, q.Limit)

	resp := &Response{
		Results:      results,
		Total:        len(results),
		ByModality:   make(map[string]int),
		Aggregations: aggregate(results),
	}
	for _, r := range results {
		resp.ByModality[r.EntityType]++
	}
	return resp, nil
}

// limitPerModality 各模态分别截断到 limit，避免单一模态挤占另一模态的名额
func limitPerModality(results []*Result, limit int) []*Result {
	if limit <= 0 {
		return results
	}
	kept := make([]*Result, 0, len(results))
	counts := make(map[string]int)
	for _, r := range results {
		if counts[r.EntityType] >= limit {
			continue
		}
		counts[r.EntityType]++
		kept = append(kept, r)
	}
	return kept
}

// SearchByPatient 返回患者关联的全部实体
func (e *Engine) SearchByPatient(ctx context.Context, patientID string) ([]*Result, error) {
	entries, err := e.index.SearchByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return entriesToResults(entries), nil
}

// SearchByStudy 返回检查关联的全部实体
func (e *Engine) SearchByStudy(ctx context.Context, studyID string) ([]*Result, error) {
	entries, err := e.index.SearchByStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	return entriesToResults(entries), nil
}

// RelatedEntities 返回与目标实体同患者或同检查的实体
func (e *Engine) RelatedEntities(ctx context.Context, entityID string) ([]*Result, error) {
	entries, err := e.index.RelatedEntities(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return entriesToResults(entries), nil
}

// SimilarEntities 相似实体：标识符字段（patient_id/study_id/case_id）优先，
// 没有标识符再按描述性字段（diagnosis/body_part/tissue_type）等值匹配，排除自身取 Top-N
func (e *Engine) SimilarEntities(ctx context.Context, entityID string, limit int) ([]*Result, error) {
	target, err := e.index.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	query := similarityQuery(target.Metadata)
	if query == nil {
		// 没有可用于匹配的字段
		return nil, nil
	}
	candidates, err := e.index.SearchByMetadata(ctx, "", query, 0)
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, entry := range candidates {
		if entry.EntityID == entityID {
			continue
		}
		r := entryToResult(entry)
		// 等值命中之间按整体重合度排序
		r.Score = similarity(target.Metadata, entry.Metadata)
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) searchDocuments(ctx context.Context, q *Query) ([]*Result, error) {
	var results []*Result
	if q.Text != "" {
		docs, err := e.docs.Search(ctx, q.Text, "", nil, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			meta := docMetadataMap(d.Metadata)
			if !matchStructured(meta, q.Filters) {
				continue
			}
			results = append(results, &Result{
				EntityID:   d.Metadata.DocumentID,
				EntityType: "document",
				Score:      d.Score,
				Metadata:   meta,
				CreatedAt:  d.Metadata.CreatedAt,
				UpdatedAt:  d.Metadata.UpdatedAt,
			})
		}
		return results, nil
	}

	docs, err := e.docs.List(ctx, "", time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		meta := docMetadataMap(d)
		if !matchStructured(meta, q.Filters) {
			continue
		}
		results = append(results, &Result{
			EntityID:   d.DocumentID,
			EntityType: "document",
			Metadata:   meta,
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	return results, nil
}

func (e *Engine) searchImages(ctx context.Context, q *Query) ([]*Result, error) {
	images, err := e.images.List(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	terms := textproc.RemoveStopWords(textproc.Tokenize(textproc.Normalize(q.Text)))

	var results []*Result
	for _, m := range images {
		meta := imageMetadataMap(m)
		if !matchStructured(meta, q.Filters) {
			continue
		}
		var score float64
		if len(terms) > 0 {
			score = scoreMetadataText(m.Clinical, terms)
			if score <= 0 {
				continue
			}
		}
		results = append(results, &Result{
			EntityID:   m.ImageID,
			EntityType: "image",
			Score:      score,
			Metadata:   meta,
			CreatedAt:  m.CreatedAt,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	return results, nil
}

// scoreMetadataText 对临床元数据做词项匹配计分
func scoreMetadataText(clinical map[string]interface{}, terms []string) float64 {
	var joined strings.Builder
	for _, v := range clinical {
		joined.WriteString(strings.ToLower(fmt.Sprint(v)))
		joined.WriteString(" ")
	}
	text := joined.String()
	var score float64
	for _, term := range terms {
		score += float64(strings.Count(text, term))
	}
	return score
}

// matchStructured 结构化过滤：等值，或 {"min":..}/{"max":..}/{"in":[..]} 条件对象
func matchStructured(metadata map[string]interface{}, filters map[string]interface{}) bool {
	for key, cond := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		condMap, isMap := cond.(map[string]interface{})
		if !isMap {
			if fmt.Sprint(got) != fmt.Sprint(cond) {
				return false
			}
			continue
		}
		if minV, ok := condMap["min"]; ok {
			gf, ok1 := toFloat(got)
			mf, ok2 := toFloat(minV)
			if !ok1 || !ok2 || gf < mf {
				return false
			}
		}
		if maxV, ok := condMap["max"]; ok {
			gf, ok1 := toFloat(got)
			mf, ok2 := toFloat(maxV)
			if !ok1 || !ok2 || gf > mf {
				return false
			}
		}
		if inV, ok := condMap["in"]; ok {
			if !valueIn(got, inV) {
				return false
			}
		}
	}
	return true
}

func valueIn(got, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		if strs, ok := list.([]string); ok {
			for _, s := range strs {
				if fmt.Sprint(got) == s {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if fmt.Sprint(got) == fmt.Sprint(item) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func sortResults(results []*Result, sortBy string) {
	less := func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	}
	switch sortBy {
	case "date":
		less = func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) }
	case "last_updated":
		less = func(i, j int) bool { return results[i].UpdatedAt.After(results[j].UpdatedAt) }
	}
	sort.Slice(results, less)
}

// aggregate 对固定字段统计取值分布，各保留 Top-5
func aggregate(results []*Result) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, field := range aggregationFields {
		counts[field] = make(map[string]int)
	}
	for _, r := range results {
		for _, field := range aggregationFields {
			if v, ok := r.Metadata[field]; ok && v != nil {
				counts[field][fmt.Sprint(v)]++
			}
		}
	}
	out := make(map[string]map[string]int, len(counts))
	for field, dist := range counts {
		if len(dist) == 0 {
			continue
		}
		out[field] = topN(dist, aggregationTopN)
	}
	return out
}

func topN(dist map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	pairs := make([]kv, 0, len(dist))
	for k, v := range dist {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].v != pairs[j].v {
			return pairs[i].v > pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		out[p.k] = p.v
	}
	return out
}

// similarityQuery 从目标元数据选一个匹配字段：先标识符，再描述性字段
func similarityQuery(meta map[string]interface{}) map[string]interface{} {
	for _, fields := range [][]string{similarityIdentifierFields, similarityDescriptiveFields} {
		for _, key := range fields {
			if v, ok := meta[key]; ok && v != nil && fmt.Sprint(v) != "" {
				return map[string]interface{}{key: v}
			}
		}
	}
	return nil
}

// similarity 元数据字段重合度：键相同且值相同计 1 分
func similarity(a, b map[string]interface{}) float64 {
	var score float64
	for k, av := range a {
		if bv, ok := b[k]; ok && fmt.Sprint(av) == fmt.Sprint(bv) {
			score++
		}
	}
	return score
}

func docMetadataMap(m *document.Metadata) map[string]interface{} {
	out := make(map[string]interface{}, len(m.Clinical)+3)
	for k, v := range m.Clinical {
		out[k] = v
	}
	out["title"] = m.Title
	out["document_type"] = m.DocType
	out["format"] = m.Format
	return out
}

func imageMetadataMap(m *image.Metadata) map[string]interface{} {
	out := make(map[string]interface{}, len(m.Clinical)+2)
	for k, v := range m.Clinical {
		out[k] = v
	}
	out["format"] = m.Format
	out["file_size"] = m.FileSize
	return out
}

func entriesToResults(entries []*index.Entry) []*Result {
	results := make([]*Result, 0, len(entries))
	for _, e := range entries {
		results = append(results, entryToResult(e))
	}
	return results
}

func entryToResult(e *index.Entry) *Result {
	return &Result{
		EntityID:   e.EntityID,
		EntityType: e.EntityType,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}
