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

// Package document 临床文档存储：按类型分目录，关键词倒排以 sidecar JSON 保存
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pathology-platform/internal/preprocess/textproc"
	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
)

var supportedFormats = map[string]struct{}{
	"txt": {}, "md": {}, "pdf": {}, "json": {}, "xml": {}, "html": {},
}

const (
	defaultChunkSize   = 1000
	defaultKeywordTopN = 50
)

// Metadata 单篇文档的元数据
type Metadata struct {
	DocumentID  string                 `json:"document_id"`
	Title       string                 `json:"title"`
	DocType     string                 `json:"document_type"`
	Format      string                 `json:"format"`
	FileSize    int64                  `json:"file_size"`
	StoragePath string                 `json:"storage_path"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"last_modified"`
	Clinical    map[string]interface{} `json:"clinical"`
}

// keywordIndex 文档的关键词 sidecar，检索时按词频打分
type keywordIndex struct {
	DocumentID string             `json:"document_id"`
	Keywords   []textproc.Keyword `json:"keywords"`
	TitleTerms []string           `json:"title_terms"`
	IndexedAt  time.Time          `json:"indexed_at"`
}

// SearchResult 文档检索结果
type SearchResult struct {
	Metadata *Metadata `json:"metadata"`
	Score    float64   `json:"score"`
}

// Stats 文档存储统计
type Stats struct {
	TotalCount     int            `json:"total_count"`
	TotalBytes     int64          `json:"total_bytes"`
	TotalSizeHuman string         `json:"total_size_human"`
	ByType         map[string]int `json:"type_distribution"`
}

// Store 文件系统文档存储
type Store struct {
	root        string
	indexRoot   string
	chunkSize   int
	keywordTopN int
	logger      *log.Logger
	mu          sync.Mutex
}

// NewStore 创建文档存储并确保目录存在
func NewStore(cfg config.DocumentStorageConfig, logger *log.Logger) (*Store, error) {
	root := cfg.Root
	if root == "" {
		root = "data/documents"
	}
	indexRoot := cfg.IndexRoot
	if indexRoot == "" {
		indexRoot = filepath.Join(root, "index")
	}
	for _, d := range []string{root, indexRoot} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "创建文档目录 %s", d)
		}
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	keywordTopN := cfg.KeywordTopN
	if keywordTopN <= 0 {
		keywordTopN = defaultKeywordTopN
	}
	return &Store{
		root:        root,
		indexRoot:   indexRoot,
		chunkSize:   chunkSize,
		keywordTopN: keywordTopN,
		logger:      logger,
	}, nil
}

// Store 保存文档、元数据与关键词索引；PDF 先抽取正文再建索引
func (s *Store) Store(ctx context.Context, content []byte, title, docType, format string, clinical map[string]interface{}) (*Metadata, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if _, ok := supportedFormats[format]; !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrUnsupportedFormat, "文档格式 %q", format)
	}
	if len(content) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "文档内容为空")
	}
	if docType == "" {
		docType = "general"
	}

	id := uuid.New().String()
	dir := filepath.Join(s.root, docType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.Wrap(err, "创建文档类型目录")
	}
	path := filepath.Join(dir, id+"."+format)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return nil, pkgerrors.Wrap(err, "写入文档文件")
	}

	now := time.Now().UTC()
	meta := &Metadata{
		DocumentID:  id,
		Title:       title,
		DocType:     docType,
		Format:      format,
		FileSize:    int64(len(content)),
		StoragePath: path,
		CreatedAt:   now,
		UpdatedAt:   now,
		Clinical:    clinical,
	}
	if meta.Clinical == nil {
		meta.Clinical = map[string]interface{}{}
	}
	if err := s.writeMetadata(meta); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if err := s.indexDocument(meta, content); err != nil {
		_ = os.Remove(path)
		_ = os.Remove(s.metadataPath(id))
		return nil, err
	}
	s.logger.Info("文档已存储", "document_id", id, "type", docType, "format", format)
	return meta, nil
}

// Retrieve 读取文档内容与元数据
func (s *Store) Retrieve(ctx context.Context, docID string) ([]byte, *Metadata, error) {
	meta, err := s.GetMetadata(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(meta.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "文档文件 %s", docID)
		}
		return nil, nil, pkgerrors.Wrap(err, "读取文档文件")
	}
	return content, meta, nil
}

// GetMetadata 读取文档元数据
func (s *Store) GetMetadata(ctx context.Context, docID string) (*Metadata, error) {
	if _, err := uuid.Parse(docID); err != nil {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "非法文档 ID %q", docID)
	}
	data, err := os.ReadFile(s.metadataPath(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "文档 %s", docID)
		}
		return nil, pkgerrors.Wrap(err, "读取文档元数据")
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, pkgerrors.Wrap(err, "解析文档元数据")
	}
	return &meta, nil
}

// Update 更新文档内容与元数据并重建索引；content 为 nil 时仅更新元数据
func (s *Store) Update(ctx context.Context, docID string, content []byte, updates map[string]interface{}) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.GetMetadata(ctx, docID)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := os.WriteFile(meta.StoragePath, content, 0644); err != nil {
			return nil, pkgerrors.Wrap(err, "更新文档文件")
		}
		meta.FileSize = int64(len(content))
	}
	for k, v := range updates {
		if k == "title" {
			if title, ok := v.(string); ok {
				meta.Title = title
				continue
			}
		}
		meta.Clinical[k] = v
	}
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}
	if content != nil {
		if err := s.indexDocument(meta, content); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// Delete 删除文档文件、元数据与关键词索引
func (s *Store) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.GetMetadata(ctx, docID)
	if err != nil {
		return err
	}
	if err := os.Remove(meta.StoragePath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "删除文档文件")
	}
	if err := os.Remove(s.metadataPath(docID)); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "删除文档元数据")
	}
	if err := os.Remove(s.indexPath(docID)); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "删除文档索引")
	}
	s.logger.Info("文档已删除", "document_id", docID)
	return nil
}

// Search 关键词打分检索；标题命中双倍权重，结果按分数降序
func (s *Store) Search(ctx context.Context, query, docType string, filters map[string]interface{}, limit int) ([]*SearchResult, error) {
	terms := textproc.RemoveStopWords(textproc.Tokenize(textproc.Normalize(query)))
	if len(terms) == 0 {
		return nil, nil
	}

	var results []*SearchResult
	err := s.walkIndexes(func(idx *keywordIndex) bool {
		score := scoreIndex(idx, terms)
		if score <= 0 {
			return true
		}
		meta, err := s.GetMetadata(ctx, idx.DocumentID)
		if err != nil {
			return true // 索引残留，跳过
		}
		if docType != "" && meta.DocType != docType {
			return true
		}
		if !matchClinical(meta, filters) {
			return true
		}
		results = append(results, &SearchResult{Metadata: meta, Score: score})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// List 按类型与时间范围列出文档，按创建时间倒序
func (s *Store) List(ctx context.Context, docType string, from, to time.Time, limit int) ([]*Metadata, error) {
	var results []*Metadata
	err := s.walkMetadata(func(meta *Metadata) bool {
		if docType != "" && meta.DocType != docType {
			return true
		}
		if !from.IsZero() && meta.CreatedAt.Before(from) {
			return true
		}
		if !to.IsZero() && meta.CreatedAt.After(to) {
			return true
		}
		results = append(results, meta)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Chunk 按句边界将文档内容切分为接近 chunkSize 的片段
func (s *Store) Chunk(ctx context.Context, docID string) ([]string, error) {
	content, meta, err := s.Retrieve(ctx, docID)
	if err != nil {
		return nil, err
	}
	text := string(content)
	if meta.Format == "pdf" {
		extracted, err := textproc.ExtractPDFText(content)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "提取 PDF 文本")
		}
		text = extracted
	}
	return ChunkText(text, s.chunkSize), nil
}

// ChunkText 句边界分块；超长单句独立成块
func ChunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	sentences := textproc.SplitSentences(text)
	var chunks []string
	var buf strings.Builder
	for _, sent := range sentences {
		if buf.Len() > 0 && buf.Len()+len(sent)+1 > chunkSize {
			chunks = append(chunks, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(sent)
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// Stats 统计文档数量、占用与类型分布
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}
	err := s.walkMetadata(func(meta *Metadata) bool {
		stats.TotalCount++
		stats.TotalBytes += meta.FileSize
		stats.ByType[meta.DocType]++
		return true
	})
	if err != nil {
		return nil, err
	}
	stats.TotalSizeHuman = humanSize(stats.TotalBytes)
	return stats, nil
}

func (s *Store) metadataPath(docID string) string {
	return filepath.Join(s.indexRoot, docID+"_metadata.json")
}

func (s *Store) indexPath(docID string) string {
	return filepath.Join(s.indexRoot, docID+"_index.json")
}

func (s *Store) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "序列化文档元数据")
	}
	if err := os.WriteFile(s.metadataPath(meta.DocumentID), data, 0644); err != nil {
		return pkgerrors.Wrap(err, "写入文档元数据")
	}
	return nil
}

// indexDocument 重建文档的关键词 sidecar
func (s *Store) indexDocument(meta *Metadata, content []byte) error {
	text := string(content)
	if meta.Format == "pdf" {
		if extracted, err := textproc.ExtractPDFText(content); err == nil && extracted != "" {
			text = extracted
		}
	}
	idx := &keywordIndex{
		DocumentID: meta.DocumentID,
		Keywords:   textproc.ExtractKeywords(text, s.keywordTopN),
		TitleTerms: textproc.RemoveStopWords(textproc.Tokenize(textproc.Normalize(meta.Title))),
		IndexedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "序列化关键词索引")
	}
	if err := os.WriteFile(s.indexPath(meta.DocumentID), data, 0644); err != nil {
		return pkgerrors.Wrap(err, "写入关键词索引")
	}
	return nil
}

func (s *Store) walkIndexes(fn func(*keywordIndex) bool) error {
	entries, err := os.ReadDir(s.indexRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_index.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.indexRoot, e.Name()))
		if err != nil {
			continue
		}
		var idx keywordIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			continue
		}
		if !fn(&idx) {
			return nil
		}
	}
	return nil
}

func (s *Store) walkMetadata(fn func(*Metadata) bool) error {
	entries, err := os.ReadDir(s.indexRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_metadata.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.indexRoot, e.Name()))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if !fn(&meta) {
			return nil
		}
	}
	return nil
}

// scoreIndex 词频求和；标题命中的词双倍
func scoreIndex(idx *keywordIndex, terms []string) float64 {
	titleSet := make(map[string]struct{}, len(idx.TitleTerms))
	for _, t := range idx.TitleTerms {
		titleSet[t] = struct{}{}
	}
	freq := make(map[string]int, len(idx.Keywords))
	for _, kw := range idx.Keywords {
		freq[kw.Term] = kw.Count
	}
	var score float64
	for _, term := range terms {
		if count, ok := freq[term]; ok {
			score += float64(count)
		}
		if _, ok := titleSet[term]; ok {
			score += 2
		}
	}
	return score
}

func matchClinical(meta *Metadata, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := meta.Clinical[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}
