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

// Package image 病理图像文件存储：分片目录 + JSON 元数据 sidecar
package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
)

// 默认支持的病理图像格式（含全切片扫描格式）
var defaultFormats = []string{"tif", "tiff", "svs", "ndpi", "jpg", "jpeg", "png"}

const defaultMaxFileSizeMB = 500

// Metadata 单张图像的元数据；Clinical 保存上传方提交的临床字段（patient_id、image_type 等）
type Metadata struct {
	ImageID     string                 `json:"image_id"`
	Format      string                 `json:"format"`
	FileSize    int64                  `json:"file_size"`
	FileHash    string                 `json:"file_hash"`
	StoragePath string                 `json:"storage_path"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"last_modified"`
	Clinical    map[string]interface{} `json:"clinical"`
}

// Stats 图像存储统计
type Stats struct {
	TotalCount     int            `json:"total_count"`
	TotalBytes     int64          `json:"total_bytes"`
	TotalSizeHuman string         `json:"total_size_human"`
	ByFormat       map[string]int `json:"format_distribution"`
	ByMonth        map[string]int `json:"monthly_distribution"`
}

// Store 文件系统图像存储；所有写操作经互斥锁串行化，避免 sidecar 撕裂
type Store struct {
	root        string
	metaRoot    string
	maxFileSize int64
	formats     map[string]struct{}
	logger      *log.Logger
	mu          sync.Mutex
}

// NewStore 创建图像存储并确保目录存在
func NewStore(cfg config.ImageStorageConfig, logger *log.Logger) (*Store, error) {
	root := cfg.Root
	if root == "" {
		root = "data/images"
	}
	metaRoot := cfg.MetadataRoot
	if metaRoot == "" {
		metaRoot = filepath.Join(root, "metadata")
	}
	for _, d := range []string{root, metaRoot} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "创建图像目录 %s", d)
		}
	}
	maxMB := cfg.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxFileSizeMB
	}
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = defaultFormats
	}
	formatSet := make(map[string]struct{}, len(formats))
	for _, f := range formats {
		formatSet[strings.ToLower(strings.TrimPrefix(f, "."))] = struct{}{}
	}
	return &Store{
		root:        root,
		metaRoot:    metaRoot,
		maxFileSize: int64(maxMB) * 1024 * 1024,
		formats:     formatSet,
		logger:      logger,
	}, nil
}

// Store 保存图像与元数据，返回生成的 Metadata
func (s *Store) Store(ctx context.Context, data []byte, format string, clinical map[string]interface{}) (*Metadata, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if _, ok := s.formats[format]; !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrUnsupportedFormat, "图像格式 %q", format)
	}
	if len(data) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "图像内容为空")
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrTooLarge, "图像大小 %d 超过上限 %d", len(data), s.maxFileSize)
	}

	id := uuid.New().String()
	shard := id[:2]
	dir := filepath.Join(s.root, shard)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, pkgerrors.Wrap(err, "创建分片目录")
	}
	path := filepath.Join(dir, id+"."+format)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, pkgerrors.Wrap(err, "写入图像文件")
	}

	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	meta := &Metadata{
		ImageID:     id,
		Format:      format,
		FileSize:    int64(len(data)),
		FileHash:    hex.EncodeToString(sum[:]),
		StoragePath: path,
		CreatedAt:   now,
		UpdatedAt:   now,
		Clinical:    clinical,
	}
	if meta.Clinical == nil {
		meta.Clinical = map[string]interface{}{}
	}
	if err := s.writeMetadata(meta); err != nil {
		// 元数据落盘失败时回收图像文件，避免孤儿
		_ = os.Remove(path)
		return nil, err
	}
	s.logger.Info("图像已存储", "image_id", id, "format", format, "size", meta.FileSize)
	return meta, nil
}

// Retrieve 读取图像内容与元数据
func (s *Store) Retrieve(ctx context.Context, imageID string) ([]byte, *Metadata, error) {
	meta, err := s.GetMetadata(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(meta.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "图像文件 %s", imageID)
		}
		return nil, nil, pkgerrors.Wrap(err, "读取图像文件")
	}
	return data, meta, nil
}

// GetMetadata 读取图像元数据
func (s *Store) GetMetadata(ctx context.Context, imageID string) (*Metadata, error) {
	if _, err := uuid.Parse(imageID); err != nil {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "非法图像 ID %q", imageID)
	}
	path := s.metadataPath(imageID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "图像 %s", imageID)
		}
		return nil, pkgerrors.Wrap(err, "读取图像元数据")
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, pkgerrors.Wrap(err, "解析图像元数据")
	}
	return &meta, nil
}

// UpdateMetadata 合并更新临床字段并刷新 last_modified
func (s *Store) UpdateMetadata(ctx context.Context, imageID string, updates map[string]interface{}) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.GetMetadata(ctx, imageID)
	if err != nil {
		return nil, err
	}
	for k, v := range updates {
		meta.Clinical[k] = v
	}
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Delete 删除图像文件与元数据
func (s *Store) Delete(ctx context.Context, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.GetMetadata(ctx, imageID)
	if err != nil {
		return err
	}
	if err := os.Remove(meta.StoragePath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "删除图像文件")
	}
	if err := os.Remove(s.metadataPath(imageID)); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrap(err, "删除图像元数据")
	}
	s.logger.Info("图像已删除", "image_id", imageID)
	return nil
}

// SearchByMetadata 按临床字段等值匹配，limit<=0 表示不限
func (s *Store) SearchByMetadata(ctx context.Context, filters map[string]interface{}, limit int) ([]*Metadata, error) {
	var results []*Metadata
	err := s.walkMetadata(func(meta *Metadata) bool {
		if matchClinical(meta, filters) {
			results = append(results, meta)
			if limit > 0 && len(results) >= limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// List 按创建时间范围列出图像，按创建时间倒序
func (s *Store) List(ctx context.Context, from, to time.Time, limit int) ([]*Metadata, error) {
	var results []*Metadata
	err := s.walkMetadata(func(meta *Metadata) bool {
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

// Stats 统计图像数量、占用与格式/月份分布
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByFormat: make(map[string]int),
		ByMonth:  make(map[string]int),
	}
	err := s.walkMetadata(func(meta *Metadata) bool {
		stats.TotalCount++
		stats.TotalBytes += meta.FileSize
		stats.ByFormat[meta.Format]++
		stats.ByMonth[meta.CreatedAt.Format("2006-01")]++
		return true
	})
	if err != nil {
		return nil, err
	}
	stats.TotalSizeHuman = humanSize(stats.TotalBytes)
	return stats, nil
}

func (s *Store) metadataPath(imageID string) string {
	return filepath.Join(s.metaRoot, imageID[:2], imageID+".json")
}

func (s *Store) writeMetadata(meta *Metadata) error {
	path := s.metadataPath(meta.ImageID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pkgerrors.Wrap(err, "创建元数据目录")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "序列化图像元数据")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return pkgerrors.Wrap(err, "写入图像元数据")
	}
	return nil
}

// walkMetadata 遍历全部元数据 sidecar；fn 返回 false 时提前终止
func (s *Store) walkMetadata(fn func(*Metadata) bool) error {
	return filepath.WalkDir(s.metaRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // 跳过读取失败的条目
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil
		}
		if !fn(&meta) {
			return filepath.SkipAll
		}
		return nil
	})
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

// humanSize 人类可读大小（B/KB/MB/GB/TB）
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
