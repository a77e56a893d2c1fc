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

// Package index 元数据索引：主索引加类型/患者/检查三个倒排，JSON 落盘，读路径走缓存
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pathology-platform/internal/storage/cache"
	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
)

const (
	mainIndexFile    = "main_index.json"
	typeIndexFile    = "type_index.json"
	patientIndexFile = "patient_index.json"
	studyIndexFile   = "study_index.json"

	defaultCacheTTL = 5 * time.Minute
)

// Entry 索引中的一条实体记录
type Entry struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"last_modified"`
}

// clone 深拷贝条目；读路径只返回拷贝，内部 map 不对外暴露
func (e *Entry) clone() *Entry {
	cp := *e
	cp.Metadata = cloneMeta(e.Metadata)
	return &cp
}

func cloneMeta(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case map[string]interface{}:
			dst[k] = cloneMeta(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			copy(cp, t)
			dst[k] = cp
		default:
			dst[k] = v
		}
	}
	return dst
}

// Stats 索引统计
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	ByType       map[string]int `json:"type_distribution"`
	PatientCount int            `json:"patient_count"`
	StudyCount   int            `json:"study_count"`
}

// Manager 元数据索引管理器；所有写操作串行化后落盘
type Manager struct {
	root     string
	cache    cache.Store
	cacheTTL time.Duration
	logger   *log.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	byType  map[string][]string
	byPat   map[string][]string
	byStudy map[string][]string
}

// NewManager 创建索引管理器并加载已有索引文件
func NewManager(cfg config.IndexConfig, cacheStore cache.Store, logger *log.Logger) (*Manager, error) {
	root := cfg.Root
	if root == "" {
		root = "data/index"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, pkgerrors.Wrapf(err, "创建索引目录 %s", root)
	}
	ttl := defaultCacheTTL
	if cfg.CacheTTL != "" {
		if parsed, err := time.ParseDuration(cfg.CacheTTL); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	if cacheStore == nil {
		cacheStore = cache.NewMemoryStore(cfg.CacheSize)
	}
	m := &Manager{
		root:     root,
		cache:    cacheStore,
		cacheTTL: ttl,
		logger:   logger,
		entries:  make(map[string]*Entry),
		byType:   make(map[string][]string),
		byPat:    make(map[string][]string),
		byStudy:  make(map[string][]string),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Create 为实体建立索引记录
func (m *Manager) Create(ctx context.Context, entityType, entityID string, metadata map[string]interface{}) error {
	if entityID == "" || entityType == "" {
		return pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "实体 ID 与类型不能为空")
	}
	// 持有调用方 map 会让后续外部修改穿透索引，入库前拷贝
	metadata = cloneMeta(metadata)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entityID]; exists {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "实体 %s 已存在索引", entityID)
	}
	now := time.Now().UTC()
	entry := &Entry{
		EntityID:   entityID,
		EntityType: entityType,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.entries[entityID] = entry
	m.byType[entityType] = append(m.byType[entityType], entityID)
	if pid := metaString(metadata, "patient_id"); pid != "" {
		m.byPat[pid] = append(m.byPat[pid], entityID)
	}
	if sid := metaString(metadata, "study_id"); sid != "" {
		m.byStudy[sid] = append(m.byStudy[sid], entityID)
	}
	return m.persist()
}

// Update 合并更新实体元数据；patient_id/study_id 变化时迁移倒排引用
func (m *Manager) Update(ctx context.Context, entityID string, updates map[string]interface{}) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[entityID]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "索引记录 %s", entityID)
	}
	oldPat := metaString(entry.Metadata, "patient_id")
	oldStudy := metaString(entry.Metadata, "study_id")

	for k, v := range updates {
		entry.Metadata[k] = v
	}
	entry.UpdatedAt = time.Now().UTC()

	if newPat := metaString(entry.Metadata, "patient_id"); newPat != oldPat {
		m.byPat[oldPat] = removeID(m.byPat[oldPat], entityID)
		if len(m.byPat[oldPat]) == 0 {
			delete(m.byPat, oldPat)
		}
		if newPat != "" {
			m.byPat[newPat] = append(m.byPat[newPat], entityID)
		}
	}
	if newStudy := metaString(entry.Metadata, "study_id"); newStudy != oldStudy {
		m.byStudy[oldStudy] = removeID(m.byStudy[oldStudy], entityID)
		if len(m.byStudy[oldStudy]) == 0 {
			delete(m.byStudy, oldStudy)
		}
		if newStudy != "" {
			m.byStudy[newStudy] = append(m.byStudy[newStudy], entityID)
		}
	}

	if err := m.persist(); err != nil {
		return nil, err
	}
	_ = m.cache.Delete(ctx, cacheKey(entityID))
	return entry.clone(), nil
}

// Delete 删除实体的索引记录与全部倒排引用
func (m *Manager) Delete(ctx context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[entityID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "索引记录 %s", entityID)
	}
	delete(m.entries, entityID)
	m.byType[entry.EntityType] = removeID(m.byType[entry.EntityType], entityID)
	if len(m.byType[entry.EntityType]) == 0 {
		delete(m.byType, entry.EntityType)
	}
	if pid := metaString(entry.Metadata, "patient_id"); pid != "" {
		m.byPat[pid] = removeID(m.byPat[pid], entityID)
		if len(m.byPat[pid]) == 0 {
			delete(m.byPat, pid)
		}
	}
	if sid := metaString(entry.Metadata, "study_id"); sid != "" {
		m.byStudy[sid] = removeID(m.byStudy[sid], entityID)
		if len(m.byStudy[sid]) == 0 {
			delete(m.byStudy, sid)
		}
	}

	if err := m.persist(); err != nil {
		return err
	}
	_ = m.cache.Delete(ctx, cacheKey(entityID))
	return nil
}

// Get 读取索引记录，优先命中缓存
func (m *Manager) Get(ctx context.Context, entityID string) (*Entry, error) {
	var cached Entry
	if err := m.cache.Get(ctx, cacheKey(entityID), &cached); err == nil {
		return &cached, nil
	}

	m.mu.RLock()
	entry, ok := m.entries[entityID]
	var cp *Entry
	if ok {
		cp = entry.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "索引记录 %s", entityID)
	}
	_ = m.cache.Set(ctx, cacheKey(entityID), cp, m.cacheTTL)
	return cp, nil
}

// SearchByMetadata 按元数据等值过滤，可选限定实体类型
func (m *Manager) SearchByMetadata(ctx context.Context, entityType string, filters map[string]interface{}, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Entry
	for _, entry := range m.entries {
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if !matchFilters(entry.Metadata, filters) {
			continue
		}
		results = append(results, entry.clone())
	}
	sortByUpdated(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchByPatient 返回患者关联的全部实体
func (m *Manager) SearchByPatient(ctx context.Context, patientID string) ([]*Entry, error) {
	return m.lookup(m.byPat, patientID), nil
}

// SearchByStudy 返回检查关联的全部实体
func (m *Manager) SearchByStudy(ctx context.Context, studyID string) ([]*Entry, error) {
	return m.lookup(m.byStudy, studyID), nil
}

// RelatedEntities 返回与目标实体同患者或同检查的其他实体
func (m *Manager) RelatedEntities(ctx context.Context, entityID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[entityID]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "索引记录 %s", entityID)
	}
	seen := map[string]struct{}{entityID: {}}
	var results []*Entry
	collect := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := m.entries[id]; ok {
				results = append(results, e.clone())
			}
		}
	}
	if pid := metaString(entry.Metadata, "patient_id"); pid != "" {
		collect(m.byPat[pid])
	}
	if sid := metaString(entry.Metadata, "study_id"); sid != "" {
		collect(m.byStudy[sid])
	}
	sortByUpdated(results)
	return results, nil
}

// Stats 统计索引规模与分布
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalEntries: len(m.entries),
		ByType:       make(map[string]int),
		PatientCount: len(m.byPat),
		StudyCount:   len(m.byStudy),
	}
	for t, ids := range m.byType {
		stats.ByType[t] = len(ids)
	}
	return stats, nil
}

// Rebuild 从主索引重建全部倒排；重建前为现有索引文件留时间戳备份
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp := time.Now().UTC().Format("20060102T150405")
	for _, name := range []string{mainIndexFile, typeIndexFile, patientIndexFile, studyIndexFile} {
		src := filepath.Join(m.root, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return pkgerrors.Wrapf(err, "备份索引 %s", name)
		}
		if err := os.WriteFile(src+"."+stamp+".bak", data, 0644); err != nil {
			return pkgerrors.Wrapf(err, "写入索引备份 %s", name)
		}
	}

	m.byType = make(map[string][]string)
	m.byPat = make(map[string][]string)
	m.byStudy = make(map[string][]string)
	for id, entry := range m.entries {
		m.byType[entry.EntityType] = append(m.byType[entry.EntityType], id)
		if pid := metaString(entry.Metadata, "patient_id"); pid != "" {
			m.byPat[pid] = append(m.byPat[pid], id)
		}
		if sid := metaString(entry.Metadata, "study_id"); sid != "" {
			m.byStudy[sid] = append(m.byStudy[sid], id)
		}
	}
	if err := m.persist(); err != nil {
		return err
	}
	_ = m.cache.Clear(ctx)
	m.logger.Info("索引已重建", "entries", len(m.entries), "backup", stamp)
	return nil
}

// Close 释放缓存连接
func (m *Manager) Close() error {
	return m.cache.Close()
}

func (m *Manager) lookup(idx map[string][]string, key string) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := idx[key]
	results := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			results = append(results, e.clone())
		}
	}
	sortByUpdated(results)
	return results
}

func (m *Manager) load() error {
	if err := readJSONFile(filepath.Join(m.root, mainIndexFile), &m.entries); err != nil {
		return err
	}
	if err := readJSONFile(filepath.Join(m.root, typeIndexFile), &m.byType); err != nil {
		return err
	}
	if err := readJSONFile(filepath.Join(m.root, patientIndexFile), &m.byPat); err != nil {
		return err
	}
	return readJSONFile(filepath.Join(m.root, studyIndexFile), &m.byStudy)
}

// persist 调用方必须持有写锁
func (m *Manager) persist() error {
	files := map[string]interface{}{
		mainIndexFile:    m.entries,
		typeIndexFile:    m.byType,
		patientIndexFile: m.byPat,
		studyIndexFile:   m.byStudy,
	}
	for name, v := range files {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return pkgerrors.Wrapf(err, "序列化索引 %s", name)
		}
		if err := os.WriteFile(filepath.Join(m.root, name), data, 0644); err != nil {
			return pkgerrors.Wrapf(err, "写入索引 %s", name)
		}
	}
	return nil
}

func readJSONFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pkgerrors.Wrapf(err, "读取索引 %s", path)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return pkgerrors.Wrapf(err, "解析索引 %s", path)
	}
	return nil
}

func cacheKey(entityID string) string {
	return "index:entry:" + entityID
}

func metaString(metadata map[string]interface{}, key string) string {
	v, ok := metadata[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func matchFilters(metadata map[string]interface{}, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortByUpdated(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].EntityID < entries[j].EntityID
	})
}
