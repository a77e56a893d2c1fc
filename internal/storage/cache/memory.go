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

package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore 进程内 LRU 缓存；maxEntries<=0 不限容量
type MemoryStore struct {
	maxEntries int
	items      map[string]*list.Element
	order      *list.List
	mu         sync.Mutex
}

// cacheItem 缓存项
type cacheItem struct {
	key        string
	value      []byte
	expiration int64
}

// NewMemoryStore 创建内存缓存
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Set 设置缓存
func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*cacheItem).value = data
		el.Value.(*cacheItem).expiration = exp
		s.order.MoveToFront(el)
		return nil
	}
	s.items[key] = s.order.PushFront(&cacheItem{key: key, value: data, expiration: exp})
	if s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		s.evictOldest()
	}
	return nil
}

// Get 获取缓存，未命中或过期返回 ErrCacheMiss
func (s *MemoryStore) Get(ctx context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return ErrCacheMiss
	}
	item := el.Value.(*cacheItem)
	if item.expiration > 0 && item.expiration < time.Now().UnixNano() {
		s.removeElement(el)
		s.mu.Unlock()
		return ErrCacheMiss
	}
	s.order.MoveToFront(el)
	data := item.value
	s.mu.Unlock()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// Delete 删除缓存；键不存在不视为错误
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.removeElement(el)
	}
	return nil
}

// Exists 检查缓存是否存在
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false, nil
	}
	item := el.Value.(*cacheItem)
	if item.expiration > 0 && item.expiration < time.Now().UnixNano() {
		s.removeElement(el)
		return false, nil
	}
	return true, nil
}

// Clear 清除所有缓存
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.order.Init()
	return nil
}

// Close 关闭缓存连接
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) evictOldest() {
	if el := s.order.Back(); el != nil {
		s.removeElement(el)
	}
}

func (s *MemoryStore) removeElement(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*cacheItem).key)
}
