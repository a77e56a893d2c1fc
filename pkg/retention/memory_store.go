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

package retention

import (
	"context"
	"sort"
	"sync"
)

// MemoryTombstoneStore 内存 tombstone 存储；生产可替换为 Postgres 实现
type MemoryTombstoneStore struct {
	mu         sync.RWMutex
	tombstones map[string]Tombstone // entityID -> tombstone
}

// NewMemoryTombstoneStore 创建内存 tombstone 存储
func NewMemoryTombstoneStore() *MemoryTombstoneStore {
	return &MemoryTombstoneStore{
		tombstones: make(map[string]Tombstone),
	}
}

func (m *MemoryTombstoneStore) CreateTombstone(ctx context.Context, tombstone Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstones[tombstone.EntityID] = tombstone
	return nil
}

func (m *MemoryTombstoneStore) GetTombstone(ctx context.Context, entityID string) (*Tombstone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tombstones[entityID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *MemoryTombstoneStore) ListTombstones(ctx context.Context, tenantID string, limit int) ([]Tombstone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Tombstone
	for _, t := range m.tombstones {
		if tenantID != "" && t.TenantID != tenantID {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeletedAt.After(result[j].DeletedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
