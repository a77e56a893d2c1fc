package cache

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_Set_Get_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	if err := s.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var v string
	if err := s.Get(ctx, "k1", &v); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "v1" {
		t.Errorf("Get: got %q", v)
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "k1", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Delete: want ErrCacheMiss, got %v", err)
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	var v string
	if err := s.Get(ctx, "missing", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get missing: want ErrCacheMiss, got %v", err)
	}
}

func TestMemoryStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	ok, err := s.Exists(ctx, "k")
	if err != nil || ok {
		t.Errorf("Exists missing: ok=%v err=%v", ok, err)
	}
	_ = s.Set(ctx, "k", "v", 0)
	ok, err = s.Exists(ctx, "k")
	if err != nil || !ok {
		t.Errorf("Exists present: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Set(ctx, "k1", "v1", 0)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	var v string
	if err := s.Get(ctx, "k1", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Clear: want ErrCacheMiss, got %v", err)
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	_ = s.Set(ctx, "a", 1, 0)
	_ = s.Set(ctx, "b", 2, 0)

	// 触摸 a，使 b 成为最久未用
	var v int
	if err := s.Get(ctx, "a", &v); err != nil {
		t.Fatalf("Get a: %v", err)
	}
	_ = s.Set(ctx, "c", 3, 0)

	if err := s.Get(ctx, "b", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("b should be evicted, got %v", err)
	}
	if err := s.Get(ctx, "a", &v); err != nil {
		t.Errorf("a should survive: %v", err)
	}
	if err := s.Get(ctx, "c", &v); err != nil {
		t.Errorf("c should survive: %v", err)
	}
}

func TestMemoryStore_StructValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	type entry struct {
		ID   string `json:"id"`
		Size int64  `json:"size"`
	}
	if err := s.Set(ctx, "e", entry{ID: "img-1", Size: 42}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got entry
	if err := s.Get(ctx, "e", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "img-1" || got.Size != 42 {
		t.Errorf("Get: got %+v", got)
	}
}

// Expiration 用纳秒时间戳判断，但短 TTL 测试依赖真实时钟，这里不测过期以保持稳定
