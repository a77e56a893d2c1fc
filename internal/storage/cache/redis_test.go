package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pathology-platform/pkg/config"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_Set_Get_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	if err := s.Set(ctx, "k1", "v1", time.Minute); err != nil {
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

func TestRedisStore_ExistsAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	ok, err := s.Exists(ctx, "k")
	if err != nil || ok {
		t.Errorf("Exists missing: ok=%v err=%v", ok, err)
	}
	_ = s.Set(ctx, "k", "v", 0)
	ok, err = s.Exists(ctx, "k")
	if err != nil || !ok {
		t.Errorf("Exists present: ok=%v err=%v", ok, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	ok, _ = s.Exists(ctx, "k")
	if ok {
		t.Error("key should be gone after Clear")
	}
}

func TestNewCache_Factory(t *testing.T) {
	store, err := newFactoryStore(t, "memory", "")
	if err != nil {
		t.Fatalf("memory factory: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("memory factory: got %T", store)
	}

	mr := miniredis.RunT(t)
	store, err = newFactoryStore(t, "redis", mr.Addr())
	if err != nil {
		t.Fatalf("redis factory: %v", err)
	}
	if _, ok := store.(*RedisStore); !ok {
		t.Errorf("redis factory: got %T", store)
	}

	if _, err := newFactoryStore(t, "memcached", ""); err == nil {
		t.Error("unknown cache type should error")
	}
}

func newFactoryStore(t *testing.T, typ, addr string) (Store, error) {
	t.Helper()
	store, err := NewCache(config.CacheConfig{Type: typ, Addr: addr})
	if err == nil {
		t.Cleanup(func() { _ = store.Close() })
	}
	return store, err
}
