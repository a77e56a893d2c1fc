package secrets

import (
	"context"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  bool
	}{
		{name: "memory", provider: "memory"},
		{name: "env", provider: "env"},
		{name: "default is env", provider: ""},
		{name: "unknown provider", provider: "consul", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), "unsupported secret provider") {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			if store == nil {
				t.Fatal("store should not be nil")
			}
		})
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := "integration/his/password"
	if err := s.Set(ctx, key, "hispass"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil || got != "hispass" {
		t.Fatalf("get = %q, %v", got, err)
	}

	keys, err := s.List(ctx, "integration/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list = %v, %v", keys, err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, key); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestEnvStore_KeyMapping(t *testing.T) {
	ctx := context.Background()
	s := NewEnvStore()

	// 层级 key 映射为大写下划线环境变量
	t.Setenv("INTEGRATION_EMR_TOKEN", "emr-token")
	got, err := s.Get(ctx, "integration/emr/token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "emr-token" {
		t.Fatalf("get = %q, want emr-token", got)
	}

	if _, err := s.Get(ctx, "integration/pacs/api_key"); err == nil {
		t.Fatal("unset variable should error")
	}
}
