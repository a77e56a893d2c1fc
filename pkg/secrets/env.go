// Copyright 2026 fanjia1024
// 环境变量后端：默认的凭据来源

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store（默认后端）
func NewEnvStore() Store {
	return &envStore{}
}

// envKey 将层级 key 映射为环境变量名：
// "integration/his/password" -> "INTEGRATION_HIS_PASSWORD"
func envKey(key string) string {
	replaced := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(key)
	return strings.ToUpper(replaced)
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	name := envKey(key)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("环境变量 %s 未设置", name)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envKey(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envKey(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := envKey(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
