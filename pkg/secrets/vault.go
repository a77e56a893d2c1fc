// Copyright 2026 fanjia1024
// HashiCorp Vault 后端：院内系统集成凭据（HIS/EMR/LIS/PACS）的集中存储

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `yaml:"address"`     // Vault 地址，如 http://vault:8200
	Token      string `yaml:"token"`       // Vault token
	PathPrefix string `yaml:"path_prefix"` // secret 路径前缀，默认 "pathology"
}

type vaultStore struct {
	client *vault.Client
	prefix string

	mu    sync.RWMutex
	local map[string]string // Set 写入后的本地缓存，减少重复读
}

// NewVaultStore 创建 Vault secret store；启动时做一次健康检查
func NewVaultStore(config VaultConfig) (Store, error) {
	addr := config.Address
	if addr == "" {
		addr = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Vault 客户端failed: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("连接 Vault failed: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "pathology"
	}

	return &vaultStore{
		client: client,
		prefix: prefix,
		local:  make(map[string]string),
	}, nil
}

// Get 读取凭据；key 形如 "integration/his/username"
func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	v.mu.RLock()
	cached, ok := v.local[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	secret, err := v.client.Logical().Read(v.secretPath(key))
	if err != nil {
		return "", fmt.Errorf("读取 Vault secret failed: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret %s 不存在", key)
	}

	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	// 无 "value" 键时取首个字符串字段
	for _, raw := range secret.Data {
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("secret %s 无字符串值", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	payload := map[string]interface{}{"value": value}
	if _, err := v.client.Logical().Write(v.secretPath(key), payload); err != nil {
		return fmt.Errorf("写入 Vault secret failed: %w", err)
	}

	v.mu.Lock()
	v.local[key] = value
	v.mu.Unlock()
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().Delete(v.secretPath(key)); err != nil {
		return fmt.Errorf("删除 Vault secret failed: %w", err)
	}

	v.mu.Lock()
	delete(v.local, key)
	v.mu.Unlock()
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := v.prefix
	if prefix != "" {
		searchPath = fmt.Sprintf("%s/metadata/%s", v.prefix, prefix)
	}

	secret, err := v.client.Logical().List(searchPath)
	if err != nil {
		return nil, fmt.Errorf("列出 Vault secrets failed: %w", err)
	}
	if secret == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, k := range raw {
		s, ok := k.(string)
		if !ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(s, prefix) {
			s = fmt.Sprintf("%s/%s", prefix, s)
		}
		keys = append(keys, s)
	}
	return keys, nil
}

func (v *vaultStore) secretPath(key string) string {
	return fmt.Sprintf("%s/%s", v.prefix, key)
}
