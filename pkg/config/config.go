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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Environment string            `mapstructure:"environment"` // development | testing | production
	API         APIConfig         `mapstructure:"api"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Integration IntegrationConfig `mapstructure:"integration"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Preprocess  PreprocessConfig  `mapstructure:"preprocess"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	RateLimit     bool   `mapstructure:"rate_limit"`
	RateLimitRPS  int    `mapstructure:"rate_limit_rps"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// StorageConfig 存储配置
type StorageConfig struct {
	Image    ImageStorageConfig    `mapstructure:"image"`
	Document DocumentStorageConfig `mapstructure:"document"`
	Index    IndexConfig           `mapstructure:"index"`
	Cache    CacheConfig           `mapstructure:"cache"`
}

// ImageStorageConfig 病理图像存储配置
type ImageStorageConfig struct {
	Root          string   `mapstructure:"root"`
	MetadataRoot  string   `mapstructure:"metadata_root"`
	MaxFileSizeMB int      `mapstructure:"max_file_size_mb"` // <=0 使用默认 500
	Formats       []string `mapstructure:"formats"`          // 空则使用内置白名单
}

// DocumentStorageConfig 临床文档存储配置
type DocumentStorageConfig struct {
	Root        string `mapstructure:"root"`
	IndexRoot   string `mapstructure:"index_root"`
	ChunkSize   int    `mapstructure:"chunk_size"`    // 分块长度，<=0 使用默认 1000
	KeywordTopN int    `mapstructure:"keyword_top_n"` // 关键词索引条数，<=0 使用默认 50
}

// IndexConfig 元数据索引配置
type IndexConfig struct {
	Root      string `mapstructure:"root"`
	CacheSize int    `mapstructure:"cache_size"` // 条目缓存上限，<=0 使用默认 1000
	CacheTTL  string `mapstructure:"cache_ttl"`  // 如 "5m"，空则不过期
}

// CacheConfig 索引条目缓存后端配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// BatchConfig 批量上传配置
type BatchConfig struct {
	Workers      int              `mapstructure:"workers"`       // <=0 使用默认 4
	MaxRetries   int              `mapstructure:"max_retries"`   // 失败后最大重试次数（不含首次）
	RetryBackoff string           `mapstructure:"retry_backoff"` // 如 "1s"
	AutoRetry    *bool            `mapstructure:"auto_retry"`    // 未配置时默认 true
	Store        BatchStoreConfig `mapstructure:"store"`
}

// BatchStoreConfig 批量任务存储配置
type BatchStoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// IntegrationConfig 医院系统集成配置
type IntegrationConfig struct {
	HIS  SystemConfig `mapstructure:"his"`
	EMR  SystemConfig `mapstructure:"emr"`
	LIS  SystemConfig `mapstructure:"lis"`
	PACS SystemConfig `mapstructure:"pacs"`
}

// SystemConfig 单个外部系统的连接配置；凭据支持 ${ENV_VAR} 占位
type SystemConfig struct {
	Endpoint string  `mapstructure:"endpoint"`
	Timeout  string  `mapstructure:"timeout"` // 如 "10s"
	Username string  `mapstructure:"username"`
	Password string  `mapstructure:"password"`
	Token    string  `mapstructure:"token"`
	APIKey   string  `mapstructure:"api_key"`
	RPS      float64 `mapstructure:"rps"`   // 出站限流，<=0 不限
	Burst    int     `mapstructure:"burst"` // 限流突发量
}

// SecretsConfig 凭据存储配置
type SecretsConfig struct {
	Backend string      `mapstructure:"backend"` // env | vault
	Vault   VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// PreprocessConfig 预处理配置
type PreprocessConfig struct {
	DenoiseStrength float64 `mapstructure:"denoise_strength"` // 0~1
	NormalizeMethod string  `mapstructure:"normalize_method"` // histogram | minmax | zscore
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)
	config.adjustForEnvironment()

	return &config, nil
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// replaceEnvVars 替换集成凭据中的 ${VAR} 占位
func replaceEnvVars(config *Config) {
	systems := []*SystemConfig{
		&config.Integration.HIS,
		&config.Integration.EMR,
		&config.Integration.LIS,
		&config.Integration.PACS,
	}
	for _, sys := range systems {
		sys.Password = expandEnv(sys.Password)
		sys.Token = expandEnv(sys.Token)
		sys.APIKey = expandEnv(sys.APIKey)
	}
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return v
}

// adjustForEnvironment 按运行环境调整：生产收紧日志，测试走独立数据目录
func (c *Config) adjustForEnvironment() {
	switch c.Environment {
	case "production":
		if c.Log.Level == "" || c.Log.Level == "debug" {
			c.Log.Level = "info"
		}
	case "testing":
		if c.Storage.Image.Root == "" {
			c.Storage.Image.Root = "data/test/images"
		}
		if c.Storage.Document.Root == "" {
			c.Storage.Document.Root = "data/test/documents"
		}
	case "development", "":
		if c.Log.Level == "" {
			c.Log.Level = "debug"
		}
	}
}

// Validate 校验关键配置项，返回首个错误
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("非法端口: %d", c.API.Port)
	}
	if c.Storage.Cache.Type == "redis" && c.Storage.Cache.Addr == "" {
		return fmt.Errorf("cache.type=redis 时必须配置 addr")
	}
	if c.Batch.Store.Type == "postgres" && c.Batch.Store.DSN == "" {
		return fmt.Errorf("batch.store.type=postgres 时必须配置 dsn")
	}
	return nil
}

// EnsureDirs 创建存储目录（幂等）
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Storage.Image.Root,
		c.Storage.Image.MetadataRoot,
		c.Storage.Document.Root,
		c.Storage.Document.IndexRoot,
		c.Storage.Index.Root,
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("创建目录 %s failed: %w", d, err)
		}
	}
	return nil
}
