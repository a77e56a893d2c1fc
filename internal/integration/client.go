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

// Package integration 院内系统对接：HIS/EMR/LIS/PACS 的 HTTP 客户端与患者数据汇聚
package integration

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"pathology-platform/pkg/config"
	"pathology-platform/pkg/metrics"
	"pathology-platform/pkg/secrets"
)

const (
	defaultTimeout = 30 * time.Second
	pingTimeout    = 5 * time.Second

	defaultRPS   = 10
	defaultBurst = 20
)

// SystemClient 单个院内系统的 HTTP 客户端，带按系统限流
type SystemClient struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
}

// newSystemClient 构建客户端；凭据优先取配置，缺省回退 secrets 存储
func newSystemClient(ctx context.Context, name string, cfg config.SystemConfig, sec secrets.Store) (*SystemClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s endpoint 未配置", name)
	}
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		if parsed, err := time.ParseDuration(cfg.Timeout); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	switch name {
	case "his", "lis":
		username, err := resolveCred(ctx, sec, name, "username", cfg.Username)
		if err != nil {
			return nil, err
		}
		password, err := resolveCred(ctx, sec, name, "password", cfg.Password)
		if err != nil {
			return nil, err
		}
		client.SetBasicAuth(username, password)
	case "emr":
		token, err := resolveCred(ctx, sec, name, "token", cfg.Token)
		if err != nil {
			return nil, err
		}
		client.SetAuthToken(token)
	case "pacs":
		apiKey, err := resolveCred(ctx, sec, name, "api_key", cfg.APIKey)
		if err != nil {
			return nil, err
		}
		client.SetHeader("X-API-Key", apiKey)
	default:
		return nil, fmt.Errorf("未知系统 %q", name)
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &SystemClient{
		name:    name,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// resolveCred 配置有值直接用，否则查 secrets 的 integration/<system>/<field>
func resolveCred(ctx context.Context, sec secrets.Store, system, field, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if sec == nil {
		return "", fmt.Errorf("%s 缺少凭据 %s 且未配置 secrets 存储", system, field)
	}
	value, err := sec.Get(ctx, fmt.Sprintf("integration/%s/%s", system, field))
	if err != nil {
		return "", fmt.Errorf("读取 %s 凭据 %s failed: %w", system, field, err)
	}
	return value, nil
}

// Ping 探活：GET /health，5 秒超时
func (c *SystemClient) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.limiter.Wait(pingCtx); err != nil {
		return err
	}
	resp, err := c.client.R().SetContext(pingCtx).Get("/health")
	if err != nil {
		metrics.IntegrationRequestTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("%s 探活failed: %w", c.name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		metrics.IntegrationRequestTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("%s 探活返回 %d: %s", c.name, resp.StatusCode(), resp.String())
	}
	metrics.IntegrationRequestTotal.WithLabelValues(c.name, "ok").Inc()
	return nil
}

// getJSON GET 请求并解码 JSON；query 中的空值不下发
func (c *SystemClient) getJSON(ctx context.Context, path string, query map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req := c.client.R().SetContext(ctx).SetResult(out)
	for k, v := range query {
		if v != "" {
			req.SetQueryParam(k, v)
		}
	}
	resp, err := req.Get(path)
	if err != nil {
		metrics.IntegrationRequestTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("调用 %s %s failed: %w", c.name, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		metrics.IntegrationRequestTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("%s %s 返回 %d: %s", c.name, path, resp.StatusCode(), resp.String())
	}
	metrics.IntegrationRequestTotal.WithLabelValues(c.name, "ok").Inc()
	return nil
}
