package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"pathology-platform/internal/api/http"
	"pathology-platform/internal/api/http/middleware"
	"pathology-platform/internal/app"
	"pathology-platform/pkg/auth"
	"pathology-platform/pkg/log"
	"pathology-platform/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware；业务全部走 DataService）
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// loggerAuditStore 将患者数据访问审计写入结构化日志
type loggerAuditStore struct {
	logger *log.Logger
}

var _ middleware.AuditStore = (*loggerAuditStore)(nil)

func (s *loggerAuditStore) LogAccess(_ context.Context, entry middleware.AuditLog) error {
	s.logger.Info("data access",
		"user_id", entry.UserID,
		"method", entry.Method,
		"path", entry.Path,
		"entity_id", entry.EntityID,
		"status", entry.StatusCode,
		"ts", entry.Timestamp.Format(time.RFC3339),
	)
	return nil
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Service == nil {
		return nil, fmt.Errorf("bootstrap 未初始化")
	}
	handler := http.NewHandler(bootstrap.Service)

	origins := ""
	if bootstrap.Config != nil && bootstrap.Config.API.CORS.Enable {
		origins = strings.Join(bootstrap.Config.API.CORS.AllowOrigins, ",")
	}
	mw := middleware.NewMiddleware(origins)
	router := http.NewRouter(handler, mw)

	// 患者数据访问审计始终开启
	router.SetAudit(middleware.NewAuditMiddleware(&loggerAuditStore{logger: bootstrap.Logger}))

	if bootstrap.Config != nil {
		mc := bootstrap.Config.API.Middleware
		if mc.Auth && mc.JWTKey != "" {
			timeout := parseDuration(mc.JWTTimeout, time.Hour)
			maxRefresh := parseDuration(mc.JWTMaxRefresh, time.Hour)
			jwtAuth, err := middleware.NewJWTAuth([]byte(mc.JWTKey), timeout, maxRefresh)
			if err != nil {
				bootstrap.Logger.Warn("JWT 初始化failed，将跳过认证", "error", err)
			} else {
				router.SetJWT(jwtAuth)
				router.SetAuthz(middleware.NewAuthzMiddleware(newRBACChecker(bootstrap.Logger)))
				bootstrap.Logger.Info("JWT 认证与 RBAC 鉴权已启用")
			}
		}
		if mc.RateLimit && mc.RateLimitRPS > 0 {
			router.SetRateLimit(mc.RateLimitRPS)
			bootstrap.Logger.Info("限流已启用", "rps", mc.RateLimitRPS)
		}
	}

	return &App{
		bootstrap: bootstrap,
		router:    router,
	}, nil
}

// Run 启动 HTTP 服务与批量上传 worker，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 日志配置对齐
	output := os.Stdout
	if a.bootstrap.Config != nil && a.bootstrap.Config.Log.File != "" {
		f, err := os.OpenFile(a.bootstrap.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件failed: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelInfo)
	if a.bootstrap.Config != nil {
		switch a.bootstrap.Config.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		}
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if a.bootstrap.Config != nil && a.bootstrap.Config.Monitoring.Tracing.Enable {
		serviceName := utils.CoalesceString(a.bootstrap.Config.Monitoring.Tracing.ServiceName, "pathology-api")
		exportEndpoint := a.bootstrap.Config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.bootstrap.Config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	if a.bootstrap.Batch != nil {
		a.bootstrap.Batch.Start(context.Background())
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.bootstrap.Batch != nil {
		a.bootstrap.Batch.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.bootstrap.Index != nil {
		if err := a.bootstrap.Index.Close(); err != nil {
			return err
		}
	}
	return nil
}

// newRBACChecker 构建内存角色表；PATHOLOGY_ADMINS（逗号分隔）指定 default 租户的管理员
func newRBACChecker(logger *log.Logger) auth.RBACChecker {
	store := auth.NewMemoryRoleStore()
	for _, u := range strings.Split(os.Getenv("PATHOLOGY_ADMINS"), ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		_ = store.SetUserRole(context.Background(), "default", u, auth.RoleAdmin)
		logger.Info("已分配管理员角色", "user_id", u)
	}
	return auth.NewSimpleRBACChecker(store)
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
