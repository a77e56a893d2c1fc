package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"
)

// Middleware 中间件管理器
type Middleware struct {
	allowOrigins string
}

// NewMiddleware 创建中间件管理器；origins 为空时 CORS 放行所有来源
func NewMiddleware(origins string) *Middleware {
	if origins == "" {
		origins = "*"
	}
	return &Middleware{allowOrigins: origins}
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Header("Access-Control-Allow-Origin", m.allowOrigins)
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Tenant-ID")
		ctx.Header("Access-Control-Max-Age", "86400")

		if string(ctx.Method()) == "OPTIONS" {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}

// RequestLog 访问日志中间件
func (m *Middleware) RequestLog() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		hlog.CtxInfof(c, "%s %s %d %s",
			ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start))
	}
}

// RateLimit 进程级限流中间件；rps<=0 不限
func (m *Middleware) RateLimit(rps int) app.HandlerFunc {
	if rps <= 0 {
		return func(c context.Context, ctx *app.RequestContext) {
			ctx.Next(c)
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return func(c context.Context, ctx *app.RequestContext) {
		if !limiter.Allow() {
			ctx.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": "请求过于频繁，请稍后再试",
			})
			ctx.Abort()
			return
		}
		ctx.Next(c)
	}
}
