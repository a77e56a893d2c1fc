package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"
)

// NewJWTAuth 创建 JWT 认证中间件；登录逻辑由部署方通过反代或网关下发 token
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	mw, err := jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "pathology-platform",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		TokenLookup: "header: Authorization",
		IdentityHandler: func(c context.Context, ctx *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(c, ctx)
			return claims[jwt.IdentityKey]
		},
	})
	if err != nil {
		return nil, err
	}
	return mw, nil
}
