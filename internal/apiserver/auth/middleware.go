package auth

import (
	"net/http"
	"strings"

	"sitegen/pkg/logging"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// credentialFrom 从请求中提取凭证
//
// 依次查找 Authorization: Bearer、X-API-Key；浏览器的 WebSocket 与 EventSource
// 无法设置请求头，因此 GET 请求还接受 access_token 查询参数。
func credentialFrom(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		return parts[1], true
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, true
	}
	if r.Method == http.MethodGet {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, true
		}
	}
	return "", true
}

// Middleware 创建认证中间件
//
// 认证关闭时所有请求以 AnonymousOwner 身份放行。
func Middleware(resolver *Resolver, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			credential, ok := credentialFrom(r)
			if !ok {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			if credential == "" && resolver.Enabled() {
				http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
				return
			}

			user, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				logger.WithError(err).Debug("credential rejected", "path", r.URL.Path)
				http.Error(w, `{"error":"invalid or expired credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithAuthUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
