package auth

import (
	"errors"
	"net/http"
	"time"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Public 中的路径无需身份信息，例如健康检查。
	Public map[string]bool
	// Anonymous 返回 true 的请求在缺少身份信息时仍放行，但不会携带调用者。
	Anonymous func(r *http.Request) bool
	// OnError 负责写出认证失败的响应，为空时使用纯文本 401。
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware 返回一个 HTTP 中间件，识别调用者并记录审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r)
			if errors.Is(err, ErrMissingCredentials) && cfg.Anonymous != nil && cfg.Anonymous(r) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				s.auditLogger().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"mode", string(s.Mode()),
					"error", err.Error(),
				)
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
					return
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.auditLogger().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", subject.Address.Hex(),
				"auth", subject.Method,
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
