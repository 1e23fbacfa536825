package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorWriter 负责输出认证失败的响应。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// OnError 为空时使用 http.Error。
	OnError ErrorWriter
}

// Middleware 返回处理认证与按方法授权的 HTTP 中间件。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	onError := cfg.OnError
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				status := statusFor(err)
				s.denied(r, status, err, "")
				onError(w, r, status, err)
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.denied(r, http.StatusForbidden, err, subject.Name)
				onError(w, r, http.StatusForbidden, err)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Name,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Require 在路由级别追加权限要求。未启用认证时上下文中没有主体，直接放行。
func (s *Service) Require(onError ErrorWriter, perms ...string) func(http.Handler) http.Handler {
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject := SubjectFromContext(r.Context())
			if err := subject.Authorize(perms...); err != nil {
				name := ""
				if subject != nil {
					name = subject.Name
				}
				s.denied(r, http.StatusForbidden, err, name)
				onError(w, r, http.StatusForbidden, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) denied(r *http.Request, status int, err error, user string) {
	s.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"user", user,
	)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSubjectRevoked):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func plainError(w http.ResponseWriter, _ *http.Request, status int, _ error) {
	http.Error(w, http.StatusText(status), status)
}
