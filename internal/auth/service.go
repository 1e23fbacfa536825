package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Gate/pkg/logger"
)

// Service 校验请求携带的 Bearer Token。Token 只以 SHA-256 摘要形式驻留内存。
type Service struct {
	mode     Mode
	subjects map[string]*Subject
	audit    *slog.Logger
}

// NewService 根据配置构造认证服务。disabled 模式下所有请求直接放行。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, subjects: map[string]*Subject{}, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeStatic:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}

	for i, cred := range cfg.Credentials {
		token := strings.TrimSpace(cred.Token)
		if token == "" {
			return nil, fmt.Errorf("credential %d (%s): token is empty", i, cred.Name)
		}
		digest := digestOf(token)
		if _, dup := s.subjects[digest]; dup {
			return nil, fmt.Errorf("credential %d (%s): duplicate token", i, cred.Name)
		}
		subject := &Subject{
			Name:        cred.Name,
			Permissions: append([]string(nil), cred.Permissions...),
			Disabled:    cred.Disabled,
		}
		subject.normalise()
		s.subjects[digest] = subject
	}
	if len(s.subjects) == 0 {
		return nil, errors.New("static auth requires at least one credential")
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	subject, found := s.subjects[digestOf(token)]
	if !found {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

func digestOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
