package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的常见错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// 接口使用的权限。
const (
	PermissionRead    = "read"
	PermissionExecute = "execute"
	PermissionAdmin   = "admin"
)

// Mode 是认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
)

// Credential 是一条静态配置的 API Token。
type Credential struct {
	Name        string
	Token       string
	Permissions []string
	Disabled    bool
}

// Config 汇总认证服务的配置。
type Config struct {
	Mode        Mode
	Credentials []Credential
}

// Subject 是通过认证的调用方，经上下文传递给处理函数。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限，admin 拥有全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确保主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
