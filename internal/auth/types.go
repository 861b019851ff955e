package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 认证子系统的通用错误。
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrClientDisabled     = errors.New("client is disabled")
)

// 市场 API 识别的权限。
const (
	PermissionRead  = "market:read"
	PermissionWrite = "market:write"
	PermissionAdmin = "market:admin"
)

// Client 是可以申请令牌的 API 调用方，通常是智能体运行时或服务方的登记工具。
type Client struct {
	ID          string   `json:"id"`
	SecretHash  string   `json:"secret_hash"`
	Permissions []string `json:"permissions"`
	// AgentID 把客户端绑定到一个智能体账户，为空表示不限。
	AgentID  string `json:"agent_id,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Subject 是写入访问令牌、并通过 context 传给请求处理器的身份信息。
type Subject struct {
	ClientID    string
	AgentID     string
	Permissions []string
	ExpiresAt   time.Time

	permissionsSet map[string]struct{}
}

func newSubject(clientID, agentID string, perms []string, expires time.Time) *Subject {
	s := &Subject{ClientID: clientID, AgentID: agentID, ExpiresAt: expires}
	s.permissionsSet = make(map[string]struct{}, len(perms))
	for _, perm := range perms {
		p := strings.ToLower(strings.TrimSpace(perm))
		if p == "" {
			continue
		}
		if _, dup := s.permissionsSet[p]; !dup {
			s.permissionsSet[p] = struct{}{}
			s.Permissions = append(s.Permissions, p)
		}
	}
	return s
}

// HasPermission 判断主体是否具备指定权限，market:admin 隐含全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet[PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确认主体具备全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
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

// TokenRequest 是令牌签发接口接受的请求体。
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token 是已签发的访问令牌。
type Token struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Scope       []string `json:"scope,omitempty"`
}

// Mode 列出支持的认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode      Mode
	Secret    string
	Issuer    string
	AccessTTL time.Duration
	Clients   []Client
}
