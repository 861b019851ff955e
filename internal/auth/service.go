package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"NUMA-Market/pkg/logger"
)

const (
	grantTypeClientCredentials = "client_credentials"
	defaultIssuer              = "numa-market"
	defaultAccessTTL           = time.Hour
)

// Service 为 API 客户端签发并校验 HS256 访问令牌。
type Service struct {
	mode    Mode
	secret  []byte
	issuer  string
	ttl     time.Duration
	clients map[string]Client
	now     func() time.Time
	logger  *slog.Logger
	audit   *slog.Logger
}

type claims struct {
	AgentID     string   `json:"agent_id,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// NewService 根据配置创建认证服务。disabled 模式下所有请求直接放行。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{
		mode:    mode,
		issuer:  cfg.Issuer,
		ttl:     cfg.AccessTTL,
		clients: make(map[string]Client, len(cfg.Clients)),
		now:     time.Now,
		logger:  logger.Named("auth"),
		audit:   logger.Audit(),
	}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeJWT:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}

	if len(cfg.Secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	s.secret = []byte(cfg.Secret)
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.ttl <= 0 {
		s.ttl = defaultAccessTTL
	}
	for _, c := range cfg.Clients {
		id := strings.TrimSpace(c.ID)
		if id == "" || c.SecretHash == "" {
			return nil, errors.New("auth client requires id and secret_hash")
		}
		if _, dup := s.clients[id]; dup {
			return nil, fmt.Errorf("duplicate auth client %q", id)
		}
		c.ID = id
		s.clients[id] = c
	}
	s.logger.Info("authentication enabled", slog.Int("clients", len(s.clients)))
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 用客户端凭证换取访问令牌。
func (s *Service) IssueToken(req TokenRequest) (*Token, error) {
	if s.Mode() == ModeDisabled {
		return nil, ErrDisabled
	}
	if req.GrantType != "" && req.GrantType != grantTypeClientCredentials {
		return nil, ErrUnsupportedGrant
	}
	client, ok := s.clients[strings.TrimSpace(req.ClientID)]
	if !ok || bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)) != nil {
		return nil, ErrInvalidCredentials
	}
	if client.Disabled {
		return nil, ErrClientDisabled
	}

	now := s.now()
	subject := newSubject(client.ID, client.AgentID, client.Permissions, now.Add(s.ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		AgentID:     subject.AgentID,
		Permissions: subject.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   client.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(subject.ExpiresAt),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	s.audit.Info("token_issued", slog.String("client_id", client.ID), slog.Any("permissions", subject.Permissions))
	return &Token{
		AccessToken: signed,
		ExpiresIn:   int64(s.ttl / time.Second),
		TokenType:   "Bearer",
		Scope:       subject.Permissions,
	}, nil
}

// AuthenticateRequest 校验 Authorization 头中的 Bearer token。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return nil, ErrDisabled
	}
	raw, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var c claims
	_, err := parser.ParseWithClaims(strings.TrimSpace(raw), &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !c.VerifyIssuer(s.issuer, true) || c.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	client, ok := s.clients[c.Subject]
	if !ok {
		return nil, ErrInvalidToken
	}
	if client.Disabled {
		return nil, ErrClientDisabled
	}
	return newSubject(c.Subject, c.AgentID, c.Permissions, c.ExpiresAt.Time), nil
}

// HashSecret 返回写入客户端 secret_hash 的 bcrypt 摘要。
func HashSecret(secret string) (string, error) {
	if len(secret) < 12 {
		return "", errors.New("client secret must be at least 12 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
