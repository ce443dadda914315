package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"enclaverun/pkg/logger"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 负责 HTTP 与 gRPC 入口的身份验证和授权。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("token mode requires at least one token")
		}
		seen := make(map[string]struct{}, len(cfg.Tokens))
		for _, tc := range cfg.Tokens {
			token := strings.TrimSpace(tc.Token)
			if token == "" {
				return nil, fmt.Errorf("token for %q is empty", tc.Name)
			}
			if _, dup := seen[token]; dup {
				return nil, fmt.Errorf("token for %q is configured twice", tc.Name)
			}
			seen[token] = struct{}{}
			subject := &Subject{Name: tc.Name, Permissions: tc.Permissions, Disabled: tc.Disabled}
			subject.normalise()
			svc.tokens = append(svc.tokens, tokenEntry{digest: sha256.Sum256([]byte(token)), subject: subject})
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 表示是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, header string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	return s.AuthenticateToken(ctx, token)
}

// AuthenticateToken 校验令牌。比较在摘要上以常量时间完成，并遍历全部令牌。
func (s *Service) AuthenticateToken(_ context.Context, token string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var found *Subject
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			found = entry.subject
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	if found.Disabled {
		return nil, ErrSubjectRevoked
	}
	return found.Clone(), nil
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	// 只有 scheme 没有凭证时按缺失处理。
	if header == "" || strings.EqualFold(header, "Bearer") {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
