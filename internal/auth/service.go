package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"GigaCrew-Agent/pkg/logger"
)

// Service 使用静态 bearer 令牌进行身份验证。未配置任何令牌时认证关闭。
type Service struct {
	tokens []entry
	audit  *slog.Logger
}

type entry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 构造身份认证服务实例。
func NewService(tokens []Token) (*Service, error) {
	svc := &Service{audit: logger.Audit()}
	seen := make(map[[sha256.Size]byte]struct{}, len(tokens))
	for i, tok := range tokens {
		secret := strings.TrimSpace(tok.Secret)
		if secret == "" {
			return nil, fmt.Errorf("第 %d 个令牌为空", i+1)
		}
		digest := sha256.Sum256([]byte(secret))
		if _, dup := seen[digest]; dup {
			return nil, errors.New("存在重复的访问令牌")
		}
		seen[digest] = struct{}{}

		name := strings.TrimSpace(tok.Name)
		if name == "" {
			name = "token-" + hex.EncodeToString(digest[:4])
		}
		perms := tok.Permissions
		if len(perms) == 0 {
			perms = []string{permissionAll}
		}
		subject := Subject{Name: name, Permissions: append([]string(nil), perms...)}
		subject.normalise()
		svc.tokens = append(svc.tokens, entry{digest: digest, subject: subject})
	}
	return svc, nil
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.tokens) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回令牌对应的主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			subject := s.tokens[i].subject
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
