package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/pkg/logger"
)

// Service 负责识别请求的调用者。
type Service struct {
	mode    Mode
	maxSkew time.Duration
	now     func() time.Time
	replay  *ReplayCache
	audit   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.audit = l
	}
}

// NewService 根据配置创建认证服务。
func NewService(cfg Config, opts ...Option) (*Service, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	s := &Service{
		mode:    mode,
		maxSkew: skew,
		now:     time.Now,
		replay:  NewReplayCache(skew),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
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

// AuthenticateRequest 识别 HTTP 请求的调用者。
func (s *Service) AuthenticateRequest(_ context.Context, r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return callerFromHeader(r.Header.Get(HeaderCaller))
	}
	header := r.Header.Get(HeaderAuthorization)
	if strings.TrimSpace(header) == "" {
		return nil, ErrMissingCredentials
	}
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return s.Verify(r.Method, RequestTarget(r.URL), body, header)
}

// readBody 读取请求体用于签名校验，并为后续处理器恢复 r.Body。
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "unreadable body"))
	}
	if len(body) > MaxBodyBytes {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "body too large to sign"))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Verify 校验签名头并返回签名者。签名覆盖方法、路径与查询串、时间戳以及请求体摘要。
func (s *Service) Verify(method, target string, body []byte, authorization string) (*Subject, error) {
	creds, err := parseAuthorization(authorization)
	if err != nil {
		return nil, err
	}
	now := s.now()
	skew := now.Sub(creds.timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return nil, ErrStaleSignature.With(xerrors.WithMetadata("skew", skew.String()))
	}
	signer, err := recoverSigner(method, target, body, creds)
	if err != nil {
		return nil, err
	}
	if signer != creds.address {
		return nil, ErrInvalidSignature.With(
			xerrors.WithMetadata("claimed", creds.address.Hex()),
			xerrors.WithMetadata("recovered", signer.Hex()),
		)
	}
	if !s.replay.Use(creds.replayKey(), now) {
		return nil, ErrReplayedSignature
	}
	return &Subject{Address: signer, Method: "signature", SignedAt: creds.timestamp}, nil
}

func callerFromHeader(value string) (*Subject, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrMissingCredentials
	}
	if !common.IsHexAddress(value) {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "invalid "+HeaderCaller))
	}
	return &Subject{Address: common.HexToAddress(value), Method: "header"}, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
