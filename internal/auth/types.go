// Package auth identifies the caller of an API request. Callers sign
// "METHOD PATH[?QUERY] UNIX 0xKECCAK256(BODY)" with their Ethereum key, UNIX
// being seconds or milliseconds. Signatures must use low-s values and each one
// is accepted once. In disabled mode the caller is taken from the
// X-Caller-Address header.
package auth

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
)

// Mode controls how requests are authenticated.
type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeSignature Mode = "signature"
)

// Header names and the authorization scheme.
const (
	HeaderAuthorization = "Authorization"
	HeaderCaller        = "X-Caller-Address"
	Scheme              = "Signature"
)

// DefaultMaxSkew bounds how far a signed timestamp may drift from the server clock.
const DefaultMaxSkew = 5 * time.Minute

// Config describes the authentication behaviour.
type Config struct {
	Mode    Mode          `json:"mode"`
	MaxSkew time.Duration `json:"max_skew"`
}

// ParseMode normalises a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDisabled:
		return ModeDisabled, nil
	case ModeSignature:
		return ModeSignature, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unsupported auth mode "+raw)
	}
}

// Subject is the authenticated caller.
type Subject struct {
	Address common.Address
	// Method records how the caller was identified: "signature" or "header".
	Method string
	// SignedAt is the timestamp covered by the signature.
	SignedAt time.Time
}

var (
	// ErrMissingCredentials 表示请求未携带身份信息。
	ErrMissingCredentials = xerrors.New(xerrors.CodeUnauthorized, "missing caller credentials",
		xerrors.WithMetadata("reason", "missing_credentials"))
	// ErrMalformedCredentials 表示身份信息格式错误。
	ErrMalformedCredentials = xerrors.New(xerrors.CodeUnauthorized, "malformed caller credentials",
		xerrors.WithMetadata("reason", "malformed_credentials"))
	// ErrInvalidSignature 表示签名无法恢复出声明的地址。
	ErrInvalidSignature = xerrors.New(xerrors.CodeUnauthorized, "signature does not match caller",
		xerrors.WithMetadata("reason", "invalid_signature"))
	// ErrStaleSignature 表示签名时间超出允许的偏差。
	ErrStaleSignature = xerrors.New(xerrors.CodeUnauthorized, "signature timestamp outside allowed window",
		xerrors.WithMetadata("reason", "stale_signature"))
	// ErrReplayedSignature 表示签名已被使用过。
	ErrReplayedSignature = xerrors.New(xerrors.CodeUnauthorized, "signature already used",
		xerrors.WithMetadata("reason", "replayed_signature"))
)
