package auth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AISwap-Executor/internal/errors"
)

// millisThreshold separates second and millisecond timestamps.
const millisThreshold = 1_000_000_000_000

// MaxBodyBytes bounds the request body hashed into the signed message.
const MaxBodyBytes = 1 << 20

// BodyDigest is keccak256 of the raw request body.
func BodyDigest(body []byte) common.Hash {
	return crypto.Keccak256Hash(body)
}

// Message returns the text a caller signs for a request. target is the path
// followed by "?query" when the request carries one.
func Message(method, target string, body []byte, ts time.Time) string {
	return message(method, target, strconv.FormatInt(ts.Unix(), 10), body)
}

// message signs the timestamp exactly as it appears in the header. Clients
// that issue several identical requests per second send milliseconds so the
// signatures differ.
func message(method, target, stamp string, body []byte) string {
	return fmt.Sprintf("%s %s %s %s", strings.ToUpper(method), target, stamp, BodyDigest(body).Hex())
}

// RequestTarget returns the path and raw query that a signature covers.
func RequestTarget(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

// Sign produces an Authorization header value for the request. It is the
// counterpart of Service.Verify and is used by tests and tooling.
func Sign(key *ecdsa.PrivateKey, method, target string, body []byte, ts time.Time) (string, error) {
	hash := accounts.TextHash([]byte(Message(method, target, body, ts)))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("%s %s:%d:%s", Scheme, addr.Hex(), ts.Unix(), hexutil.Encode(sig)), nil
}

// credentials is a parsed Authorization header.
type credentials struct {
	address   common.Address
	timestamp time.Time
	stamp     string
	signature []byte
}

func parseAuthorization(header string) (*credentials, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingCredentials
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "unsupported scheme"))
	}
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "expected address:timestamp:signature"))
	}
	if !common.IsHexAddress(parts[0]) {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "invalid address"))
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "invalid timestamp"))
	}
	sig, err := hexutil.Decode(parts[2])
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, ErrMalformedCredentials.With(xerrors.WithMetadata("detail", "invalid signature encoding"))
	}
	if sig, err = canonicalSignature(sig); err != nil {
		return nil, err
	}
	ts := time.Unix(unix, 0)
	if unix >= millisThreshold {
		ts = time.UnixMilli(unix)
	}
	return &credentials{
		address:   common.HexToAddress(parts[0]),
		timestamp: ts,
		stamp:     parts[1],
		signature: sig,
	}, nil
}

// canonicalSignature normalises the recovery id to 0/1 and rejects
// malleable high-s signatures, so each signed message has exactly one
// accepted encoding.
func canonicalSignature(raw []byte) ([]byte, error) {
	sig := make([]byte, len(raw))
	copy(sig, raw)
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return nil, ErrInvalidSignature.With(xerrors.WithMetadata("detail", "non-canonical signature values"))
	}
	sig[crypto.RecoveryIDOffset] = v
	return sig, nil
}

// replayKey identifies a signature independently of its recovery id.
func (c *credentials) replayKey() string {
	return hexutil.Encode(c.signature[:64])
}

// recoverSigner returns the address that signed the request message.
func recoverSigner(method, target string, body []byte, creds *credentials) (common.Address, error) {
	hash := accounts.TextHash([]byte(message(method, target, creds.stamp, body)))
	pub, err := crypto.SigToPub(hash, creds.signature)
	if err != nil {
		return common.Address{}, ErrInvalidSignature.With(xerrors.WithMetadata("detail", err.Error()))
	}
	return crypto.PubkeyToAddress(*pub), nil
}
