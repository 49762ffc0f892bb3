// Package swapvault is a Go client for the swap vault REST API. Requests are
// authenticated by signing "METHOD PATH[?QUERY] UNIX 0xKECCAK256(BODY)" with an
// Ethereum key, or by
// naming the caller address when the server runs with authentication
// disabled.
package swapvault

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoIdentity is returned by calls that need a caller when neither a key
// nor a caller address is configured.
var ErrNoIdentity = errors.New("swapvault: signing key or caller address is not set")

// Client wraps the HTTP interactions with the swap vault API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	now        func() time.Time

	mu     sync.RWMutex
	key    *ecdsa.PrivateKey
	caller common.Address

	stampMu   sync.Mutex
	lastStamp int64
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, now: time.Now}, nil
}

// SetKey signs subsequent requests with key.
func (c *Client) SetKey(key *ecdsa.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	if key != nil {
		c.caller = crypto.PubkeyToAddress(key.PublicKey)
	}
}

// SetCaller identifies requests through the X-Caller-Address header. It is
// only honoured by servers with authentication disabled.
func (c *Client) SetCaller(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
	c.caller = addr
}

// Address returns the configured caller address.
func (c *Client) Address() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// Register registers the caller as a vault user.
func (c *Client) Register(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/v1/users", nil, nil, nil)
}

// IsRegistered reports whether user is registered.
func (c *Client) IsRegistered(ctx context.Context, user common.Address) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/users/"+user.Hex(), nil, nil, &out)
	return out.Registered, err
}

// SetAgent approves or revokes an agent. Only the vault admin may call it.
func (c *Client) SetAgent(ctx context.Context, agent common.Address, approved bool) error {
	body := map[string]bool{"approved": approved}
	return c.call(ctx, http.MethodPut, "/api/v1/agents/"+agent.Hex(), nil, body, nil)
}

// IsAgent reports whether addr is an approved agent.
func (c *Client) IsAgent(ctx context.Context, addr common.Address) (bool, error) {
	var out struct {
		Approved bool `json:"approved"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+addr.Hex(), nil, nil, &out)
	return out.Approved, err
}

// Deposit moves amount of token from the caller's wallet into the vault.
func (c *Client) Deposit(ctx context.Context, token string, amount *big.Int) (*Balance, error) {
	return c.transfer(ctx, "/api/v1/deposits", token, amount)
}

// Withdraw moves amount of token from the vault back to the caller's wallet.
func (c *Client) Withdraw(ctx context.Context, token string, amount *big.Int) (*Balance, error) {
	return c.transfer(ctx, "/api/v1/withdrawals", token, amount)
}

func (c *Client) transfer(ctx context.Context, endpoint, token string, amount *big.Int) (*Balance, error) {
	body := map[string]string{"token": token, "amount": amountString(amount)}
	var out Balance
	if err := c.call(ctx, http.MethodPost, endpoint, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the ledger balance of user for token.
func (c *Client) Balance(ctx context.Context, user common.Address, token string) (*big.Int, error) {
	var out Balance
	endpoint := "/api/v1/balances/" + user.Hex() + "/" + url.PathEscape(token)
	if err := c.call(ctx, http.MethodGet, endpoint, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Balance, nil
}

// Solvency reports whether custody holds at least the ledger total of token.
func (c *Client) Solvency(ctx context.Context, token string) (*Solvency, error) {
	var out Solvency
	if err := c.call(ctx, http.MethodGet, "/api/v1/solvency", url.Values{"token": {token}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetThreshold creates a threshold order owned by the caller.
func (c *Client) SetThreshold(ctx context.Context, in ThresholdInput) (*Order, error) {
	body := map[string]any{
		"token_in":        in.TokenIn,
		"token_out":       in.TokenOut,
		"fee":             in.Fee,
		"threshold_price": amountString(in.ThresholdPrice),
		"is_above":        in.IsAbove,
	}
	var out Order
	if err := c.call(ctx, http.MethodPost, "/api/v1/thresholds", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Order fetches a threshold order.
func (c *Client) Order(ctx context.Context, id common.Hash) (*Order, error) {
	var out Order
	if err := c.call(ctx, http.MethodGet, "/api/v1/thresholds/"+id.Hex(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orders lists threshold orders.
func (c *Client) Orders(ctx context.Context, q OrderQuery) ([]Order, error) {
	query := url.Values{}
	if q.Owner != nil {
		query.Set("owner", q.Owner.Hex())
	}
	if q.State != "" {
		query.Set("state", q.State)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Order
	if err := c.call(ctx, http.MethodGet, "/api/v1/thresholds", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelThreshold cancels an active order owned by the caller.
func (c *Client) CancelThreshold(ctx context.Context, id common.Hash) (*Order, error) {
	var out Order
	if err := c.call(ctx, http.MethodDelete, "/api/v1/thresholds/"+id.Hex(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Swap executes a single-pool swap. The caller must be an approved agent.
func (c *Client) Swap(ctx context.Context, in SwapInput) (*Trade, error) {
	body := map[string]any{
		"user":               in.User.Hex(),
		"token_in":           in.TokenIn,
		"token_out":          in.TokenOut,
		"fee":                in.Fee,
		"amount_in":          amountString(in.AmountIn),
		"amount_out_minimum": amountString(in.AmountOutMinimum),
		"deadline":           in.Deadline,
	}
	var out Trade
	if err := c.call(ctx, http.MethodPost, "/api/v1/swaps", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MultiHopSwap executes a swap along a path. The caller must be an approved agent.
func (c *Client) MultiHopSwap(ctx context.Context, in MultiHopInput) (*Trade, error) {
	body := map[string]any{
		"user":               in.User.Hex(),
		"amount_in":          amountString(in.AmountIn),
		"amount_out_minimum": amountString(in.AmountOutMinimum),
		"deadline":           in.Deadline,
	}
	if len(in.Hops) > 0 {
		body["hops"] = in.Hops
	} else {
		body["path"] = hexutil.Encode(in.Path)
	}
	var out Trade
	if err := c.call(ctx, http.MethodPost, "/api/v1/swaps/multihop", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitTrigger enqueues a trigger job. The caller must be an approved agent.
func (c *Client) SubmitTrigger(ctx context.Context, in TriggerInput) (*TriggerJob, error) {
	body := map[string]string{
		"id":            in.ID,
		"order_id":      in.OrderID.Hex(),
		"current_price": amountString(in.CurrentPrice),
		"source":        in.Source,
	}
	var out TriggerJob
	if err := c.call(ctx, http.MethodPost, "/api/v1/triggers", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerJob fetches the state of a trigger job.
func (c *Client) TriggerJob(ctx context.Context, id string) (*TriggerJob, error) {
	var out TriggerJob
	if err := c.call(ctx, http.MethodGet, "/api/v1/triggers/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForTrigger polls a job until it is done or ctx expires.
func (c *Client) WaitForTrigger(ctx context.Context, id string, interval time.Duration) (*TriggerJob, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.TriggerJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// VaultInfo returns the deployment addresses and trigger statistics.
func (c *Client) VaultInfo(ctx context.Context) (*VaultInfo, error) {
	var out VaultInfo
	if err := c.call(ctx, http.MethodGet, "/api/v1/vault", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns recent events, optionally filtered by type.
func (c *Client) Events(ctx context.Context, kind string, limit int) ([]Event, error) {
	query := url.Values{}
	if kind != "" {
		query.Set("type", kind)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	if err := c.call(ctx, http.MethodGet, "/api/v1/events", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var (
		body io.Reader
		data []byte
	)
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req, data); err != nil {
		return err
	}
	return c.do(req, out)
}

// authorize attaches the caller identity. Read-only calls go out anonymously
// when no identity is configured.
func (c *Client) authorize(req *http.Request, body []byte) error {
	c.mu.RLock()
	key, caller := c.key, c.caller
	c.mu.RUnlock()

	switch {
	case key != nil:
		header, err := sign(key, req.Method, requestTarget(req.URL), body, c.nextStamp())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", header)
	case caller != (common.Address{}):
		req.Header.Set("X-Caller-Address", caller.Hex())
	case req.Method != http.MethodGet:
		return ErrNoIdentity
	}
	return nil
}

// nextStamp returns the signing time, advanced by a millisecond when two
// requests land in the same millisecond.
func (c *Client) nextStamp() time.Time {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.lastStamp {
		ms = c.lastStamp + 1
	}
	c.lastStamp = ms
	return time.UnixMilli(ms)
}

// sign produces "Signature <address>:<unix ms>:<0x signature>" over
// "METHOD PATH[?QUERY] UNIX 0xKECCAK256(BODY)" using the personal_sign digest.
// Millisecond stamps keep repeated identical requests from colliding in the
// server replay cache.
func sign(key *ecdsa.PrivateKey, method, target string, body []byte, ts time.Time) (string, error) {
	unix := ts.UnixMilli()
	message := fmt.Sprintf("%s %s %d %s", method, target, unix, crypto.Keccak256Hash(body).Hex())
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("Signature %s:%d:%s", addr.Hex(), unix, hexutil.Encode(sig)), nil
}

func requestTarget(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
