package swapvault

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Order mirrors a threshold order returned by the API.
type Order struct {
	ID             common.Hash    `json:"id"`
	Owner          common.Address `json:"owner"`
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	Fee            uint32         `json:"fee"`
	ThresholdPrice *big.Int       `json:"threshold_price"`
	IsAbove        bool           `json:"is_above"`
	State          string         `json:"state"`
	Nonce          uint64         `json:"nonce"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Order states.
const (
	OrderActive    = "active"
	OrderTriggered = "triggered"
	OrderCancelled = "cancelled"
)

// ThresholdInput creates a threshold order. Tokens may be symbols known to
// the server or hex addresses.
type ThresholdInput struct {
	TokenIn        string
	TokenOut       string
	Fee            uint32
	ThresholdPrice *big.Int
	IsAbove        bool
}

// OrderQuery filters ListOrders.
type OrderQuery struct {
	Owner *common.Address
	State string
	Limit int
}

// Balance is a ledger balance.
type Balance struct {
	User    common.Address `json:"user"`
	Token   common.Address `json:"token"`
	Amount  *big.Int       `json:"amount,omitempty"`
	Balance *big.Int       `json:"balance"`
}

// SwapInput asks the vault to swap through a single pool on behalf of User.
type SwapInput struct {
	User             common.Address
	TokenIn          string
	TokenOut         string
	Fee              uint32
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}

// Hop is one pool of a multi-hop path.
type Hop struct {
	TokenIn  string `json:"token_in"`
	Fee      uint32 `json:"fee"`
	TokenOut string `json:"token_out"`
}

// MultiHopInput swaps along Hops, or along the packed Path when Hops is empty.
type MultiHopInput struct {
	User             common.Address
	Hops             []Hop
	Path             []byte
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Deadline         int64
}

// Trade is the result of a swap.
type Trade struct {
	User      common.Address `json:"user"`
	TokenIn   common.Address `json:"token_in,omitempty"`
	TokenOut  common.Address `json:"token_out,omitempty"`
	AmountIn  *big.Int       `json:"amount_in"`
	AmountOut *big.Int       `json:"amount_out"`
}

// TriggerInput submits a trigger job for an order whose threshold was crossed.
type TriggerInput struct {
	// ID is an optional idempotency key.
	ID           string
	OrderID      common.Hash
	CurrentPrice *big.Int
	Source       string
}

// TriggerResult records the executed swap of a succeeded job.
type TriggerResult struct {
	Fee        uint32   `json:"fee"`
	AmountIn   *big.Int `json:"amount_in"`
	MinimumOut *big.Int `json:"minimum_out"`
	AmountOut  *big.Int `json:"amount_out"`
	Deadline   int64    `json:"deadline"`
}

// TriggerJob is the state of a queued trigger.
type TriggerJob struct {
	ID           string         `json:"id"`
	OrderID      common.Hash    `json:"order_id"`
	CurrentPrice *big.Int       `json:"current_price"`
	Source       string         `json:"source,omitempty"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Result       *TriggerResult `json:"result,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Done reports whether the job reached a final state.
func (j *TriggerJob) Done() bool {
	return j.Status == "succeeded" || j.Status == "skipped" || j.Status == "failed"
}

// JobStats counts trigger jobs by status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// VaultInfo describes the deployment.
type VaultInfo struct {
	Admin       common.Address `json:"admin"`
	Router      common.Address `json:"router"`
	Custody     common.Address `json:"custody"`
	TriggerJobs *JobStats      `json:"trigger_jobs,omitempty"`
}

// Solvency compares the ledger total of a token with custody holdings.
type Solvency struct {
	Token    common.Address `json:"token"`
	Ledger   *big.Int       `json:"ledger_total"`
	Holdings *big.Int       `json:"holdings"`
	Solvent  bool           `json:"solvent"`
}

// Event is a vault event; Data holds the type specific payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"event"`
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("swapvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("swapvault api error (%d): %s", e.StatusCode, e.Message)
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
