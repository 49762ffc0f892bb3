package vault_test

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/sim"
	"AISwap-Executor/internal/storage/sqlstore"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

var (
	admin     = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	agent     = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	agent2    = common.HexToAddress("0x000000000000000000000000000000000000a9e2")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	routerAdr = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

const tokenYAML = `
tokens:
  WETH: {address: "0x4200000000000000000000000000000000000006", decimals: 18}
  USDC: {address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", decimals: 6, stable: true}
  DAI:  {address: "0x50c5725949a6f0c72e6c4a641f24049a917db0cb", decimals: 18, stable: true}
`

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// countingRouter 统计路由调用次数，并允许覆盖成交结果。
type countingRouter struct {
	vault.Router
	calls    atomic.Int32
	override func(amountIn *big.Int) (*big.Int, error)
}

func (r *countingRouter) ExactInputSingle(ctx context.Context, p vault.ExactInputSingleParams) (*big.Int, error) {
	r.calls.Add(1)
	if r.override != nil {
		return r.override(p.AmountIn)
	}
	return r.Router.ExactInputSingle(ctx, p)
}

func (r *countingRouter) ExactInput(ctx context.Context, p vault.ExactInputParams) (*big.Int, error) {
	r.calls.Add(1)
	if r.override != nil {
		return r.override(p.AmountIn)
	}
	return r.Router.ExactInput(ctx, p)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	vault   *vault.Vault
	store   vault.Store
	custody *sim.Custody
	market  *sim.Market
	router  *countingRouter
	events  *vault.Recorder
	tokens  web3.TokenSet
	weth    common.Address
	usdc    common.Address
	dai     common.Address
}

type storeFactory struct {
	name string
	open func(t *testing.T) vault.Store
}

var sqliteSeq atomic.Int64

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(*testing.T) vault.Store { return vault.NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) vault.Store {
			t.Helper()
			name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
			dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, sqliteSeq.Add(1))
			store, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: dsn})
			require.NoError(t, err)
			return store
		}},
	}
}

// forEachStore 在内存与 SQLite 两种存储上分别运行同一组断言。
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, f := range storeFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			fn(t, newHarness(t, f.open(t)))
		})
	}
}

func newHarness(t *testing.T, store vault.Store) *harness {
	t.Helper()
	tokens, err := web3.ParseTokens([]byte(tokenYAML))
	require.NoError(t, err)
	custody := sim.NewCustody(vaultAddr)
	market := sim.NewMarket(routerAdr, custody)
	market.SetClock(func() time.Time { return testNow })
	require.NoError(t, market.Apply(sim.MarketConfig{
		Pools: []sim.PoolConfig{
			{TokenIn: "WETH", TokenOut: "USDC", Fee: 3000, Price: "2090"},
			{TokenIn: "USDC", TokenOut: "DAI", Fee: 500, Price: "1"},
		},
		Liquidity: map[string]string{"WETH": "1000", "USDC": "10000000", "DAI": "10000000"},
	}, tokens))

	router := &countingRouter{Router: market}
	events := vault.NewRecorder(0)
	v, err := vault.New(admin, store, custody, router,
		vault.WithEmitter(events),
		vault.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	weth, _ := tokens.Lookup("WETH")
	usdc, _ := tokens.Lookup("USDC")
	dai, _ := tokens.Lookup("DAI")
	return &harness{
		t:       t,
		ctx:     context.Background(),
		vault:   v,
		store:   store,
		custody: custody,
		market:  market,
		router:  router,
		events:  events,
		tokens:  tokens,
		weth:    weth.Address,
		usdc:    usdc.Address,
		dai:     dai.Address,
	}
}

func (h *harness) units(symbol, amount string) *big.Int {
	h.t.Helper()
	tok, ok := h.tokens.Lookup(symbol)
	require.True(h.t, ok, "unknown token %s", symbol)
	v, err := tok.ParseUnits(amount)
	require.NoError(h.t, err)
	return v
}

// fundUser 注册用户并存入 amount。
func (h *harness) fundUser(user, token common.Address, amount *big.Int) {
	h.t.Helper()
	if ok, _ := h.vault.IsRegistered(h.ctx, user); !ok {
		require.NoError(h.t, h.vault.RegisterUser(h.ctx, user), "register %s", user.Hex())
	}
	h.custody.Fund(user, token, amount)
	require.NoError(h.t, h.vault.Deposit(h.ctx, user, token, amount))
}

func (h *harness) approveAgent(addr common.Address) {
	h.t.Helper()
	require.NoError(h.t, h.vault.SetAgent(h.ctx, admin, addr, true))
}

func (h *harness) balance(user, token common.Address) *big.Int {
	h.t.Helper()
	bal, err := h.vault.BalanceOf(h.ctx, user, token)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) requireBalance(user, token common.Address, want *big.Int) {
	h.t.Helper()
	got := h.balance(user, token)
	require.Zero(h.t, got.Cmp(want), "balance of %s: got %s want %s", user.Hex(), got, want)
}

func (h *harness) deadline() int64 {
	return testNow.Add(30 * time.Minute).Unix()
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.events.Events() {
		out = append(out, ev.EventType())
	}
	return out
}

// parallel 并发运行 fns 并返回各自的错误。
func parallel(fns ...func() error) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}
