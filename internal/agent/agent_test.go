package agent_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/agent"
	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/sim"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

var (
	admin    = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	agentKey = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	custody  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	market   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const tokens = `
tokens:
  WETH: {address: "0x4200000000000000000000000000000000000006", decimals: 18}
  USDC: {address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", decimals: 6, stable: true}
  DAI:  {address: "0x50c5725949a6f0c72e6c4a641f24049a917db0cb", decimals: 18, stable: true}
`

// flakyVault 让前 n 次 ExecuteSwap/TriggerOrder 返回指定错误。
type flakyVault struct {
	*vault.Vault
	failures int
	err      error
	fees     []uint32
}

func (f *flakyVault) ExecuteSwap(ctx context.Context, agent, user common.Address, req vault.SwapRequest) (*big.Int, error) {
	f.fees = append(f.fees, req.Fee)
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.Vault.ExecuteSwap(ctx, agent, user, req)
}

func (f *flakyVault) TriggerOrder(ctx context.Context, agent common.Address, req vault.TriggerRequest) (*big.Int, error) {
	f.fees = append(f.fees, req.Swap.Fee)
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.Vault.TriggerOrder(ctx, agent, req)
}

type fixture struct {
	ctx    context.Context
	vault  *vault.Vault
	market *sim.Market
	wallet *sim.Custody
	set    web3.TokenSet
	weth   common.Address
	usdc   common.Address
	dai    common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	set, err := web3.ParseTokens([]byte(tokens))
	require.NoError(t, err)

	wallet := sim.NewCustody(custody)
	m := sim.NewMarket(market, wallet)
	m.SetClock(func() time.Time { return now })
	require.NoError(t, m.Apply(sim.MarketConfig{
		Pools: []sim.PoolConfig{
			{TokenIn: "WETH", TokenOut: "USDC", Fee: 3000, Price: "2090"},
			{TokenIn: "USDC", TokenOut: "DAI", Fee: 500, Price: "1"},
		},
		Liquidity: map[string]string{"WETH": "1000", "USDC": "10000000", "DAI": "10000000"},
	}, set))

	v, err := vault.New(admin, vault.NewMemoryStore(), wallet, m, vault.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	f := &fixture{ctx: context.Background(), vault: v, market: m, wallet: wallet, set: set}
	weth, _ := set.Lookup("WETH")
	usdc, _ := set.Lookup("USDC")
	dai, _ := set.Lookup("DAI")
	f.weth, f.usdc, f.dai = weth.Address, usdc.Address, dai.Address

	require.NoError(t, v.SetAgent(f.ctx, admin, agentKey, true))
	require.NoError(t, v.RegisterUser(f.ctx, alice))
	return f
}

func (f *fixture) units(t *testing.T, symbol, amount string) *big.Int {
	t.Helper()
	tok, ok := f.set.Lookup(symbol)
	require.True(t, ok)
	v, err := tok.ParseUnits(amount)
	require.NoError(t, err)
	return v
}

func (f *fixture) deposit(t *testing.T, token common.Address, amount *big.Int) {
	t.Helper()
	f.wallet.Fund(alice, token, amount)
	require.NoError(t, f.vault.Deposit(f.ctx, alice, token, amount))
}

func newAgent(t *testing.T, v agent.Vault, q vault.Quoter, cfg agent.Config) *agent.Agent {
	t.Helper()
	if cfg.Address == (common.Address{}) {
		cfg.Address = agentKey
	}
	a, err := agent.New(v, q, cfg, agent.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return a
}

func TestPolicyDefaults(t *testing.T) {
	f := newFixture(t)
	a := newAgent(t, f.vault, f.market, agent.Config{})

	require.Equal(t, big.NewInt(2079_550000), a.MinimumOut(big.NewInt(2090_000000)))
	require.Equal(t, int64(0), a.MinimumOut(nil).Int64())
	require.Equal(t, now.Unix()+1800, a.Deadline())

	_, err := agent.New(f.vault, f.market, agent.Config{Address: agentKey, SlippageBps: 10_000})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = agent.New(nil, f.market, agent.Config{Address: agentKey})
	require.Error(t, err)
}

func TestTriggerFallsBackAcrossFeeTiers(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.weth, f.units(t, "WETH", "1"))
	id, err := f.vault.SetPriceThreshold(f.ctx, alice, vault.ThresholdParams{
		TokenIn:        f.weth,
		TokenOut:       f.usdc,
		Fee:            10000,
		ThresholdPrice: big.NewInt(2000),
		IsAbove:        true,
	})
	require.NoError(t, err)

	a := newAgent(t, f.vault, f.market, agent.Config{})
	exec, err := a.Trigger(f.ctx, id, big.NewInt(2090))
	require.NoError(t, err)
	require.Equal(t, uint32(3000), exec.Fee)
	require.Len(t, exec.Failures, 2)
	require.Equal(t, uint32(10000), exec.Failures[0].Fee)
	require.Equal(t, vault.CodeExternalCall, exec.Failures[0].Code)
	require.Equal(t, f.units(t, "USDC", "2090"), exec.AmountOut)
	require.Equal(t, f.units(t, "USDC", "2079.55"), exec.MinimumOut)

	order, err := f.vault.Order(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, vault.OrderTriggered, order.State)

	_, err = a.Trigger(f.ctx, id, big.NewInt(2090))
	require.ErrorIs(t, err, vault.ErrAlreadyInactive)
}

func TestTriggerRetriesSlippageOnNextTier(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.weth, f.units(t, "WETH", "2"))
	id, err := f.vault.SetPriceThreshold(f.ctx, alice, vault.ThresholdParams{
		TokenIn: f.weth, TokenOut: f.usdc, Fee: 3000, ThresholdPrice: big.NewInt(2500),
	})
	require.NoError(t, err)

	flaky := &flakyVault{Vault: f.vault, failures: 1, err: vault.ErrSlippageExceeded}
	a := newAgent(t, flaky, f.market, agent.Config{
		FeeTiers:    []uint32{3000},
		MaxAmountIn: f.units(t, "WETH", "1"),
	})
	// 3000 档位先失败，配置中没有其它可报价的档位。
	_, err = a.Trigger(f.ctx, id, big.NewInt(2090))
	require.ErrorIs(t, err, vault.ErrSlippageExceeded)
	require.Equal(t, []uint32{3000}, flaky.fees)
	require.Equal(t, "1", xerrors.MetadataOf(err)["attempts"])

	exec, err := a.Trigger(f.ctx, id, big.NewInt(2090))
	require.NoError(t, err)
	require.Equal(t, f.units(t, "WETH", "1"), exec.AmountIn)
	require.Equal(t, f.units(t, "WETH", "1"), f.balance(t, f.weth))
}

func (f *fixture) balance(t *testing.T, token common.Address) *big.Int {
	t.Helper()
	bal, err := f.vault.BalanceOf(f.ctx, alice, token)
	require.NoError(t, err)
	return bal
}

func TestTriggerStopsOnNonRetryableError(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.weth, f.units(t, "WETH", "1"))
	id, err := f.vault.SetPriceThreshold(f.ctx, alice, vault.ThresholdParams{
		TokenIn: f.weth, TokenOut: f.usdc, Fee: 3000, ThresholdPrice: big.NewInt(2000), IsAbove: true,
	})
	require.NoError(t, err)

	outsider := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	flaky := &flakyVault{Vault: f.vault}
	a := newAgent(t, flaky, f.market, agent.Config{Address: outsider})
	_, err = a.Trigger(f.ctx, id, big.NewInt(2100))
	require.ErrorIs(t, err, vault.ErrUnauthorized)
	require.Len(t, flaky.fees, 1)

	_, err = a.Trigger(f.ctx, common.HexToHash("0x01"), big.NewInt(2100))
	require.ErrorIs(t, err, vault.ErrOrderNotFound)
}

func TestSwapWithFallbackTokens(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.weth, f.units(t, "WETH", "1"))

	a := newAgent(t, f.vault, f.market, agent.Config{FallbackTokens: []common.Address{f.usdc}})
	// WETH/DAI 没有直接的池子，回退到 USDC。
	exec, err := a.SwapWithFallback(f.ctx, alice, f.weth, nil, f.dai)
	require.NoError(t, err)
	require.Equal(t, f.usdc, exec.TokenOut)
	require.Equal(t, uint32(3000), exec.Fee)
	require.Len(t, exec.Failures, 4)
	require.Equal(t, f.units(t, "USDC", "2090"), f.balance(t, f.usdc))
	require.Zero(t, f.balance(t, f.weth).Sign())

	_, err = a.Swap(f.ctx, alice, f.weth, f.usdc, nil)
	require.ErrorIs(t, err, vault.ErrInsufficientBalance)
}

func TestSwapPathUsesPathQuote(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.weth, f.units(t, "WETH", "1"))

	a := newAgent(t, f.vault, f.market, agent.Config{SlippageBps: 100})
	exec, err := a.SwapPath(f.ctx, alice, vault.Path{
		{TokenIn: f.weth, Fee: 3000, TokenOut: f.usdc},
		{TokenIn: f.usdc, Fee: 500, TokenOut: f.dai},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, f.units(t, "DAI", "2090"), exec.AmountOut)
	require.Equal(t, f.units(t, "DAI", "2069.1"), exec.MinimumOut)

	_, err = a.SwapPath(f.ctx, alice, vault.Path{}, big.NewInt(1))
	require.True(t, errors.Is(err, vault.ErrInvalidArgument))
}
