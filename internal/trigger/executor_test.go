package trigger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/agent"
	"AISwap-Executor/internal/sim"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

func TestAgentExecutorTriggersOrderOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin := common.HexToAddress("0xad01")
	bot := common.HexToAddress("0xa9e1")
	alice := common.HexToAddress("0xa11ce")

	tokens, err := web3.ParseTokens([]byte(`
tokens:
  WETH: {address: "0x4200000000000000000000000000000000000006", decimals: 18}
  USDC: {address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", decimals: 6}
`))
	require.NoError(t, err)
	weth, _ := tokens.Lookup("WETH")
	usdc, _ := tokens.Lookup("USDC")

	custody := sim.NewCustody(common.HexToAddress("0xf1"))
	market := sim.NewMarket(common.HexToAddress("0xe2"), custody)
	market.SetClock(func() time.Time { return now })
	require.NoError(t, market.Apply(sim.MarketConfig{
		Pools:     []sim.PoolConfig{{TokenIn: "WETH", TokenOut: "USDC", Fee: 3000, Price: "2090"}},
		Liquidity: map[string]string{"USDC": "1000000"},
	}, tokens))

	v, err := vault.New(admin, vault.NewMemoryStore(), custody, market, vault.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, v.SetAgent(ctx, admin, bot, true))
	require.NoError(t, v.RegisterUser(ctx, alice))
	oneEth := weth.OneUnit()
	custody.Fund(alice, weth.Address, oneEth)
	require.NoError(t, v.Deposit(ctx, alice, weth.Address, oneEth))
	orderID, err := v.SetPriceThreshold(ctx, alice, vault.ThresholdParams{
		TokenIn:        weth.Address,
		TokenOut:       usdc.Address,
		Fee:            3000,
		ThresholdPrice: big.NewInt(2000),
		IsAbove:        true,
	})
	require.NoError(t, err)

	a, err := agent.New(v, market, agent.Config{Address: bot}, agent.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	p := startPipeline(t, AgentExecutor{Agent: a}, 1)

	first := p.submitOrder(t, orderID)
	require.Equal(t, StatusSucceeded, first.Status)
	require.Equal(t, "2090000000", first.Result.AmountOut.String())

	second := p.submitOrder(t, orderID)
	require.Equal(t, StatusSkipped, second.Status)
	require.Equal(t, string(vault.CodeAlreadyInactive), second.ErrorCode)

	bal, err := v.BalanceOf(ctx, alice, usdc.Address)
	require.NoError(t, err)
	require.Equal(t, "2090000000", bal.String())
}

func (p *pipeline) submitOrder(t *testing.T, id common.Hash) *Job {
	t.Helper()
	job, err := p.service.Submit(context.Background(), SubmitRequest{OrderID: id, CurrentPrice: big.NewInt(2090), Source: "test"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := p.service.WaitUntilDone(ctx, job.ID, 5*time.Millisecond)
	require.NoError(t, err)
	return done
}
