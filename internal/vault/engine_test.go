package vault_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
)

func (h *harness) wethToUSDC(amountIn, minimum *big.Int) vault.SwapRequest {
	return vault.SwapRequest{
		TokenIn:          h.weth,
		TokenOut:         h.usdc,
		Fee:              3000,
		AmountIn:         amountIn,
		AmountOutMinimum: minimum,
		Deadline:         h.deadline(),
	}
}

func TestExecuteSwapCreditsOutput(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "2"))

		out, err := h.vault.ExecuteSwap(h.ctx, agent, alice, h.wethToUSDC(h.units("WETH", "1"), h.units("USDC", "2000")))
		require.NoError(t, err)
		require.Zero(t, out.Cmp(h.units("USDC", "2090")), "unexpected amount out %s", out)
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
		h.requireBalance(alice, h.usdc, h.units("USDC", "2090"))

		trades := h.events.OfType(vault.EventTradeExecuted)
		require.Len(t, trades, 1, "events: %v", h.eventTypes())
		trade := trades[0].(vault.TradeExecuted)
		require.Equal(t, alice, trade.User)
		require.Equal(t, agent, trade.Executor)
		require.Zero(t, trade.AmountOut.Cmp(out))

		for _, tok := range []common.Address{h.weth, h.usdc} {
			report, err := h.vault.CheckSolvency(h.ctx, tok)
			require.NoError(t, err)
			require.True(t, report.Solvent, "vault insolvent for %s: %+v", tok.Hex(), report)
		}
	})
}

func TestExecuteSwapRequiresAgent(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.fundUser(alice, h.weth, h.units("WETH", "1"))

		_, err := h.vault.ExecuteSwap(h.ctx, bob, alice, h.wethToUSDC(h.units("WETH", "1"), nil))
		require.ErrorIs(t, err, vault.ErrUnauthorized)
		require.Equal(t, "not_agent", xerrors.MetadataOf(err)["reason"])
		require.Zero(t, h.router.calls.Load(), "router must not be called for unauthorized swaps")
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
	})
}

func TestExecuteSwapExpiredDoesNotCallRouter(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))

		req := h.wethToUSDC(h.units("WETH", "1"), nil)
		req.Deadline = testNow.Unix() - 1
		_, err := h.vault.ExecuteSwap(h.ctx, agent, alice, req)
		require.ErrorIs(t, err, vault.ErrExpiredRequest)
		require.True(t, vault.IsRetryable(err))
		require.Zero(t, h.router.calls.Load(), "router called for expired request")

		// 截止时间等于当前时间仍然有效。
		req.Deadline = testNow.Unix()
		_, err = h.vault.ExecuteSwap(h.ctx, agent, alice, req)
		require.NoError(t, err)
	})
}

func TestExecuteSwapSlippageRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))
		h.router.override = func(*big.Int) (*big.Int, error) { return h.units("USDC", "1500"), nil }

		_, err := h.vault.ExecuteSwap(h.ctx, agent, alice, h.wethToUSDC(h.units("WETH", "1"), h.units("USDC", "2000")))
		require.ErrorIs(t, err, vault.ErrSlippageExceeded)
		require.Equal(t, h.units("USDC", "1500").String(), xerrors.MetadataOf(err)["amount_out"])
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
		h.requireBalance(alice, h.usdc, new(big.Int))
		require.Empty(t, h.events.OfType(vault.EventTradeExecuted), "rolled back swap emitted a trade")
	})
}

func TestExecuteSwapRouterFailureRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))
		boom := errors.New("execution reverted: STF")
		h.router.override = func(*big.Int) (*big.Int, error) { return nil, boom }

		_, err := h.vault.ExecuteSwap(h.ctx, agent, alice, h.wethToUSDC(h.units("WETH", "1"), nil))
		require.True(t, xerrors.HasCode(err, vault.CodeExternalCall), "got %v", err)
		require.ErrorIs(t, err, boom)
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
	})
}

func TestExecuteSwapValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))

		tooMuch := h.wethToUSDC(h.units("WETH", "2"), nil)
		_, err := h.vault.ExecuteSwap(h.ctx, agent, alice, tooMuch)
		require.ErrorIs(t, err, vault.ErrInsufficientBalance)
		zero := h.wethToUSDC(new(big.Int), nil)
		_, err = h.vault.ExecuteSwap(h.ctx, agent, alice, zero)
		require.ErrorIs(t, err, vault.ErrInvalidAmount)
		same := h.wethToUSDC(h.units("WETH", "1"), nil)
		same.TokenOut = h.weth
		_, err = h.vault.ExecuteSwap(h.ctx, agent, alice, same)
		require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), "got %v", err)
		require.Zero(t, h.router.calls.Load(), "router called for invalid requests")
	})
}

func TestExecuteMultiHopSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))

		path := vault.Path{
			{TokenIn: h.weth, Fee: 3000, TokenOut: h.usdc},
			{TokenIn: h.usdc, Fee: 500, TokenOut: h.dai},
		}
		out, err := h.vault.ExecuteMultiHopSwap(h.ctx, agent, alice, vault.MultiHopRequest{
			Path:             path,
			AmountIn:         h.units("WETH", "1"),
			AmountOutMinimum: h.units("DAI", "2000"),
			Deadline:         h.deadline(),
		})
		require.NoError(t, err)
		require.Zero(t, out.Cmp(h.units("DAI", "2090")), "unexpected amount out %s", out)
		h.requireBalance(alice, h.weth, new(big.Int))
		h.requireBalance(alice, h.dai, h.units("DAI", "2090"))
		h.requireBalance(alice, h.usdc, new(big.Int))

		broken := vault.Path{
			{TokenIn: h.weth, Fee: 3000, TokenOut: h.usdc},
			{TokenIn: h.weth, Fee: 500, TokenOut: h.dai},
		}
		_, err = h.vault.ExecuteMultiHopSwap(h.ctx, agent, alice, vault.MultiHopRequest{
			Path: broken, AmountIn: big.NewInt(1), Deadline: h.deadline(),
		})
		require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), "expected invalid path, got %v", err)
	})
}

func TestTriggerOrderEndToEnd(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))
		id := h.placeOrder(alice, big.NewInt(2000), true)
		h.events = h.resetEvents()

		out, err := h.vault.TriggerOrder(h.ctx, agent, vault.TriggerRequest{
			OrderID:      id,
			CurrentPrice: big.NewInt(2090),
			Swap:         h.wethToUSDC(h.units("WETH", "1"), h.units("USDC", "2000")),
		})
		require.NoError(t, err)
		require.Zero(t, out.Cmp(h.units("USDC", "2090")), "unexpected amount out %s", out)
		h.requireBalance(alice, h.weth, new(big.Int))
		h.requireBalance(alice, h.usdc, h.units("USDC", "2090"))

		order, _ := h.vault.Order(h.ctx, id)
		require.Equal(t, vault.OrderTriggered, order.State)
		require.Equal(t, []string{vault.EventTradeExecuted, vault.EventPriceThresholdTriggered}, h.eventTypes())
		triggered := h.events.OfType(vault.EventPriceThresholdTriggered)[0].(vault.PriceThresholdTriggered)
		require.Equal(t, id, triggered.ID)
		require.Equal(t, "2090", triggered.CurrentPrice.String())

		_, err = h.vault.TriggerOrder(h.ctx, agent, vault.TriggerRequest{
			OrderID:      id,
			CurrentPrice: big.NewInt(2090),
			Swap:         h.wethToUSDC(big.NewInt(1), nil),
		})
		require.ErrorIs(t, err, vault.ErrAlreadyInactive)
		require.ErrorIs(t, h.vault.CancelPriceThreshold(h.ctx, alice, id), vault.ErrAlreadyInactive)
	})
}

func (h *harness) resetEvents() *vault.Recorder {
	rec := vault.NewRecorder(0)
	v, err := vault.New(admin, h.store, h.custody, h.router,
		vault.WithEmitter(rec),
		vault.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(h.t, err)
	h.vault = v
	return rec
}

func TestTriggerOrderChecks(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "1"))
		above := h.placeOrder(alice, big.NewInt(2000), true)
		below := h.placeOrder(alice, big.NewInt(1500), false)

		cases := []struct {
			name   string
			caller common.Address
			req    vault.TriggerRequest
			code   xerrors.Code
		}{
			{"not agent", bob, vault.TriggerRequest{OrderID: above, CurrentPrice: big.NewInt(2100), Swap: h.wethToUSDC(big.NewInt(1), nil)}, xerrors.CodeUnauthorized},
			{"unknown order", agent, vault.TriggerRequest{OrderID: common.HexToHash("0x02"), CurrentPrice: big.NewInt(2100), Swap: h.wethToUSDC(big.NewInt(1), nil)}, vault.CodeOrderNotFound},
			{"not crossed above", agent, vault.TriggerRequest{OrderID: above, CurrentPrice: big.NewInt(1999), Swap: h.wethToUSDC(big.NewInt(1), nil)}, xerrors.CodeInvalidArgument},
			{"not crossed below", agent, vault.TriggerRequest{OrderID: below, CurrentPrice: big.NewInt(1501), Swap: h.wethToUSDC(big.NewInt(1), nil)}, xerrors.CodeInvalidArgument},
			{"missing price", agent, vault.TriggerRequest{OrderID: above, Swap: h.wethToUSDC(big.NewInt(1), nil)}, vault.CodeInvalidAmount},
			{"pair mismatch", agent, vault.TriggerRequest{OrderID: above, CurrentPrice: big.NewInt(2100), Swap: vault.SwapRequest{
				TokenIn: h.usdc, TokenOut: h.weth, Fee: 3000, AmountIn: big.NewInt(1), Deadline: h.deadline(),
			}}, xerrors.CodeInvalidArgument},
		}
		for _, tc := range cases {
			_, err := h.vault.TriggerOrder(h.ctx, tc.caller, tc.req)
			require.True(t, xerrors.HasCode(err, tc.code), "%s: expected %s, got %v", tc.name, tc.code, err)
		}

		// 触发时兑换失败，订单保持 active。
		h.router.override = func(*big.Int) (*big.Int, error) { return big.NewInt(1), nil }
		_, err := h.vault.TriggerOrder(h.ctx, agent, vault.TriggerRequest{
			OrderID: below, CurrentPrice: big.NewInt(1500), Swap: h.wethToUSDC(h.units("WETH", "1"), h.units("USDC", "1")),
		})
		require.ErrorIs(t, err, vault.ErrSlippageExceeded)
		order, _ := h.vault.Order(h.ctx, below)
		require.Equal(t, vault.OrderActive, order.State, "failed trigger must leave order active")
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
	})
}

func TestConcurrentTriggerExecutesOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.approveAgent(agent2)
		h.fundUser(alice, h.weth, h.units("WETH", "2"))
		id := h.placeOrder(alice, big.NewInt(2000), true)

		trigger := func(by common.Address) func() error {
			return func() error {
				_, err := h.vault.TriggerOrder(h.ctx, by, vault.TriggerRequest{
					OrderID:      id,
					CurrentPrice: big.NewInt(2050),
					Swap:         h.wethToUSDC(h.units("WETH", "1"), nil),
				})
				return err
			}
		}
		errs := parallel(trigger(agent), trigger(agent2))

		var ok, inactive int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, vault.ErrAlreadyInactive):
				inactive++
			default:
				require.NoError(t, err)
			}
		}
		require.Equal(t, 1, ok, "expected exactly one execution")
		require.Equal(t, 1, inactive)
		h.requireBalance(alice, h.weth, h.units("WETH", "1"))
		require.Len(t, h.events.OfType(vault.EventTradeExecuted), 1)
	})
}

func TestReentrantCallsAreRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.approveAgent(agent)
		h.fundUser(alice, h.weth, h.units("WETH", "2"))

		var seen *big.Int
		h.market.SetHook(func(ctx context.Context, tokenIn, _ common.Address, _ *big.Int) error {
			bal, err := h.vault.BalanceOf(ctx, alice, tokenIn)
			if err != nil {
				return err
			}
			seen = bal
			if err := h.vault.Withdraw(ctx, alice, tokenIn, big.NewInt(1)); err != nil {
				return fmt.Errorf("callback withdraw: %w", err)
			}
			return nil
		})

		_, err := h.vault.ExecuteSwap(h.ctx, agent, alice, h.wethToUSDC(h.units("WETH", "1"), nil))
		require.ErrorIs(t, err, vault.ErrReentrantCall)
		require.NotNil(t, seen)
		require.Zero(t, seen.Cmp(h.units("WETH", "1")), "callback should observe the debited balance, saw %v", seen)
		h.requireBalance(alice, h.weth, h.units("WETH", "2"))
		require.Zero(t, h.custody.WalletBalance(alice, h.weth).Sign(), "reentrant withdraw leaked funds")

		h.market.SetHook(nil)
		_, err = h.vault.ExecuteSwap(h.ctx, agent, alice, h.wethToUSDC(h.units("WETH", "1"), nil))
		require.NoError(t, err)
	})
}
