package vault_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
)

func TestDepositWithdrawKeepsLedgerConsistent(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		require.NoError(t, h.vault.RegisterUser(h.ctx, alice))
		h.custody.Fund(alice, h.usdc, big.NewInt(1_000))

		for _, amt := range []int64{300, 200, 100} {
			require.NoError(t, h.vault.Deposit(h.ctx, alice, h.usdc, big.NewInt(amt)), "deposit %d", amt)
		}
		for _, amt := range []int64{150, 50} {
			require.NoError(t, h.vault.Withdraw(h.ctx, alice, h.usdc, big.NewInt(amt)), "withdraw %d", amt)
		}

		h.requireBalance(alice, h.usdc, big.NewInt(400))
		require.Equal(t, "600", h.custody.WalletBalance(alice, h.usdc).String())

		report, err := h.vault.CheckSolvency(h.ctx, h.usdc)
		require.NoError(t, err)
		require.True(t, report.Solvent)
		require.Equal(t, "400", report.Ledger.String())
		require.Equal(t, "400", report.Holdings.String())

		deposits := h.events.OfType(vault.EventTokenDeposited)
		withdrawals := h.events.OfType(vault.EventTokenWithdrawn)
		require.Len(t, deposits, 3, "events: %v", h.eventTypes())
		require.Len(t, withdrawals, 2, "events: %v", h.eventTypes())
		first := deposits[0].(vault.TokenDeposited)
		require.Equal(t, alice, first.User)
		require.Equal(t, "300", first.Amount.String())
	})
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.fundUser(alice, h.usdc, big.NewInt(100))
		before := len(h.events.Events())

		err := h.vault.Withdraw(h.ctx, alice, h.usdc, big.NewInt(101))
		require.ErrorIs(t, err, vault.ErrInsufficientBalance)
		meta := xerrors.MetadataOf(err)
		require.Equal(t, "100", meta["balance"])
		require.Equal(t, "101", meta["requested"])
		h.requireBalance(alice, h.usdc, big.NewInt(100))
		require.Len(t, h.events.Events(), before, "failed withdraw must not emit events")
	})
}

func TestDepositValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.custody.Fund(alice, h.usdc, big.NewInt(100))

		err := h.vault.Deposit(h.ctx, alice, h.usdc, big.NewInt(10))
		require.ErrorIs(t, err, vault.ErrNotRegistered)
		require.Equal(t, "not_registered", xerrors.MetadataOf(err)["reason"])

		require.NoError(t, h.vault.RegisterUser(h.ctx, alice))
		for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), new(big.Int).Lsh(big.NewInt(1), 256)} {
			require.ErrorIs(t, h.vault.Deposit(h.ctx, alice, h.usdc, amt), vault.ErrInvalidAmount, "amount %v", amt)
		}
		h.requireBalance(alice, h.usdc, new(big.Int))
	})
}

func TestDepositRollsBackWhenCustodyFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		require.NoError(t, h.vault.RegisterUser(h.ctx, alice))
		// 钱包里只有 5，无法转入 10。
		h.custody.Fund(alice, h.usdc, big.NewInt(5))

		err := h.vault.Deposit(h.ctx, alice, h.usdc, big.NewInt(10))
		require.True(t, xerrors.HasCode(err, vault.CodeExternalCall), "expected external call failure, got %v", err)
		h.requireBalance(alice, h.usdc, new(big.Int))
		require.Equal(t, "5", h.custody.WalletBalance(alice, h.usdc).String())
		require.Empty(t, h.events.OfType(vault.EventTokenDeposited))
	})
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.requireBalance(bob, h.weth, new(big.Int))
	})
}

var errCommit = errors.New("commit failed")

// flakyCommitStore 在 fn 成功后仍可返回错误，模拟事务提交失败。
type flakyCommitStore struct {
	vault.Store
	fail atomic.Bool
}

func (s *flakyCommitStore) Atomic(ctx context.Context, fn func(tx vault.Tx) error) error {
	return s.Store.Atomic(ctx, func(tx vault.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.fail.Load() {
			return errCommit
		}
		return nil
	})
}

// minedCustody 在每次转出成功后登记一笔交易哈希。
type minedCustody struct {
	vault.Custody
	hash common.Hash
}

func (c *minedCustody) Push(ctx context.Context, to, token common.Address, amount *big.Int) error {
	if err := c.Custody.Push(ctx, to, token, amount); err != nil {
		return err
	}
	vault.RecordTransaction(ctx, c.hash)
	return nil
}

func TestCommitFailureAfterTransferRaisesDriftAlert(t *testing.T) {
	store := &flakyCommitStore{Store: vault.NewMemoryStore()}
	h := newHarness(t, store)
	h.fundUser(alice, h.usdc, big.NewInt(500))

	var buf bytes.Buffer
	hash := common.HexToHash("0xfeed")
	v, err := vault.New(admin, store, &minedCustody{Custody: h.custody, hash: hash}, h.router,
		vault.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	require.NoError(t, err)

	// 账本不足，外部调用前就失败，不应告警。
	require.ErrorIs(t, v.Withdraw(h.ctx, alice, h.usdc, big.NewInt(10_000)), vault.ErrInsufficientBalance)
	require.NotContains(t, buf.String(), "critical")

	store.fail.Store(true)
	require.ErrorIs(t, v.Withdraw(h.ctx, alice, h.usdc, big.NewInt(200)), errCommit)
	store.fail.Store(false)

	// 资金已转出但账本回滚，偿付检查应能发现缺口。
	h.requireBalance(alice, h.usdc, big.NewInt(500))
	require.Equal(t, "200", h.custody.WalletBalance(alice, h.usdc).String())
	report, err := v.CheckSolvency(h.ctx, h.usdc)
	require.NoError(t, err)
	require.False(t, report.Solvent)

	out := buf.String()
	require.Contains(t, out, `"severity":"critical"`)
	require.Contains(t, out, `"operation":"withdraw"`)
	require.Contains(t, out, "custody.push")
	require.Contains(t, out, hash.Hex())
	require.Empty(t, h.events.OfType(vault.EventTokenWithdrawn))
}
