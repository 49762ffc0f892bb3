package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	tokA  = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokB  = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

func TestMigrationsAreIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.runMigrations(ctx))
	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestDialectFor(t *testing.T) {
	_, err := dialectFor("postgres")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure), "got %v", err)
	d, err := dialectFor("SQLite3")
	require.NoError(t, err)
	require.Equal(t, "sqlite", d.driver)
	require.NotEmpty(t, mysqlDialect.lockClause, "mysql reads inside a transaction must lock rows")
}

func TestUsersAndAgents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx vault.Tx) error {
		if err := tx.InsertUser(ctx, alice, 1); err != nil {
			return err
		}
		return tx.PutAgent(ctx, bob, true)
	})
	require.NoError(t, err)

	err = store.Atomic(ctx, func(tx vault.Tx) error { return tx.InsertUser(ctx, alice, 2) })
	require.ErrorIs(t, err, vault.ErrAlreadyRegistered)

	err = store.View(ctx, func(tx vault.Tx) error {
		registered, err := tx.UserRegistered(ctx, alice)
		if err != nil || !registered {
			return fmt.Errorf("alice registered=%v err=%v", registered, err)
		}
		approved, err := tx.AgentApproved(ctx, bob)
		if err != nil || !approved {
			return fmt.Errorf("bob approved=%v err=%v", approved, err)
		}
		if err := tx.PutAgent(ctx, alice, true); !errors.Is(err, errReadOnly) {
			return fmt.Errorf("expected read-only error, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Atomic(ctx, func(tx vault.Tx) error { return tx.PutAgent(ctx, bob, false) }))
	_ = store.View(ctx, func(tx vault.Tx) error {
		approved, _ := tx.AgentApproved(ctx, bob)
		require.False(t, approved, "agent should be revoked")
		return nil
	})
}

func TestBalancesRollbackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Atomic(ctx, func(tx vault.Tx) error {
		if err := tx.PutBalance(ctx, alice, tokA, big.NewInt(100)); err != nil {
			return err
		}
		return tx.PutBalance(ctx, bob, tokA, big.NewInt(50))
	}))

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx vault.Tx) error {
		if err := tx.PutBalance(ctx, alice, tokA, big.NewInt(1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_ = store.View(ctx, func(tx vault.Tx) error {
		bal, err := tx.Balance(ctx, alice, tokA)
		require.NoError(t, err)
		require.Equal(t, "100", bal.String(), "rollback failed")
		total, err := tx.TotalBalance(ctx, tokA)
		require.NoError(t, err)
		require.Equal(t, "150", total.String())
		empty, _ := tx.Balance(ctx, alice, tokB)
		require.Zero(t, empty.Sign(), "missing balance should read as zero")
		return nil
	})
}

func TestLargeBalancesKeepPrecision(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)

	require.NoError(t, store.Atomic(ctx, func(tx vault.Tx) error { return tx.PutBalance(ctx, alice, tokA, huge) }))
	_ = store.View(ctx, func(tx vault.Tx) error {
		bal, err := tx.Balance(ctx, alice, tokA)
		require.NoError(t, err)
		require.Zero(t, bal.Cmp(huge), "precision lost: %v", bal)
		return nil
	})
}

func newOrder(nonce uint64, owner common.Address) *vault.ThresholdOrder {
	return &vault.ThresholdOrder{
		ID:             common.BigToHash(new(big.Int).SetUint64(nonce + 1000)),
		Owner:          owner,
		TokenIn:        tokA,
		TokenOut:       tokB,
		Fee:            3000,
		ThresholdPrice: big.NewInt(2000),
		IsAbove:        true,
		State:          vault.OrderActive,
		Nonce:          nonce,
		CreatedAt:      10,
		UpdatedAt:      10,
	}
}

func TestOrderTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var first, second *vault.ThresholdOrder
	err := store.Atomic(ctx, func(tx vault.Tx) error {
		for _, owner := range []common.Address{alice, bob, alice} {
			nonce, err := tx.NextNonce(ctx)
			if err != nil {
				return err
			}
			order := newOrder(nonce, owner)
			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}
			if first == nil {
				first = order
			} else if second == nil {
				second = order
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Nonce)
	require.EqualValues(t, 2, second.Nonce)

	require.NoError(t, store.Atomic(ctx, func(tx vault.Tx) error {
		return tx.TransitionOrder(ctx, first.ID, vault.OrderActive, vault.OrderTriggered, 20)
	}))
	err = store.Atomic(ctx, func(tx vault.Tx) error {
		return tx.TransitionOrder(ctx, first.ID, vault.OrderActive, vault.OrderCancelled, 30)
	})
	require.ErrorIs(t, err, vault.ErrAlreadyInactive)
	err = store.Atomic(ctx, func(tx vault.Tx) error {
		return tx.TransitionOrder(ctx, common.HexToHash("0xdead"), vault.OrderActive, vault.OrderCancelled, 30)
	})
	require.ErrorIs(t, err, vault.ErrOrderNotFound)

	_ = store.View(ctx, func(tx vault.Tx) error {
		got, err := tx.Order(ctx, first.ID)
		require.NoError(t, err)
		require.Equal(t, vault.OrderTriggered, got.State)
		require.EqualValues(t, 20, got.UpdatedAt)
		require.Equal(t, "2000", got.ThresholdPrice.String())

		owned, err := tx.Orders(ctx, vault.OrderFilter{Owner: &alice})
		require.NoError(t, err)
		require.Len(t, owned, 2)
		require.EqualValues(t, 3, owned[0].Nonce)
		active, err := tx.Orders(ctx, vault.OrderFilter{State: vault.OrderActive, Limit: 1})
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.EqualValues(t, 3, active[0].Nonce)
		return nil
	})
}
