package erc20

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"AISwap-Executor/internal/web3"
)

func transferLog(token, from, to common.Address, value int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func TestReceivedBySumsMatchingTransfers(t *testing.T) {
	token := common.HexToAddress("0xaaaa")
	other := common.HexToAddress("0xbbbb")
	pool := common.HexToAddress("0x0001")
	vault := common.HexToAddress("0x00f1")

	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(token, vault, pool, 500),
		transferLog(token, pool, vault, 120),
		transferLog(other, pool, vault, 999),
		transferLog(token, pool, vault, 30),
		{Address: token, Topics: []common.Hash{TransferTopic}},
	}}

	require.Equal(t, "150", ReceivedBy(receipt, token, vault).String())
	require.Zero(t, ReceivedBy(nil, token, vault).Sign(), "nil receipt should yield zero")
}

func TestABIHasCustodyMethods(t *testing.T) {
	for _, name := range []string{"balanceOf", "allowance", "approve", "transfer", "transferFrom"} {
		require.Contains(t, ABI().Methods, name)
	}
	require.Equal(t, TransferTopic, ABI().Events["Transfer"].ID)
}

type feedSubscriber struct {
	logs  chan types.Log
	query gethcore.FilterQuery
}

func (f *feedSubscriber) SubscribeEvents(_ context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	f.query = query
	sub := gethevent.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
	return web3.NewEventSubscription(f.logs, sub), nil
}

func TestWatchInflowsDeliversCustodyTransfers(t *testing.T) {
	token := common.HexToAddress("0xaaaa")
	custody := common.HexToAddress("0x00f1")
	user := common.HexToAddress("0x0a11")
	feed := &feedSubscriber{logs: make(chan types.Log, 4)}

	feed.logs <- *transferLog(token, user, custody, 42)
	feed.logs <- *transferLog(token, custody, user, 7)

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan Transfer, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchInflows(ctx, feed, custody, []common.Address{token}, func(tr Transfer) { received <- tr })
	}()

	select {
	case tr := <-received:
		require.Equal(t, user, tr.From)
		require.EqualValues(t, 42, tr.Value.Int64())
	case <-time.After(2 * time.Second):
		require.FailNow(t, "inflow not delivered")
	}
	cancel()
	require.NoError(t, <-done)
	select {
	case tr := <-received:
		require.FailNow(t, "outgoing transfer delivered", "%+v", tr)
	default:
	}
	require.Len(t, feed.query.Topics, 3)
	require.Equal(t, common.BytesToHash(custody.Bytes()), feed.query.Topics[2][0])
}
