package erc20

import (
	"context"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/web3"
)

// Subscriber opens log subscriptions. web3.Client implements it.
type Subscriber interface {
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error)
}

// InflowQuery matches Transfer logs of tokens whose recipient is to. An empty
// token list matches every contract.
func InflowQuery(to common.Address, tokens []common.Address) gethcore.FilterQuery {
	return gethcore.FilterQuery{
		Addresses: tokens,
		Topics:    [][]common.Hash{{TransferTopic}, nil, {common.BytesToHash(to.Bytes())}},
	}
}

// WatchInflows streams Transfer events crediting to into handle until ctx is
// done or the subscription fails.
func WatchInflows(ctx context.Context, sub Subscriber, to common.Address, tokens []common.Address, handle func(Transfer)) error {
	subscription, err := sub.SubscribeEvents(ctx, InflowQuery(to, tokens))
	if err != nil {
		return err
	}
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subscription.Err():
			return err
		case log := <-subscription.Logs():
			if transfer, ok := DecodeTransfer(&log); ok && transfer.To == to {
				handle(transfer)
			}
		}
	}
}
