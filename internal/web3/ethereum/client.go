package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AISwap-Executor/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
	WSURL   string
	Notes   string
}

// chainBackend is satisfied by both ethclient.Client and simulated.Client.
type chainBackend interface {
	web3.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	expectedID  *big.Int
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber
	backend     chainBackend
	sim         *simulated.Backend
	mu          sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
// When ChainID is set the remote chain id is verified so a misconfigured RPC
// URL cannot route swaps to the wrong network.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		eventClient: eventClient,
		backend:     eth,
	}
	if cfg.ChainID > 0 {
		client.expectedID = big.NewInt(cfg.ChainID)
		remote, err := eth.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if remote.Cmp(client.expectedID) != 0 {
			client.Close()
			return nil, fmt.Errorf("链 %s 的 ID 不匹配: 期望 %d, 实际 %s", cfg.Name, cfg.ChainID, remote)
		}
	}
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, backend *simulated.Backend) *Client {
	client := backend.Client()
	return &Client{
		name:        name,
		backend:     client,
		eventClient: client,
		sim:         backend,
		notes:       "simulated backend",
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Backend exposes the contract backend used by token and exchange bindings.
func (c *Client) Backend() web3.Backend {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend
}

// Commit mines a block on simulated backends and is a no-op otherwise.
func (c *Client) Commit() {
	if c != nil && c.sim != nil {
		c.sim.Commit()
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	if c.sim != nil {
		c.sim.Close()
		c.sim = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

// ChainID returns the remote chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.eventClient
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
