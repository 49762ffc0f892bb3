package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AISwap-Executor/internal/config"
	"AISwap-Executor/internal/sim"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
	"AISwap-Executor/internal/web3/erc20"
	"AISwap-Executor/internal/web3/provider"
	"AISwap-Executor/internal/web3/uniswap"
	"AISwap-Executor/pkg/logger"
)

var (
	defaultCustodyAddress = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	defaultMarketAddress  = common.HexToAddress("0x000000000000000000000000000000000000e7c4")
)

// exchange 汇总金库所需的外部依赖。
type exchange struct {
	custody vault.Custody
	router  vault.Router
	quoter  vault.Quoter
	close   func()
}

func (e *exchange) Close() {
	if e != nil && e.close != nil {
		e.close()
	}
}

func buildExchange(ctx context.Context, cfg *config.Config, tokens web3.TokenSet) (*exchange, error) {
	switch strings.ToLower(cfg.Exchange.Driver) {
	case "", "simulated":
		return simulatedExchange(cfg, tokens)
	case "uniswap":
		return uniswapExchange(ctx, cfg)
	default:
		return nil, fmt.Errorf("未知的兑换驱动: %s", cfg.Exchange.Driver)
	}
}

func simulatedExchange(cfg *config.Config, tokens web3.TokenSet) (*exchange, error) {
	custodyAddr := defaultCustodyAddress
	if common.IsHexAddress(cfg.Custody.Address) {
		custodyAddr = common.HexToAddress(cfg.Custody.Address)
	}
	marketAddr := defaultMarketAddress
	if common.IsHexAddress(cfg.Exchange.Router) {
		marketAddr = common.HexToAddress(cfg.Exchange.Router)
	}

	wallet := sim.NewCustody(custodyAddr)
	market := sim.NewMarket(marketAddr, wallet)
	marketCfg, err := sim.LoadMarketConfig(cfg.Exchange.Market)
	if err != nil {
		return nil, err
	}
	if err := market.Apply(marketCfg, tokens); err != nil {
		return nil, err
	}
	logger.L().Info("使用模拟市场",
		slog.String("custody", custodyAddr.Hex()),
		slog.String("market", marketAddr.Hex()),
		slog.Int("pools", len(marketCfg.Pools)),
	)
	return &exchange{custody: wallet, router: market, quoter: market}, nil
}

func uniswapExchange(ctx context.Context, cfg *config.Config) (*exchange, error) {
	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, err
	}
	chainName, def := registry.DefaultChain()

	routerAddr := firstAddress(cfg.Exchange.Router, def.SwapRouter)
	quoterAddr := firstAddress(cfg.Exchange.Quoter, def.Quoter)
	if routerAddr == (common.Address{}) || quoterAddr == (common.Address{}) {
		registry.Close()
		return nil, fmt.Errorf("链 %s 未配置 swap_router 或 quoter 地址", chainName)
	}

	rawKey := strings.TrimPrefix(strings.TrimSpace(os.Getenv(cfg.Custody.SignerKeyEnv)), "0x")
	if rawKey == "" {
		registry.Close()
		return nil, fmt.Errorf("环境变量 %s 未设置托管私钥", cfg.Custody.SignerKeyEnv)
	}
	key, err := crypto.HexToECDSA(rawKey)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("解析托管私钥失败: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		registry.Close()
		return nil, err
	}

	backend := client.Backend()
	custody, err := erc20.NewCustody(backend, key, chainID)
	if err != nil {
		registry.Close()
		return nil, err
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		registry.Close()
		return nil, err
	}
	go watchCustody(ctx, client, custody.Address())

	logger.L().Info("使用 Uniswap 路由",
		slog.String("chain", chainName),
		slog.String("chain_id", chainID.String()),
		slog.String("block", snapshot.BlockNumber),
		slog.String("router", routerAddr.Hex()),
		slog.String("quoter", quoterAddr.Hex()),
		slog.String("custody", custody.Address().Hex()),
	)
	return &exchange{
		custody: custody,
		router:  uniswap.NewRouter(routerAddr, backend, custody),
		quoter:  uniswap.NewQuoter(quoterAddr, backend),
		close:   registry.Close,
	}, nil
}

// watchCustody 记录链上转入托管钱包的代币，便于与账本存入核对。
// HTTP RPC 不支持订阅时仅告警。
func watchCustody(ctx context.Context, sub erc20.Subscriber, custody common.Address) {
	err := erc20.WatchInflows(ctx, sub, custody, nil, func(t erc20.Transfer) {
		logger.L().Info("托管钱包收到转账",
			slog.String("token", t.Token.Hex()),
			slog.String("from", t.From.Hex()),
			slog.String("value", t.Value.String()),
			slog.String("tx", t.TxHash.Hex()),
			slog.Uint64("block", t.Block),
		)
	})
	if err != nil {
		logger.L().Warn("托管钱包转账订阅不可用", slog.Any("error", err))
	}
}

func firstAddress(candidates ...string) common.Address {
	for _, raw := range candidates {
		if common.IsHexAddress(raw) {
			return common.HexToAddress(raw)
		}
	}
	return common.Address{}
}
