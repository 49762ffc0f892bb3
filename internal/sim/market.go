// Package sim 提供内存版的托管钱包与兑换市场，用于本地运行与测试。
package sim

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

const gasPerHop = 100_000

type poolKey struct {
	tokenIn  common.Address
	tokenOut common.Address
	fee      uint32
}

// SwapHook 在每次兑换执行时被调用，返回错误会使兑换失败。
type SwapHook func(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) error

// Market 是一个按固定汇率成交的模拟路由与报价器。
// 池子的输出代币来自 Market 自身地址下的流动性。
type Market struct {
	mu      sync.RWMutex
	address common.Address
	custody *Custody
	rates   map[poolKey]*big.Rat
	now     func() time.Time
	hook    SwapHook
}

var (
	_ vault.Router = (*Market)(nil)
	_ vault.Quoter = (*Market)(nil)
)

// NewMarket 创建模拟市场。
func NewMarket(address common.Address, custody *Custody) *Market {
	return &Market{
		address: address,
		custody: custody,
		rates:   make(map[poolKey]*big.Rat),
		now:     time.Now,
	}
}

// Address 返回路由地址。
func (m *Market) Address() common.Address { return m.address }

// SetClock 替换时间来源。
func (m *Market) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetHook 安装兑换回调。
func (m *Market) SetHook(hook SwapHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// SetRate 设置池子汇率：每单位 tokenIn 基础单位可换得的 tokenOut 基础单位，反向池同时设置。
func (m *Market) SetRate(tokenIn, tokenOut common.Address, fee uint32, rate *big.Rat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[poolKey{tokenIn: tokenIn, tokenOut: tokenOut, fee: fee}] = new(big.Rat).Set(rate)
	if rate.Sign() > 0 {
		m.rates[poolKey{tokenIn: tokenOut, tokenOut: tokenIn, fee: fee}] = new(big.Rat).Inv(rate)
	}
}

// AddLiquidity 为市场注入输出代币。
func (m *Market) AddLiquidity(token common.Address, amount *big.Int) {
	m.custody.Fund(m.address, token, amount)
}

func (m *Market) amountOut(tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, *big.Rat, error) {
	m.mu.RLock()
	rate, ok := m.rates[poolKey{tokenIn: tokenIn, tokenOut: tokenOut, fee: fee}]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("pool %s/%s fee %d does not exist", tokenIn.Hex(), tokenOut.Hex(), fee)
	}
	out := new(big.Rat).Mul(new(big.Rat).SetInt(amountIn), rate)
	return new(big.Int).Quo(out.Num(), out.Denom()), rate, nil
}

// QuoteExactInputSingle 实现 vault.Quoter。
func (m *Market) QuoteExactInputSingle(_ context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn, _ *big.Int) (*vault.Quote, error) {
	out, rate, err := m.amountOut(tokenIn, tokenOut, fee, amountIn)
	if err != nil {
		return nil, err
	}
	return &vault.Quote{
		AmountOut:         out,
		SqrtPriceX96After: sqrtPriceX96(rate),
		GasEstimate:       big.NewInt(gasPerHop),
	}, nil
}

// QuoteExactInput 实现 vault.Quoter。
func (m *Market) QuoteExactInput(_ context.Context, path vault.Path, amountIn *big.Int) (*vault.PathQuote, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	quote := &vault.PathQuote{GasEstimate: big.NewInt(int64(gasPerHop * len(path)))}
	amount := new(big.Int).Set(amountIn)
	for _, hop := range path {
		out, rate, err := m.amountOut(hop.TokenIn, hop.TokenOut, hop.Fee, amount)
		if err != nil {
			return nil, err
		}
		quote.SqrtPriceX96AfterList = append(quote.SqrtPriceX96AfterList, sqrtPriceX96(rate))
		quote.InitializedTicksCrossedList = append(quote.InitializedTicksCrossedList, 0)
		amount = out
	}
	quote.AmountOut = amount
	return quote, nil
}

// ExactInputSingle 实现 vault.Router：从 Recipient 收取输入，并把输出发回 Recipient。
func (m *Market) ExactInputSingle(ctx context.Context, p vault.ExactInputSingleParams) (*big.Int, error) {
	path := vault.Path{{TokenIn: p.TokenIn, Fee: p.Fee, TokenOut: p.TokenOut}}
	return m.swap(ctx, path, p.Recipient, p.AmountIn, p.AmountOutMinimum, p.Deadline)
}

// ExactInput 实现 vault.Router。
func (m *Market) ExactInput(ctx context.Context, p vault.ExactInputParams) (*big.Int, error) {
	return m.swap(ctx, p.Path, p.Recipient, p.AmountIn, p.AmountOutMinimum, p.Deadline)
}

func (m *Market) swap(ctx context.Context, path vault.Path, payer common.Address, amountIn, minimum *big.Int, deadline int64) (*big.Int, error) {
	m.mu.RLock()
	now, hook := m.now, m.hook
	m.mu.RUnlock()
	if deadline > 0 && deadline < now().Unix() {
		return nil, fmt.Errorf("Transaction too old")
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if hook != nil {
		if err := hook(ctx, path.TokenIn(), path.TokenOut(), amountIn); err != nil {
			return nil, err
		}
	}

	amount := new(big.Int).Set(amountIn)
	for _, hop := range path {
		out, _, err := m.amountOut(hop.TokenIn, hop.TokenOut, hop.Fee, amount)
		if err != nil {
			return nil, err
		}
		amount = out
	}
	if minimum != nil && amount.Cmp(minimum) < 0 {
		return nil, fmt.Errorf("Too little received")
	}
	if err := m.custody.Transfer(payer, m.address, path.TokenIn(), amountIn); err != nil {
		return nil, err
	}
	if err := m.custody.Transfer(m.address, payer, path.TokenOut(), amount); err != nil {
		_ = m.custody.Transfer(m.address, payer, path.TokenIn(), amountIn)
		return nil, fmt.Errorf("insufficient pool liquidity: %w", err)
	}
	return amount, nil
}

// sqrtPriceX96 计算 sqrt(rate) * 2^96，与 Uniswap v3 的价格编码一致。
func sqrtPriceX96(rate *big.Rat) *big.Int {
	if rate == nil || rate.Sign() <= 0 {
		return new(big.Int)
	}
	scaled := new(big.Int).Lsh(rate.Num(), 192)
	scaled.Quo(scaled, rate.Denom())
	return scaled.Sqrt(scaled)
}

// MarketConfig 是模拟市场的 YAML 描述。
type MarketConfig struct {
	Pools []PoolConfig `yaml:"pools"`
	// Liquidity 以代币符号为键，数量为整币单位的十进制字符串。
	Liquidity map[string]string `yaml:"liquidity"`
	// Wallets 预置用户外部钱包余额，键为地址，值为 符号→整币数量。
	Wallets map[string]map[string]string `yaml:"wallets"`
}

// PoolConfig 描述一个池子，Price 为每个整币 TokenIn 可换得的整币 TokenOut 数量。
type PoolConfig struct {
	TokenIn  string `yaml:"token_in"`
	TokenOut string `yaml:"token_out"`
	Fee      uint32 `yaml:"fee"`
	Price    string `yaml:"price"`
}

// LoadMarketConfig 读取模拟市场配置。
func LoadMarketConfig(path string) (MarketConfig, error) {
	if strings.TrimSpace(path) == "" {
		return MarketConfig{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return MarketConfig{}, fmt.Errorf("读取模拟市场配置失败: %w", err)
	}
	var cfg MarketConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return MarketConfig{}, fmt.Errorf("解析模拟市场配置失败: %w", err)
	}
	return cfg, nil
}

// Apply 将配置中的池子、流动性与钱包余额写入市场。
func (m *Market) Apply(cfg MarketConfig, tokens web3.TokenSet) error {
	for _, pool := range cfg.Pools {
		in, ok := tokens.Lookup(pool.TokenIn)
		if !ok {
			return fmt.Errorf("未知代币 %s", pool.TokenIn)
		}
		out, ok := tokens.Lookup(pool.TokenOut)
		if !ok {
			return fmt.Errorf("未知代币 %s", pool.TokenOut)
		}
		price, ok := new(big.Rat).SetString(strings.TrimSpace(pool.Price))
		if !ok || price.Sign() <= 0 {
			return fmt.Errorf("池子 %s/%s 价格无效: %q", pool.TokenIn, pool.TokenOut, pool.Price)
		}
		// 整币价格换算为基础单位汇率：price * 10^decOut / 10^decIn。
		rate := new(big.Rat).Mul(price, new(big.Rat).SetFrac(out.OneUnit(), in.OneUnit()))
		m.SetRate(in.Address, out.Address, pool.Fee, rate)
	}
	for symbol, raw := range cfg.Liquidity {
		tok, ok := tokens.Lookup(symbol)
		if !ok {
			return fmt.Errorf("未知代币 %s", symbol)
		}
		amount, err := tok.ParseUnits(raw)
		if err != nil {
			return err
		}
		m.AddLiquidity(tok.Address, amount)
	}
	for owner, balances := range cfg.Wallets {
		if !common.IsHexAddress(owner) {
			return fmt.Errorf("钱包地址无效: %q", owner)
		}
		for symbol, raw := range balances {
			tok, ok := tokens.Lookup(symbol)
			if !ok {
				return fmt.Errorf("未知代币 %s", symbol)
			}
			amount, err := tok.ParseUnits(raw)
			if err != nil {
				return err
			}
			m.custody.Fund(common.HexToAddress(owner), tok.Address, amount)
		}
	}
	return nil
}
