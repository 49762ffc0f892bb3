package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
	"AISwap-Executor/pkg/logger"
)

// Vault 是策略所需的金库能力子集。
type Vault interface {
	Order(ctx context.Context, id common.Hash) (*vault.ThresholdOrder, error)
	BalanceOf(ctx context.Context, user, token common.Address) (*big.Int, error)
	ExecuteSwap(ctx context.Context, agent, user common.Address, req vault.SwapRequest) (*big.Int, error)
	ExecuteMultiHopSwap(ctx context.Context, agent, user common.Address, req vault.MultiHopRequest) (*big.Int, error)
	TriggerOrder(ctx context.Context, agent common.Address, req vault.TriggerRequest) (*big.Int, error)
}

const (
	bpsDenominator = 10_000

	// DefaultSlippageBps 对应 0.5% 的滑点容忍度。
	DefaultSlippageBps uint32 = 50
	// DefaultDeadline 是兑换请求的默认有效期。
	DefaultDeadline = 30 * time.Minute
)

// DefaultFeeTiers 是依次尝试的费率档位。
var DefaultFeeTiers = []uint32{500, 3000, 10000}

// Config 描述代理的执行策略。
type Config struct {
	Address     common.Address
	SlippageBps uint32
	Deadline    time.Duration
	FeeTiers    []uint32
	// MaxAmountIn 为空时使用用户全部余额。
	MaxAmountIn *big.Int
	// FallbackTokens 为普通兑换提供备选输出代币，阈值订单不使用。
	FallbackTokens []common.Address
}

// Attempt 记录一次失败的尝试。
type Attempt struct {
	Fee      uint32         `json:"fee"`
	TokenOut common.Address `json:"token_out"`
	Code     xerrors.Code   `json:"code"`
	Error    string         `json:"error"`
}

// Execution 汇总一次成功执行的参数与结果。
type Execution struct {
	OrderID    *common.Hash   `json:"order_id,omitempty"`
	User       common.Address `json:"user"`
	TokenIn    common.Address `json:"token_in"`
	TokenOut   common.Address `json:"token_out"`
	Fee        uint32         `json:"fee"`
	Path       vault.Path     `json:"path,omitempty"`
	AmountIn   *big.Int       `json:"amount_in"`
	Quoted     *big.Int       `json:"quoted"`
	MinimumOut *big.Int       `json:"minimum_out"`
	AmountOut  *big.Int       `json:"amount_out"`
	Deadline   int64          `json:"deadline"`
	Failures   []Attempt      `json:"failures,omitempty"`
}

// Agent 按既定策略代表用户调用金库。
type Agent struct {
	cfg    Config
	vault  Vault
	quoter vault.Quoter
	now    func() time.Time
	logger *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithClock 注入时钟，便于测试截止时间。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(v Vault, quoter vault.Quoter, cfg Config, opts ...Option) (*Agent, error) {
	if v == nil || quoter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent 需要金库与报价器")
	}
	if cfg.Address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 地址不能为空")
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.SlippageBps >= bpsDenominator {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("滑点 %d bps 超出范围", cfg.SlippageBps))
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if len(cfg.FeeTiers) == 0 {
		cfg.FeeTiers = append([]uint32(nil), DefaultFeeTiers...)
	}
	a := &Agent{
		cfg:    cfg,
		vault:  v,
		quoter: quoter,
		now:    time.Now,
		logger: logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Address 返回代理地址。
func (a *Agent) Address() common.Address { return a.cfg.Address }

// MinimumOut 按滑点容忍度从报价推导最小输出，向下取整。
func (a *Agent) MinimumOut(quoted *big.Int) *big.Int {
	if quoted == nil || quoted.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(quoted, big.NewInt(int64(bpsDenominator-a.cfg.SlippageBps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Deadline 返回新请求的截止时间。
func (a *Agent) Deadline() int64 {
	return a.now().Add(a.cfg.Deadline).Unix()
}

// feeTiers 先尝试 preferred，再按配置顺序尝试其余档位。
func (a *Agent) feeTiers(preferred uint32) []uint32 {
	tiers := make([]uint32, 0, len(a.cfg.FeeTiers)+1)
	if preferred != 0 {
		tiers = append(tiers, preferred)
	}
	for _, fee := range a.cfg.FeeTiers {
		if fee != preferred {
			tiers = append(tiers, fee)
		}
	}
	return tiers
}

// amountIn 取用户余额，并按 MaxAmountIn 截断。
func (a *Agent) amountIn(ctx context.Context, user, token common.Address) (*big.Int, error) {
	balance, err := a.vault.BalanceOf(ctx, user, token)
	if err != nil {
		return nil, err
	}
	if balance.Sign() <= 0 {
		return nil, vault.ErrInsufficientBalance.With(
			xerrors.WithMetadata("user", user.Hex()),
			xerrors.WithMetadata("token", token.Hex()),
		)
	}
	if limit := a.cfg.MaxAmountIn; limit != nil && limit.Sign() > 0 && balance.Cmp(limit) > 0 {
		return new(big.Int).Set(limit), nil
	}
	return balance, nil
}

// fallbackAllowed 判断失败后能否切换到下一个档位或代币。
func fallbackAllowed(err error) bool {
	switch xerrors.CodeOf(err) {
	case vault.CodeExternalCall, vault.CodeSlippageExceeded, vault.CodeExpiredRequest:
		return true
	default:
		return false
	}
}

func failure(fee uint32, tokenOut common.Address, err error) Attempt {
	return Attempt{Fee: fee, TokenOut: tokenOut, Code: xerrors.CodeOf(err), Error: err.Error()}
}

// quote 调用报价器，报价失败视为外部调用失败。
func (a *Agent) quote(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	q, err := a.quoter.QuoteExactInputSingle(ctx, tokenIn, tokenOut, fee, amountIn, nil)
	if err != nil {
		return nil, xerrors.Wrap(vault.CodeExternalCall, err, "报价失败",
			xerrors.WithMetadata("target", "quoter.quote_exact_input_single"),
			xerrors.WithMetadata("fee", fmt.Sprint(fee)))
	}
	if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
		return nil, xerrors.New(vault.CodeExternalCall, "报价为零",
			xerrors.WithMetadata("target", "quoter.quote_exact_input_single"),
			xerrors.WithMetadata("fee", fmt.Sprint(fee)))
	}
	return q.AmountOut, nil
}

// Trigger 为已穿越阈值的订单执行兑换。订单的代币对保持不变，仅费率档位可回退。
func (a *Agent) Trigger(ctx context.Context, orderID common.Hash, currentPrice *big.Int) (*Execution, error) {
	order, err := a.vault.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State != vault.OrderActive {
		return nil, vault.ErrAlreadyInactive.With(
			xerrors.WithMetadata("order_id", orderID.Hex()),
			xerrors.WithMetadata("state", string(order.State)),
		)
	}
	amountIn, err := a.amountIn(ctx, order.Owner, order.TokenIn)
	if err != nil {
		return nil, err
	}

	var failures []Attempt
	var lastErr error
	for _, fee := range a.feeTiers(order.Fee) {
		quoted, err := a.quote(ctx, order.TokenIn, order.TokenOut, fee, amountIn)
		if err != nil {
			failures = append(failures, failure(fee, order.TokenOut, err))
			lastErr = err
			continue
		}
		req := vault.TriggerRequest{
			OrderID:      orderID,
			CurrentPrice: new(big.Int).Set(currentPrice),
			Swap: vault.SwapRequest{
				TokenIn:          order.TokenIn,
				TokenOut:         order.TokenOut,
				Fee:              fee,
				AmountIn:         amountIn,
				AmountOutMinimum: a.MinimumOut(quoted),
				Deadline:         a.Deadline(),
			},
		}
		out, err := a.vault.TriggerOrder(ctx, a.cfg.Address, req)
		if err == nil {
			id := orderID
			return &Execution{
				OrderID:    &id,
				User:       order.Owner,
				TokenIn:    order.TokenIn,
				TokenOut:   order.TokenOut,
				Fee:        fee,
				AmountIn:   amountIn,
				Quoted:     quoted,
				MinimumOut: req.Swap.AmountOutMinimum,
				AmountOut:  out,
				Deadline:   req.Swap.Deadline,
				Failures:   failures,
			}, nil
		}
		failures = append(failures, failure(fee, order.TokenOut, err))
		lastErr = err
		if !fallbackAllowed(err) {
			return nil, err
		}
		a.logger.Warn("触发失败，尝试下一个费率档位",
			slog.String("order_id", orderID.Hex()),
			slog.Uint64("fee", uint64(fee)),
			slog.Any("error", err))
	}
	return nil, exhausted(lastErr, len(failures))
}

// Swap 以用户余额（或 amountIn）兑换 tokenOut，按费率档位回退。
func (a *Agent) Swap(ctx context.Context, user, tokenIn, tokenOut common.Address, amountIn *big.Int) (*Execution, error) {
	return a.SwapWithFallback(ctx, user, tokenIn, amountIn, tokenOut)
}

// SwapWithFallback 依次尝试 outputs 与配置的备选输出代币，每个代币内再按费率档位回退。
func (a *Agent) SwapWithFallback(ctx context.Context, user, tokenIn common.Address, amountIn *big.Int, outputs ...common.Address) (*Execution, error) {
	if amountIn == nil {
		var err error
		if amountIn, err = a.amountIn(ctx, user, tokenIn); err != nil {
			return nil, err
		}
	}
	candidates := uniqueTokens(tokenIn, append(append([]common.Address(nil), outputs...), a.cfg.FallbackTokens...))
	if len(candidates) == 0 {
		return nil, vault.ErrInvalidArgument.With(xerrors.WithMetadata("field", "token_out"))
	}

	var failures []Attempt
	var lastErr error
	for _, tokenOut := range candidates {
		for _, fee := range a.feeTiers(0) {
			quoted, err := a.quote(ctx, tokenIn, tokenOut, fee, amountIn)
			if err != nil {
				failures = append(failures, failure(fee, tokenOut, err))
				lastErr = err
				continue
			}
			req := vault.SwapRequest{
				TokenIn:          tokenIn,
				TokenOut:         tokenOut,
				Fee:              fee,
				AmountIn:         amountIn,
				AmountOutMinimum: a.MinimumOut(quoted),
				Deadline:         a.Deadline(),
			}
			out, err := a.vault.ExecuteSwap(ctx, a.cfg.Address, user, req)
			if err == nil {
				return &Execution{
					User:       user,
					TokenIn:    tokenIn,
					TokenOut:   tokenOut,
					Fee:        fee,
					AmountIn:   amountIn,
					Quoted:     quoted,
					MinimumOut: req.AmountOutMinimum,
					AmountOut:  out,
					Deadline:   req.Deadline,
					Failures:   failures,
				}, nil
			}
			failures = append(failures, failure(fee, tokenOut, err))
			lastErr = err
			if !fallbackAllowed(err) {
				return nil, err
			}
		}
		a.logger.Info("输出代币全部档位失败，切换备选代币", slog.String("token_out", tokenOut.Hex()))
	}
	return nil, exhausted(lastErr, len(failures))
}

// SwapPath 沿多跳路径兑换，最小输出来自整条路径的报价。
func (a *Agent) SwapPath(ctx context.Context, user common.Address, path vault.Path, amountIn *big.Int) (*Execution, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	tokenIn := path.TokenIn()
	if amountIn == nil {
		var err error
		if amountIn, err = a.amountIn(ctx, user, tokenIn); err != nil {
			return nil, err
		}
	}
	q, err := a.quoter.QuoteExactInput(ctx, path, amountIn)
	if err != nil {
		return nil, xerrors.Wrap(vault.CodeExternalCall, err, "路径报价失败",
			xerrors.WithMetadata("target", "quoter.quote_exact_input"))
	}
	req := vault.MultiHopRequest{
		Path:             path.Clone(),
		AmountIn:         amountIn,
		AmountOutMinimum: a.MinimumOut(q.AmountOut),
		Deadline:         a.Deadline(),
	}
	out, err := a.vault.ExecuteMultiHopSwap(ctx, a.cfg.Address, user, req)
	if err != nil {
		return nil, err
	}
	return &Execution{
		User:       user,
		TokenIn:    tokenIn,
		TokenOut:   path.TokenOut(),
		Path:       req.Path,
		AmountIn:   amountIn,
		Quoted:     q.AmountOut,
		MinimumOut: req.AmountOutMinimum,
		AmountOut:  out,
		Deadline:   req.Deadline,
	}, nil
}

func exhausted(last error, attempts int) error {
	if last == nil {
		return xerrors.New(vault.CodeExternalCall, "没有可用的费率档位")
	}
	if e, ok := xerrors.From(last); ok {
		return e.With(xerrors.WithMetadata("attempts", fmt.Sprint(attempts)))
	}
	return last
}

func uniqueTokens(tokenIn common.Address, tokens []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(tokens))
	out := make([]common.Address, 0, len(tokens))
	for _, token := range tokens {
		if token == (common.Address{}) || token == tokenIn {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
