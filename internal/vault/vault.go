// Package vault 实现托管金库：用户余额账本、权限注册表、阈值订单簿与兑换执行引擎。
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/observability/metrics"
	"AISwap-Executor/pkg/logger"
)

// Vault 是托管金库与条件单引擎的入口。所有变更操作串行执行，
// 每个操作都是一个原子单元：任何错误都会撤销该操作的全部写入，且不发出事件。
type Vault struct {
	mu      sync.Mutex
	admin   common.Address
	store   Store
	custody Custody
	router  Router
	emitter Emitter
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Vault)

// WithEmitter 指定事件接收者。
func WithEmitter(emitter Emitter) Option {
	return func(v *Vault) {
		if emitter != nil {
			v.emitter = emitter
		}
	}
}

// WithClock 替换时间来源，便于测试截止时间。
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// New 构造金库实例。
func New(admin common.Address, store Store, custody Custody, router Router, opts ...Option) (*Vault, error) {
	if admin == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "管理员地址不能为空")
	}
	if store == nil || custody == nil || router == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "金库依赖未完整配置")
	}
	v := &Vault{
		admin:   admin,
		store:   store,
		custody: custody,
		router:  router,
		emitter: NoopEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.logger == nil {
		v.logger = logger.Named("vault")
	}
	return v, nil
}

// Admin 返回管理员地址。
func (v *Vault) Admin() common.Address { return v.admin }

// Router 返回兑换路由地址，对应合约的 swapRouter() 视图。
func (v *Vault) Router() common.Address { return v.router.Address() }

// Custody 返回托管账户地址。
func (v *Vault) Custody() common.Address { return v.custody.Address() }

// unit 是一次原子操作的上下文，事件在提交后才会发出。
type unit struct {
	tx      Tx
	events  []Event
	journal *settlement
}

func (u *unit) emit(ev Event) {
	u.events = append(u.events, ev)
}

type unitKey struct{ v *Vault }

// settlement 记录原子单元内已经生效的外部调用。单元回滚时这些调用无法撤销，
// 需要人工对账。
type settlement struct {
	mu      sync.Mutex
	effects []string
	txs     []string
}

type settlementKey struct{}

func (s *settlement) settle(target string, token common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, fmt.Sprintf("%s %s %s", target, token.Hex(), amount))
}

func (s *settlement) pending() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.effects...), append([]string(nil), s.txs...)
}

// RecordTransaction 登记当前原子单元内已成功上链的交易。上下文不属于任何原子单元时忽略。
func RecordTransaction(ctx context.Context, hash common.Hash) {
	if ctx == nil {
		return
	}
	s, ok := ctx.Value(settlementKey{}).(*settlement)
	if !ok {
		return
	}
	s.mu.Lock()
	s.txs = append(s.txs, hash.Hex())
	s.mu.Unlock()
}

func (v *Vault) unitFrom(ctx context.Context) *unit {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{v: v}).(*unit)
	return u
}

// mutate 在一个原子单元内执行 fn。传给 fn 的上下文携带当前单元，
// 外部调用若带着该上下文回调变更接口会被直接拒绝。
func (v *Vault) mutate(ctx context.Context, op string, caller common.Address, fn func(ctx context.Context, u *unit) error) error {
	if v.unitFrom(ctx) != nil {
		v.logger.Error("拒绝重入调用", slog.String("operation", op), slog.String("caller", caller.Hex()))
		metrics.ObserveVaultOperation(op, string(CodeReentrantCall), 0)
		return ErrReentrantCall.With(xerrors.WithMetadata("operation", op))
	}

	start := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()

	var committed []Event
	journal := &settlement{}
	err := v.store.Atomic(ctx, func(tx Tx) error {
		u := &unit{tx: tx, journal: journal}
		inner := context.WithValue(context.WithValue(ctx, unitKey{v: v}, u), settlementKey{}, journal)
		if err := fn(inner, u); err != nil {
			return err
		}
		committed = u.events
		return nil
	})

	result := ""
	if err != nil {
		result = string(xerrors.CodeOf(err))
	}
	metrics.ObserveVaultOperation(op, result, time.Since(start))
	if err != nil {
		v.reportDrift(op, caller, journal, err)
		v.logger.Warn("金库操作已回滚",
			slog.String("operation", op),
			slog.String("caller", caller.Hex()),
			slog.Any("error", err),
		)
		return err
	}

	for _, ev := range committed {
		v.emitter.Emit(ev)
	}
	logger.Audit().Info("金库操作已提交",
		slog.String("operation", op),
		slog.String("caller", caller.Hex()),
		slog.Int("events", len(committed)),
	)
	return nil
}

// reportDrift 在单元回滚但外部调用已生效时发出严重告警，附带交易哈希供对账。
func (v *Vault) reportDrift(op string, caller common.Address, journal *settlement, err error) {
	effects, txs := journal.pending()
	if len(effects) == 0 && len(txs) == 0 {
		return
	}
	metrics.ObserveLedgerDrift(op)
	attrs := []any{
		slog.String("severity", "critical"),
		slog.String("operation", op),
		slog.String("caller", caller.Hex()),
		slog.Any("effects", effects),
		slog.Any("tx_hashes", txs),
		slog.Any("error", err),
	}
	v.logger.Error("外部调用已生效但账本未提交，需要对账", attrs...)
	logger.Audit().Error("外部调用已生效但账本未提交，需要对账", attrs...)
}

// view 执行只读查询。处于原子单元内（外部回调）时读取未提交的状态。
func (v *Vault) view(ctx context.Context, fn func(tx Tx) error) error {
	if u := v.unitFrom(ctx); u != nil {
		return fn(u.tx)
	}
	return v.store.View(ctx, fn)
}

type role int

const (
	roleAdmin role = iota + 1
	roleAgent
	roleRegistered
	roleOwner
)

func (r role) String() string {
	switch r {
	case roleAdmin:
		return "admin"
	case roleAgent:
		return "agent"
	case roleRegistered:
		return "registered_user"
	case roleOwner:
		return "order_owner"
	default:
		return "unknown"
	}
}

// authorize 是所有特权操作共用的权限检查，必须在任何写入之前调用。
func (v *Vault) authorize(ctx context.Context, tx Tx, caller common.Address, r role, order *ThresholdOrder) error {
	deny := func(base *xerrors.Error, reason string) error {
		return base.With(
			xerrors.WithMetadata("caller", caller.Hex()),
			xerrors.WithMetadata("role", r.String()),
			xerrors.WithMetadata("reason", reason),
		)
	}
	if caller == (common.Address{}) {
		return deny(ErrUnauthorized, "zero_address")
	}
	switch r {
	case roleAdmin:
		if caller != v.admin {
			return deny(ErrUnauthorized, "not_admin")
		}
	case roleAgent:
		approved, err := tx.AgentApproved(ctx, caller)
		if err != nil {
			return err
		}
		if !approved {
			return deny(ErrUnauthorized, "not_agent")
		}
	case roleRegistered:
		registered, err := tx.UserRegistered(ctx, caller)
		if err != nil {
			return err
		}
		if !registered {
			return deny(ErrNotRegistered, "not_registered")
		}
	case roleOwner:
		if order == nil || order.Owner != caller {
			return deny(ErrNotOwner, "not_owner")
		}
	default:
		return deny(ErrUnauthorized, "unknown_role")
	}
	return nil
}

func (v *Vault) checkDeadline(deadline int64) error {
	now := v.now().Unix()
	if deadline < now {
		return ErrExpiredRequest.With(
			xerrors.WithMetadata("deadline", time.Unix(deadline, 0).UTC().Format(time.RFC3339)),
			xerrors.WithMetadata("now", time.Unix(now, 0).UTC().Format(time.RFC3339)),
		)
	}
	return nil
}

// externalFailure 将端口错误包装为 ExternalCallFailure，保留原始错误链。
func externalFailure(err error, target string) error {
	return xerrors.Wrap(CodeExternalCall, err, "external call failed", xerrors.WithMetadata("target", target))
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
