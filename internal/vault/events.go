package vault

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/pkg/logger"
)

// Event 是金库在操作提交后发出的记录。
type Event interface {
	EventType() string
}

const (
	EventUserRegistered          = "UserRegistered"
	EventAgentUpdated            = "AgentUpdated"
	EventTokenDeposited          = "TokenDeposited"
	EventTokenWithdrawn          = "TokenWithdrawn"
	EventPriceThresholdSet       = "PriceThresholdSet"
	EventPriceThresholdCancelled = "PriceThresholdCancelled"
	EventPriceThresholdTriggered = "PriceThresholdTriggered"
	EventTradeExecuted           = "TradeExecuted"
)

// UserRegistered 在用户注册成功后发出。
type UserRegistered struct {
	User common.Address `json:"user"`
}

// AgentUpdated 在管理员修改代理授权后发出。
type AgentUpdated struct {
	Agent    common.Address `json:"agent"`
	Approved bool           `json:"approved"`
}

// TokenDeposited 在存入成功后发出。
type TokenDeposited struct {
	User   common.Address `json:"user"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// TokenWithdrawn 在提取成功后发出。
type TokenWithdrawn struct {
	User   common.Address `json:"user"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// PriceThresholdSet 在挂单创建后发出。
type PriceThresholdSet struct {
	ID             common.Hash    `json:"id"`
	User           common.Address `json:"user"`
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	Fee            uint32         `json:"fee"`
	ThresholdPrice *big.Int       `json:"threshold_price"`
	IsAbove        bool           `json:"is_above"`
}

// PriceThresholdCancelled 在所有者取消挂单后发出。
type PriceThresholdCancelled struct {
	ID   common.Hash    `json:"id"`
	User common.Address `json:"user"`
}

// PriceThresholdTriggered 在挂单被代理触发并成交后发出。
type PriceThresholdTriggered struct {
	ID             common.Hash `json:"id"`
	CurrentPrice   *big.Int    `json:"current_price"`
	ThresholdPrice *big.Int    `json:"threshold_price"`
}

// TradeExecuted 记录一次兑换的实际输入与输出。
type TradeExecuted struct {
	User      common.Address `json:"user"`
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	AmountIn  *big.Int       `json:"amount_in"`
	AmountOut *big.Int       `json:"amount_out"`
	Executor  common.Address `json:"executor"`
}

func (UserRegistered) EventType() string          { return EventUserRegistered }
func (AgentUpdated) EventType() string            { return EventAgentUpdated }
func (TokenDeposited) EventType() string          { return EventTokenDeposited }
func (TokenWithdrawn) EventType() string          { return EventTokenWithdrawn }
func (PriceThresholdSet) EventType() string       { return EventPriceThresholdSet }
func (PriceThresholdCancelled) EventType() string { return EventPriceThresholdCancelled }
func (PriceThresholdTriggered) EventType() string { return EventPriceThresholdTriggered }
func (TradeExecuted) EventType() string           { return EventTradeExecuted }

// Emitter 接收已提交操作的事件。
type Emitter interface {
	Emit(Event)
}

// NoopEmitter 丢弃所有事件。
type NoopEmitter struct{}

// Emit 实现 Emitter。
func (NoopEmitter) Emit(Event) {}

// MultiEmitter 将事件依次转发给多个 Emitter。
type MultiEmitter []Emitter

// Emit 实现 Emitter。
func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Recorder 在内存中保留最近的事件，供查询接口与测试使用。
type Recorder struct {
	mu     sync.RWMutex
	limit  int
	events []Event
}

// NewRecorder 创建保留最多 limit 条事件的记录器，limit<=0 表示不限制。
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit 实现 Emitter。
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events 返回事件快照。
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType 返回指定类型的事件。
func (r *Recorder) OfType(kind string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, ev := range r.events {
		if ev.EventType() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// AuditEmitter 将事件写入审计日志。
type AuditEmitter struct {
	Logger *slog.Logger
}

// Emit 实现 Emitter。
func (a AuditEmitter) Emit(ev Event) {
	l := a.Logger
	if l == nil {
		l = logger.Audit()
	}
	l.Info("vault_event", slog.String("type", ev.EventType()), slog.Any("event", ev))
}
