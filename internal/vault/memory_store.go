package vault

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
)

// MemoryStore 将金库状态保存在内存中，主要用于测试和单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[common.Address]int64
	agents   map[common.Address]bool
	balances map[balanceKey]*big.Int
	orders   map[common.Hash]*ThresholdOrder
	nonce    uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[common.Address]int64),
		agents:   make(map[common.Address]bool),
		balances: make(map[balanceKey]*big.Int),
		orders:   make(map[common.Hash]*ThresholdOrder),
	}
}

// Atomic 独占存储执行 fn，失败时按逆序回放撤销日志。
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View 以共享锁执行只读 fn。
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{store: s, readOnly: true})
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store    *MemoryStore
	readOnly bool
	undo     []func()
}

var errReadOnly = xerrors.New(xerrors.CodeStorageFailure, "write attempted in read-only view", xerrors.WithAlert(false))

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) UserRegistered(_ context.Context, user common.Address) (bool, error) {
	_, ok := t.store.users[user]
	return ok, nil
}

func (t *memoryTx) InsertUser(_ context.Context, user common.Address, registeredAt int64) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.store.users[user]; ok {
		return ErrAlreadyRegistered
	}
	t.store.users[user] = registeredAt
	t.undo = append(t.undo, func() { delete(t.store.users, user) })
	return nil
}

func (t *memoryTx) AgentApproved(_ context.Context, agent common.Address) (bool, error) {
	return t.store.agents[agent], nil
}

func (t *memoryTx) PutAgent(_ context.Context, agent common.Address, approved bool) error {
	if t.readOnly {
		return errReadOnly
	}
	prev, existed := t.store.agents[agent]
	t.store.agents[agent] = approved
	t.undo = append(t.undo, func() {
		if existed {
			t.store.agents[agent] = prev
		} else {
			delete(t.store.agents, agent)
		}
	})
	return nil
}

func (t *memoryTx) Balance(_ context.Context, user, token common.Address) (*big.Int, error) {
	if bal, ok := t.store.balances[balanceKey{user: user, token: token}]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (t *memoryTx) PutBalance(_ context.Context, user, token common.Address, amount *big.Int) error {
	if t.readOnly {
		return errReadOnly
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "balance must not be negative")
	}
	key := balanceKey{user: user, token: token}
	prev, existed := t.store.balances[key]
	t.store.balances[key] = new(big.Int).Set(amount)
	t.undo = append(t.undo, func() {
		if existed {
			t.store.balances[key] = prev
		} else {
			delete(t.store.balances, key)
		}
	})
	return nil
}

func (t *memoryTx) TotalBalance(_ context.Context, token common.Address) (*big.Int, error) {
	total := new(big.Int)
	for key, bal := range t.store.balances {
		if key.token == token {
			total.Add(total, bal)
		}
	}
	return total, nil
}

func (t *memoryTx) NextNonce(context.Context) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	prev := t.store.nonce
	t.store.nonce++
	t.undo = append(t.undo, func() { t.store.nonce = prev })
	return t.store.nonce, nil
}

func (t *memoryTx) InsertOrder(_ context.Context, order *ThresholdOrder) error {
	if t.readOnly {
		return errReadOnly
	}
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order must not be nil")
	}
	if _, ok := t.store.orders[order.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "order id already exists", xerrors.WithMetadata("order_id", order.ID.Hex()))
	}
	id := order.ID
	t.store.orders[id] = order.Clone()
	t.undo = append(t.undo, func() { delete(t.store.orders, id) })
	return nil
}

func (t *memoryTx) Order(_ context.Context, id common.Hash) (*ThresholdOrder, error) {
	order, ok := t.store.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (t *memoryTx) TransitionOrder(_ context.Context, id common.Hash, from, to OrderState, at int64) error {
	if t.readOnly {
		return errReadOnly
	}
	order, ok := t.store.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if order.State != from {
		return ErrAlreadyInactive
	}
	prevState, prevUpdated := order.State, order.UpdatedAt
	order.State = to
	order.UpdatedAt = at
	t.undo = append(t.undo, func() {
		order.State = prevState
		order.UpdatedAt = prevUpdated
	})
	return nil
}

func (t *memoryTx) Orders(_ context.Context, filter OrderFilter) ([]*ThresholdOrder, error) {
	out := make([]*ThresholdOrder, 0)
	for _, order := range t.store.orders {
		if filter.Owner != nil && order.Owner != *filter.Owner {
			continue
		}
		if filter.State != "" && order.State != filter.State {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce > out[j].Nonce })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
