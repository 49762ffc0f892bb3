package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/internal/vault"
)

type walletKey struct {
	owner common.Address
	token common.Address
}

// Custody 在内存中模拟 ERC20 余额：用户钱包、金库托管账户和做市池都记在同一本账上。
type Custody struct {
	mu      sync.Mutex
	address common.Address
	wallets map[walletKey]*big.Int
}

var _ vault.Custody = (*Custody)(nil)

// NewCustody 创建以 address 作为金库托管账户的模拟托管。
func NewCustody(address common.Address) *Custody {
	return &Custody{address: address, wallets: make(map[walletKey]*big.Int)}
}

// Address 返回托管账户地址。
func (c *Custody) Address() common.Address { return c.address }

// Fund 直接为某个钱包铸造代币，用于初始化测试数据或做市流动性。
func (c *Custody) Fund(owner, token common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := walletKey{owner: owner, token: token}
	bal := c.balanceLocked(key)
	c.wallets[key] = new(big.Int).Add(bal, amount)
}

// WalletBalance 返回某个钱包的代币余额。
func (c *Custody) WalletBalance(owner, token common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceLocked(walletKey{owner: owner, token: token}))
}

// Pull 将用户钱包中的代币转入托管账户。
func (c *Custody) Pull(_ context.Context, from, token common.Address, amount *big.Int) error {
	return c.Transfer(from, c.address, token, amount)
}

// Push 将托管账户中的代币转给用户。
func (c *Custody) Push(_ context.Context, to, token common.Address, amount *big.Int) error {
	return c.Transfer(c.address, to, token, amount)
}

// Holdings 返回托管账户持有量。
func (c *Custody) Holdings(_ context.Context, token common.Address) (*big.Int, error) {
	return c.WalletBalance(c.address, token), nil
}

// Transfer 在两个钱包之间转账，余额不足时失败且不做任何修改。
func (c *Custody) Transfer(from, to, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fromKey := walletKey{owner: from, token: token}
	bal := c.balanceLocked(fromKey)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ERC20: transfer amount exceeds balance (%s has %s, needs %s)", from.Hex(), bal, amount)
	}
	c.wallets[fromKey] = new(big.Int).Sub(bal, amount)
	toKey := walletKey{owner: to, token: token}
	c.wallets[toKey] = new(big.Int).Add(c.balanceLocked(toKey), amount)
	return nil
}

func (c *Custody) balanceLocked(key walletKey) *big.Int {
	if bal, ok := c.wallets[key]; ok {
		return bal
	}
	return new(big.Int)
}
