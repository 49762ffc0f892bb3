package erc20

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

// Custody 使用一个热钱包持有金库资金：存入通过 transferFrom 拉取用户预先授权的代币，
// 提取通过 transfer 发送。
type Custody struct {
	backend web3.Backend
	key     *ecdsa.PrivateKey
	chainID *big.Int
	address common.Address

	mu     sync.Mutex
	tokens map[common.Address]*Token
}

var _ vault.Custody = (*Custody)(nil)

// NewCustody 以 key 对应的地址作为托管账户。
func NewCustody(backend web3.Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*Custody, error) {
	if backend == nil || key == nil || chainID == nil {
		return nil, fmt.Errorf("托管钱包配置不完整")
	}
	return &Custody{
		backend: backend,
		key:     key,
		chainID: new(big.Int).Set(chainID),
		address: crypto.PubkeyToAddress(key.PublicKey),
		tokens:  make(map[common.Address]*Token),
	}, nil
}

// Address 返回托管账户地址。
func (c *Custody) Address() common.Address { return c.address }

// Transactor 返回托管钱包的签名参数，路由适配器用同一钱包发起兑换。
func (c *Custody) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// Token 返回缓存的代币绑定。
func (c *Custody) Token(address common.Address) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[address]
	if !ok {
		tok = NewToken(address, c.backend)
		c.tokens[address] = tok
	}
	return tok
}

// Pull 通过 transferFrom 把用户资金转入托管账户。
func (c *Custody) Pull(ctx context.Context, from, token common.Address, amount *big.Int) error {
	opts, err := c.Transactor(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Token(token).TransferFrom(opts, from, c.address, amount)
	if err != nil {
		return fmt.Errorf("transferFrom 失败: %w", err)
	}
	_, err = WaitSuccess(ctx, c.backend, tx)
	return err
}

// Push 通过 transfer 把资金发送给用户。
func (c *Custody) Push(ctx context.Context, to, token common.Address, amount *big.Int) error {
	opts, err := c.Transactor(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Token(token).Transfer(opts, to, amount)
	if err != nil {
		return fmt.Errorf("transfer 失败: %w", err)
	}
	_, err = WaitSuccess(ctx, c.backend, tx)
	return err
}

// Holdings 返回托管账户的链上余额。
func (c *Custody) Holdings(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.Token(token).BalanceOf(ctx, c.address)
}

// EnsureAllowance 在授权额度不足时为 spender 授予 amount 的额度。
func (c *Custody) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	tok := c.Token(token)
	current, err := tok.Allowance(ctx, c.address, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	opts, err := c.Transactor(ctx)
	if err != nil {
		return err
	}
	tx, err := tok.Approve(opts, spender, amount)
	if err != nil {
		return fmt.Errorf("approve 失败: %w", err)
	}
	_, err = WaitSuccess(ctx, c.backend, tx)
	return err
}
