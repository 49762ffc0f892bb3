// Package erc20 binds the subset of the ERC20 interface used to move custody
// funds, and implements the vault custody port on top of it.
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"AISwap-Executor/internal/vault"
	"AISwap-Executor/internal/web3"
)

const tokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var parsedABI = mustParse(tokenABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("erc20: invalid ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed token ABI.
func ABI() abi.ABI { return parsedABI }

// Token is a bound ERC20 contract.
type Token struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewToken binds the token at address.
func NewToken(address common.Address, backend bind.ContractBackend) *Token {
	return &Token{
		address:  address,
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
	}
}

// Address returns the token contract address.
func (t *Token) Address() common.Address { return t.address }

func (t *Token) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	var out []any
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", t.address.Hex(), method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, out[0])
	}
	return value, nil
}

// BalanceOf returns the token balance of owner.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

// Approve grants spender an allowance.
func (t *Token) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, amount)
}

// Transfer sends amount from the signer to to.
func (t *Token) Transfer(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transfer", to, amount)
}

// TransferFrom moves amount from from to to using the signer's allowance.
func (t *Token) TransferFrom(opts *bind.TransactOpts, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transferFrom", from, to, amount)
}

// Transfer is a decoded Transfer log.
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Value  *big.Int
	TxHash common.Hash
	Block  uint64
}

// DecodeTransfer parses log as an ERC20 Transfer event.
func DecodeTransfer(log *types.Log) (Transfer, bool) {
	if log == nil || len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return Transfer{}, false
	}
	return Transfer{
		Token:  log.Address,
		From:   common.BytesToAddress(log.Topics[1].Bytes()),
		To:     common.BytesToAddress(log.Topics[2].Bytes()),
		Value:  new(big.Int).SetBytes(log.Data),
		TxHash: log.TxHash,
		Block:  log.BlockNumber,
	}, true
}

// ReceivedBy sums the Transfer logs of token in receipt that credit recipient.
func ReceivedBy(receipt *types.Receipt, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	for _, log := range receipt.Logs {
		transfer, ok := DecodeTransfer(log)
		if !ok || transfer.Token != token || transfer.To != recipient {
			continue
		}
		total.Add(total, transfer.Value)
	}
	return total
}

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// WaitSuccess waits for tx to be mined and checks its status.
func WaitSuccess(ctx context.Context, backend web3.Backend, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return nil, fmt.Errorf("等待交易 %s 上链失败: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	vault.RecordTransaction(ctx, tx.Hash())
	return receipt, nil
}
