package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "AISwap-Executor/internal/errors"
)

// Deposit 记入用户已在外部授权给金库的资金。
func (v *Vault) Deposit(ctx context.Context, user, token common.Address, amount *big.Int) error {
	return v.mutate(ctx, "deposit", user, func(ctx context.Context, u *unit) error {
		if err := checkAmount(amount, "amount"); err != nil {
			return err
		}
		if err := v.authorize(ctx, u.tx, user, roleRegistered, nil); err != nil {
			return err
		}
		if err := v.credit(ctx, u.tx, user, token, amount); err != nil {
			return err
		}
		if err := v.custody.Pull(ctx, user, token, amount); err != nil {
			return externalFailure(err, "custody.pull")
		}
		u.journal.settle("custody.pull", token, amount)
		u.emit(TokenDeposited{User: user, Token: token, Amount: cloneBig(amount)})
		return nil
	})
}

// Withdraw 扣减余额并将资金释放给用户。
func (v *Vault) Withdraw(ctx context.Context, user, token common.Address, amount *big.Int) error {
	return v.mutate(ctx, "withdraw", user, func(ctx context.Context, u *unit) error {
		if err := checkAmount(amount, "amount"); err != nil {
			return err
		}
		if err := v.authorize(ctx, u.tx, user, roleRegistered, nil); err != nil {
			return err
		}
		if err := v.debit(ctx, u.tx, user, token, amount); err != nil {
			return err
		}
		if err := v.custody.Push(ctx, user, token, amount); err != nil {
			return externalFailure(err, "custody.push")
		}
		u.journal.settle("custody.push", token, amount)
		u.emit(TokenWithdrawn{User: user, Token: token, Amount: cloneBig(amount)})
		return nil
	})
}

// BalanceOf 返回用户在账本中的余额，无副作用。
func (v *Vault) BalanceOf(ctx context.Context, user, token common.Address) (*big.Int, error) {
	var balance *big.Int
	err := v.view(ctx, func(tx Tx) error {
		bal, err := tx.Balance(ctx, user, token)
		if err != nil {
			return err
		}
		balance = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// CheckSolvency 对比某代币的账本总额与托管持有量。
func (v *Vault) CheckSolvency(ctx context.Context, token common.Address) (SolvencyReport, error) {
	var total *big.Int
	if err := v.view(ctx, func(tx Tx) error {
		sum, err := tx.TotalBalance(ctx, token)
		if err != nil {
			return err
		}
		total = sum
		return nil
	}); err != nil {
		return SolvencyReport{}, err
	}
	holdings, err := v.custody.Holdings(ctx, token)
	if err != nil {
		return SolvencyReport{}, externalFailure(err, "custody.holdings")
	}
	return SolvencyReport{
		Token:    token,
		Ledger:   total,
		Holdings: holdings,
		Solvent:  total.Cmp(holdings) <= 0,
	}, nil
}

func (v *Vault) debit(ctx context.Context, tx Tx, user, token common.Address, amount *big.Int) error {
	balance, err := tx.Balance(ctx, user, token)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance.With(
			xerrors.WithMetadata("user", user.Hex()),
			xerrors.WithMetadata("token", token.Hex()),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("requested", amount.String()),
		)
	}
	return tx.PutBalance(ctx, user, token, new(big.Int).Sub(balance, amount))
}

func (v *Vault) credit(ctx context.Context, tx Tx, user, token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	balance, err := tx.Balance(ctx, user, token)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, amount)
	if _, overflow := uint256.FromBig(next); overflow {
		return ErrInvalidAmount.With(xerrors.WithMetadata("reason", "balance overflow"))
	}
	return tx.PutBalance(ctx, user, token, next)
}
