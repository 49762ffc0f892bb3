package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
)

// RegisterUser 注册用户。注册是永久的，重复注册返回 ErrAlreadyRegistered。
func (v *Vault) RegisterUser(ctx context.Context, user common.Address) error {
	return v.mutate(ctx, "register_user", user, func(ctx context.Context, u *unit) error {
		if user == (common.Address{}) {
			return ErrInvalidArgument.With(xerrors.WithMetadata("field", "user"))
		}
		if err := u.tx.InsertUser(ctx, user, v.now().Unix()); err != nil {
			return err
		}
		u.emit(UserRegistered{User: user})
		return nil
	})
}

// SetAgent 由管理员授予或撤销代理资格，重复设置不会报错。
func (v *Vault) SetAgent(ctx context.Context, admin, agent common.Address, approved bool) error {
	return v.mutate(ctx, "set_agent", admin, func(ctx context.Context, u *unit) error {
		if err := v.authorize(ctx, u.tx, admin, roleAdmin, nil); err != nil {
			return err
		}
		if agent == (common.Address{}) {
			return ErrInvalidArgument.With(xerrors.WithMetadata("field", "agent"))
		}
		if err := u.tx.PutAgent(ctx, agent, approved); err != nil {
			return err
		}
		u.emit(AgentUpdated{Agent: agent, Approved: approved})
		return nil
	})
}

// IsAgent 查询地址是否为已授权代理，对应合约的 aiAgents(addr)。
func (v *Vault) IsAgent(ctx context.Context, addr common.Address) (bool, error) {
	var approved bool
	err := v.view(ctx, func(tx Tx) error {
		var err error
		approved, err = tx.AgentApproved(ctx, addr)
		return err
	})
	return approved, err
}

// IsRegistered 查询用户是否已注册。
func (v *Vault) IsRegistered(ctx context.Context, addr common.Address) (bool, error) {
	var registered bool
	err := v.view(ctx, func(tx Tx) error {
		var err error
		registered, err = tx.UserRegistered(ctx, addr)
		return err
	})
	return registered, err
}
