package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txn struct {
	q         queryer
	dialect   dialect
	readOnly  bool
	forUpdate bool
}

var errReadOnly = xerrors.New(xerrors.CodeStorageFailure, "write attempted in read-only view", xerrors.WithAlert(false))

func storageErr(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func (t *txn) lock() string {
	if t.forUpdate {
		return t.dialect.lockClause
	}
	return ""
}

func (t *txn) UserRegistered(ctx context.Context, user common.Address) (bool, error) {
	var one int
	err := t.q.QueryRowContext(ctx, `SELECT 1 FROM vault_users WHERE address = ?`, user.Hex()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err, "查询用户失败")
	}
	return true, nil
}

func (t *txn) InsertUser(ctx context.Context, user common.Address, registeredAt int64) error {
	if t.readOnly {
		return errReadOnly
	}
	exists, err := t.UserRegistered(ctx, user)
	if err != nil {
		return err
	}
	if exists {
		return vault.ErrAlreadyRegistered
	}
	if _, err := t.q.ExecContext(ctx, `INSERT INTO vault_users (address, registered_at) VALUES (?, ?)`, user.Hex(), registeredAt); err != nil {
		if t.dialect.isDuplicate(err) {
			return vault.ErrAlreadyRegistered
		}
		return storageErr(err, "写入用户失败")
	}
	return nil
}

func (t *txn) AgentApproved(ctx context.Context, agent common.Address) (bool, error) {
	var approved bool
	err := t.q.QueryRowContext(ctx, `SELECT approved FROM vault_agents WHERE address = ?`, agent.Hex()).Scan(&approved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err, "查询代理失败")
	}
	return approved, nil
}

func (t *txn) PutAgent(ctx context.Context, agent common.Address, approved bool) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.q.ExecContext(ctx, t.dialect.upsertAgent, agent.Hex(), approved, time.Now().Unix()); err != nil {
		return storageErr(err, "写入代理失败")
	}
	return nil
}

func (t *txn) Balance(ctx context.Context, user, token common.Address) (*big.Int, error) {
	var raw string
	err := t.q.QueryRowContext(ctx,
		`SELECT amount FROM vault_balances WHERE user_address = ? AND token_address = ?`+t.lock(),
		user.Hex(), token.Hex(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, storageErr(err, "查询余额失败")
	}
	return parseAmount(raw)
}

func (t *txn) PutBalance(ctx context.Context, user, token common.Address, amount *big.Int) error {
	if t.readOnly {
		return errReadOnly
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "balance must not be negative")
	}
	if _, err := t.q.ExecContext(ctx, t.dialect.upsertBal, user.Hex(), token.Hex(), amount.String(), time.Now().Unix()); err != nil {
		return storageErr(err, "写入余额失败")
	}
	return nil
}

// TotalBalance 在 Go 中累加，金额列以十进制字符串存储，无法直接 SUM。
func (t *txn) TotalBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT amount FROM vault_balances WHERE token_address = ?`, token.Hex())
	if err != nil {
		return nil, storageErr(err, "查询余额失败")
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr(err, "解析余额失败")
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历余额失败")
	}
	return total, nil
}

func (t *txn) NextNonce(ctx context.Context) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE vault_sequences SET value = value + 1 WHERE name = 'order_nonce'`); err != nil {
		return 0, storageErr(err, "分配订单序号失败")
	}
	var nonce uint64
	if err := t.q.QueryRowContext(ctx, `SELECT value FROM vault_sequences WHERE name = 'order_nonce'`).Scan(&nonce); err != nil {
		return 0, storageErr(err, "读取订单序号失败")
	}
	return nonce, nil
}

func (t *txn) InsertOrder(ctx context.Context, order *vault.ThresholdOrder) error {
	if t.readOnly {
		return errReadOnly
	}
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order must not be nil")
	}
	const stmt = `INSERT INTO threshold_orders
        (id, owner, token_in, token_out, fee, threshold_price, is_above, state, nonce, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.q.ExecContext(ctx, stmt,
		order.ID.Hex(),
		order.Owner.Hex(),
		order.TokenIn.Hex(),
		order.TokenOut.Hex(),
		order.Fee,
		order.ThresholdPrice.String(),
		order.IsAbove,
		string(order.State),
		order.Nonce,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if t.dialect.isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "order id already exists", xerrors.WithMetadata("order_id", order.ID.Hex()))
		}
		return storageErr(err, "写入订单失败")
	}
	return nil
}

const orderColumns = `id, owner, token_in, token_out, fee, threshold_price, is_above, state, nonce, created_at, updated_at`

func (t *txn) Order(ctx context.Context, id common.Hash) (*vault.ThresholdOrder, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM threshold_orders WHERE id = ?`+t.lock(), id.Hex())
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// TransitionOrder 通过带状态条件的 UPDATE 实现比较并交换，未命中时重新读取以区分原因。
func (t *txn) TransitionOrder(ctx context.Context, id common.Hash, from, to vault.OrderState, at int64) error {
	if t.readOnly {
		return errReadOnly
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE threshold_orders SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), at, id.Hex(), string(from),
	)
	if err != nil {
		return storageErr(err, "更新订单状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取受影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := t.Order(ctx, id); err != nil {
		return err
	}
	return vault.ErrAlreadyInactive
}

func (t *txn) Orders(ctx context.Context, filter vault.OrderFilter) ([]*vault.ThresholdOrder, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Owner != nil {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner.Hex())
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	query := `SELECT ` + orderColumns + ` FROM threshold_orders`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY nonce DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询订单失败")
	}
	defer rows.Close()

	out := make([]*vault.ThresholdOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历订单失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*vault.ThresholdOrder, error) {
	var (
		id, owner, tokenIn, tokenOut string
		price, state                 string
		order                        vault.ThresholdOrder
	)
	err := row.Scan(&id, &owner, &tokenIn, &tokenOut, &order.Fee, &price, &order.IsAbove, &state, &order.Nonce, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr(err, "解析订单失败")
	}
	threshold, err := parseAmount(price)
	if err != nil {
		return nil, err
	}
	order.ID = common.HexToHash(id)
	order.Owner = common.HexToAddress(owner)
	order.TokenIn = common.HexToAddress(tokenIn)
	order.TokenOut = common.HexToAddress(tokenOut)
	order.ThresholdPrice = threshold
	order.State = vault.OrderState(state)
	return &order, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("无法解析金额 %q", raw))
	}
	return amount, nil
}
