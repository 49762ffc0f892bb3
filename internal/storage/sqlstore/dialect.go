package sqlstore

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "AISwap-Executor/internal/errors"
)

type dialect struct {
	name         string
	driver       string
	dir          string
	singleWriter bool
	lockClause   string
	upsertBal    string
	upsertAgent  string
}

var (
	mysqlDialect = dialect{
		name:       "MySQL",
		driver:     "mysql",
		dir:        "mysql",
		lockClause: " FOR UPDATE",
		upsertBal: `INSERT INTO vault_balances (user_address, token_address, amount, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), updated_at = VALUES(updated_at)`,
		upsertAgent: `INSERT INTO vault_agents (address, approved, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE approved = VALUES(approved), updated_at = VALUES(updated_at)`,
	}
	sqliteDialect = dialect{
		name:         "SQLite",
		driver:       "sqlite",
		dir:          "sqlite",
		singleWriter: true,
		upsertBal: `INSERT INTO vault_balances (user_address, token_address, amount, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(user_address, token_address) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		upsertAgent: `INSERT INTO vault_agents (address, approved, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET approved = excluded.approved, updated_at = excluded.updated_at`,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, xerrors.New(xerrors.CodeInitializationFailure, "不支持的存储驱动",
			xerrors.WithMetadata("driver", driver))
	}
}

// isDuplicate 判断错误是否为主键或唯一索引冲突。
func (d dialect) isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
