package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "AISwap-Executor/internal/errors"
	"AISwap-Executor/internal/vault"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string        `json:"driver"`
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// Store 使用 MySQL 或 SQLite 持久化金库状态，每个原子操作对应一个数据库事务。
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ vault.Store = (*Store)(nil)

// Open 建立连接池并执行尚未应用的迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: d}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDatabase(ctx context.Context, d dialect, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("%s DSN 不能为空", d.name))
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("连接 %s 失败", d.name))
	}

	if d.singleWriter {
		// SQLite 只允许一个写者，单连接可避免 database is locked。
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", d.name))
	}
	return db, nil
}

// Atomic 在一个数据库事务中执行 fn，fn 返回错误时回滚。
func (s *Store) Atomic(ctx context.Context, fn func(tx vault.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	tx := &txn{q: sqlTx, dialect: s.dialect, forUpdate: true}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// View 直接在连接池上执行只读查询。
func (s *Store) View(ctx context.Context, fn func(tx vault.Tx) error) error {
	return fn(&txn{q: s.db, dialect: s.dialect, readOnly: true})
}

// Close 关闭连接池。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连通性，供健康检查使用。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
