package sqlite

import (
	"context"
	"fmt"
	"runtime"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Pool is a pool of SQLite connections to one database file. Every
// connection enforces foreign keys.
type Pool struct {
	inner *sqlitex.Pool
	path  string
}

// Open opens the pool. onConnect runs once per new connection after the pragmas.
func Open(ctx context.Context, cfg config.SQLiteConfig, onConnect func(conn *sqlite.Conn) error) (*Pool, error) {
	const op = "sqlite.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if cfg.Path == "" {
		return nil, fmt.Errorf("%s: path is required", op)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, onConnect)
		},
	})
	if err != nil {
		logger.Error("Failed to open sqlite pool", slogext.Err(err))
		return nil, fmt.Errorf("%s: opening %s: %w", op, cfg.Path, err)
	}

	logger.Info("Opened sqlite database", "path", cfg.Path, "pool_size", poolSize)
	return &Pool{inner: inner, path: cfg.Path}, nil
}

func MustOpen(ctx context.Context, cfg config.SQLiteConfig, onConnect func(conn *sqlite.Conn) error) *Pool {
	pool, err := Open(ctx, cfg, onConnect)
	if err != nil {
		panic(err)
	}
	return pool
}

func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlite: closing %s: %w", p.path, err)
	}
	return nil
}

func (p *Pool) Path() string { return p.path }

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlite: OnConnect: %w", err)
		}
	}

	return nil
}
