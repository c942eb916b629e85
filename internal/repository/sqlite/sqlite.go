package sqlite

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/repository"
	sqlitedb "github.com/S1riyS/hugefs/pkg/database/sqlite"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed schema.sql
var schema string

const inodeColumns = "ino, type, perm, uid, gid, nlink, crtime, mtime, length, ptr"

// Open opens the database at cfg.Path, applies the schema and returns the
// repositories backed by it.
func Open(ctx context.Context, cfg config.SQLiteConfig) (*repository.Repositories, error) {
	const op = "repository.sqlite.Open"

	pool, err := sqlitedb.Open(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := applySchema(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return NewRepositories(pool), nil
}

func NewRepositories(pool *sqlitedb.Pool) *repository.Repositories {
	return &repository.Repositories{
		Inodes:      NewInodeRepository(pool),
		Directories: NewDirectoryRepository(pool),
		Symlinks:    NewSymlinkRepository(pool),
		Roots:       NewRootRepository(pool),
		Tx:          &transactor{pool: pool},
		Close:       pool.Close,
	}
}

func applySchema(ctx context.Context, pool *sqlitedb.Pool) error {
	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

type transactor struct {
	pool *sqlitedb.Pool
}

func (t *transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return sqlitedb.WithTransaction(ctx, t.pool, fn)
}

func (t *transactor) WithinReadTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return sqlitedb.WithReadTransaction(ctx, t.pool, fn)
}

// withConn runs fn on the connection carried by ctx, or on a pooled one.
func withConn(ctx context.Context, pool *sqlitedb.Pool, fn func(conn *sqlite.Conn) error) error {
	if conn := sqlitedb.GetConn(ctx); conn != nil {
		return fn(conn)
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)
	return fn(conn)
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func blobArg(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
