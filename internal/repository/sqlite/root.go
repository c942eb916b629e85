package sqlite

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/repository"
	sqlitedb "github.com/S1riyS/hugefs/pkg/database/sqlite"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type rootRepository struct {
	pool *sqlitedb.Pool
}

func NewRootRepository(pool *sqlitedb.Pool) repository.RootRepository {
	return &rootRepository{pool: pool}
}

func (r *rootRepository) Get(ctx context.Context) (int64, error) {
	const op = "repository.sqlite.rootRepository.Get"

	var root int64
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT root FROM Root LIMIT 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				root = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return root, nil
}

func (r *rootRepository) Set(ctx context.Context, ino int64) error {
	const op = "repository.sqlite.rootRepository.Set"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO Root (root) VALUES (?)`, &sqlitex.ExecOptions{
			Args: []any{ino},
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
