package sqlite

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/repository"
	sqlitedb "github.com/S1riyS/hugefs/pkg/database/sqlite"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type symlinkRepository struct {
	pool *sqlitedb.Pool
}

func NewSymlinkRepository(pool *sqlitedb.Pool) repository.SymlinkRepository {
	return &symlinkRepository{pool: pool}
}

func (r *symlinkRepository) Create(ctx context.Context, ino int64, target string) error {
	const op = "repository.sqlite.symlinkRepository.Create"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO Symlinks (ino, target) VALUES (?, ?)`, &sqlitex.ExecOptions{
			Args: []any{ino, target},
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *symlinkRepository) Get(ctx context.Context, ino int64) (string, bool, error) {
	const op = "repository.sqlite.symlinkRepository.Get"

	var (
		target string
		found  bool
	)
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT target FROM Symlinks WHERE ino = ?`, &sqlitex.ExecOptions{
			Args: []any{ino},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				target = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return target, found, nil
}
