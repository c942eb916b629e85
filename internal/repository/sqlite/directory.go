package sqlite

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository"
	sqlitedb "github.com/S1riyS/hugefs/pkg/database/sqlite"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type directoryRepository struct {
	pool *sqlitedb.Pool
}

func NewDirectoryRepository(pool *sqlitedb.Pool) repository.DirectoryRepository {
	return &directoryRepository{pool: pool}
}

func scanEntry(stmt *sqlite.Stmt) *models.DirEntry {
	return &models.DirEntry{
		Dir:  stmt.ColumnInt64(0),
		Name: stmt.ColumnText(1),
		Ino:  stmt.ColumnInt64(2),
		Type: models.InodeType(stmt.ColumnInt64(3)),
	}
}

func (r *directoryRepository) Insert(ctx context.Context, e models.DirEntry) error {
	const op = "repository.sqlite.directoryRepository.Insert"

	query := `INSERT INTO DirEntries (dir, name, ino, type) VALUES (?, ?, ?, ?)`

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{e.Dir, e.Name, e.Ino, int64(e.Type)},
		})
	})
	if err != nil {
		switch {
		case sqlitedb.IsUniqueViolation(err):
			return fserrors.New(fserrors.AlreadyExists, op, fmt.Sprintf("%q in directory %d", e.Name, e.Dir))
		case sqlitedb.IsForeignKeyViolation(err):
			return fserrors.Wrap(fserrors.NotFound, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *directoryRepository) Get(ctx context.Context, dir int64, name string) (*models.DirEntry, error) {
	const op = "repository.sqlite.directoryRepository.Get"

	query := `SELECT dir, name, ino, type FROM DirEntries WHERE dir = ? AND name = ?`

	var entry *models.DirEntry
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{dir, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = scanEntry(stmt)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entry, nil
}

func (r *directoryRepository) Delete(ctx context.Context, dir int64, name string) error {
	const op = "repository.sqlite.directoryRepository.Delete"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM DirEntries WHERE dir = ? AND name = ?`, &sqlitex.ExecOptions{
			Args: []any{dir, name},
		})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("%q in directory %d", name, dir))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *directoryRepository) List(ctx context.Context, dir int64) ([]models.DirEntry, error) {
	const op = "repository.sqlite.directoryRepository.List"

	entries, err := r.list(ctx, `SELECT dir, name, ino, type FROM DirEntries WHERE dir = ? ORDER BY name`, dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (r *directoryRepository) Referencing(ctx context.Context, ino int64) ([]models.DirEntry, error) {
	const op = "repository.sqlite.directoryRepository.Referencing"

	entries, err := r.list(ctx, `SELECT dir, name, ino, type FROM DirEntries WHERE ino = ? ORDER BY dir, name`, ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (r *directoryRepository) list(ctx context.Context, query string, args ...any) ([]models.DirEntry, error) {
	entries := []models.DirEntry{}
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, *scanEntry(stmt))
				return nil
			},
		})
	})
	return entries, err
}

func (r *directoryRepository) Count(ctx context.Context, dir int64) (int64, error) {
	const op = "repository.sqlite.directoryRepository.Count"

	var count int64
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT count(*) FROM DirEntries WHERE dir = ?`, &sqlitex.ExecOptions{
			Args: []any{dir},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

func (r *directoryRepository) Retarget(ctx context.Context, oldIno, newIno int64, t models.InodeType) (int64, error) {
	const op = "repository.sqlite.directoryRepository.Retarget"

	var moved int64
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE DirEntries SET ino = ?, type = ? WHERE ino = ?`, &sqlitex.ExecOptions{
			Args: []any{newIno, int64(t), oldIno},
		})
		if err != nil {
			return err
		}
		moved = int64(conn.Changes())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return moved, nil
}

func (r *directoryRepository) Each(ctx context.Context, fn func(*models.DirEntry) error) error {
	const op = "repository.sqlite.directoryRepository.Each"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT dir, name, ino, type FROM DirEntries ORDER BY dir, name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(scanEntry(stmt))
			},
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
