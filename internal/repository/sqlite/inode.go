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

type inodeRepository struct {
	pool *sqlitedb.Pool
}

func NewInodeRepository(pool *sqlitedb.Pool) repository.InodeRepository {
	return &inodeRepository{pool: pool}
}

func scanInode(stmt *sqlite.Stmt) *models.Inode {
	return &models.Inode{
		Ino:    stmt.ColumnInt64(0),
		Type:   models.InodeType(stmt.ColumnInt64(1)),
		Perm:   uint32(stmt.ColumnInt64(2)),
		UID:    uint32(stmt.ColumnInt64(3)),
		GID:    uint32(stmt.ColumnInt64(4)),
		Nlink:  stmt.ColumnInt64(5),
		Crtime: stmt.ColumnInt64(6),
		Mtime:  stmt.ColumnInt64(7),
		Length: stmt.ColumnInt64(8),
		Ptr:    columnBlob(stmt, 9),
	}
}

func (r *inodeRepository) Create(ctx context.Context, n models.NewInode, now int64) (*models.Inode, error) {
	const op = "repository.sqlite.inodeRepository.Create"

	mtime := n.Mtime
	if mtime == 0 {
		mtime = now
	}

	query := `
		INSERT INTO Inodes (type, perm, uid, gid, nlink, crtime, mtime, length, ptr)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`

	var inode *models.Inode
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{int64(n.Type), int64(n.Perm), int64(n.UID), int64(n.GID), now, mtime, n.Length, blobArg(n.Ptr)},
		})
		if err != nil {
			return err
		}
		inode = &models.Inode{
			Ino:    conn.LastInsertRowID(),
			Type:   n.Type,
			Perm:   n.Perm,
			UID:    n.UID,
			GID:    n.GID,
			Crtime: now,
			Mtime:  mtime,
			Length: n.Length,
			Ptr:    n.Ptr,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return inode, nil
}

func (r *inodeRepository) Get(ctx context.Context, ino int64) (*models.Inode, error) {
	const op = "repository.sqlite.inodeRepository.Get"

	query := `SELECT ` + inodeColumns + ` FROM Inodes WHERE ino = ?`

	var inode *models.Inode
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{ino},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inode = scanInode(stmt)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return inode, nil
}

func (r *inodeRepository) Update(ctx context.Context, inode *models.Inode) error {
	const op = "repository.sqlite.inodeRepository.Update"

	query := `
		UPDATE Inodes
		SET perm = ?, uid = ?, gid = ?, length = ?, mtime = ?
		WHERE ino = ?
	`

	return r.exec(ctx, op, query, inode.Ino,
		int64(inode.Perm), int64(inode.UID), int64(inode.GID), inode.Length, inode.Mtime, inode.Ino)
}

func (r *inodeRepository) AddNlink(ctx context.Context, ino int64, delta int64) error {
	const op = "repository.sqlite.inodeRepository.AddNlink"

	return r.exec(ctx, op, `UPDATE Inodes SET nlink = nlink + ? WHERE ino = ?`, ino, delta, ino)
}

func (r *inodeRepository) SetLengthAtLeast(ctx context.Context, ino int64, length int64, mtime int64) error {
	const op = "repository.sqlite.inodeRepository.SetLengthAtLeast"

	query := `UPDATE Inodes SET length = max(length, ?), mtime = ? WHERE ino = ?`
	return r.exec(ctx, op, query, ino, length, mtime, ino)
}

// exec runs a single-row update and reports NotFound when nothing matched.
func (r *inodeRepository) exec(ctx context.Context, op, query string, ino int64, args ...any) error {
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d", ino))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *inodeRepository) Delete(ctx context.Context, ino int64) error {
	const op = "repository.sqlite.inodeRepository.Delete"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM Inodes WHERE ino = ?`, &sqlitex.ExecOptions{Args: []any{ino}})
	})
	if err != nil {
		if sqlitedb.IsForeignKeyViolation(err) {
			return fserrors.Wrap(fserrors.NotEmpty, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *inodeRepository) ListOrphans(ctx context.Context) ([]models.Inode, error) {
	const op = "repository.sqlite.inodeRepository.ListOrphans"

	query := `SELECT ` + inodeColumns + ` FROM Inodes WHERE nlink = 0 AND ino NOT IN (SELECT root FROM Root) ORDER BY ino`
	inodes, err := r.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inodes, nil
}

func (r *inodeRepository) ListByType(ctx context.Context, t models.InodeType) ([]models.Inode, error) {
	const op = "repository.sqlite.inodeRepository.ListByType"

	query := `SELECT ` + inodeColumns + ` FROM Inodes WHERE type = ? ORDER BY ino`
	inodes, err := r.list(ctx, query, int64(t))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inodes, nil
}

func (r *inodeRepository) list(ctx context.Context, query string, args ...any) ([]models.Inode, error) {
	var inodes []models.Inode
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inodes = append(inodes, *scanInode(stmt))
				return nil
			},
		})
	})
	return inodes, err
}

func (r *inodeRepository) CountByPtr(ctx context.Context, ptr []byte) (int64, error) {
	const op = "repository.sqlite.inodeRepository.CountByPtr"

	var count int64
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT count(*) FROM Inodes WHERE ptr = ?`, &sqlitex.ExecOptions{
			Args: []any{ptr},
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

func (r *inodeRepository) Statistics(ctx context.Context) (models.Statistics, error) {
	const op = "repository.sqlite.inodeRepository.Statistics"

	var stats models.Statistics
	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT count(*), coalesce(sum(length), 0) FROM Inodes`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Inodes = stmt.ColumnInt64(0)
				stats.Bytes = stmt.ColumnInt64(1)
				return nil
			},
		})
	})
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

func (r *inodeRepository) Each(ctx context.Context, fn func(*models.Inode) error) error {
	const op = "repository.sqlite.inodeRepository.Each"

	err := withConn(ctx, r.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+inodeColumns+` FROM Inodes ORDER BY ino`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(scanInode(stmt))
			},
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
