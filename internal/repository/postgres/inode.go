package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/pkg/database/postgresql"
	"github.com/jackc/pgx/v5"
)

type inodeRepository struct {
	db postgresql.Client
}

func NewInodeRepository(db postgresql.Client) repository.InodeRepository {
	return &inodeRepository{db: db}
}

func scanInode(row pgx.Row) (*models.Inode, error) {
	var (
		inode    models.Inode
		typ      int16
		perm     int32
		uid, gid int64
	)
	err := row.Scan(&inode.Ino, &typ, &perm, &uid, &gid, &inode.Nlink, &inode.Crtime, &inode.Mtime, &inode.Length, &inode.Ptr)
	if err != nil {
		return nil, err
	}
	inode.Type = models.InodeType(typ)
	inode.Perm = uint32(perm)
	inode.UID = uint32(uid)
	inode.GID = uint32(gid)
	return &inode, nil
}

func (r *inodeRepository) Create(ctx context.Context, n models.NewInode, now int64) (*models.Inode, error) {
	const op = "repository.postgres.inodeRepository.Create"

	mtime := n.Mtime
	if mtime == 0 {
		mtime = now
	}

	query := `
		INSERT INTO inodes (type, perm, uid, gid, nlink, crtime, mtime, length, ptr)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		RETURNING ` + inodeColumns

	db := postgresql.GetDBClient(ctx, r.db)
	inode, err := scanInode(db.QueryRow(ctx, query,
		int16(n.Type), int32(n.Perm), int64(n.UID), int64(n.GID), now, mtime, n.Length, n.Ptr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return inode, nil
}

func (r *inodeRepository) Get(ctx context.Context, ino int64) (*models.Inode, error) {
	const op = "repository.postgres.inodeRepository.Get"

	query := `SELECT ` + inodeColumns + ` FROM inodes WHERE ino = $1`

	db := postgresql.GetDBClient(ctx, r.db)
	inode, err := scanInode(db.QueryRow(ctx, query, ino))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return inode, nil
}

func (r *inodeRepository) Update(ctx context.Context, inode *models.Inode) error {
	const op = "repository.postgres.inodeRepository.Update"

	query := `
		UPDATE inodes
		SET perm = $1, uid = $2, gid = $3, length = $4, mtime = $5
		WHERE ino = $6
	`

	return r.exec(ctx, op, query, inode.Ino,
		int32(inode.Perm), int64(inode.UID), int64(inode.GID), inode.Length, inode.Mtime, inode.Ino)
}

func (r *inodeRepository) AddNlink(ctx context.Context, ino int64, delta int64) error {
	const op = "repository.postgres.inodeRepository.AddNlink"

	return r.exec(ctx, op, `UPDATE inodes SET nlink = nlink + $1 WHERE ino = $2`, ino, delta, ino)
}

func (r *inodeRepository) SetLengthAtLeast(ctx context.Context, ino int64, length int64, mtime int64) error {
	const op = "repository.postgres.inodeRepository.SetLengthAtLeast"

	query := `UPDATE inodes SET length = GREATEST(length, $1), mtime = $2 WHERE ino = $3`
	return r.exec(ctx, op, query, ino, length, mtime, ino)
}

func (r *inodeRepository) exec(ctx context.Context, op, query string, ino int64, args ...any) error {
	db := postgresql.GetDBClient(ctx, r.db)
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d", ino))
	}
	return nil
}

func (r *inodeRepository) Delete(ctx context.Context, ino int64) error {
	const op = "repository.postgres.inodeRepository.Delete"

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, `DELETE FROM inodes WHERE ino = $1`, ino)
	if err != nil {
		if postgresql.ErrorCode(err) == postgresql.CodeForeignKeyViolation {
			return fserrors.Wrap(fserrors.NotEmpty, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *inodeRepository) ListOrphans(ctx context.Context) ([]models.Inode, error) {
	const op = "repository.postgres.inodeRepository.ListOrphans"

	query := `SELECT ` + inodeColumns + ` FROM inodes WHERE nlink = 0 AND ino NOT IN (SELECT root FROM root) ORDER BY ino`
	inodes, err := r.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inodes, nil
}

func (r *inodeRepository) ListByType(ctx context.Context, t models.InodeType) ([]models.Inode, error) {
	const op = "repository.postgres.inodeRepository.ListByType"

	query := `SELECT ` + inodeColumns + ` FROM inodes WHERE type = $1 ORDER BY ino`
	inodes, err := r.list(ctx, query, int16(t))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inodes, nil
}

func (r *inodeRepository) list(ctx context.Context, query string, args ...any) ([]models.Inode, error) {
	var inodes []models.Inode
	err := r.each(ctx, query, func(inode *models.Inode) error {
		inodes = append(inodes, *inode)
		return nil
	}, args...)
	return inodes, err
}

func (r *inodeRepository) each(ctx context.Context, query string, fn func(*models.Inode) error, args ...any) error {
	db := postgresql.GetDBClient(ctx, r.db)
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		inode, err := scanInode(rows)
		if err != nil {
			return err
		}
		if err := fn(inode); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *inodeRepository) CountByPtr(ctx context.Context, ptr []byte) (int64, error) {
	const op = "repository.postgres.inodeRepository.CountByPtr"

	var count int64
	db := postgresql.GetDBClient(ctx, r.db)
	if err := db.QueryRow(ctx, `SELECT count(*) FROM inodes WHERE ptr = $1`, ptr).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

func (r *inodeRepository) Statistics(ctx context.Context) (models.Statistics, error) {
	const op = "repository.postgres.inodeRepository.Statistics"

	var stats models.Statistics
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, `SELECT count(*), coalesce(sum(length), 0)::BIGINT FROM inodes`).Scan(&stats.Inodes, &stats.Bytes)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

func (r *inodeRepository) Each(ctx context.Context, fn func(*models.Inode) error) error {
	const op = "repository.postgres.inodeRepository.Each"

	if err := r.each(ctx, `SELECT `+inodeColumns+` FROM inodes ORDER BY ino`, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
