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

type directoryRepository struct {
	db postgresql.Client
}

func NewDirectoryRepository(db postgresql.Client) repository.DirectoryRepository {
	return &directoryRepository{db: db}
}

func scanEntry(row pgx.Row) (*models.DirEntry, error) {
	var (
		entry models.DirEntry
		name  []byte
		typ   int16
	)
	if err := row.Scan(&entry.Dir, &name, &entry.Ino, &typ); err != nil {
		return nil, err
	}
	entry.Name = string(name)
	entry.Type = models.InodeType(typ)
	return &entry, nil
}

func (r *directoryRepository) Insert(ctx context.Context, e models.DirEntry) error {
	const op = "repository.postgres.directoryRepository.Insert"

	query := `INSERT INTO direntries (dir, name, ino, type) VALUES ($1, $2, $3, $4)`

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, e.Dir, []byte(e.Name), e.Ino, int16(e.Type))
	if err != nil {
		switch postgresql.ErrorCode(err) {
		case postgresql.CodeUniqueViolation:
			return fserrors.New(fserrors.AlreadyExists, op, fmt.Sprintf("%q in directory %d", e.Name, e.Dir))
		case postgresql.CodeForeignKeyViolation:
			return fserrors.Wrap(fserrors.NotFound, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *directoryRepository) Get(ctx context.Context, dir int64, name string) (*models.DirEntry, error) {
	const op = "repository.postgres.directoryRepository.Get"

	query := `SELECT dir, name, ino, type FROM direntries WHERE dir = $1 AND name = $2`

	db := postgresql.GetDBClient(ctx, r.db)
	entry, err := scanEntry(db.QueryRow(ctx, query, dir, []byte(name)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entry, nil
}

func (r *directoryRepository) Delete(ctx context.Context, dir int64, name string) error {
	const op = "repository.postgres.directoryRepository.Delete"

	db := postgresql.GetDBClient(ctx, r.db)
	tag, err := db.Exec(ctx, `DELETE FROM direntries WHERE dir = $1 AND name = $2`, dir, []byte(name))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("%q in directory %d", name, dir))
	}
	return nil
}

func (r *directoryRepository) List(ctx context.Context, dir int64) ([]models.DirEntry, error) {
	const op = "repository.postgres.directoryRepository.List"

	entries, err := r.list(ctx, `SELECT dir, name, ino, type FROM direntries WHERE dir = $1 ORDER BY name`, dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (r *directoryRepository) Referencing(ctx context.Context, ino int64) ([]models.DirEntry, error) {
	const op = "repository.postgres.directoryRepository.Referencing"

	entries, err := r.list(ctx, `SELECT dir, name, ino, type FROM direntries WHERE ino = $1 ORDER BY dir, name`, ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (r *directoryRepository) list(ctx context.Context, query string, args ...any) ([]models.DirEntry, error) {
	entries := []models.DirEntry{}
	err := r.each(ctx, query, func(e *models.DirEntry) error {
		entries = append(entries, *e)
		return nil
	}, args...)
	return entries, err
}

func (r *directoryRepository) each(ctx context.Context, query string, fn func(*models.DirEntry) error, args ...any) error {
	db := postgresql.GetDBClient(ctx, r.db)
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *directoryRepository) Count(ctx context.Context, dir int64) (int64, error) {
	const op = "repository.postgres.directoryRepository.Count"

	var count int64
	db := postgresql.GetDBClient(ctx, r.db)
	if err := db.QueryRow(ctx, `SELECT count(*) FROM direntries WHERE dir = $1`, dir).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

func (r *directoryRepository) Retarget(ctx context.Context, oldIno, newIno int64, t models.InodeType) (int64, error) {
	const op = "repository.postgres.directoryRepository.Retarget"

	db := postgresql.GetDBClient(ctx, r.db)
	tag, err := db.Exec(ctx, `UPDATE direntries SET ino = $1, type = $2 WHERE ino = $3`, newIno, int16(t), oldIno)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (r *directoryRepository) Each(ctx context.Context, fn func(*models.DirEntry) error) error {
	const op = "repository.postgres.directoryRepository.Each"

	if err := r.each(ctx, `SELECT dir, name, ino, type FROM direntries ORDER BY dir, name`, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
