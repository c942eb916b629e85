package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/pkg/database/postgresql"
	"github.com/jackc/pgx/v5"
)

type symlinkRepository struct {
	db postgresql.Client
}

func NewSymlinkRepository(db postgresql.Client) repository.SymlinkRepository {
	return &symlinkRepository{db: db}
}

func (r *symlinkRepository) Create(ctx context.Context, ino int64, target string) error {
	const op = "repository.postgres.symlinkRepository.Create"

	db := postgresql.GetDBClient(ctx, r.db)
	if _, err := db.Exec(ctx, `INSERT INTO symlinks (ino, target) VALUES ($1, $2)`, ino, []byte(target)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *symlinkRepository) Get(ctx context.Context, ino int64) (string, bool, error) {
	const op = "repository.postgres.symlinkRepository.Get"

	var target []byte
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, `SELECT target FROM symlinks WHERE ino = $1`, ino).Scan(&target)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return string(target), true, nil
}
