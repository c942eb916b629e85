package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/pkg/database/postgresql"
	"github.com/jackc/pgx/v5"
)

type rootRepository struct {
	db postgresql.Client
}

func NewRootRepository(db postgresql.Client) repository.RootRepository {
	return &rootRepository{db: db}
}

func (r *rootRepository) Get(ctx context.Context) (int64, error) {
	const op = "repository.postgres.rootRepository.Get"

	var root int64
	db := postgresql.GetDBClient(ctx, r.db)
	if err := db.QueryRow(ctx, `SELECT root FROM root LIMIT 1`).Scan(&root); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return root, nil
}

func (r *rootRepository) Set(ctx context.Context, ino int64) error {
	const op = "repository.postgres.rootRepository.Set"

	db := postgresql.GetDBClient(ctx, r.db)
	if _, err := db.Exec(ctx, `INSERT INTO root (root) VALUES ($1)`, ino); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
