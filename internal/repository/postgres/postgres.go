package postgres

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/pkg/database/postgresql"
	"github.com/jackc/pgx/v5/pgxpool"
)

const inodeColumns = "ino, type, perm, uid, gid, nlink, crtime, mtime, length, ptr"

// Open migrates the database and returns the repositories backed by it.
func Open(ctx context.Context, cfg config.PostgresConfig) (*repository.Repositories, error) {
	const op = "repository.postgres.Open"

	if err := Migrate(ctx, cfg.DSN()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := postgresql.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	repos := NewRepositories(pool)
	repos.Close = func() error {
		pool.Close()
		return nil
	}
	return repos, nil
}

func NewRepositories(pool *pgxpool.Pool) *repository.Repositories {
	return &repository.Repositories{
		Inodes:      NewInodeRepository(pool),
		Directories: NewDirectoryRepository(pool),
		Symlinks:    NewSymlinkRepository(pool),
		Roots:       NewRootRepository(pool),
		Tx:          &transactor{db: pool},
		Close:       func() error { return nil },
	}
}

type transactor struct {
	db postgresql.TxStarter
}

func (t *transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgresql.WithSerializableTransaction(ctx, t.db, fn)
}

func (t *transactor) WithinReadTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgresql.WithReadOnlyTransaction(ctx, t.db, fn)
}
