package repository

import "context"

// Transactor scopes repository calls to one transaction. The transaction
// travels in the context passed to fn.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	WithinReadTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories bundles one backend's implementations.
type Repositories struct {
	Inodes      InodeRepository
	Directories DirectoryRepository
	Symlinks    SymlinkRepository
	Roots       RootRepository
	Tx          Transactor
	Close       func() error
}
