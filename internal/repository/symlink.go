package repository

import "context"

type SymlinkRepository interface {
	Create(ctx context.Context, ino int64, target string) error
	// Get returns ok == false when ino has no Symlinks row.
	Get(ctx context.Context, ino int64) (target string, ok bool, err error)
}
