package repository

import "context"

type RootRepository interface {
	// Get returns 0 when the Root row has not been written yet.
	Get(ctx context.Context) (int64, error)
	Set(ctx context.Context, ino int64) error
}
