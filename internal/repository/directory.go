package repository

import (
	"context"

	"github.com/S1riyS/hugefs/internal/models"
)

// DirectoryRepository reads and writes rows of the DirEntries table. Get
// returns nil, nil for a missing entry.
type DirectoryRepository interface {
	// Insert fails with AlreadyExists when (dir, name) is taken.
	Insert(ctx context.Context, e models.DirEntry) error
	Get(ctx context.Context, dir int64, name string) (*models.DirEntry, error)
	Delete(ctx context.Context, dir int64, name string) error
	List(ctx context.Context, dir int64) ([]models.DirEntry, error)
	Count(ctx context.Context, dir int64) (int64, error)
	// Referencing lists the entries that point at ino.
	Referencing(ctx context.Context, ino int64) ([]models.DirEntry, error)
	// Retarget points every entry of oldIno at newIno, returning the number of rows moved.
	Retarget(ctx context.Context, oldIno, newIno int64, t models.InodeType) (int64, error)
	Each(ctx context.Context, fn func(*models.DirEntry) error) error
}
