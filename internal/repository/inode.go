package repository

import (
	"context"

	"github.com/S1riyS/hugefs/internal/models"
)

// InodeRepository reads and writes rows of the Inodes table. Get returns
// nil, nil for a missing row.
type InodeRepository interface {
	Create(ctx context.Context, n models.NewInode, now int64) (*models.Inode, error)
	Get(ctx context.Context, ino int64) (*models.Inode, error)
	// Update writes perm, uid, gid, length and mtime of inode.
	Update(ctx context.Context, inode *models.Inode) error
	AddNlink(ctx context.Context, ino int64, delta int64) error
	SetLengthAtLeast(ctx context.Context, ino int64, length int64, mtime int64) error
	// Delete removes the row. It fails with NotEmpty while entries still
	// live inside the inode.
	Delete(ctx context.Context, ino int64) error
	ListOrphans(ctx context.Context) ([]models.Inode, error)
	ListByType(ctx context.Context, t models.InodeType) ([]models.Inode, error)
	CountByPtr(ctx context.Context, ptr []byte) (int64, error)
	Statistics(ctx context.Context) (models.Statistics, error)
	Each(ctx context.Context, fn func(*models.Inode) error) error
}
