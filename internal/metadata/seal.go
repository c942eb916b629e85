package metadata

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
)

// Relink replaces the mutable inode old with a new immutable inode holding
// digest. Every entry naming old is retargeted in the same transaction, so
// no path ever observes a type change in place. old is destroyed unless a
// handle still holds it open.
func (s *Store) Relink(ctx context.Context, old int64, digest []byte, length int64) (*models.Inode, models.Reclaim, error) {
	const op = "metadata.Store.Relink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var (
		sealed  *models.Inode
		reclaim models.Reclaim
	)
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		prev, err := s.get(ctx, op, old)
		if err != nil {
			return err
		}
		if prev.Type != models.InodeTypeMutable {
			return fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is %s", old, prev.Type))
		}
		if prev.Nlink == 0 {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d is unlinked", old))
		}

		sealed, err = s.createInode(ctx, op, models.NewInode{
			Type:   models.InodeTypeImmutable,
			Perm:   prev.Perm,
			UID:    prev.UID,
			GID:    prev.GID,
			Length: length,
			Ptr:    digest,
			Mtime:  prev.Mtime,
		})
		if err != nil {
			return err
		}

		moved, err := s.dirs.Retarget(ctx, prev.Ino, sealed.Ino, models.InodeTypeImmutable)
		if err != nil {
			return err
		}
		if moved != prev.Nlink {
			return fserrors.New(fserrors.Corruption, op,
				fmt.Sprintf("inode %d has nlink %d but %d entries", prev.Ino, prev.Nlink, moved))
		}
		if err := s.inodes.AddNlink(ctx, sealed.Ino, moved); err != nil {
			return err
		}
		if err := s.inodes.AddNlink(ctx, prev.Ino, -moved); err != nil {
			return err
		}
		sealed.Nlink = moved
		prev.Nlink = 0

		if s.isOpen(prev.Ino) {
			return nil
		}
		reclaim, err = s.destroy(ctx, prev)
		return err
	})
	if err != nil {
		return nil, models.Reclaim{}, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Sealed inode", "old", old, "new", sealed.Ino, "length", length)
	return sealed, reclaim, nil
}
