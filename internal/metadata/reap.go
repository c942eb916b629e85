package metadata

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/pkg/logging"
)

// ReapIfOrphan destroys ino when it has no entries and no open handle.
func (s *Store) ReapIfOrphan(ctx context.Context, ino int64) (models.Reclaim, error) {
	const op = "metadata.Store.ReapIfOrphan"

	var reclaim models.Reclaim
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		inode, err := s.inodes.Get(ctx, ino)
		if err != nil || inode == nil {
			return err
		}
		if inode.Nlink > 0 || inode.Ino == s.RootIno() || s.isOpen(ino) {
			return nil
		}
		reclaim, err = s.destroy(ctx, inode)
		return err
	})
	if err != nil {
		return models.Reclaim{}, fmt.Errorf("%s: %w", op, err)
	}
	return reclaim, nil
}

// Orphans lists inodes without names that no handle holds open.
func (s *Store) Orphans(ctx context.Context) ([]models.Inode, error) {
	const op = "metadata.Store.Orphans"

	orphans, err := s.inodes.ListOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := orphans[:0]
	for _, inode := range orphans {
		if !s.isOpen(inode.Ino) {
			out = append(out, inode)
		}
	}
	return out, nil
}

// ReapOrphans destroys every inode left with nlink 0, for example by a crash
// between an unlink and the release of the last handle.
func (s *Store) ReapOrphans(ctx context.Context) (models.Reclaim, int, error) {
	const op = "metadata.Store.ReapOrphans"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var (
		reclaim models.Reclaim
		reaped  int
	)
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		orphans, err := s.inodes.ListOrphans(ctx)
		if err != nil {
			return err
		}
		for i := range orphans {
			if s.isOpen(orphans[i].Ino) {
				continue
			}
			r, err := s.destroy(ctx, &orphans[i])
			if err != nil {
				return err
			}
			reclaim.Merge(r)
			reaped++
		}
		return nil
	})
	if err != nil {
		return models.Reclaim{}, 0, fmt.Errorf("%s: %w", op, err)
	}

	if reaped > 0 {
		logger.Info("Reaped orphaned inodes", "count", reaped)
	}
	return reclaim, reaped, nil
}
