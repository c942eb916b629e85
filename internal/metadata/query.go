package metadata

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

func (s *Store) Stat(ctx context.Context, ino int64) (*models.Inode, error) {
	const op = "metadata.Store.Stat"

	inode, err := s.inodes.Get(ctx, ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if inode == nil {
		return nil, fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d", ino))
	}
	return inode, nil
}

// Lookup resolves one name inside dir.
func (s *Store) Lookup(ctx context.Context, dir int64, name string) (*models.Inode, error) {
	const op = "metadata.Store.Lookup"

	var inode *models.Inode
	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.getDir(ctx, op, dir); err != nil {
			return err
		}
		entry, err := s.dirs.Get(ctx, dir, name)
		if err != nil {
			return err
		}
		if entry == nil {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("%q in directory %d", name, dir))
		}
		inode, err = s.get(ctx, op, entry.Ino)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inode, nil
}

// List returns the entries of dir ordered by name.
func (s *Store) List(ctx context.Context, dir int64) ([]models.DirEntry, error) {
	const op = "metadata.Store.List"

	var entries []models.DirEntry
	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.getDir(ctx, op, dir); err != nil {
			return err
		}
		var err error
		entries, err = s.dirs.List(ctx, dir)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (s *Store) ReadSymlink(ctx context.Context, ino int64) (string, error) {
	const op = "metadata.Store.ReadSymlink"

	var target string
	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		inode, err := s.get(ctx, op, ino)
		if err != nil {
			return err
		}
		if inode.Type != models.InodeTypeSymlink {
			return fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is not a symlink", ino))
		}
		var ok bool
		target, ok, err = s.symlinks.Get(ctx, ino)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("symlink %d has no target", ino))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return target, nil
}

// SetAttrs changes the mutable attributes of ino. Length may only change on
// mutable files.
func (s *Store) SetAttrs(ctx context.Context, ino int64, attrs models.SetAttrs) (*models.Inode, error) {
	const op = "metadata.Store.SetAttrs"

	var inode *models.Inode
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		inode, err = s.get(ctx, op, ino)
		if err != nil {
			return err
		}
		if attrs.Length != nil && *attrs.Length != inode.Length {
			switch inode.Type {
			case models.InodeTypeMutable:
			case models.InodeTypeImmutable:
				return fserrors.New(fserrors.ReadOnly, op, fmt.Sprintf("inode %d is sealed", ino))
			case models.InodeTypeDirectory:
				return fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("inode %d", ino))
			default:
				return fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d has no length", ino))
			}
			if *attrs.Length < 0 {
				return fserrors.New(fserrors.InvalidArgument, op, "negative length")
			}
			inode.Length = *attrs.Length
			inode.Mtime = s.now()
		}
		if attrs.Perm != nil {
			inode.Perm = *attrs.Perm & 0o7777
		}
		if attrs.UID != nil {
			inode.UID = *attrs.UID
		}
		if attrs.GID != nil {
			inode.GID = *attrs.GID
		}
		if attrs.Mtime != nil {
			inode.Mtime = *attrs.Mtime
		}
		return s.inodes.Update(ctx, inode)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inode, nil
}

// GrowLength raises the length of a mutable file to at least length and
// stamps its mtime.
func (s *Store) GrowLength(ctx context.Context, ino int64, length int64) error {
	const op = "metadata.Store.GrowLength"

	if err := s.inodes.SetLengthAtLeast(ctx, ino, length, s.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) Statistics(ctx context.Context) (models.Statistics, error) {
	const op = "metadata.Store.Statistics"

	stats, err := s.inodes.Statistics(ctx)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

// ReferencesDigest reports whether any inode still points at digest.
func (s *Store) ReferencesDigest(ctx context.Context, digest []byte) (bool, error) {
	const op = "metadata.Store.ReferencesDigest"

	n, err := s.inodes.CountByPtr(ctx, digest)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// DigestCounts returns the number of immutable inodes per digest.
func (s *Store) DigestCounts(ctx context.Context) (map[string]int64, error) {
	const op = "metadata.Store.DigestCounts"

	inodes, err := s.inodes.ListByType(ctx, models.InodeTypeImmutable)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	counts := make(map[string]int64, len(inodes))
	for _, inode := range inodes {
		counts[string(inode.Ptr)]++
	}
	return counts, nil
}

// MutableBackings returns the backing ids referenced by mutable inodes.
func (s *Store) MutableBackings(ctx context.Context) (map[string]int64, error) {
	const op = "metadata.Store.MutableBackings"

	inodes, err := s.inodes.ListByType(ctx, models.InodeTypeMutable)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	backings := make(map[string]int64, len(inodes))
	for _, inode := range inodes {
		backings[string(inode.Ptr)] = inode.Ino
	}
	return backings, nil
}
