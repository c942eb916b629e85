package metadata

import (
	"context"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
)

// Check walks the whole store and reports every broken invariant. It never
// repairs anything.
func (s *Store) Check(ctx context.Context) ([]models.Violation, error) {
	const op = "metadata.Store.Check"

	var violations []models.Violation
	report := func(ino int64, format string, args ...any) {
		violations = append(violations, models.Violation{Ino: ino, Problem: fmt.Sprintf(format, args...)})
	}

	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		root, err := s.roots.Get(ctx)
		if err != nil {
			return err
		}

		inodes := make(map[int64]*models.Inode)
		if err := s.inodes.Each(ctx, func(inode *models.Inode) error {
			inodes[inode.Ino] = inode
			return nil
		}); err != nil {
			return err
		}

		var entries []models.DirEntry
		if err := s.dirs.Each(ctx, func(e *models.DirEntry) error {
			entries = append(entries, *e)
			return nil
		}); err != nil {
			return err
		}

		if root == 0 {
			report(0, "root row missing")
		} else if r, ok := inodes[root]; !ok || !r.IsDir() {
			report(root, "root is not a directory")
		} else if r.Nlink != 1 {
			report(root, "root nlink %d, want 1", r.Nlink)
		}

		counts := make(map[int64]int64, len(inodes))
		for _, e := range entries {
			counts[e.Ino]++
			target, ok := inodes[e.Ino]
			if !ok {
				report(e.Ino, "entry %q in %d points at a missing inode", e.Name, e.Dir)
				continue
			}
			if target.Type != e.Type {
				report(e.Ino, "entry %q in %d has type %s, inode has %s", e.Name, e.Dir, e.Type, target.Type)
			}
			if dir, ok := inodes[e.Dir]; !ok || !dir.IsDir() {
				report(e.Dir, "entry %q lives in a non-directory", e.Name)
			}
			if e.Ino == root {
				report(root, "root is named by entry %q in %d", e.Name, e.Dir)
			}
		}

		var symlinks []int64
		for ino, inode := range inodes {
			if ino == root {
				continue
			}
			if counts[ino] != inode.Nlink {
				report(ino, "nlink %d but %d entries", inode.Nlink, counts[ino])
			}
			if inode.IsDir() && counts[ino] > 1 {
				report(ino, "directory has %d entries", counts[ino])
			}
			switch inode.Type {
			case models.InodeTypeImmutable, models.InodeTypeMutable:
				if len(inode.Ptr) == 0 {
					report(ino, "%s file without a content pointer", inode.Type)
				}
			case models.InodeTypeDirectory:
				if inode.Ptr != nil {
					report(ino, "directory carries a content pointer")
				}
			case models.InodeTypeSymlink:
				symlinks = append(symlinks, ino)
			default:
				report(ino, "unknown type %d", inode.Type)
			}
		}

		for _, ino := range symlinks {
			if _, ok, err := s.symlinks.Get(ctx, ino); err != nil {
				return err
			} else if !ok {
				report(ino, "symlink without a target row")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return violations, nil
}
