package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/namespace"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

// ResolvePath resolves an absolute path, or one relative to the root,
// expanding symlinks. The final component is expanded only when
// followFinal is set. More than MaxSymlinkHops expansions fail with
// TooManyLinks.
func (s *fileSystemService) ResolvePath(ctx context.Context, caller models.Caller, path string, followFinal bool) (*models.Inode, error) {
	const op = "service.fileSystemService.ResolvePath"

	traverse := func(dir *models.Inode) error {
		return checkAccess(op, caller, dir, mayExec)
	}

	parts, _, err := namespace.SplitPath(path)
	if err != nil {
		return nil, err
	}
	from := s.meta.RootIno()

	for hops := 0; ; {
		res, err := s.resolver.ResolveParts(ctx, from, parts, traverse)

		var link *models.Inode
		var linkDir int64
		var rest []string
		var symErr *namespace.SymlinkError
		switch {
		case errors.As(err, &symErr):
			link, linkDir, rest = symErr.Link, symErr.Dir, symErr.Rest
		case err != nil:
			return nil, err
		case followFinal && res.Inode.Type == models.InodeTypeSymlink:
			link, linkDir = res.Inode, res.Dir
		default:
			return res.Inode, nil
		}

		hops++
		if hops > s.opts.MaxSymlinkHops {
			return nil, fserrors.New(fserrors.TooManyLinks, op,
				fmt.Sprintf("more than %d symlinks in %q", s.opts.MaxSymlinkHops, path))
		}

		target, err := s.meta.ReadSymlink(ctx, link.Ino)
		if err != nil {
			return nil, err
		}
		targetParts, abs, err := namespace.SplitPath(target)
		if err != nil {
			return nil, err
		}

		from = linkDir
		if abs || linkDir == 0 {
			from = s.meta.RootIno()
		}
		parts = append(targetParts, rest...)
	}
}
