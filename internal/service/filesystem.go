package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

func (s *fileSystemService) Root(ctx context.Context) (*models.Inode, error) {
	const op = "service.fileSystemService.Root"

	inode, err := s.meta.Stat(ctx, s.meta.RootIno())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inode, nil
}

func (s *fileSystemService) Lookup(ctx context.Context, caller models.Caller, dir int64, name string) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.Lookup"
	defer s.observe("lookup", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lookup", slog.Int64("dir", dir), slog.String("name", name))

	parent, err := s.meta.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d", dir))
	}
	if err := checkAccess(op, caller, parent, mayExec); err != nil {
		return nil, err
	}

	inode, err = s.meta.Lookup(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	return inode, nil
}

func (s *fileSystemService) GetAttr(ctx context.Context, ino int64) (inode *models.Inode, err error) {
	defer s.observe("getattr", time.Now(), &err)
	return s.meta.Stat(ctx, ino)
}

func (s *fileSystemService) SetAttr(ctx context.Context, caller models.Caller, ino int64, attrs models.SetAttrs) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.SetAttr"
	defer s.observe("setattr", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	current, err := s.meta.Stat(ctx, ino)
	if err != nil {
		return nil, err
	}
	if err := checkSetAttr(op, caller, current, attrs); err != nil {
		return nil, err
	}

	if attrs.Length != nil && *attrs.Length != current.Length {
		switch current.Type {
		case models.InodeTypeMutable:
			if *attrs.Length < 0 {
				return nil, fserrors.New(fserrors.InvalidArgument, op, "negative length")
			}
			if err := s.content.TruncateMutable(string(current.Ptr), *attrs.Length); err != nil {
				logger.Error("Failed to truncate backing", slog.Int64("ino", ino), slogext.Err(err))
				return nil, err
			}
		case models.InodeTypeImmutable:
			return nil, fserrors.New(fserrors.ReadOnly, op, fmt.Sprintf("inode %d is sealed", ino))
		}
	}

	inode, err = s.meta.SetAttrs(ctx, ino, attrs)
	if err != nil {
		return nil, err
	}
	logger.Debug("Attributes changed", slog.Int64("ino", ino), slog.Int64("length", inode.Length))
	return inode, nil
}

func (s *fileSystemService) ReadDir(ctx context.Context, caller models.Caller, dir int64) (entries []models.DirEntry, err error) {
	const op = "service.fileSystemService.ReadDir"
	defer s.observe("readdir", time.Now(), &err)

	parent, err := s.meta.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d", dir))
	}
	if err := checkAccess(op, caller, parent, mayRead); err != nil {
		return nil, err
	}
	return s.meta.List(ctx, dir)
}

// writableDir checks that caller may add or remove entries in dir.
func (s *fileSystemService) writableDir(ctx context.Context, op string, caller models.Caller, dir int64) (*models.Inode, error) {
	parent, err := s.meta.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d", dir))
	}
	if err := checkAccess(op, caller, parent, mayWrite|mayExec); err != nil {
		return nil, err
	}
	return parent, nil
}

func (s *fileSystemService) Mkdir(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.Mkdir"
	defer s.observe("mkdir", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Mkdir", slog.Int64("dir", dir), slog.String("name", name))

	parent, err := s.writableDir(ctx, op, caller, dir)
	if err != nil {
		return nil, err
	}
	inode, err = s.meta.Create(ctx, dir, name, models.NewInode{
		Type: models.InodeTypeDirectory,
		Perm: perm & 0o7777,
		UID:  caller.UID,
		GID:  s.newGID(caller, parent),
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Directory created", slog.Int64("ino", inode.Ino))
	return inode, nil
}

// newGID follows the setgid convention: children of a setgid directory
// inherit its group.
func (s *fileSystemService) newGID(caller models.Caller, parent *models.Inode) uint32 {
	if parent.Perm&0o2000 != 0 {
		return parent.GID
	}
	return caller.GID
}

func (s *fileSystemService) Symlink(ctx context.Context, caller models.Caller, dir int64, name string, target string) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.Symlink"
	defer s.observe("symlink", time.Now(), &err)

	if target == "" {
		return nil, fserrors.New(fserrors.InvalidArgument, op, "empty symlink target")
	}
	parent, err := s.writableDir(ctx, op, caller, dir)
	if err != nil {
		return nil, err
	}
	return s.meta.Create(ctx, dir, name, models.NewInode{
		Type:   models.InodeTypeSymlink,
		Perm:   0o777,
		UID:    caller.UID,
		GID:    s.newGID(caller, parent),
		Length: int64(len(target)),
		Target: target,
	})
}

func (s *fileSystemService) Readlink(ctx context.Context, ino int64) (target string, err error) {
	defer s.observe("readlink", time.Now(), &err)
	return s.meta.ReadSymlink(ctx, ino)
}

func (s *fileSystemService) Link(ctx context.Context, caller models.Caller, ino int64, dir int64, name string) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.Link"
	defer s.observe("link", time.Now(), &err)

	if _, err := s.writableDir(ctx, op, caller, dir); err != nil {
		return nil, err
	}
	target, err := s.meta.Stat(ctx, ino)
	if err != nil {
		return nil, err
	}
	if target.IsDir() {
		return nil, fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("cannot hardlink directory %d", ino))
	}
	return s.meta.Link(ctx, dir, name, ino)
}

func (s *fileSystemService) Unlink(ctx context.Context, caller models.Caller, dir int64, name string) (err error) {
	const op = "service.fileSystemService.Unlink"
	defer s.observe("unlink", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink", slog.Int64("dir", dir), slog.String("name", name))

	return s.remove(ctx, op, caller, dir, name, func(target *models.Inode) error {
		if target.IsDir() {
			return fserrors.New(fserrors.IsADirectory, op, name)
		}
		return nil
	})
}

func (s *fileSystemService) Rmdir(ctx context.Context, caller models.Caller, dir int64, name string) (err error) {
	const op = "service.fileSystemService.Rmdir"
	defer s.observe("rmdir", time.Now(), &err)

	return s.remove(ctx, op, caller, dir, name, func(target *models.Inode) error {
		if !target.IsDir() {
			return fserrors.New(fserrors.NotADirectory, op, name)
		}
		if target.Ino == s.meta.RootIno() {
			return fserrors.New(fserrors.InvalidArgument, op, "cannot remove the root")
		}
		return nil
	})
}

// maxRemoveAttempts bounds retries when a concurrent rename keeps rebinding
// the name between the checks and the removal.
const maxRemoveAttempts = 8

// remove checks the entry with check and the sticky bit, then removes it
// only if the name still refers to the inode that was checked.
func (s *fileSystemService) remove(ctx context.Context, op string, caller models.Caller, dir int64, name string, check func(*models.Inode) error) error {
	parent, err := s.writableDir(ctx, op, caller, dir)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		target, err := s.meta.Lookup(ctx, dir, name)
		if err != nil {
			return err
		}
		if err := check(target); err != nil {
			return err
		}
		if err := checkSticky(op, caller, parent, target); err != nil {
			return err
		}

		reclaim, err := s.meta.UnlinkIno(ctx, dir, name, target.Ino)
		if errors.Is(err, metadata.ErrEntryChanged) {
			if attempt+1 < maxRemoveAttempts {
				continue
			}
			return fserrors.Wrap(fserrors.Busy, op, err)
		}
		if err != nil {
			return err
		}
		s.release(ctx, reclaim)
		return nil
	}
}

func (s *fileSystemService) Rename(ctx context.Context, caller models.Caller, srcDir int64, srcName string, dstDir int64, dstName string) (err error) {
	const op = "service.fileSystemService.Rename"
	defer s.observe("rename", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rename",
		slog.Int64("src_dir", srcDir),
		slog.String("src_name", srcName),
		slog.Int64("dst_dir", dstDir),
		slog.String("dst_name", dstName),
	)

	src, err := s.writableDir(ctx, op, caller, srcDir)
	if err != nil {
		return err
	}
	dst := src
	if dstDir != srcDir {
		if dst, err = s.writableDir(ctx, op, caller, dstDir); err != nil {
			return err
		}
	}

	moving, err := s.meta.Lookup(ctx, srcDir, srcName)
	if err != nil {
		return err
	}
	if err := checkSticky(op, caller, src, moving); err != nil {
		return err
	}
	victim, err := s.meta.Lookup(ctx, dstDir, dstName)
	switch {
	case err == nil:
		if err := checkSticky(op, caller, dst, victim); err != nil {
			return err
		}
	case !fserrors.IsKind(err, fserrors.NotFound):
		return err
	}

	reclaim, err := s.meta.Rename(ctx, srcDir, srcName, dstDir, dstName)
	if err != nil {
		return err
	}
	s.release(ctx, reclaim)
	return nil
}
