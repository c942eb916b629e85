package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

// Seal turns a mutable file into an immutable one. Sealing an immutable
// file returns it unchanged. A file still open for writing is Busy.
func (s *fileSystemService) Seal(ctx context.Context, caller models.Caller, ino int64) (sealed *models.Inode, err error) {
	const op = "service.fileSystemService.Seal"
	defer s.observe("seal", time.Now(), &err)

	inode, err := s.meta.Stat(ctx, ino)
	if err != nil {
		return nil, err
	}
	switch inode.Type {
	case models.InodeTypeImmutable:
		return inode, nil
	case models.InodeTypeMutable:
	default:
		return nil, fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is %s", ino, inode.Type))
	}
	if !isOwner(caller, inode) {
		if err := checkAccess(op, caller, inode, mayWrite); err != nil {
			return nil, err
		}
	}
	// Writes through an open handle would land in the old backing after
	// the names move to the sealed inode.
	if n := s.handles.writable(ino); n > 0 {
		return nil, fserrors.New(fserrors.Busy, op, fmt.Sprintf("inode %d has %d writable handles", ino, n))
	}
	return s.seal(ctx, inode)
}

// seal publishes the backing bytes, then relinks every name to a new
// immutable inode. The reference taken by the publish is dropped again if
// the relink fails.
func (s *fileSystemService) seal(ctx context.Context, inode *models.Inode) (*models.Inode, error) {
	const op = "service.fileSystemService.seal"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	d, size, err := s.content.SealMutable(ctx, string(inode.Ptr))
	if err != nil {
		return nil, err
	}

	sealed, reclaim, err := s.meta.Relink(ctx, inode.Ino, d.Bytes(), size)
	if err != nil {
		if _, derr := s.content.Decref(d); derr != nil {
			logger.Error("Failed to drop reference after relink failure", slog.String("digest", d.String()), slogext.Err(derr))
		}
		return nil, err
	}
	s.release(ctx, reclaim)

	logger.Info("Sealed file",
		slog.Int64("old_ino", inode.Ino),
		slog.Int64("ino", sealed.Ino),
		slog.String("digest", d.String()),
		slog.Int64("length", size),
		slog.Int("open_handles", s.handles.openCount(inode.Ino)),
	)
	return sealed, nil
}

// ImportFile stores the bytes of r as an immutable file named name in dir.
// Nothing is linked if the content cannot be stored.
func (s *fileSystemService) ImportFile(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32, r io.Reader) (inode *models.Inode, err error) {
	const op = "service.fileSystemService.ImportFile"
	defer s.observe("import", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	parent, err := s.writableDir(ctx, op, caller, dir)
	if err != nil {
		return nil, err
	}
	if _, err := s.meta.Lookup(ctx, dir, name); err == nil {
		return nil, fserrors.New(fserrors.AlreadyExists, op, name)
	} else if !fserrors.IsKind(err, fserrors.NotFound) {
		return nil, err
	}

	d, size, err := s.content.PutImmutable(ctx, r)
	if err != nil {
		logger.Error("Failed to store imported content", slog.String("name", name), slogext.Err(err))
		return nil, err
	}

	inode, err = s.meta.Create(ctx, dir, name, models.NewInode{
		Type:   models.InodeTypeImmutable,
		Perm:   perm & 0o7777,
		UID:    caller.UID,
		GID:    s.newGID(caller, parent),
		Length: size,
		Ptr:    d.Bytes(),
	})
	if err != nil {
		if _, derr := s.content.Decref(d); derr != nil {
			logger.Error("Failed to drop reference after create failure", slog.String("digest", d.String()), slogext.Err(derr))
		}
		return nil, err
	}

	logger.Info("Imported file", slog.Int64("ino", inode.Ino), slog.String("digest", d.String()), slog.Int64("length", size))
	return inode, nil
}

func (s *fileSystemService) Status(ctx context.Context, caller models.Caller, path string) (status *models.Status, err error) {
	const op = "service.fileSystemService.Status"
	defer s.observe("status", time.Now(), &err)

	inode, err := s.ResolvePath(ctx, caller, path, false)
	if err != nil {
		return nil, err
	}
	status = &models.Status{
		Path:   path,
		Ino:    inode.Ino,
		Type:   inode.Type.String(),
		Length: inode.Length,
		Nlink:  inode.Nlink,
	}
	if canonical, err := s.resolver.Path(ctx, inode.Ino); err == nil {
		status.Path = canonical
	}

	if inode.Type == models.InodeTypeImmutable {
		d, err := content.DigestFromBytes(inode.Ptr)
		if err != nil {
			return nil, fserrors.Wrap(fserrors.Corruption, op, err)
		}
		status.Hash = d.String()
		if status.Stores, err = s.content.Has(ctx, d); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// Mirror copies the object behind an immutable file into store and returns
// the store it was copied from, or "" when it was already there.
func (s *fileSystemService) Mirror(ctx context.Context, caller models.Caller, path string, store string) (from string, err error) {
	const op = "service.fileSystemService.Mirror"
	defer s.observe("mirror", time.Now(), &err)

	inode, err := s.ResolvePath(ctx, caller, path, true)
	if err != nil {
		return "", err
	}
	if inode.Type != models.InodeTypeImmutable {
		return "", fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("%s is %s, seal it first", path, inode.Type))
	}
	if err := checkAccess(op, caller, inode, mayRead); err != nil {
		return "", err
	}
	d, err := content.DigestFromBytes(inode.Ptr)
	if err != nil {
		return "", fserrors.Wrap(fserrors.Corruption, op, err)
	}
	return s.content.Mirror(ctx, d, store)
}
