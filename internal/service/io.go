package service

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

// Open registers the handle before validating the inode, so a concurrent
// unlink cannot destroy it between the two steps.
func (s *fileSystemService) Open(ctx context.Context, caller models.Caller, ino int64, flags uint32) (h *Handle, err error) {
	const op = "service.fileSystemService.Open"
	defer s.observe("open", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Open", slog.Int64("ino", ino), slog.Uint64("flags", uint64(flags)))

	readable, writable := accessFlags(flags)
	opened := s.handles.add(Handle{Ino: ino, Flags: flags, Readable: readable, Writable: writable})
	s.metrics.SetOpenHandles(s.handles.len())
	defer func() {
		if err != nil {
			s.discard(ctx, opened.ID)
		}
	}()

	inode, err := s.meta.Stat(ctx, ino)
	if err != nil {
		return nil, err
	}

	truncate := flags&syscall.O_TRUNC != 0
	switch inode.Type {
	case models.InodeTypeDirectory:
		if writable {
			return nil, fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("inode %d", ino))
		}
	case models.InodeTypeSymlink:
		return nil, fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is a symlink", ino))
	case models.InodeTypeImmutable:
		if writable || truncate {
			return nil, fserrors.New(fserrors.ReadOnly, op, fmt.Sprintf("inode %d is sealed", ino))
		}
	}

	var want uint32
	if readable {
		want |= mayRead
	}
	if writable {
		want |= mayWrite
	}
	if err := checkAccess(op, caller, inode, want); err != nil {
		return nil, err
	}

	if truncate && writable && inode.Type == models.InodeTypeMutable && inode.Length != 0 {
		if err := s.content.TruncateMutable(string(inode.Ptr), 0); err != nil {
			return nil, err
		}
		zero := int64(0)
		if _, err := s.meta.SetAttrs(ctx, ino, models.SetAttrs{Length: &zero}); err != nil {
			return nil, err
		}
	}

	return opened, nil
}

func (s *fileSystemService) OpenDir(ctx context.Context, caller models.Caller, ino int64) (h *Handle, err error) {
	const op = "service.fileSystemService.OpenDir"
	defer s.observe("opendir", time.Now(), &err)

	inode, err := s.meta.Stat(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d", ino))
	}
	if err := checkAccess(op, caller, inode, mayRead); err != nil {
		return nil, err
	}
	h = s.handles.add(Handle{Ino: ino, Flags: syscall.O_RDONLY, Readable: true, Dir: true})
	s.metrics.SetOpenHandles(s.handles.len())
	return h, nil
}

// Create makes a new mutable file and returns it open.
func (s *fileSystemService) Create(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32, flags uint32) (inode *models.Inode, h *Handle, err error) {
	const op = "service.fileSystemService.Create"
	defer s.observe("create", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Create", slog.Int64("dir", dir), slog.String("name", name))

	parent, err := s.writableDir(ctx, op, caller, dir)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.meta.Lookup(ctx, dir, name); err == nil {
		return nil, nil, fserrors.New(fserrors.AlreadyExists, op, name)
	} else if !fserrors.IsKind(err, fserrors.NotFound) {
		return nil, nil, err
	}

	backing, err := s.content.CreateMutable()
	if err != nil {
		return nil, nil, err
	}
	inode, err = s.meta.Create(ctx, dir, name, models.NewInode{
		Type: models.InodeTypeMutable,
		Perm: perm & 0o7777,
		UID:  caller.UID,
		GID:  s.newGID(caller, parent),
		Ptr:  []byte(backing),
	})
	if err != nil {
		if derr := s.content.DeleteMutable(backing); derr != nil {
			logger.Warn("Failed to drop unused backing", slog.String("backing", backing), slogext.Err(derr))
		}
		return nil, nil, err
	}

	readable, writable := accessFlags(flags)
	h = s.handles.add(Handle{Ino: inode.Ino, Flags: flags, Readable: readable, Writable: writable})
	s.metrics.SetOpenHandles(s.handles.len())

	logger.Debug("File created", slog.Int64("ino", inode.Ino), slog.String("backing", backing))
	return inode, h, nil
}

func (s *fileSystemService) handle(op string, fh uint64) (*Handle, error) {
	h, ok := s.handles.get(fh)
	if !ok {
		return nil, fserrors.New(fserrors.BadHandle, op, fmt.Sprintf("handle %d", fh))
	}
	return h, nil
}

func (s *fileSystemService) Read(ctx context.Context, fh uint64, off int64, size int) (data []byte, err error) {
	const op = "service.fileSystemService.Read"
	defer s.observe("read", time.Now(), &err)

	h, err := s.handle(op, fh)
	if err != nil {
		return nil, err
	}
	if !h.Readable {
		return nil, fserrors.New(fserrors.BadHandle, op, fmt.Sprintf("handle %d is write-only", fh))
	}
	inode, err := s.meta.Stat(ctx, h.Ino)
	if err != nil {
		return nil, err
	}
	if off < 0 {
		return nil, fserrors.New(fserrors.InvalidArgument, op, "negative offset")
	}

	switch inode.Type {
	case models.InodeTypeMutable:
		return s.content.ReadMutable(string(inode.Ptr), off, size)
	case models.InodeTypeImmutable:
		if off >= inode.Length {
			return []byte{}, nil
		}
		if rest := inode.Length - off; int64(size) > rest {
			size = int(rest)
		}
		d, err := content.DigestFromBytes(inode.Ptr)
		if err != nil {
			return nil, fserrors.Wrap(fserrors.Corruption, op, err)
		}
		return s.content.ReadImmutable(ctx, d, off, size)
	case models.InodeTypeDirectory:
		return nil, fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("inode %d", inode.Ino))
	default:
		return nil, fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is %s", inode.Ino, inode.Type))
	}
}

func (s *fileSystemService) Write(ctx context.Context, fh uint64, off int64, data []byte) (written int, err error) {
	const op = "service.fileSystemService.Write"
	defer s.observe("write", time.Now(), &err)

	h, err := s.handle(op, fh)
	if err != nil {
		return 0, err
	}
	if !h.Writable {
		return 0, fserrors.New(fserrors.BadHandle, op, fmt.Sprintf("handle %d is read-only", fh))
	}
	inode, err := s.meta.Stat(ctx, h.Ino)
	if err != nil {
		return 0, err
	}

	switch inode.Type {
	case models.InodeTypeMutable:
	case models.InodeTypeImmutable:
		return 0, fserrors.New(fserrors.ReadOnly, op, fmt.Sprintf("inode %d is sealed", inode.Ino))
	case models.InodeTypeDirectory:
		return 0, fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("inode %d", inode.Ino))
	default:
		return 0, fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode %d is %s", inode.Ino, inode.Type))
	}

	var length int64
	if h.Flags&syscall.O_APPEND != 0 {
		length, err = s.content.AppendMutable(string(inode.Ptr), data)
	} else {
		length, err = s.content.WriteMutable(string(inode.Ptr), off, data)
	}
	if err != nil {
		return 0, err
	}
	if err := s.meta.GrowLength(ctx, inode.Ino, length); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *fileSystemService) Flush(ctx context.Context, fh uint64) error {
	const op = "service.fileSystemService.Flush"

	_, err := s.handle(op, fh)
	return err
}

func (s *fileSystemService) Fsync(ctx context.Context, fh uint64) (err error) {
	const op = "service.fileSystemService.Fsync"
	defer s.observe("fsync", time.Now(), &err)

	h, err := s.handle(op, fh)
	if err != nil {
		return err
	}
	inode, err := s.meta.Stat(ctx, h.Ino)
	if err != nil {
		return err
	}
	if inode.Type != models.InodeTypeMutable {
		return nil
	}
	return s.content.SyncMutable(string(inode.Ptr))
}

// Release closes fh. When the last handle on a mutable file closes and any
// handle on it was writable, the file is sealed if sealing on release is
// enabled. An inode left without names is
// destroyed once its last handle is gone.
func (s *fileSystemService) Release(ctx context.Context, fh uint64) (err error) {
	const op = "service.fileSystemService.Release"
	defer s.observe("release", time.Now(), &err)

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	h, last, ok := s.handles.remove(fh)
	if !ok {
		return fserrors.New(fserrors.BadHandle, op, fmt.Sprintf("handle %d", fh))
	}
	s.metrics.SetOpenHandles(s.handles.len())
	if !last.closed {
		return nil
	}

	if last.written && s.opts.SealOnRelease {
		inode, err := s.meta.Stat(ctx, h.Ino)
		if err == nil && inode.Type == models.InodeTypeMutable && inode.Nlink > 0 {
			if _, err := s.seal(ctx, inode); err != nil {
				logger.Error("Failed to seal on release", slog.Int64("ino", h.Ino), slogext.Err(err))
				return err
			}
			return nil
		}
	}

	reclaim, err := s.meta.ReapIfOrphan(ctx, h.Ino)
	if err != nil {
		logger.Error("Failed to reap released inode", slog.Int64("ino", h.Ino), slogext.Err(err))
		return err
	}
	if !reclaim.Empty() {
		logger.Debug("Destroyed unlinked inode on last release", slog.Int64("ino", h.Ino))
	}
	s.release(ctx, reclaim)
	return nil
}

// discard drops a handle that never reached the caller.
func (s *fileSystemService) discard(ctx context.Context, fh uint64) {
	h, last, ok := s.handles.remove(fh)
	s.metrics.SetOpenHandles(s.handles.len())
	if !ok || !last.closed {
		return
	}
	if reclaim, err := s.meta.ReapIfOrphan(ctx, h.Ino); err == nil {
		s.release(ctx, reclaim)
	}
}
