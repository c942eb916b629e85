package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/service"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ControlNodeID is the node id of the control file. It lies above every
// inode number the metadata store can hand out.
const ControlNodeID uint64 = 1 << 63

const rootNodeID = 1

type Options struct {
	// Timeout bounds one kernel request. Zero means no bound.
	Timeout time.Duration
	// EntryTimeout is how long the kernel may cache entries and attributes.
	EntryTimeout time.Duration
}

// FS serves the filesystem engine over the raw go-fuse protocol. Node ids
// are inode numbers, except that the root inode and inode 1 swap places
// when they differ, since the kernel addresses the root as node 1.
type FS struct {
	fuse.RawFileSystem

	fs      service.FileSystemService
	control *control.Dispatcher
	opts    Options
	base    context.Context
	root    int64

	mu       sync.Mutex
	sessions map[uint64]*control.Session
	streams  map[uint64][]models.DirEntry
	nextFh   atomic.Uint64
}

// New builds the raw filesystem. ctx carries the logger used for every
// request.
func New(ctx context.Context, fs service.FileSystemService, dispatcher *control.Dispatcher, opts Options) (*FS, error) {
	const op = "fusefs.New"

	root, err := fs.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		control:       dispatcher,
		opts:          opts,
		base:          context.WithoutCancel(ctx),
		root:          root.Ino,
		sessions:      make(map[uint64]*control.Session),
		streams:       make(map[uint64][]models.DirEntry),
	}, nil
}

func (f *FS) String() string { return "hugefs" }

type MountOptions struct {
	AllowOther bool
	Debug      bool
}

// Mount serves f at mountpoint. The returned server is already serving;
// the caller unmounts it and then calls Wait.
func (f *FS) Mount(mountpoint string, opts MountOptions) (*fuse.Server, error) {
	const op = "fusefs.FS.Mount"

	logger := logging.GetLoggerFromContextWithOp(f.base, op)

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("%s: creating mountpoint %s: %w", op, mountpoint, err)
	}

	server, err := fuse.NewServer(f, mountpoint, &fuse.MountOptions{
		AllowOther: opts.AllowOther,
		FsName:     "hugefs",
		Name:       "hugefs",
		Debug:      opts.Debug,
		Options:    []string{"default_permissions"},
	})
	if err != nil {
		logger.Error("Failed to mount", slog.String("mountpoint", mountpoint), slogext.Err(err))
		return nil, fmt.Errorf("%s: mounting at %s: %w", op, mountpoint, err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		_ = server.Unmount()
		return nil, fmt.Errorf("%s: waiting for mount: %w", op, err)
	}

	logger.Info("Mounted", slog.String("mountpoint", mountpoint))
	return server, nil
}

// request derives the context of one kernel request. It is cancelled when
// the kernel interrupts the request.
func (f *FS) request(cancel <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx := logging.MakeContextWithNewRequestID(f.base)
	var stop context.CancelFunc
	if f.opts.Timeout > 0 {
		ctx, stop = context.WithTimeout(ctx, f.opts.Timeout)
	} else {
		ctx, stop = context.WithCancel(ctx)
	}
	if cancel != nil {
		go func() {
			select {
			case <-cancel:
				stop()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, stop
}

func (f *FS) ino(node uint64) int64 {
	switch {
	case node == rootNodeID:
		return f.root
	case int64(node) == f.root:
		return rootNodeID
	}
	return int64(node)
}

func (f *FS) node(ino int64) uint64 {
	switch {
	case ino == f.root:
		return rootNodeID
	case ino == rootNodeID:
		return uint64(f.root)
	}
	return uint64(ino)
}

func (f *FS) status(ctx context.Context, op string, err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	errno := fserrors.Errno(err)
	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	switch fserrors.KindOf(err) {
	case fserrors.IOError, fserrors.Corruption, fserrors.NoSuchHash:
		logger.Error("Request failed", slogext.Err(err))
	default:
		logger.Debug("Request failed", slog.String("errno", errno.Error()), slogext.Err(err))
	}
	return fuse.Status(errno)
}

func (f *FS) newFh() uint64 {
	return f.nextFh.Add(1) | ControlNodeID
}
