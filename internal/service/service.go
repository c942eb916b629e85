package service

import (
	"context"
	"io"
	"time"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/namespace"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

const DefaultMaxSymlinkHops = 40

type FileSystemService interface {
	Root(ctx context.Context) (*models.Inode, error)
	Lookup(ctx context.Context, caller models.Caller, dir int64, name string) (*models.Inode, error)
	GetAttr(ctx context.Context, ino int64) (*models.Inode, error)
	SetAttr(ctx context.Context, caller models.Caller, ino int64, attrs models.SetAttrs) (*models.Inode, error)
	ReadDir(ctx context.Context, caller models.Caller, dir int64) ([]models.DirEntry, error)

	Open(ctx context.Context, caller models.Caller, ino int64, flags uint32) (*Handle, error)
	OpenDir(ctx context.Context, caller models.Caller, ino int64) (*Handle, error)
	Create(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32, flags uint32) (*models.Inode, *Handle, error)
	Read(ctx context.Context, fh uint64, off int64, size int) ([]byte, error)
	Write(ctx context.Context, fh uint64, off int64, data []byte) (int, error)
	Flush(ctx context.Context, fh uint64) error
	Fsync(ctx context.Context, fh uint64) error
	Release(ctx context.Context, fh uint64) error

	Mkdir(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32) (*models.Inode, error)
	Symlink(ctx context.Context, caller models.Caller, dir int64, name string, target string) (*models.Inode, error)
	Readlink(ctx context.Context, ino int64) (string, error)
	Link(ctx context.Context, caller models.Caller, ino int64, dir int64, name string) (*models.Inode, error)
	Unlink(ctx context.Context, caller models.Caller, dir int64, name string) error
	Rmdir(ctx context.Context, caller models.Caller, dir int64, name string) error
	Rename(ctx context.Context, caller models.Caller, srcDir int64, srcName string, dstDir int64, dstName string) error

	Seal(ctx context.Context, caller models.Caller, ino int64) (*models.Inode, error)
	ImportFile(ctx context.Context, caller models.Caller, dir int64, name string, perm uint32, r io.Reader) (*models.Inode, error)
	ResolvePath(ctx context.Context, caller models.Caller, path string, followFinal bool) (*models.Inode, error)
	Status(ctx context.Context, caller models.Caller, path string) (*models.Status, error)
	Mirror(ctx context.Context, caller models.Caller, path string, store string) (string, error)
	StatFs(ctx context.Context) (*models.StatFs, error)
}

type Options struct {
	SealOnRelease  bool
	MaxSymlinkHops int
	// StatFsPath is the directory whose filesystem reports free space.
	StatFsPath string
}

type fileSystemService struct {
	meta     *metadata.Store
	content  *content.Store
	resolver *namespace.Resolver
	handles  *handleTable
	metrics  *metrics.Metrics
	opts     Options
}

// NewFileSystemService wires the engine and registers its handle table with
// the metadata store, so unlinked but open inodes outlive their last name.
func NewFileSystemService(
	meta *metadata.Store,
	store *content.Store,
	m *metrics.Metrics,
	opts Options,
) FileSystemService {
	if opts.MaxSymlinkHops <= 0 {
		opts.MaxSymlinkHops = DefaultMaxSymlinkHops
	}
	s := &fileSystemService{
		meta:     meta,
		content:  store,
		resolver: namespace.New(meta),
		handles:  newHandleTable(),
		metrics:  m,
		opts:     opts,
	}
	meta.SetHandleOracle(s.handles)
	return s
}

// observe records the outcome of one operation. It is deferred with a
// pointer to the named error result.
func (s *fileSystemService) observe(name string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = fserrors.KindOf(*err).String()
	}
	s.metrics.ObserveOperation(name, result, time.Since(start))
}

// release hands reclaimed content to the content store. Failures are
// logged inside Release and picked up by the next collection.
func (s *fileSystemService) release(ctx context.Context, reclaim models.Reclaim) {
	if reclaim.Empty() {
		return
	}
	_ = s.content.Release(ctx, reclaim)
}
