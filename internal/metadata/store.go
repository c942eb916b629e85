package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/pkg/logging"
)

// HandleOracle reports whether an inode still has open handles. The engine's
// handle table implements it.
type HandleOracle interface {
	IsOpen(ino int64) bool
}

type noHandles struct{}

func (noHandles) IsOpen(int64) bool { return false }

// oracleBox gives the atomic pointer one concrete type whatever the oracle is.
type oracleBox struct{ HandleOracle }

type Options struct {
	RootUID uint32
	RootGID uint32
	Clock   func() time.Time
}

// Store maps filesystem operations onto the Inodes, DirEntries, Symlinks and
// Root tables. Every mutating method runs in a single transaction. Content
// released by a commit is returned as a models.Reclaim for the caller to hand
// to the content store.
type Store struct {
	inodes   repository.InodeRepository
	dirs     repository.DirectoryRepository
	symlinks repository.SymlinkRepository
	roots    repository.RootRepository
	tx       repository.Transactor

	opts    Options
	handles atomic.Pointer[oracleBox]
	root    atomic.Int64
}

func NewStore(repos *repository.Repositories, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Store{
		inodes:   repos.Inodes,
		dirs:     repos.Directories,
		symlinks: repos.Symlinks,
		roots:    repos.Roots,
		tx:       repos.Tx,
		opts:     opts,
	}
	s.handles.Store(&oracleBox{noHandles{}})
	return s
}

func (s *Store) SetHandleOracle(o HandleOracle) {
	if o == nil {
		o = noHandles{}
	}
	s.handles.Store(&oracleBox{o})
}

func (s *Store) isOpen(ino int64) bool {
	return s.handles.Load().IsOpen(ino)
}

func (s *Store) now() int64 { return s.opts.Clock().UnixNano() }

// RootIno returns the root inode number. It is zero before Bootstrap.
func (s *Store) RootIno() int64 { return s.root.Load() }

// Bootstrap creates the root directory and its Root row on first use.
func (s *Store) Bootstrap(ctx context.Context) (int64, error) {
	const op = "metadata.Store.Bootstrap"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var root int64
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		root, err = s.roots.Get(ctx)
		if err != nil {
			return err
		}
		if root != 0 {
			inode, err := s.inodes.Get(ctx, root)
			if err != nil {
				return err
			}
			if inode == nil || !inode.IsDir() {
				return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("root %d is not a directory", root))
			}
			return nil
		}

		inode, err := s.inodes.Create(ctx, models.NewInode{
			Type: models.InodeTypeDirectory,
			Perm: 0o700,
			UID:  s.opts.RootUID,
			GID:  s.opts.RootGID,
		}, s.now())
		if err != nil {
			return err
		}
		if err := s.roots.Set(ctx, inode.Ino); err != nil {
			return err
		}
		if err := s.inodes.AddNlink(ctx, inode.Ino, 1); err != nil {
			return err
		}
		root = inode.Ino
		logger.Info("Created root directory", "ino", root)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	s.root.Store(root)
	return root, nil
}

func (s *Store) get(ctx context.Context, op string, ino int64) (*models.Inode, error) {
	inode, err := s.inodes.Get(ctx, ino)
	if err != nil {
		return nil, err
	}
	if inode == nil {
		return nil, fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d", ino))
	}
	return inode, nil
}

func (s *Store) getDir(ctx context.Context, op string, ino int64) (*models.Inode, error) {
	inode, err := s.get(ctx, op, ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d", ino))
	}
	return inode, nil
}

// CreateInode inserts an unlinked inode. A symlink gets its Symlinks row in
// the same transaction.
func (s *Store) CreateInode(ctx context.Context, n models.NewInode) (*models.Inode, error) {
	const op = "metadata.Store.CreateInode"

	var inode *models.Inode
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		inode, err = s.createInode(ctx, op, n)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inode, nil
}

func (s *Store) createInode(ctx context.Context, op string, n models.NewInode) (*models.Inode, error) {
	if !n.Type.Valid() {
		return nil, fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("inode type %d", n.Type))
	}
	inode, err := s.inodes.Create(ctx, n, s.now())
	if err != nil {
		return nil, err
	}
	if n.Type == models.InodeTypeSymlink {
		if err := s.symlinks.Create(ctx, inode.Ino, n.Target); err != nil {
			return nil, err
		}
	}
	return inode, nil
}

// Create inserts a new inode and binds it to (dir, name) atomically.
func (s *Store) Create(ctx context.Context, dir int64, name string, n models.NewInode) (*models.Inode, error) {
	const op = "metadata.Store.Create"

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var inode *models.Inode
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		parent, err := s.getDir(ctx, op, dir)
		if err != nil {
			return err
		}
		existing, err := s.dirs.Get(ctx, dir, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fserrors.New(fserrors.AlreadyExists, op, fmt.Sprintf("%q in directory %d", name, dir))
		}
		inode, err = s.createInode(ctx, op, n)
		if err != nil {
			return err
		}
		if err := s.link(ctx, parent, name, inode); err != nil {
			return err
		}
		return s.touch(ctx, parent)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inode, nil
}

// link inserts the entry and bumps nlink. target is updated in place.
func (s *Store) link(ctx context.Context, parent *models.Inode, name string, target *models.Inode) error {
	if err := s.dirs.Insert(ctx, models.DirEntry{Dir: parent.Ino, Name: name, Ino: target.Ino, Type: target.Type}); err != nil {
		return err
	}
	if err := s.inodes.AddNlink(ctx, target.Ino, 1); err != nil {
		return err
	}
	target.Nlink++
	return nil
}

func (s *Store) touch(ctx context.Context, dir *models.Inode) error {
	dir.Mtime = s.now()
	return s.inodes.Update(ctx, dir)
}

// Link binds (dir, name) to an existing inode. Directories are never
// hardlinked, including ones already removed but still held open.
func (s *Store) Link(ctx context.Context, dir int64, name string, ino int64) (*models.Inode, error) {
	const op = "metadata.Store.Link"

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var target *models.Inode
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		parent, err := s.getDir(ctx, op, dir)
		if err != nil {
			return err
		}
		target, err = s.get(ctx, op, ino)
		if err != nil {
			return err
		}
		if target.IsDir() {
			return fserrors.New(fserrors.IsADirectory, op, fmt.Sprintf("cannot hardlink directory %d", ino))
		}
		existing, err := s.dirs.Get(ctx, dir, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fserrors.New(fserrors.AlreadyExists, op, fmt.Sprintf("%q in directory %d", name, dir))
		}
		if err := s.link(ctx, parent, name, target); err != nil {
			return err
		}
		return s.touch(ctx, parent)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return target, nil
}

// ErrEntryChanged is returned by UnlinkIno when the name no longer refers to
// the expected inode.
var ErrEntryChanged = errors.New("directory entry changed")

// Unlink removes (dir, name). The target is destroyed in the same
// transaction once its last entry is gone and no handle holds it open.
func (s *Store) Unlink(ctx context.Context, dir int64, name string) (models.Reclaim, error) {
	return s.unlinkEntry(ctx, "metadata.Store.Unlink", dir, name, 0)
}

// UnlinkIno is Unlink for a name the caller has already looked up and
// checked. It fails with ErrEntryChanged if the name was rebound since.
func (s *Store) UnlinkIno(ctx context.Context, dir int64, name string, ino int64) (models.Reclaim, error) {
	return s.unlinkEntry(ctx, "metadata.Store.UnlinkIno", dir, name, ino)
}

func (s *Store) unlinkEntry(ctx context.Context, op string, dir int64, name string, expect int64) (models.Reclaim, error) {
	var reclaim models.Reclaim
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		parent, err := s.getDir(ctx, op, dir)
		if err != nil {
			return err
		}
		reclaim, err = s.unlink(ctx, op, parent, name, expect)
		if err != nil {
			return err
		}
		return s.touch(ctx, parent)
	})
	if err != nil {
		return models.Reclaim{}, fmt.Errorf("%s: %w", op, err)
	}
	return reclaim, nil
}

// unlink removes one entry. A non-zero expect must match the entry's inode.
func (s *Store) unlink(ctx context.Context, op string, parent *models.Inode, name string, expect int64) (models.Reclaim, error) {
	entry, err := s.dirs.Get(ctx, parent.Ino, name)
	if err != nil {
		return models.Reclaim{}, err
	}
	if entry == nil {
		return models.Reclaim{}, fserrors.New(fserrors.NotFound, op, fmt.Sprintf("%q in directory %d", name, parent.Ino))
	}
	if expect != 0 && entry.Ino != expect {
		return models.Reclaim{}, ErrEntryChanged
	}
	target, err := s.get(ctx, op, entry.Ino)
	if err != nil {
		return models.Reclaim{}, err
	}
	if target.IsDir() {
		n, err := s.dirs.Count(ctx, target.Ino)
		if err != nil {
			return models.Reclaim{}, err
		}
		if n > 0 {
			return models.Reclaim{}, fserrors.New(fserrors.NotEmpty, op, fmt.Sprintf("directory %d", target.Ino))
		}
	}
	if err := s.dirs.Delete(ctx, parent.Ino, name); err != nil {
		return models.Reclaim{}, err
	}
	if err := s.inodes.AddNlink(ctx, target.Ino, -1); err != nil {
		return models.Reclaim{}, err
	}
	target.Nlink--
	if target.Nlink > 0 || s.isOpen(target.Ino) {
		return models.Reclaim{}, nil
	}
	return s.destroy(ctx, target)
}

// destroy deletes the inode row. Directories with entries fail with NotEmpty.
func (s *Store) destroy(ctx context.Context, inode *models.Inode) (models.Reclaim, error) {
	if err := s.inodes.Delete(ctx, inode.Ino); err != nil {
		return models.Reclaim{}, err
	}
	var reclaim models.Reclaim
	switch inode.Type {
	case models.InodeTypeImmutable:
		reclaim.Digests = append(reclaim.Digests, inode.Ptr)
	case models.InodeTypeMutable:
		reclaim.Backings = append(reclaim.Backings, string(inode.Ptr))
	}
	return reclaim, nil
}

// Rename moves (srcDir, srcName) to (dstDir, dstName) in one transaction,
// replacing and unlinking any existing destination.
func (s *Store) Rename(ctx context.Context, srcDir int64, srcName string, dstDir int64, dstName string) (models.Reclaim, error) {
	const op = "metadata.Store.Rename"

	if err := ValidateName(dstName); err != nil {
		return models.Reclaim{}, err
	}

	var reclaim models.Reclaim
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		src, err := s.getDir(ctx, op, srcDir)
		if err != nil {
			return err
		}
		dst, err := s.getDir(ctx, op, dstDir)
		if err != nil {
			return err
		}
		entry, err := s.dirs.Get(ctx, srcDir, srcName)
		if err != nil {
			return err
		}
		if entry == nil {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("%q in directory %d", srcName, srcDir))
		}
		if srcDir == dstDir && srcName == dstName {
			return nil
		}
		moving, err := s.get(ctx, op, entry.Ino)
		if err != nil {
			return err
		}

		if moving.IsDir() {
			inside, err := s.isAncestor(ctx, moving.Ino, dstDir)
			if err != nil {
				return err
			}
			if inside {
				return fserrors.New(fserrors.InvalidArgument, op, "cannot move a directory into itself")
			}
		}

		existing, err := s.dirs.Get(ctx, dstDir, dstName)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Ino == moving.Ino {
				return nil
			}
			victim, err := s.get(ctx, op, existing.Ino)
			if err != nil {
				return err
			}
			switch {
			case victim.IsDir() && !moving.IsDir():
				return fserrors.New(fserrors.IsADirectory, op, dstName)
			case !victim.IsDir() && moving.IsDir():
				return fserrors.New(fserrors.NotADirectory, op, dstName)
			case victim.IsDir():
				n, err := s.dirs.Count(ctx, victim.Ino)
				if err != nil {
					return err
				}
				if n > 0 {
					return fserrors.New(fserrors.NotEmpty, op, dstName)
				}
			}
			reclaim, err = s.unlink(ctx, op, dst, dstName, 0)
			if err != nil {
				return err
			}
		}

		if err := s.dirs.Delete(ctx, srcDir, srcName); err != nil {
			return err
		}
		if err := s.dirs.Insert(ctx, models.DirEntry{Dir: dstDir, Name: dstName, Ino: moving.Ino, Type: moving.Type}); err != nil {
			return err
		}
		if err := s.touch(ctx, src); err != nil {
			return err
		}
		if dstDir != srcDir {
			return s.touch(ctx, dst)
		}
		return nil
	})
	if err != nil {
		return models.Reclaim{}, fmt.Errorf("%s: %w", op, err)
	}
	return reclaim, nil
}

// isAncestor reports whether anc is dir or one of its ancestors.
func (s *Store) isAncestor(ctx context.Context, anc, dir int64) (bool, error) {
	root := s.RootIno()
	for hops := 0; ; hops++ {
		if dir == anc {
			return true, nil
		}
		if dir == root || hops > 1<<16 {
			return false, nil
		}
		parent, err := s.parentOf(ctx, dir)
		if err != nil {
			return false, err
		}
		if parent == 0 {
			return false, nil
		}
		dir = parent
	}
}

func (s *Store) parentOf(ctx context.Context, dir int64) (int64, error) {
	if dir == s.RootIno() {
		return dir, nil
	}
	refs, err := s.dirs.Referencing(ctx, dir)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}
	return refs[0].Dir, nil
}

// ParentOf returns the directory holding dir. The root is its own parent.
func (s *Store) ParentOf(ctx context.Context, dir int64) (int64, error) {
	const op = "metadata.Store.ParentOf"

	var parent int64
	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		parent, err = s.parentOf(ctx, dir)
		if err != nil {
			return err
		}
		if parent == 0 {
			return fserrors.New(fserrors.NotFound, op, fmt.Sprintf("directory %d has no parent", dir))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return parent, nil
}

// IsAncestor reports whether anc is dir or lies above it.
func (s *Store) IsAncestor(ctx context.Context, anc, dir int64) (bool, error) {
	const op = "metadata.Store.IsAncestor"

	var inside bool
	err := s.tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		var err error
		inside, err = s.isAncestor(ctx, anc, dir)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return inside, nil
}

// References lists the entries naming ino.
func (s *Store) References(ctx context.Context, ino int64) ([]models.DirEntry, error) {
	const op = "metadata.Store.References"

	refs, err := s.dirs.Referencing(ctx, ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return refs, nil
}
