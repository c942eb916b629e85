package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/google/uuid"
)

// keyedMutex hands out one mutex per backing id and forgets it once no
// goroutine holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (s *Store) backingPath(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fserrors.New(fserrors.Corruption, "content.Store.backingPath", fmt.Sprintf("bad backing id %q", id))
	}
	return filepath.Join(s.mutableDir, id), nil
}

func (s *Store) openBacking(op, id string, flag int) (*os.File, error) {
	path, err := s.backingPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fserrors.New(fserrors.Corruption, op, fmt.Sprintf("backing %s is missing", id))
		}
		return nil, fserrors.Wrap(fserrors.IOError, op, err)
	}
	return f, nil
}

// CreateMutable allocates an empty backing file and returns its id.
func (s *Store) CreateMutable() (string, error) {
	const op = "content.Store.CreateMutable"

	id := uuid.NewString()
	f, err := os.OpenFile(filepath.Join(s.mutableDir, id), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return "", fserrors.Wrap(fserrors.IOError, op, err)
	}
	if err := f.Close(); err != nil {
		return "", fserrors.Wrap(fserrors.IOError, op, err)
	}
	return id, nil
}

func (s *Store) ReadMutable(id string, off int64, n int) ([]byte, error) {
	const op = "content.Store.ReadMutable"

	if off < 0 || n < 0 {
		return nil, fserrors.New(fserrors.InvalidArgument, op, "negative offset or size")
	}
	f, err := s.openBacking(op, id, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fserrors.Wrap(fserrors.IOError, op, err)
	}
	return buf[:read], nil
}

// WriteMutable writes data at off and returns the backing's new length.
func (s *Store) WriteMutable(id string, off int64, data []byte) (int64, error) {
	const op = "content.Store.WriteMutable"

	if off < 0 {
		return 0, fserrors.New(fserrors.InvalidArgument, op, "negative offset")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	f, err := s.openBacking(op, id, os.O_RDWR)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, off); err != nil {
		return 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	return info.Size(), nil
}

// AppendMutable writes data at the end of the backing. The end is read under
// the backing's lock, so concurrent appends never overlap.
func (s *Store) AppendMutable(id string, data []byte) (int64, error) {
	const op = "content.Store.AppendMutable"

	unlock := s.locks.Lock(id)
	defer unlock()

	f, err := s.openBacking(op, id, os.O_RDWR)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	if _, err := f.WriteAt(data, info.Size()); err != nil {
		return 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	return info.Size() + int64(len(data)), nil
}

func (s *Store) TruncateMutable(id string, length int64) error {
	const op = "content.Store.TruncateMutable"

	if length < 0 {
		return fserrors.New(fserrors.InvalidArgument, op, "negative length")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	path, err := s.backingPath(id)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, length); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("backing %s is missing", id))
		}
		return fserrors.Wrap(fserrors.IOError, op, err)
	}
	return nil
}

// SyncMutable flushes a backing file to stable storage.
func (s *Store) SyncMutable(id string) error {
	const op = "content.Store.SyncMutable"

	f, err := s.openBacking(op, id, os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fserrors.Wrap(fserrors.IOError, op, err)
	}
	return nil
}

// DeleteMutable removes a backing file. A missing file is not an error.
func (s *Store) DeleteMutable(id string) error {
	const op = "content.Store.DeleteMutable"

	unlock := s.locks.Lock(id)
	defer unlock()

	path, err := s.backingPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fserrors.Wrap(fserrors.IOError, op, err)
	}
	return nil
}

// ListMutable returns the ids of every backing file on disk.
func (s *Store) ListMutable() ([]string, error) {
	const op = "content.Store.ListMutable"

	entries, err := os.ReadDir(s.mutableDir)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.IOError, op, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// SealMutable publishes the current bytes of a backing file as an immutable
// object holding one reference. The backing itself is left in place.
func (s *Store) SealMutable(ctx context.Context, id string) (Digest, int64, error) {
	const op = "content.Store.SealMutable"

	unlock := s.locks.Lock(id)
	defer unlock()

	f, err := s.openBacking(op, id, os.O_RDONLY)
	if err != nil {
		return Digest{}, 0, err
	}
	defer f.Close()

	d, size, err := s.PutImmutable(ctx, f)
	if err != nil {
		return Digest{}, 0, err
	}
	logging.GetLoggerFromContextWithOp(ctx, op).Info("Sealed backing", "backing", id, "digest", d.String(), "length", size)
	return d, size, nil
}

// MutableModTime returns when a backing file was last written.
func (s *Store) MutableModTime(id string) (time.Time, error) {
	const op = "content.Store.MutableModTime"

	path, err := s.backingPath(id)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fserrors.Wrap(fserrors.IOError, op, err)
	}
	return info.ModTime(), nil
}
