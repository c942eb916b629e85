package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/binary"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

const (
	refIndexFile = "refs.db"
	compareChunk = 1 << 20
)

type Options struct {
	VerifyOnInsert bool
	Metrics        *metrics.Metrics
}

// Store is the content layer: deduplicated immutable objects with reference
// counts, plus the mutable backing files of files still being written.
type Store struct {
	root    string
	tmpDir  string
	primary BlobStore
	mirrors []BlobStore
	index   *refIndex
	opts    Options

	mutableDir string
	locks      *keyedMutex
}

// Open builds the stores named by cfg. Without an explicit primary the
// objects live in a local store under Root/objects.
func Open(ctx context.Context, cfg config.ContentConfig, m *metrics.Metrics) (*Store, error) {
	const op = "content.Open"

	primaryCfg := config.MirrorConfig{
		Name: config.PrimaryStoreName,
		Type: config.StoreLocal,
		Path: filepath.Join(cfg.Root, "objects"),
	}
	if cfg.Primary != nil {
		primaryCfg = *cfg.Primary
		primaryCfg.Name = config.PrimaryStoreName
	}
	primary, err := newBlobStore(ctx, primaryCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	mirrors := make([]BlobStore, 0, len(cfg.Mirrors))
	for _, mc := range cfg.Mirrors {
		mirror, err := newBlobStore(ctx, mc)
		if err != nil {
			return nil, fmt.Errorf("%s: mirror %q: %w", op, mc.Name, err)
		}
		mirrors = append(mirrors, mirror)
	}

	return New(cfg.Root, primary, mirrors, Options{
		VerifyOnInsert: cfg.VerifiesOnInsert(),
		Metrics:        m,
	})
}

func newBlobStore(ctx context.Context, cfg config.MirrorConfig) (BlobStore, error) {
	switch cfg.Type {
	case config.StoreLocal:
		return NewLocalStore(cfg.Name, cfg.Path)
	case config.StoreS3:
		return NewS3StoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// New assembles a Store from already built blob stores. root holds the
// reference index, temp files and mutable backings.
func New(root string, primary BlobStore, mirrors []BlobStore, opts Options) (*Store, error) {
	s := &Store{
		root:       root,
		primary:    primary,
		mirrors:    mirrors,
		opts:       opts,
		mutableDir: filepath.Join(root, "mutable"),
		locks:      newKeyedMutex(),
	}

	s.tmpDir = filepath.Join(root, "tmp")
	if a, ok := primary.(adopter); ok {
		s.tmpDir = a.TempDir()
	}
	for _, dir := range []string{root, s.tmpDir, s.mutableDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("content: create %s: %w", dir, err)
		}
	}

	index, err := openRefIndex(filepath.Join(root, refIndexFile))
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	s.index = index
	return s, nil
}

func (s *Store) Close() error {
	return s.index.Close()
}

// Stores returns the names of the primary and mirror stores, primary first.
func (s *Store) Stores() []string {
	names := []string{s.primary.Name()}
	for _, m := range s.mirrors {
		names = append(names, m.Name())
	}
	return names
}

func (s *Store) all() []BlobStore {
	return append([]BlobStore{s.primary}, s.mirrors...)
}

func (s *Store) store(name string) BlobStore {
	for _, b := range s.all() {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// PutImmutable stores the bytes of r and takes one reference on the
// resulting digest. Identical content is stored once.
func (s *Store) PutImmutable(ctx context.Context, r io.Reader) (Digest, int64, error) {
	const op = "content.Store.PutImmutable"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	tmp, d, size, err := s.spool(r)
	if err != nil {
		return Digest{}, 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	deduplicated := false
	err = s.index.update(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil {
			return err
		}

		if ok {
			existing, err := s.primary.Size(ctx, d)
			switch {
			case errors.Is(err, ErrObjectNotFound):
				logger.Warn("Indexed object missing from primary, republishing", "digest", d.String())
				if err := s.publish(ctx, d, tmp, size); err != nil {
					return err
				}
			case err != nil:
				return err
			case s.opts.VerifyOnInsert:
				same, err := s.sameBytes(ctx, d, existing, tmp, size)
				if err != nil {
					return err
				}
				if !same {
					return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("content differs for digest %s", d))
				}
			}
			rec.Count++
			deduplicated = true
			return tx.put(d, rec)
		}

		if err := s.publish(ctx, d, tmp, size); err != nil {
			return err
		}
		return tx.put(d, binary.RefRecord{Count: 1, Length: size})
	})
	if err != nil {
		if fserrors.IsKind(err, fserrors.Corruption) {
			logger.Error("Hash collision detected", "digest", d.String())
			return Digest{}, 0, err
		}
		return Digest{}, 0, fserrors.Wrap(fserrors.IOError, op, err)
	}

	if deduplicated {
		s.opts.Metrics.RecordDeduplicated(size)
	} else {
		s.opts.Metrics.RecordStored(size)
	}
	logger.Debug("Stored immutable object", "digest", d.String(), "length", size, "deduplicated", deduplicated)
	return d, size, nil
}

// spool copies r into a synced temp file while hashing it.
func (s *Store) spool(r io.Reader) (*os.File, Digest, int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "ingest-*")
	if err != nil {
		return nil, Digest{}, 0, err
	}
	fail := func(err error) (*os.File, Digest, int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, Digest{}, 0, err
	}

	d, size, err := HashReader(io.TeeReader(r, tmp))
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	return tmp, d, size, nil
}

func (s *Store) publish(ctx context.Context, d Digest, tmp *os.File, size int64) error {
	if a, ok := s.primary.(adopter); ok {
		// The caller still owns tmp and removes it afterwards.
		staged := filepath.Join(s.tmpDir, "adopt-"+d.String())
		os.Remove(staged)
		if err := linkOrCopy(tmp, staged); err != nil {
			return err
		}
		return a.Adopt(d, staged)
	}
	return s.primary.Put(ctx, d, tmp, size)
}

func linkOrCopy(src *os.File, dst string) error {
	if err := os.Link(src.Name(), dst); err == nil {
		return nil
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (s *Store) sameBytes(ctx context.Context, d Digest, existing int64, tmp *os.File, size int64) (bool, error) {
	if existing != size {
		return false, nil
	}
	buf := make([]byte, compareChunk)
	for off := int64(0); off < size; off += compareChunk {
		stored, err := s.primary.ReadAt(ctx, d, off, compareChunk)
		if err != nil {
			return false, err
		}
		n, err := tmp.ReadAt(buf[:len(stored)], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		if !bytes.Equal(stored, buf[:n]) {
			return false, nil
		}
	}
	return true, nil
}

// ReadImmutable reads up to n bytes at off, trying the primary store and
// then each mirror.
func (s *Store) ReadImmutable(ctx context.Context, d Digest, off int64, n int) ([]byte, error) {
	const op = "content.Store.ReadImmutable"

	if off < 0 || n < 0 {
		return nil, fserrors.New(fserrors.InvalidArgument, op, "negative offset or size")
	}

	var lastErr error
	for _, b := range s.all() {
		data, err := b.ReadAt(ctx, d, off, n)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrObjectNotFound) {
			logging.GetLoggerFromContextWithOp(ctx, op).Warn("Store read failed",
				"store", b.Name(), "digest", d.String(), slogext.Err(err))
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, fserrors.Wrap(fserrors.IOError, op, lastErr)
	}
	return nil, fserrors.New(fserrors.NoSuchHash, op, d.String())
}

// Length returns the recorded size of an indexed object.
func (s *Store) Length(d Digest) (int64, error) {
	const op = "content.Store.Length"

	var length int64
	err := s.index.view(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New(fserrors.NoSuchHash, op, d.String())
		}
		length = rec.Length
		return nil
	})
	return length, err
}

// RefCount returns the current count, or NoSuchHash for an unknown digest.
func (s *Store) RefCount(d Digest) (int64, error) {
	const op = "content.Store.RefCount"

	var count int64
	err := s.index.view(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New(fserrors.NoSuchHash, op, d.String())
		}
		count = rec.Count
		return nil
	})
	return count, err
}

func (s *Store) Incref(d Digest) error {
	const op = "content.Store.Incref"

	return s.index.update(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New(fserrors.NoSuchHash, op, d.String())
		}
		rec.Count++
		return tx.put(d, rec)
	})
}

// Decref drops one reference and returns what is left. An object at zero
// stays in place until Collect removes it.
func (s *Store) Decref(d Digest) (int64, error) {
	const op = "content.Store.Decref"

	var remaining int64
	err := s.index.update(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil {
			return err
		}
		if !ok {
			return fserrors.New(fserrors.NoSuchHash, op, d.String())
		}
		if rec.Count <= 0 {
			return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("refcount underflow for %s", d))
		}
		rec.Count--
		remaining = rec.Count
		return tx.put(d, rec)
	})
	return remaining, err
}

// Release hands back the content freed by a committed metadata change.
func (s *Store) Release(ctx context.Context, reclaim models.Reclaim) error {
	const op = "content.Store.Release"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var errs []error
	for _, raw := range reclaim.Digests {
		d, err := DigestFromBytes(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		remaining, err := s.Decref(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Debug("Released immutable object", "digest", d.String(), "remaining", remaining)
	}
	for _, id := range reclaim.Backings {
		if err := s.DeleteMutable(id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("Failed to release content", slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RefCounts returns the count of every indexed digest, keyed by raw digest
// bytes like metadata.Store.DigestCounts.
func (s *Store) RefCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	err := s.index.view(func(tx refTx) error {
		return tx.each(func(d Digest, rec binary.RefRecord) error {
			counts[string(d[:])] = rec.Count
			return ctx.Err()
		})
	})
	return counts, err
}

// ZeroRefs lists indexed digests whose count has reached zero.
func (s *Store) ZeroRefs(ctx context.Context) ([]Digest, error) {
	var out []Digest
	err := s.index.view(func(tx refTx) error {
		return tx.each(func(d Digest, rec binary.RefRecord) error {
			if rec.Count == 0 {
				out = append(out, d)
			}
			return ctx.Err()
		})
	})
	return out, err
}

// Collect deletes an object whose count is still zero. It reports whether
// anything was removed and how many bytes were freed. When a store fails
// the index key is kept so the next pass retries.
func (s *Store) Collect(ctx context.Context, d Digest) (bool, int64, error) {
	const op = "content.Store.Collect"

	var freed int64
	collected := false
	err := s.index.update(func(tx refTx) error {
		rec, ok, err := tx.get(d)
		if err != nil || !ok || rec.Count != 0 {
			return err
		}
		for _, b := range s.all() {
			if err := b.Delete(ctx, d); err != nil {
				return fmt.Errorf("delete from %s: %w", b.Name(), err)
			}
		}
		freed = rec.Length
		collected = true
		return tx.delete(d)
	})
	if err != nil {
		return false, 0, fserrors.Wrap(fserrors.IOError, op, err)
	}
	if collected {
		s.opts.Metrics.RecordCollected(freed)
	}
	return collected, freed, nil
}

// Has returns the names of the stores holding d.
func (s *Store) Has(ctx context.Context, d Digest) ([]string, error) {
	const op = "content.Store.Has"

	var names []string
	for _, b := range s.all() {
		_, err := b.Size(ctx, d)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, fserrors.Wrap(fserrors.IOError, op, err)
		}
		names = append(names, b.Name())
	}
	return names, nil
}

// Mirror copies d into the named store and returns the store it was read
// from. It returns an empty source when the target already holds d.
func (s *Store) Mirror(ctx context.Context, d Digest, target string) (string, error) {
	const op = "content.Store.Mirror"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	dst := s.store(target)
	if dst == nil {
		return "", fserrors.New(fserrors.NotFound, op, fmt.Sprintf("unknown store %q", target))
	}
	if _, err := dst.Size(ctx, d); err == nil {
		return "", nil
	} else if !errors.Is(err, ErrObjectNotFound) {
		return "", fserrors.Wrap(fserrors.IOError, op, err)
	}

	for _, src := range s.all() {
		if src == dst {
			continue
		}
		size, err := src.Size(ctx, d)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("Skipping unreachable store", "store", src.Name(), slogext.Err(err))
			continue
		}

		tmp, got, n, err := s.spool(&storeReader{ctx: ctx, store: src, digest: d, size: size})
		if err != nil {
			return "", fserrors.Wrap(fserrors.IOError, op, err)
		}
		err = func() error {
			defer func() {
				tmp.Close()
				os.Remove(tmp.Name())
			}()
			if got != d {
				return fserrors.New(fserrors.Corruption, op, fmt.Sprintf("store %s holds bad bytes for %s", src.Name(), d))
			}
			return dst.Put(ctx, d, tmp, n)
		}()
		if err != nil {
			if fserrors.IsKind(err, fserrors.Corruption) {
				return "", err
			}
			return "", fserrors.Wrap(fserrors.IOError, op, err)
		}

		logger.Info("Mirrored object", "digest", d.String(), "from", src.Name(), "to", dst.Name())
		return src.Name(), nil
	}
	return "", fserrors.New(fserrors.NoSuchHash, op, d.String())
}

// storeReader streams an object out of a BlobStore in chunks.
type storeReader struct {
	ctx    context.Context
	store  BlobStore
	digest Digest
	size   int64
	off    int64
}

func (r *storeReader) Read(p []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	n := len(p)
	if n > compareChunk {
		n = compareChunk
	}
	if rest := r.size - r.off; int64(n) > rest {
		n = int(rest)
	}
	data, err := r.store.ReadAt(r.ctx, r.digest, r.off, n)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	copy(p, data)
	r.off += int64(len(data))
	return len(data), nil
}

// Rebuild resets every reference count to the number of immutable inodes
// naming the digest. counts is keyed by raw digest bytes. It returns the
// number of records changed.
func (s *Store) Rebuild(ctx context.Context, counts map[string]int64) (int, error) {
	const op = "content.Store.Rebuild"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	changed := 0
	err := s.index.update(func(tx refTx) error {
		seen := make(map[Digest]bool, len(counts))
		type fix struct {
			d   Digest
			rec binary.RefRecord
		}
		var fixes []fix

		err := tx.each(func(d Digest, rec binary.RefRecord) error {
			seen[d] = true
			want := counts[string(d[:])]
			if rec.Count != want {
				logger.Warn("Fixing refcount", "digest", d.String(), "have", rec.Count, "want", want)
				rec.Count = want
				fixes = append(fixes, fix{d, rec})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for raw, want := range counts {
			d, err := DigestFromBytes([]byte(raw))
			if err != nil {
				return err
			}
			if seen[d] {
				continue
			}
			size, err := s.primary.Size(ctx, d)
			if errors.Is(err, ErrObjectNotFound) {
				logger.Error("Referenced object is missing", "digest", d.String())
				continue
			}
			if err != nil {
				return err
			}
			logger.Warn("Indexing unindexed object", "digest", d.String(), "count", want)
			fixes = append(fixes, fix{d, binary.RefRecord{Count: want, Length: size}})
		}

		for _, f := range fixes {
			if err := tx.put(f.d, f.rec); err != nil {
				return err
			}
		}
		changed = len(fixes)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return changed, nil
}

// Unindexed lists objects held by the primary store that have no index
// record. They are leftovers of a publish that never committed.
func (s *Store) Unindexed(ctx context.Context) ([]Digest, error) {
	known := make(map[Digest]bool)
	err := s.index.view(func(tx refTx) error {
		return tx.each(func(d Digest, _ binary.RefRecord) error {
			known[d] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var out []Digest
	err = s.primary.Walk(ctx, func(d Digest) error {
		if !known[d] {
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// DeleteUnindexed removes an object from the primary store if the index
// still has no record of it.
func (s *Store) DeleteUnindexed(ctx context.Context, d Digest) (bool, error) {
	deleted := false
	err := s.index.update(func(tx refTx) error {
		_, ok, err := tx.get(d)
		if err != nil || ok {
			return err
		}
		deleted = true
		return s.primary.Delete(ctx, d)
	})
	return deleted, err
}
