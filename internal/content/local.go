package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps objects as files under root, sharded as ab/cd/abcd....
type LocalStore struct {
	name string
	root string
}

func NewLocalStore(name, root string) (*LocalStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("content: create %s: %w", dir, err)
		}
	}
	return &LocalStore{name: name, root: root}, nil
}

func (s *LocalStore) Name() string { return s.name }

func (s *LocalStore) TempDir() string { return filepath.Join(s.root, "tmp") }

func (s *LocalStore) path(d Digest) string {
	hex := d.String()
	return filepath.Join(s.root, hex[0:2], hex[2:4], hex)
}

// Adopt renames a fully written and synced temp file into place.
func (s *LocalStore) Adopt(d Digest, tmpPath string) error {
	dst := s.path(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o400); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	return syncDir(filepath.Dir(dst))
}

func (s *LocalStore) Put(ctx context.Context, d Digest, src *os.File, size int64) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.TempDir(), "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, io.LimitReader(src, size)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.Adopt(d, tmpPath)
}

func (s *LocalStore) ReadAt(_ context.Context, d Digest, off int64, n int) ([]byte, error) {
	f, err := os.Open(s.path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

func (s *LocalStore) Size(_ context.Context, d Digest) (int64, error) {
	info, err := os.Stat(s.path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrObjectNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (s *LocalStore) Delete(_ context.Context, d Digest) error {
	err := os.Remove(s.path(d))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) Walk(ctx context.Context, fn func(Digest) error) error {
	return filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != s.root && entry.Name() == "tmp" {
				return filepath.SkipDir
			}
			return ctx.Err()
		}
		d, err := ParseDigest(entry.Name())
		if err != nil {
			return nil
		}
		return fn(d)
	})
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
