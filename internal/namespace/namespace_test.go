package namespace_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/namespace"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tree struct {
	store    *metadata.Store
	resolver *namespace.Resolver
	root     int64
}

func newTree(t *testing.T) *tree {
	t.Helper()
	repos, err := sqlite.Open(context.Background(), config.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "metadata.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	store := metadata.NewStore(repos, metadata.Options{})
	root, err := store.Bootstrap(context.Background())
	require.NoError(t, err)
	return &tree{store: store, resolver: namespace.New(store), root: root}
}

func (tr *tree) mkdir(t *testing.T, dir int64, name string) int64 {
	t.Helper()
	inode, err := tr.store.Create(context.Background(), dir, name, models.NewInode{Type: models.InodeTypeDirectory, Perm: 0o755})
	require.NoError(t, err)
	return inode.Ino
}

func (tr *tree) file(t *testing.T, dir int64, name string) int64 {
	t.Helper()
	inode, err := tr.store.Create(context.Background(), dir, name, models.NewInode{Type: models.InodeTypeMutable, Perm: 0o644, Ptr: []byte("backing-" + name)})
	require.NoError(t, err)
	return inode.Ino
}

func (tr *tree) symlink(t *testing.T, dir int64, name, target string) int64 {
	t.Helper()
	inode, err := tr.store.Create(context.Background(), dir, name, models.NewInode{Type: models.InodeTypeSymlink, Perm: 0o777, Target: target})
	require.NoError(t, err)
	return inode.Ino
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path  string
		parts []string
		abs   bool
	}{
		{"/", nil, true},
		{"", nil, false},
		{"/a/b", []string{"a", "b"}, true},
		{"a//./b/", []string{"a", "b"}, false},
		{"../x", []string{"..", "x"}, false},
	}
	for _, tt := range tests {
		parts, abs, err := namespace.SplitPath(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.parts, parts, tt.path)
		assert.Equal(t, tt.abs, abs, tt.path)
	}

	long := make([]byte, metadata.MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, _, err := namespace.SplitPath("/" + string(long))
	assert.True(t, fserrors.IsKind(err, fserrors.NameTooLong))
}

func TestResolve(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a := tr.mkdir(t, tr.root, "a")
	b := tr.mkdir(t, a, "b")
	f := tr.file(t, b, "f")

	res, err := tr.resolver.Resolve(ctx, 0, "/a/b/f", nil)
	require.NoError(t, err)
	assert.Equal(t, f, res.Inode.Ino)
	assert.Equal(t, b, res.Dir)
	assert.Equal(t, "f", res.Name)

	res, err = tr.resolver.Resolve(ctx, b, "../b/./f", nil)
	require.NoError(t, err)
	assert.Equal(t, f, res.Inode.Ino)

	res, err = tr.resolver.Resolve(ctx, 0, "/", nil)
	require.NoError(t, err)
	assert.Equal(t, tr.root, res.Inode.Ino)

	res, err = tr.resolver.Resolve(ctx, 0, "/..", nil)
	require.NoError(t, err)
	assert.Equal(t, tr.root, res.Inode.Ino)

	_, err = tr.resolver.Resolve(ctx, 0, "/a/missing", nil)
	assert.True(t, fserrors.IsKind(err, fserrors.NotFound))

	_, err = tr.resolver.Resolve(ctx, 0, "/a/b/f/x", nil)
	assert.True(t, fserrors.IsKind(err, fserrors.NotADirectory))
}

func TestResolveStopsAtSymlinks(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a := tr.mkdir(t, tr.root, "a")
	link := tr.symlink(t, tr.root, "link", "a")
	tr.file(t, a, "f")

	res, err := tr.resolver.Resolve(ctx, 0, "/link", nil)
	require.NoError(t, err)
	assert.Equal(t, link, res.Inode.Ino)

	_, err = tr.resolver.Resolve(ctx, 0, "/link/f", nil)
	require.True(t, errors.Is(err, namespace.ErrSymlink))
	var symErr *namespace.SymlinkError
	require.True(t, errors.As(err, &symErr))
	assert.Equal(t, link, symErr.Link.Ino)
	assert.Equal(t, tr.root, symErr.Dir)
	assert.Equal(t, []string{"f"}, symErr.Rest)
}

func TestResolveTraverseHook(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a := tr.mkdir(t, tr.root, "a")
	tr.file(t, a, "f")

	var seen []int64
	_, err := tr.resolver.Resolve(ctx, 0, "/a/f", func(dir *models.Inode) error {
		seen = append(seen, dir.Ino)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{tr.root, a}, seen)

	denied := fserrors.New(fserrors.PermissionDenied, "test", "no x")
	_, err = tr.resolver.Resolve(ctx, 0, "/a/f", func(dir *models.Inode) error {
		if dir.Ino == a {
			return denied
		}
		return nil
	})
	assert.True(t, fserrors.IsKind(err, fserrors.PermissionDenied))
}

func TestResolveParent(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a := tr.mkdir(t, tr.root, "a")

	res, name, err := tr.resolver.ResolveParent(ctx, 0, "/a/new", nil)
	require.NoError(t, err)
	assert.Equal(t, a, res.Inode.Ino)
	assert.Equal(t, "new", name)

	_, _, err = tr.resolver.ResolveParent(ctx, 0, "/", nil)
	assert.True(t, fserrors.IsKind(err, fserrors.InvalidArgument))
}

func TestPathAndAncestry(t *testing.T) {
	tr := newTree(t)
	ctx := context.Background()

	a := tr.mkdir(t, tr.root, "a")
	b := tr.mkdir(t, a, "b")
	f := tr.file(t, b, "f")

	path, err := tr.resolver.Path(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/f", path)

	path, err = tr.resolver.Path(ctx, tr.root)
	require.NoError(t, err)
	assert.Equal(t, "/", path)

	inside, err := tr.resolver.IsAncestor(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, inside)
	inside, err = tr.resolver.IsAncestor(ctx, b, a)
	require.NoError(t, err)
	assert.False(t, inside)
}
