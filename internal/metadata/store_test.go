package metadata_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/S1riyS/hugefs/internal/repository/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openSet map[int64]bool

func (o openSet) IsOpen(ino int64) bool { return o[ino] }

type allOpen struct{}

func (allOpen) IsOpen(int64) bool { return true }

func newStore(t *testing.T) (*metadata.Store, *repository.Repositories, int64) {
	t.Helper()
	repos, err := sqlite.Open(context.Background(), config.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "metadata.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	store := metadata.NewStore(repos, metadata.Options{RootUID: 1000, RootGID: 1000})
	root, err := store.Bootstrap(context.Background())
	require.NoError(t, err)
	return store, repos, root
}

func mutable(ptr string) models.NewInode {
	return models.NewInode{Type: models.InodeTypeMutable, Perm: 0o644, Ptr: []byte(ptr)}
}

func immutable(digest string, length int64) models.NewInode {
	return models.NewInode{Type: models.InodeTypeImmutable, Perm: 0o444, Ptr: []byte(digest), Length: length}
}

func directory() models.NewInode {
	return models.NewInode{Type: models.InodeTypeDirectory, Perm: 0o755}
}

func assertConsistent(t *testing.T, store *metadata.Store) {
	t.Helper()
	violations, err := store.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store, repos, root := newStore(t)
	ctx := context.Background()

	again, err := store.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, again)

	inode, err := store.Stat(ctx, root)
	require.NoError(t, err)
	assert.True(t, inode.IsDir())
	assert.Equal(t, uint32(0o700), inode.Perm)
	assert.Equal(t, uint32(1000), inode.UID)
	assert.Equal(t, int64(1), inode.Nlink)

	stored, err := repos.Roots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, stored)
	assertConsistent(t, store)
}

func TestCreateLinkUnlinkKeepsNlink(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	file, err := store.Create(ctx, root, "a", immutable("digest-a", 5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), file.Nlink)

	_, err = store.Create(ctx, root, "a", immutable("digest-b", 5))
	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)

	linked, err := store.Link(ctx, root, "b", file.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(2), linked.Nlink)
	assertConsistent(t, store)

	reclaim, err := store.Unlink(ctx, root, "a")
	require.NoError(t, err)
	assert.True(t, reclaim.Empty())

	got, err := store.Lookup(ctx, root, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Nlink)

	reclaim, err = store.Unlink(ctx, root, "b")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("digest-a")}, reclaim.Digests)

	_, err = store.Stat(ctx, file.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
	assertConsistent(t, store)
}

func TestLinkErrors(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	dir, err := store.Create(ctx, root, "dir", directory())
	require.NoError(t, err)
	file, err := store.Create(ctx, root, "file", mutable("m1"))
	require.NoError(t, err)

	_, err = store.Link(ctx, root, "dir2", dir.Ino)
	assert.ErrorIs(t, err, fserrors.ErrIsADirectory)

	gone, err := store.Create(ctx, root, "gone", directory())
	require.NoError(t, err)
	store.SetHandleOracle(openSet{gone.Ino: true})
	_, err = store.Unlink(ctx, root, "gone")
	require.NoError(t, err)
	_, err = store.Link(ctx, root, "back", gone.Ino)
	assert.ErrorIs(t, err, fserrors.ErrIsADirectory)
	store.SetHandleOracle(nil)
	_, err = store.ReapIfOrphan(ctx, gone.Ino)
	require.NoError(t, err)

	_, err = store.Link(ctx, file.Ino, "x", file.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotADirectory)

	_, err = store.Link(ctx, root, "ghost", 987654)
	assert.ErrorIs(t, err, fserrors.ErrNotFound)

	_, err = store.Link(ctx, root, "file", file.Ino)
	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)

	for _, bad := range []string{"", ".", "..", "a/b"} {
		_, err = store.Link(ctx, root, bad, file.Ino)
		assert.ErrorIs(t, err, fserrors.ErrInvalidArgument, "name %q", bad)
	}

	_, err = store.Unlink(ctx, root, "missing")
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
	assertConsistent(t, store)
}

func TestUnlinkNonEmptyDirectory(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	dir, err := store.Create(ctx, root, "d", directory())
	require.NoError(t, err)
	_, err = store.Create(ctx, dir.Ino, "f", mutable("m1"))
	require.NoError(t, err)

	_, err = store.Unlink(ctx, root, "d")
	assert.ErrorIs(t, err, fserrors.ErrNotEmpty)

	reclaim, err := store.Unlink(ctx, dir.Ino, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, reclaim.Backings)

	_, err = store.Unlink(ctx, root, "d")
	require.NoError(t, err)
	assertConsistent(t, store)
}

func TestUnlinkWhileOpenDefersDestruction(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	file, err := store.Create(ctx, root, "f", mutable("m1"))
	require.NoError(t, err)

	open := openSet{file.Ino: true}
	store.SetHandleOracle(open)

	reclaim, err := store.Unlink(ctx, root, "f")
	require.NoError(t, err)
	assert.True(t, reclaim.Empty())

	orphan, err := store.Stat(ctx, file.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(0), orphan.Nlink)
	assertConsistent(t, store)

	reclaim, err = store.ReapIfOrphan(ctx, file.Ino)
	require.NoError(t, err)
	assert.True(t, reclaim.Empty(), "still open")

	delete(open, file.Ino)
	reclaim, err = store.ReapIfOrphan(ctx, file.Ino)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, reclaim.Backings)

	_, err = store.Stat(ctx, file.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
}

func TestHandleOracleCanBeReplaced(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, root, "a", mutable("m1"))
	require.NoError(t, err)
	b, err := store.Create(ctx, root, "b", mutable("m2"))
	require.NoError(t, err)

	store.SetHandleOracle(openSet{})
	require.NotPanics(t, func() { store.SetHandleOracle(allOpen{}) })

	reclaim, err := store.Unlink(ctx, root, "a")
	require.NoError(t, err)
	assert.True(t, reclaim.Empty(), "held open")

	require.NotPanics(t, func() { store.SetHandleOracle(nil) })
	reclaim, err = store.Unlink(ctx, root, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, reclaim.Backings)

	reclaim, err = store.ReapIfOrphan(ctx, a.Ino)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, reclaim.Backings)

	_, err = store.Stat(ctx, b.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
	assertConsistent(t, store)
}

func TestUnlinkInoRejectsReplacedEntry(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	file, err := store.Create(ctx, root, "x", mutable("m1"))
	require.NoError(t, err)
	dir, err := store.Create(ctx, root, "y", directory())
	require.NoError(t, err)

	_, err = store.UnlinkIno(ctx, root, "x", dir.Ino)
	assert.ErrorIs(t, err, metadata.ErrEntryChanged)

	got, err := store.Lookup(ctx, root, "x")
	require.NoError(t, err)
	assert.Equal(t, file.Ino, got.Ino)
	assert.Equal(t, int64(1), got.Nlink)

	reclaim, err := store.UnlinkIno(ctx, root, "x", file.Ino)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, reclaim.Backings)

	_, err = store.UnlinkIno(ctx, root, "x", file.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
	assertConsistent(t, store)
}

func TestReapOrphansAfterCrash(t *testing.T) {
	store, repos, root := newStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, root, "keep", immutable("k", 1))
	require.NoError(t, err)
	_, err = repos.Inodes.Create(ctx, immutable("lost", 4), time.Now().UnixNano())
	require.NoError(t, err)

	reclaim, n, err := store.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]byte{[]byte("lost")}, reclaim.Digests)
	assertConsistent(t, store)
}

func TestRenameReplacesDestination(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	src, err := store.Create(ctx, root, "src", immutable("one", 1))
	require.NoError(t, err)
	_, err = store.Create(ctx, root, "dst", immutable("two", 1))
	require.NoError(t, err)

	reclaim, err := store.Rename(ctx, root, "src", root, "dst")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two")}, reclaim.Digests)

	got, err := store.Lookup(ctx, root, "dst")
	require.NoError(t, err)
	assert.Equal(t, src.Ino, got.Ino)
	_, err = store.Lookup(ctx, root, "src")
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
	assertConsistent(t, store)
}

func TestRenameSameInodeIsNoop(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	file, err := store.Create(ctx, root, "a", mutable("m"))
	require.NoError(t, err)
	_, err = store.Link(ctx, root, "b", file.Ino)
	require.NoError(t, err)

	_, err = store.Rename(ctx, root, "a", root, "b")
	require.NoError(t, err)
	_, err = store.Rename(ctx, root, "a", root, "a")
	require.NoError(t, err)

	entries, err := store.List(ctx, root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assertConsistent(t, store)
}

func TestRenameRules(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	parent, err := store.Create(ctx, root, "parent", directory())
	require.NoError(t, err)
	child, err := store.Create(ctx, parent.Ino, "child", directory())
	require.NoError(t, err)
	full, err := store.Create(ctx, root, "full", directory())
	require.NoError(t, err)
	_, err = store.Create(ctx, full.Ino, "x", mutable("mx"))
	require.NoError(t, err)
	_, err = store.Create(ctx, root, "file", mutable("mf"))
	require.NoError(t, err)
	_, err = store.Create(ctx, root, "empty", directory())
	require.NoError(t, err)

	_, err = store.Rename(ctx, root, "parent", child.Ino, "loop")
	assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)
	_, err = store.Rename(ctx, root, "parent", parent.Ino, "self")
	assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)

	_, err = store.Rename(ctx, root, "file", root, "empty")
	assert.ErrorIs(t, err, fserrors.ErrIsADirectory)
	_, err = store.Rename(ctx, root, "empty", root, "file")
	assert.ErrorIs(t, err, fserrors.ErrNotADirectory)
	_, err = store.Rename(ctx, root, "parent", root, "full")
	assert.ErrorIs(t, err, fserrors.ErrNotEmpty)

	_, err = store.Rename(ctx, root, "parent", root, "empty")
	require.NoError(t, err)
	moved, err := store.Lookup(ctx, root, "empty")
	require.NoError(t, err)
	assert.Equal(t, parent.Ino, moved.Ino)

	up, err := store.ParentOf(ctx, child.Ino)
	require.NoError(t, err)
	assert.Equal(t, parent.Ino, up)
	assertConsistent(t, store)
}

func TestSetAttrsLengthRules(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	m, err := store.Create(ctx, root, "m", mutable("m"))
	require.NoError(t, err)
	i, err := store.Create(ctx, root, "i", immutable("i", 3))
	require.NoError(t, err)
	d, err := store.Create(ctx, root, "d", directory())
	require.NoError(t, err)

	length := int64(10)
	got, err := store.SetAttrs(ctx, m.Ino, models.SetAttrs{Length: &length})
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Length)

	_, err = store.SetAttrs(ctx, i.Ino, models.SetAttrs{Length: &length})
	assert.ErrorIs(t, err, fserrors.ErrReadOnly)
	_, err = store.SetAttrs(ctx, d.Ino, models.SetAttrs{Length: &length})
	assert.ErrorIs(t, err, fserrors.ErrIsADirectory)

	same := int64(3)
	perm := uint32(0o400)
	got, err = store.SetAttrs(ctx, i.Ino, models.SetAttrs{Length: &same, Perm: &perm})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o400), got.Perm)
	assert.Equal(t, models.InodeTypeImmutable, got.Type)

	require.NoError(t, store.GrowLength(ctx, m.Ino, 4))
	require.NoError(t, store.GrowLength(ctx, m.Ino, 64))
	got, err = store.Stat(ctx, m.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(64), got.Length)
}

func TestSymlinkRoundTrip(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	link, err := store.Create(ctx, root, "ln", models.NewInode{Type: models.InodeTypeSymlink, Perm: 0o777, Target: "../a/b"})
	require.NoError(t, err)

	target, err := store.ReadSymlink(ctx, link.Ino)
	require.NoError(t, err)
	assert.Equal(t, "../a/b", target)

	_, err = store.ReadSymlink(ctx, root)
	assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)
	assertConsistent(t, store)
}

func TestRelinkSealsEveryName(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	dir, err := store.Create(ctx, root, "dir", directory())
	require.NoError(t, err)
	file, err := store.Create(ctx, root, "a", mutable("backing"))
	require.NoError(t, err)
	_, err = store.Link(ctx, dir.Ino, "b", file.Ino)
	require.NoError(t, err)

	sealed, reclaim, err := store.Relink(ctx, file.Ino, []byte("digest"), 7)
	require.NoError(t, err)
	assert.Equal(t, models.InodeTypeImmutable, sealed.Type)
	assert.Equal(t, int64(2), sealed.Nlink)
	assert.Equal(t, []string{"backing"}, reclaim.Backings)

	for _, name := range []struct {
		dir  int64
		name string
	}{{root, "a"}, {dir.Ino, "b"}} {
		got, err := store.Lookup(ctx, name.dir, name.name)
		require.NoError(t, err)
		assert.Equal(t, sealed.Ino, got.Ino)
		assert.Equal(t, []byte("digest"), got.Ptr)
	}

	_, _, err = store.Relink(ctx, sealed.Ino, []byte("again"), 7)
	assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)
	assertConsistent(t, store)
}

func TestCheckDetectsCorruption(t *testing.T) {
	store, repos, root := newStore(t)
	ctx := context.Background()

	file, err := store.Create(ctx, root, "f", immutable("d", 1))
	require.NoError(t, err)
	require.NoError(t, repos.Inodes.AddNlink(ctx, file.Ino, 2))

	violations, err := store.Check(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, file.Ino, violations[0].Ino)
	assert.Contains(t, violations[0].Problem, "nlink 3")
}

func TestDigestQueries(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, root, "a", immutable("same", 4))
	require.NoError(t, err)
	_, err = store.Create(ctx, root, "b", immutable("same", 4))
	require.NoError(t, err)
	m, err := store.Create(ctx, root, "c", mutable("backing-c"))
	require.NoError(t, err)

	counts, err := store.DigestCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"same": 2}, counts)

	referenced, err := store.ReferencesDigest(ctx, []byte("same"))
	require.NoError(t, err)
	assert.True(t, referenced)
	referenced, err = store.ReferencesDigest(ctx, []byte("other"))
	require.NoError(t, err)
	assert.False(t, referenced)

	backings, err := store.MutableBackings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"backing-c": m.Ino}, backings)

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Inodes)
	assert.Equal(t, int64(8), stats.Bytes)
}

func TestConcurrentRenameIsAtomic(t *testing.T) {
	store, _, root := newStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, root, "ping", mutable("m"))
	require.NoError(t, err)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		names := [2]string{"ping", "pong"}
		for i := 0; i < rounds; i++ {
			_, err := store.Rename(ctx, root, names[i%2], root, names[(i+1)%2])
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < rounds; i++ {
		entries, err := store.List(ctx, root)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "exactly one name must be visible")
	}
	wg.Wait()
	assertConsistent(t, store)
}
