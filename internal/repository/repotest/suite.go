// Package repotest holds the behaviour every metadata backend must share.
// Backends call RunConformanceSuite from their own tests with a factory
// that returns an empty, schema-initialised database.
package repotest

import (
	"context"
	"testing"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) *repository.Repositories

func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("Inodes", func(t *testing.T) {
		t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
		t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
		t.Run("UpdateAndNlink", func(t *testing.T) { testUpdateAndNlink(t, factory(t)) })
		t.Run("LengthAtLeast", func(t *testing.T) { testLengthAtLeast(t, factory(t)) })
		t.Run("Orphans", func(t *testing.T) { testOrphans(t, factory(t)) })
		t.Run("PtrReferences", func(t *testing.T) { testPtrReferences(t, factory(t)) })
	})
	t.Run("Directories", func(t *testing.T) {
		t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, factory(t)) })
		t.Run("InsertDanglingTarget", func(t *testing.T) { testInsertDanglingTarget(t, factory(t)) })
		t.Run("ListOrdered", func(t *testing.T) { testListOrdered(t, factory(t)) })
		t.Run("DeleteMissing", func(t *testing.T) { testDeleteMissing(t, factory(t)) })
		t.Run("DeleteNonEmptyDirectory", func(t *testing.T) { testDeleteNonEmptyDirectory(t, factory(t)) })
		t.Run("Retarget", func(t *testing.T) { testRetarget(t, factory(t)) })
		t.Run("OddNames", func(t *testing.T) { testOddNames(t, factory(t)) })
	})
	t.Run("Symlinks", func(t *testing.T) { testSymlinks(t, factory(t)) })
	t.Run("Root", func(t *testing.T) { testRoot(t, factory(t)) })
	t.Run("Transactions", func(t *testing.T) {
		t.Run("Rollback", func(t *testing.T) { testRollback(t, factory(t)) })
		t.Run("Commit", func(t *testing.T) { testCommit(t, factory(t)) })
	})
}

const now = int64(1_700_000_000_000_000_000)

func mkdir(t *testing.T, repos *repository.Repositories, perm uint32) *models.Inode {
	t.Helper()
	inode, err := repos.Inodes.Create(context.Background(), models.NewInode{Type: models.InodeTypeDirectory, Perm: perm, UID: 1000, GID: 1000}, now)
	require.NoError(t, err)
	return inode
}

func mkfile(t *testing.T, repos *repository.Repositories, ptr []byte, length int64) *models.Inode {
	t.Helper()
	inode, err := repos.Inodes.Create(context.Background(), models.NewInode{Type: models.InodeTypeImmutable, Perm: 0o644, Ptr: ptr, Length: length}, now)
	require.NoError(t, err)
	return inode
}

func link(t *testing.T, repos *repository.Repositories, dir int64, name string, inode *models.Inode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repos.Directories.Insert(ctx, models.DirEntry{Dir: dir, Name: name, Ino: inode.Ino, Type: inode.Type}))
	require.NoError(t, repos.Inodes.AddNlink(ctx, inode.Ino, 1))
}

func testCreateAndGet(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()

	created, err := repos.Inodes.Create(ctx, models.NewInode{
		Type: models.InodeTypeMutable, Perm: 0o640, UID: 7, GID: 8, Length: 3, Ptr: []byte("backing-1"),
	}, now)
	require.NoError(t, err)
	assert.Positive(t, created.Ino)

	got, err := repos.Inodes.Get(ctx, created.Ino)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.InodeTypeMutable, got.Type)
	assert.Equal(t, uint32(0o640), got.Perm)
	assert.Equal(t, uint32(7), got.UID)
	assert.Equal(t, uint32(8), got.GID)
	assert.Equal(t, int64(0), got.Nlink)
	assert.Equal(t, now, got.Crtime)
	assert.Equal(t, now, got.Mtime)
	assert.Equal(t, int64(3), got.Length)
	assert.Equal(t, []byte("backing-1"), got.Ptr)

	dir := mkdir(t, repos, 0o755)
	assert.Greater(t, dir.Ino, created.Ino)
	gotDir, err := repos.Inodes.Get(ctx, dir.Ino)
	require.NoError(t, err)
	assert.Nil(t, gotDir.Ptr)
}

func testGetMissing(t *testing.T, repos *repository.Repositories) {
	got, err := repos.Inodes.Get(context.Background(), 424242)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = repos.Inodes.AddNlink(context.Background(), 424242, 1)
	assert.True(t, fserrors.IsKind(err, fserrors.NotFound))
}

func testUpdateAndNlink(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	inode := mkfile(t, repos, []byte("d"), 1)

	inode.Perm = 0o600
	inode.UID = 42
	inode.Mtime = now + 5
	require.NoError(t, repos.Inodes.Update(ctx, inode))
	require.NoError(t, repos.Inodes.AddNlink(ctx, inode.Ino, 2))
	require.NoError(t, repos.Inodes.AddNlink(ctx, inode.Ino, -1))

	got, err := repos.Inodes.Get(ctx, inode.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), got.Perm)
	assert.Equal(t, uint32(42), got.UID)
	assert.Equal(t, now+5, got.Mtime)
	assert.Equal(t, int64(1), got.Nlink)
}

func testLengthAtLeast(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	inode, err := repos.Inodes.Create(ctx, models.NewInode{Type: models.InodeTypeMutable, Perm: 0o644, Ptr: []byte("b")}, now)
	require.NoError(t, err)

	require.NoError(t, repos.Inodes.SetLengthAtLeast(ctx, inode.Ino, 100, now+1))
	require.NoError(t, repos.Inodes.SetLengthAtLeast(ctx, inode.Ino, 10, now+2))

	got, err := repos.Inodes.Get(ctx, inode.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Length)
	assert.Equal(t, now+2, got.Mtime)
}

func testOrphans(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	root := mkdir(t, repos, 0o700)
	require.NoError(t, repos.Roots.Set(ctx, root.Ino))

	linked := mkfile(t, repos, []byte("a"), 1)
	link(t, repos, root.Ino, "linked", linked)
	orphan := mkfile(t, repos, []byte("b"), 1)

	orphans, err := repos.Inodes.ListOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.Ino, orphans[0].Ino)

	require.NoError(t, repos.Inodes.Delete(ctx, orphan.Ino))
	orphans, err = repos.Inodes.ListOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func testPtrReferences(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	digest := []byte{0xde, 0xad, 0xbe, 0xef}
	mkfile(t, repos, digest, 4)
	mkfile(t, repos, digest, 4)
	mkfile(t, repos, []byte{0x01}, 1)

	count, err := repos.Inodes.CountByPtr(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	immutables, err := repos.Inodes.ListByType(ctx, models.InodeTypeImmutable)
	require.NoError(t, err)
	assert.Len(t, immutables, 3)

	stats, err := repos.Inodes.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Inodes)
	assert.Equal(t, int64(9), stats.Bytes)

	var seen int
	require.NoError(t, repos.Inodes.Each(ctx, func(*models.Inode) error { seen++; return nil }))
	assert.Equal(t, 3, seen)
}

func testInsertDuplicate(t *testing.T, repos *repository.Repositories) {
	dir := mkdir(t, repos, 0o755)
	file := mkfile(t, repos, []byte("x"), 1)
	link(t, repos, dir.Ino, "a", file)

	err := repos.Directories.Insert(context.Background(), models.DirEntry{Dir: dir.Ino, Name: "a", Ino: file.Ino, Type: file.Type})
	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)
}

func testInsertDanglingTarget(t *testing.T, repos *repository.Repositories) {
	dir := mkdir(t, repos, 0o755)
	err := repos.Directories.Insert(context.Background(), models.DirEntry{Dir: dir.Ino, Name: "ghost", Ino: 99999, Type: models.InodeTypeMutable})
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
}

func testListOrdered(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	dir := mkdir(t, repos, 0o755)
	for _, name := range []string{"zeta", "alpha", "Mid"} {
		link(t, repos, dir.Ino, name, mkfile(t, repos, []byte(name), 1))
	}

	entries, err := repos.Directories.List(ctx, dir.Ino)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Mid", entries[0].Name)
	assert.Equal(t, "alpha", entries[1].Name)
	assert.Equal(t, "zeta", entries[2].Name)

	count, err := repos.Directories.Count(ctx, dir.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	empty, err := repos.Directories.List(ctx, mkdir(t, repos, 0o755).Ino)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeleteMissing(t *testing.T, repos *repository.Repositories) {
	dir := mkdir(t, repos, 0o755)
	err := repos.Directories.Delete(context.Background(), dir.Ino, "nope")
	assert.ErrorIs(t, err, fserrors.ErrNotFound)
}

func testDeleteNonEmptyDirectory(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	parent := mkdir(t, repos, 0o755)
	child := mkdir(t, repos, 0o755)
	link(t, repos, parent.Ino, "child", child)
	link(t, repos, child.Ino, "f", mkfile(t, repos, []byte("f"), 1))

	err := repos.Inodes.Delete(ctx, child.Ino)
	assert.ErrorIs(t, err, fserrors.ErrNotEmpty)
}

func testRetarget(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	a := mkdir(t, repos, 0o755)
	b := mkdir(t, repos, 0o755)
	old, err := repos.Inodes.Create(ctx, models.NewInode{Type: models.InodeTypeMutable, Perm: 0o644, Ptr: []byte("m")}, now)
	require.NoError(t, err)
	link(t, repos, a.Ino, "one", old)
	link(t, repos, b.Ino, "two", old)
	sealed := mkfile(t, repos, []byte("digest"), 1)

	moved, err := repos.Directories.Retarget(ctx, old.Ino, sealed.Ino, models.InodeTypeImmutable)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	refs, err := repos.Directories.Referencing(ctx, sealed.Ino)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, e := range refs {
		assert.Equal(t, models.InodeTypeImmutable, e.Type)
	}
	refs, err = repos.Directories.Referencing(ctx, old.Ino)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func testOddNames(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	dir := mkdir(t, repos, 0o755)
	name := "sp ace-é文"
	link(t, repos, dir.Ino, name, mkfile(t, repos, []byte("n"), 1))

	got, err := repos.Directories.Get(ctx, dir.Ino, name)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, name, got.Name)

	missing, err := repos.Directories.Get(ctx, dir.Ino, "sp ace")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testSymlinks(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	inode, err := repos.Inodes.Create(ctx, models.NewInode{Type: models.InodeTypeSymlink, Perm: 0o777}, now)
	require.NoError(t, err)
	require.NoError(t, repos.Symlinks.Create(ctx, inode.Ino, "../some/where"))

	target, ok, err := repos.Symlinks.Get(ctx, inode.Ino)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "../some/where", target)

	require.NoError(t, repos.Inodes.Delete(ctx, inode.Ino))
	_, ok, err = repos.Symlinks.Get(ctx, inode.Ino)
	require.NoError(t, err)
	assert.False(t, ok, "symlink row must cascade with its inode")
}

func testRoot(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	root, err := repos.Roots.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, root)

	dir := mkdir(t, repos, 0o700)
	require.NoError(t, repos.Roots.Set(ctx, dir.Ino))

	root, err = repos.Roots.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, dir.Ino, root)

	err = repos.Inodes.Delete(ctx, dir.Ino)
	assert.Error(t, err, "root row must pin its inode")
}

func testRollback(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	var ino int64
	err := repos.Tx.WithinTransaction(ctx, func(ctx context.Context) error {
		inode, err := repos.Inodes.Create(ctx, models.NewInode{Type: models.InodeTypeDirectory, Perm: 0o755}, now)
		if err != nil {
			return err
		}
		ino = inode.Ino
		return fserrors.New(fserrors.InvalidArgument, "test", "abort")
	})
	assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)

	got, err := repos.Inodes.Get(ctx, ino)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testCommit(t *testing.T, repos *repository.Repositories) {
	ctx := context.Background()
	var dir *models.Inode
	err := repos.Tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		dir, err = repos.Inodes.Create(ctx, models.NewInode{Type: models.InodeTypeDirectory, Perm: 0o755}, now)
		if err != nil {
			return err
		}
		return repos.Roots.Set(ctx, dir.Ino)
	})
	require.NoError(t, err)

	err = repos.Tx.WithinReadTransaction(ctx, func(ctx context.Context) error {
		root, err := repos.Roots.Get(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, dir.Ino, root)
		return nil
	})
	require.NoError(t, err)
}
