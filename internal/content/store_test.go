package content_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *content.Store
	root    string
	primary *content.LocalStore
	mirror  *content.LocalStore
}

func newFixture(t *testing.T, verify bool) *fixture {
	t.Helper()
	root := t.TempDir()

	primary, err := content.NewLocalStore(config.PrimaryStoreName, filepath.Join(root, "objects"))
	require.NoError(t, err)
	mirror, err := content.NewLocalStore("backup", filepath.Join(t.TempDir(), "backup"))
	require.NoError(t, err)

	store, err := content.New(root, primary, []content.BlobStore{mirror}, content.Options{VerifyOnInsert: verify})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{store: store, root: root, primary: primary, mirror: mirror}
}

func objectPath(root string, d content.Digest) string {
	hex := d.String()
	return filepath.Join(root, "objects", hex[0:2], hex[2:4], hex)
}

func TestHashIsStable(t *testing.T) {
	d := content.Hash([]byte("hello"))
	again, n, err := content.HashReader(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, d, again)
	assert.Equal(t, int64(5), n)

	parsed, err := content.ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = content.DigestFromBytes([]byte("short"))
	assert.Error(t, err)
}

func TestPutImmutableDeduplicates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("the same bytes twice")

	d1, n1, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	d2, n2, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, content.Hash(data), d1)
	assert.Equal(t, d1, d2)
	assert.Equal(t, int64(len(data)), n1)
	assert.Equal(t, n1, n2)

	count, err := f.store.RefCount(d1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	stored, err := os.ReadFile(objectPath(f.root, d1))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	tmp, err := os.ReadDir(filepath.Join(f.root, "objects", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestPutImmutableDetectsCollision(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("original content")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	path := objectPath(f.root, d)
	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, os.WriteFile(path, []byte("ORIGINAL CONTENT"), 0o600))

	_, _, err = f.store.PutImmutable(ctx, bytes.NewReader(data))
	assert.True(t, fserrors.IsKind(err, fserrors.Corruption))

	count, err := f.store.RefCount(d)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPutImmutableWithoutVerifyTrustsDigest(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	data := []byte("unverified")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	path := objectPath(f.root, d)
	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, os.WriteFile(path, []byte("UNVERIFIED"), 0o600))

	_, _, err = f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)
}

func TestPutImmutableRepublishesMissingObject(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("lost and found")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, os.Remove(objectPath(f.root, d)))

	_, _, err = f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	got, err := f.store.ReadImmutable(ctx, d, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadImmutable(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("0123456789")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	got, err := f.store.ReadImmutable(ctx, d, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), got)

	got, err = f.store.ReadImmutable(ctx, d, 8, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), got)

	got, err = f.store.ReadImmutable(ctx, d, 20, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.store.ReadImmutable(ctx, content.Hash([]byte("absent")), 0, 1)
	assert.True(t, fserrors.IsKind(err, fserrors.NoSuchHash))
}

func TestRefcountsAndCollect(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("collect me")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, f.store.Incref(d))

	remaining, err := f.store.Decref(d)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	collected, _, err := f.store.Collect(ctx, d)
	require.NoError(t, err)
	assert.False(t, collected, "referenced objects are never collected")

	remaining, err = f.store.Decref(d)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	zero, err := f.store.ZeroRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []content.Digest{d}, zero)

	collected, freed, err := f.store.Collect(ctx, d)
	require.NoError(t, err)
	assert.True(t, collected)
	assert.Equal(t, int64(len(data)), freed)

	_, err = os.Stat(objectPath(f.root, d))
	assert.True(t, os.IsNotExist(err))
	_, err = f.store.RefCount(d)
	assert.True(t, fserrors.IsKind(err, fserrors.NoSuchHash))

	_, err = f.store.Decref(d)
	assert.True(t, fserrors.IsKind(err, fserrors.NoSuchHash))
	assert.True(t, fserrors.IsKind(f.store.Incref(d), fserrors.NoSuchHash))
}

func TestDecrefUnderflowIsCorruption(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_, err = f.store.Decref(d)
	require.NoError(t, err)

	_, err = f.store.Decref(d)
	assert.True(t, fserrors.IsKind(err, fserrors.Corruption))
}

func TestMirrorAndFallbackRead(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := []byte("copy me somewhere safe")

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	stores, err := f.store.Has(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []string{config.PrimaryStoreName}, stores)

	from, err := f.store.Mirror(ctx, d, "backup")
	require.NoError(t, err)
	assert.Equal(t, config.PrimaryStoreName, from)

	from, err = f.store.Mirror(ctx, d, "backup")
	require.NoError(t, err)
	assert.Empty(t, from)

	stores, err = f.store.Has(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []string{config.PrimaryStoreName, "backup"}, stores)

	require.NoError(t, os.Remove(objectPath(f.root, d)))
	got, err := f.store.ReadImmutable(ctx, d, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = f.store.Mirror(ctx, d, "nowhere")
	assert.True(t, fserrors.IsKind(err, fserrors.NotFound))
	_, err = f.store.Mirror(ctx, content.Hash([]byte("absent")), "backup")
	assert.True(t, fserrors.IsKind(err, fserrors.NoSuchHash))
}

func TestRebuildResetsCounts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, _, err := f.store.PutImmutable(ctx, bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	b, _, err := f.store.PutImmutable(ctx, bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	require.NoError(t, f.store.Incref(b))

	changed, err := f.store.Rebuild(ctx, map[string]int64{string(a[:]): 3})
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	count, err := f.store.RefCount(a)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	count, err = f.store.RefCount(b)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	changed, err = f.store.Rebuild(ctx, map[string]int64{string(a[:]): 3})
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestUnindexedObjects(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	stray := []byte("never indexed")
	d := content.Hash(stray)
	tmp := filepath.Join(f.root, "stray")
	require.NoError(t, os.WriteFile(tmp, stray, 0o600))
	require.NoError(t, f.primary.Adopt(d, tmp))

	kept, _, err := f.store.PutImmutable(ctx, bytes.NewReader([]byte("indexed")))
	require.NoError(t, err)

	unindexed, err := f.store.Unindexed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []content.Digest{d}, unindexed)

	deleted, err := f.store.DeleteUnindexed(ctx, d)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.store.DeleteUnindexed(ctx, kept)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestReleaseDropsReferencesAndBackings(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	d, _, err := f.store.PutImmutable(ctx, bytes.NewReader([]byte("released")))
	require.NoError(t, err)
	id, err := f.store.CreateMutable()
	require.NoError(t, err)

	require.NoError(t, f.store.Release(ctx, models.Reclaim{
		Digests:  [][]byte{d.Bytes()},
		Backings: []string{id},
	}))

	count, err := f.store.RefCount(d)
	require.NoError(t, err)
	assert.Zero(t, count)

	ids, err := f.store.ListMutable()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMutableLifecycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id, err := f.store.CreateMutable()
	require.NoError(t, err)

	length, err := f.store.WriteMutable(id, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	length, err = f.store.WriteMutable(id, 10, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(15), length)

	got, err := f.store.ReadMutable(id, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("hello"), append(make([]byte, 5), "world"...)...), got)

	require.NoError(t, f.store.TruncateMutable(id, 5))
	require.NoError(t, f.store.SyncMutable(id))

	d, size, err := f.store.SealMutable(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, content.Hash([]byte("hello")), d)
	assert.Equal(t, int64(5), size)

	ids, err := f.store.ListMutable()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	require.NoError(t, f.store.DeleteMutable(id))
	require.NoError(t, f.store.DeleteMutable(id))

	_, err = f.store.ReadMutable(id, 0, 1)
	assert.True(t, fserrors.IsKind(err, fserrors.Corruption))
	_, err = f.store.ReadMutable("../escape", 0, 1)
	assert.True(t, fserrors.IsKind(err, fserrors.Corruption))
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	f := newFixture(t, true)

	id, err := f.store.CreateMutable()
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.store.WriteMutable(id, int64(i*4), []byte{byte(i), byte(i), byte(i), byte(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.store.ReadMutable(id, 0, writers*4)
	require.NoError(t, err)
	require.Len(t, got, writers*4)
	for i := 0; i < writers; i++ {
		assert.Equal(t, []byte{byte(i), byte(i), byte(i), byte(i)}, got[i*4:i*4+4])
	}
}

func TestConcurrentPutsShareOneObject(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	data := bytes.Repeat([]byte("z"), 4096)

	const puts = 8
	var wg sync.WaitGroup
	for i := 0; i < puts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.store.PutImmutable(ctx, bytes.NewReader(data))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := f.store.RefCount(content.Hash(data))
	require.NoError(t, err)
	assert.Equal(t, int64(puts), count)
}

func TestStoreRecordsMetrics(t *testing.T) {
	root := t.TempDir()
	m := metrics.New()
	store, err := content.Open(context.Background(), config.ContentConfig{Root: root}, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.Equal(t, []string{config.PrimaryStoreName}, store.Stores())

	ctx := context.Background()
	_, _, err = store.PutImmutable(ctx, bytes.NewReader([]byte("metric")))
	require.NoError(t, err)
	_, _, err = store.PutImmutable(ctx, bytes.NewReader([]byte("metric")))
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var stored, deduped float64
	for _, fam := range families {
		switch fam.GetName() {
		case "hugefs_content_bytes_stored_total":
			stored = fam.GetMetric()[0].GetCounter().GetValue()
		case "hugefs_content_bytes_deduplicated_total":
			deduped = fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(6), stored)
	assert.Equal(t, float64(6), deduped)
	runs, err := testutil.GatherAndCount(m.Registry(), "hugefs_gc_runs_total")
	require.NoError(t, err)
	assert.Zero(t, runs)
}

func TestConcurrentAppendMutable(t *testing.T) {
	f := newFixture(t, true)

	id, err := f.store.CreateMutable()
	require.NoError(t, err)
	_, err = f.store.WriteMutable(id, 0, []byte("head:"))
	require.NoError(t, err)

	const writers, chunk = 16, 64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			_, err := f.store.AppendMutable(id, bytes.Repeat([]byte{b}, chunk))
			assert.NoError(t, err)
		}(byte('a' + i))
	}
	wg.Wait()

	got, err := f.store.ReadMutable(id, 0, 1<<16)
	require.NoError(t, err)
	require.Len(t, got, len("head:")+writers*chunk)
	assert.Equal(t, []byte("head:"), got[:5])
	for off := 5; off < len(got); off += chunk {
		assert.Equal(t, bytes.Repeat(got[off:off+1], chunk), got[off:off+chunk], "chunk at %d is torn", off)
	}

	length, err := f.store.AppendMutable(id, []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, int64(len(got)+1), length)
}
