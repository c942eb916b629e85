package control_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/repository/sqlite"
	"github.com/S1riyS/hugefs/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = models.Caller{UID: 1000, GID: 1000}
	stranger = models.Caller{UID: 2000, GID: 2000}
)

type env struct {
	fs   service.FileSystemService
	d    *control.Dispatcher
	root int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	repos, err := sqlite.Open(ctx, config.SQLiteConfig{Path: filepath.Join(dir, "metadata.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	meta := metadata.NewStore(repos, metadata.Options{RootUID: owner.UID, RootGID: owner.GID})
	root, err := meta.Bootstrap(ctx)
	require.NoError(t, err)

	primary, err := content.NewLocalStore(config.PrimaryStoreName, filepath.Join(dir, "objects"))
	require.NoError(t, err)
	cold, err := content.NewLocalStore("cold", filepath.Join(dir, "cold"))
	require.NoError(t, err)
	store, err := content.New(dir, primary, []content.BlobStore{cold}, content.Options{VerifyOnInsert: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	fs := service.NewFileSystemService(meta, store, m, service.Options{SealOnRelease: false, StatFsPath: dir})
	return &env{
		fs:   fs,
		d:    control.NewDispatcher(fs, gc.NewCollector(meta, store, m)),
		root: root,
	}
}

func (e *env) call(t *testing.T, caller models.Caller, req *control.Request) *control.Response {
	t.Helper()
	data, err := control.EncodeRequest(req)
	require.NoError(t, err)
	resp, err := control.DecodeResponse(e.d.Handle(context.Background(), caller, data))
	require.NoError(t, err)
	return resp
}

func TestEncodeRequestUsesSingleKey(t *testing.T) {
	data, err := control.EncodeRequest(&control.Request{Status: &control.StatusRequest{Path: "a/b"}})
	require.NoError(t, err)
	assert.Equal(t, "{\"Status\":{\"path\":\"a/b\"}}\n", string(data))

	_, err = control.EncodeRequest(&control.Request{})
	assert.Error(t, err)

	_, err = control.EncodeRequest(&control.Request{
		Status: &control.StatusRequest{Path: "a"},
		Seal:   &control.SealRequest{Path: "a"},
	})
	assert.Error(t, err)
}

func TestDecodeRequest(t *testing.T) {
	req, err := control.DecodeRequest([]byte(`{"Mirror":{"path":"x","store":"cold"}}` + "\ntrailing"))
	require.NoError(t, err)
	require.NotNil(t, req.Mirror)
	assert.Equal(t, "Mirror", req.Kind())
	assert.Equal(t, "cold", req.Mirror.Store)

	for _, bad := range []string{``, `{}`, `not json`, `{"Unknown":{}}`} {
		_, err := control.DecodeRequest([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestStatusOfImmutableFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sub, err := e.fs.Mkdir(ctx, owner, e.root, "docs", 0o755)
	require.NoError(t, err)
	_, err = e.fs.ImportFile(ctx, owner, sub.Ino, "a.txt", 0o644, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	resp := e.call(t, owner, &control.Request{Status: &control.StatusRequest{Path: "/docs/a.txt"}})
	require.NoError(t, resp.Err())
	require.NotNil(t, resp.Status)
	assert.Equal(t, "immutable", resp.Status.Type)
	assert.Equal(t, int64(5), resp.Status.Length)
	assert.Equal(t, content.Hash([]byte("hello")).String(), resp.Status.Hash)
	assert.Equal(t, []string{config.PrimaryStoreName}, resp.Status.Stores)

	resp = e.call(t, owner, &control.Request{Status: &control.StatusRequest{Path: "docs"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, "directory", resp.Status.Type)
	assert.Empty(t, resp.Status.Hash)
}

func TestStatusOfMissingPathIsError(t *testing.T) {
	e := newEnv(t)

	resp := e.call(t, owner, &control.Request{Status: &control.StatusRequest{Path: "nope"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NotFound", resp.Error.Kind)
	assert.Equal(t, int(syscall.ENOENT), resp.Error.Errno)

	var remote *control.RemoteError
	require.ErrorAs(t, resp.Err(), &remote)
	assert.Equal(t, "NotFound", remote.Kind)
}

func TestMirrorThenStatusListsBothStores(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.fs.ImportFile(ctx, owner, e.root, "f", 0o644, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	resp := e.call(t, owner, &control.Request{Mirror: &control.MirrorRequest{Path: "f", Store: "cold"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, config.PrimaryStoreName, resp.Mirror.From)

	resp = e.call(t, owner, &control.Request{Mirror: &control.MirrorRequest{Path: "f", Store: "cold"}})
	require.NoError(t, resp.Err())
	assert.Empty(t, resp.Mirror.From)

	resp = e.call(t, owner, &control.Request{Status: &control.StatusRequest{Path: "f"}})
	require.NoError(t, resp.Err())
	assert.ElementsMatch(t, []string{config.PrimaryStoreName, "cold"}, resp.Status.Stores)

	resp = e.call(t, owner, &control.Request{Mirror: &control.MirrorRequest{Path: "f", Store: "missing"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NotFound", resp.Error.Kind)
}

func TestMirrorOfMutableFileIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, h, err := e.fs.Create(ctx, owner, e.root, "m", 0o644, syscall.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, e.fs.Release(ctx, h.ID))

	resp := e.call(t, owner, &control.Request{Mirror: &control.MirrorRequest{Path: "m", Store: "cold"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidArgument", resp.Error.Kind)
}

func TestSealByPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inode, h, err := e.fs.Create(ctx, owner, e.root, "draft", 0o644, syscall.O_RDWR)
	require.NoError(t, err)
	_, err = e.fs.Write(ctx, h.ID, 0, []byte("final words"))
	require.NoError(t, err)
	require.NoError(t, e.fs.Release(ctx, h.ID))

	got, err := e.fs.GetAttr(ctx, inode.Ino)
	require.NoError(t, err)
	require.Equal(t, models.InodeTypeMutable, got.Type)

	resp := e.call(t, owner, &control.Request{Seal: &control.SealRequest{Path: "draft"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, content.Hash([]byte("final words")).String(), resp.Seal.Hash)
	assert.Equal(t, int64(11), resp.Seal.Length)

	sealed, err := e.fs.Lookup(ctx, owner, e.root, "draft")
	require.NoError(t, err)
	assert.Equal(t, models.InodeTypeImmutable, sealed.Type)

	again := e.call(t, owner, &control.Request{Seal: &control.SealRequest{Path: "draft"}})
	require.NoError(t, again.Err())
	assert.Equal(t, resp.Seal.Ino, again.Seal.Ino)

	// the root directory is 0700
	resp = e.call(t, stranger, &control.Request{Seal: &control.SealRequest{Path: "draft"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PermissionDenied", resp.Error.Kind)
}

func TestGCAndCheckArePrivileged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.fs.ImportFile(ctx, owner, e.root, "f", 0o644, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, e.fs.Unlink(ctx, owner, e.root, "f"))

	resp := e.call(t, stranger, &control.Request{GC: &control.GCRequest{}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NotPermitted", resp.Error.Kind)

	resp = e.call(t, owner, &control.Request{GC: &control.GCRequest{DryRun: true}})
	require.NoError(t, resp.Err())
	assert.True(t, resp.GC.DryRun)

	resp = e.call(t, models.Caller{}, &control.Request{GC: &control.GCRequest{}})
	require.NoError(t, resp.Err())
	assert.Equal(t, 1, resp.GC.DigestsCollected)

	resp = e.call(t, owner, &control.Request{Check: &control.CheckRequest{}})
	require.NoError(t, resp.Err())
	assert.True(t, resp.Check.Clean())

	resp = e.call(t, stranger, &control.Request{Check: &control.CheckRequest{}})
	require.NotNil(t, resp.Error)
}

func TestHandleRejectsGarbage(t *testing.T) {
	e := newEnv(t)

	resp, err := control.DecodeResponse(e.d.Handle(context.Background(), owner, []byte("garbage\n")))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidArgument", resp.Error.Kind)
}

func TestSessionAnswersAfterNewline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.d.NewSession(owner)

	assert.Equal(t, 9, s.Write(ctx, []byte(`{"Status"`)))
	assert.Zero(t, s.Size())
	s.Write(ctx, []byte(`:{"path":"."}}`+"\n"))
	require.NotZero(t, s.Size())

	var out []byte
	for off := int64(0); ; {
		chunk := s.ReadAt(ctx, off, 7)
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
		off += int64(len(chunk))
	}
	resp, err := control.DecodeResponse(out)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "directory", resp.Status.Type)

	s.Write(ctx, []byte("ignored\n"))
	assert.Equal(t, out, s.ReadAt(ctx, 0, len(out)+10))
}

func TestSessionReadWithoutNewline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := e.d.NewSession(owner)

	s.Write(ctx, []byte(`{"Status":{"path":"/"}}`))
	resp, err := control.DecodeResponse(s.ReadAt(ctx, 0, 4096))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, e.root, resp.Status.Ino)
}

func TestFindRoot(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mount, control.FileName), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "a", "b"), 0o755))

	root, rel, err := control.FindRoot(filepath.Join(mount, "a", "b", "file"))
	require.NoError(t, err)
	assert.Equal(t, mount, root)
	assert.Equal(t, filepath.Join("a", "b", "file"), rel)

	root, rel, err = control.FindRoot(mount)
	require.NoError(t, err)
	assert.Equal(t, mount, root)
	assert.Equal(t, ".", rel)

	_, _, err = control.FindRoot(t.TempDir())
	assert.ErrorIs(t, err, control.ErrNotMounted)
}
