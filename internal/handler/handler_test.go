package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/S1riyS/hugefs/internal/handler"
	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/repository/sqlite"
	"github.com/S1riyS/hugefs/internal/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = models.Caller{UID: 1000, GID: 1000}

type env struct {
	fs      service.FileSystemService
	metrics *metrics.Metrics
	server  *httptest.Server
	root    int64
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
	fs := service.NewFileSystemService(meta, store, m, service.Options{StatFsPath: dir})
	dispatcher := control.NewDispatcher(fs, gc.NewCollector(meta, store, m))

	server := httptest.NewServer(handler.NewRouter(ctx, handler.NewHandler(dispatcher), m))
	t.Cleanup(server.Close)
	return &env{fs: fs, metrics: m, server: server, root: root}
}

func (e *env) do(t *testing.T, method, path, body string) (int, *control.Response) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out control.Response
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, &out
}

func TestHealthCheck(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestStatusAndMirror(t *testing.T) {
	e := newEnv(t)
	_, err := e.fs.ImportFile(context.Background(), owner, e.root, "report.pdf", 0o644, bytes.NewReader([]byte("pdf bytes")))
	require.NoError(t, err)

	code, resp := e.do(t, http.MethodGet, "/api/status?path=/report.pdf", "")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "immutable", resp.Status.Type)
	assert.Equal(t, content.Hash([]byte("pdf bytes")).String(), resp.Status.Hash)

	code, resp = e.do(t, http.MethodPost, "/api/mirror", `{"path":"/report.pdf","store":"cold"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, config.PrimaryStoreName, resp.Mirror.From)

	code, resp = e.do(t, http.MethodGet, "/api/status?path=/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NotFound", resp.Error.Kind)

	code, _ = e.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMethodAndBodyValidation(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodGet, "/api/mirror", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = e.do(t, http.MethodPost, "/api/seal", `{"path":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/seal", `{"path":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/mirror", `{"path":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodDelete, "/api/check", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestSealAndGC(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, h, err := e.fs.Create(ctx, owner, e.root, "draft", 0o644, syscall.O_RDWR)
	require.NoError(t, err)
	_, err = e.fs.Write(ctx, h.ID, 0, []byte("draft text"))
	require.NoError(t, err)
	require.NoError(t, e.fs.Release(ctx, h.ID))

	code, resp := e.do(t, http.MethodPost, "/api/seal", `{"path":"draft"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(len("draft text")), resp.Seal.Length)

	require.NoError(t, e.fs.Unlink(ctx, owner, e.root, "draft"))

	code, resp = e.do(t, http.MethodPost, "/api/gc", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, resp.GC.DigestsCollected)
	assert.Equal(t, int64(len("draft text")), resp.GC.BytesReclaimed)

	code, resp = e.do(t, http.MethodPost, "/api/gc", `{"dry_run":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.GC.DryRun)
	assert.Zero(t, resp.GC.DigestsCollected)
}

func TestSealWithOpenWriterConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, h, err := e.fs.Create(ctx, owner, e.root, "busy", 0o644, syscall.O_RDWR)
	require.NoError(t, err)

	code, resp := e.do(t, http.MethodPost, "/api/seal", `{"path":"busy"}`)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Busy", resp.Error.Kind)

	require.NoError(t, e.fs.Release(ctx, h.ID))
	code, _ = e.do(t, http.MethodPost, "/api/seal", `{"path":"busy"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestCheck(t *testing.T) {
	e := newEnv(t)

	code, resp := e.do(t, http.MethodGet, "/api/check", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Check.Clean())

	code, _ = e.do(t, http.MethodPost, "/api/check?repair=maybe", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = e.do(t, http.MethodPost, "/api/check?repair=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, resp.Check.Repaired)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)

	health, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	code, _ := e.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := testutil.GatherAndCount(e.metrics.Registry(), "hugefs_http_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}
