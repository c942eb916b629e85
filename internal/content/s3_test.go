//go:build integration

package content_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testBucket = "hugefs-test"

// startLocalstack returns an S3 endpoint, reusing LOCALSTACK_ENDPOINT when set.
func startLocalstack(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.0",
			ExposedPorts: []string{"4566/tcp"},
			Env: map[string]string{
				"SERVICES":       "s3",
				"DEFAULT_REGION": "us-east-1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4566/tcp"),
				wait.ForHTTP("/_localstack/health").
					WithPort("4566/tcp").
					WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func newS3Store(t *testing.T, name string) *content.S3Store {
	t.Helper()
	ctx := context.Background()

	store, err := content.NewS3StoreFromConfig(ctx, config.MirrorConfig{
		Name:      name,
		Type:      config.StoreS3,
		Bucket:    testBucket,
		Region:    "us-east-1",
		Endpoint:  startLocalstack(t),
		Prefix:    name + "/",
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	})
	require.NoError(t, err)

	_, err = store.Client().CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(testBucket)})
	if err != nil {
		t.Logf("create bucket: %v", err)
	}
	return store
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newS3Store(t, "roundtrip")

	data := []byte("stored in a bucket")
	d := content.Hash(data)
	tmp := filepath.Join(t.TempDir(), "object")
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	f, err := os.Open(tmp)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, store.Put(ctx, d, f, int64(len(data))))

	size, err := store.Size(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	got, err := store.ReadAt(ctx, d, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("in"), got)

	var walked []content.Digest
	require.NoError(t, store.Walk(ctx, func(x content.Digest) error {
		walked = append(walked, x)
		return nil
	}))
	assert.Contains(t, walked, d)

	require.NoError(t, store.Delete(ctx, d))
	_, err = store.Size(ctx, d)
	assert.ErrorIs(t, err, content.ErrObjectNotFound)
}

func TestS3PrimaryStore(t *testing.T) {
	ctx := context.Background()
	primary := newS3Store(t, config.PrimaryStoreName)

	store, err := content.New(t.TempDir(), primary, nil, content.Options{VerifyOnInsert: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	data := bytes.Repeat([]byte("s3"), 1000)
	d, _, err := store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	_, _, err = store.PutImmutable(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	got, err := store.ReadImmutable(ctx, d, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = store.Decref(d)
	require.NoError(t, err)
	_, err = store.Decref(d)
	require.NoError(t, err)
	collected, _, err := store.Collect(ctx, d)
	require.NoError(t, err)
	assert.True(t, collected)

	_, err = store.ReadImmutable(ctx, d, 0, 1)
	assert.True(t, fserrors.IsKind(err, fserrors.NoSuchHash))
}
