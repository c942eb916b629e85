package content

import (
	"context"
	"errors"
	"os"
)

// ErrObjectNotFound is returned by a BlobStore that does not hold a digest.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore holds immutable objects keyed by digest. Put must make the
// object durable before returning. Size and ReadAt report ErrObjectNotFound
// for a digest the store does not hold.
type BlobStore interface {
	Name() string
	Put(ctx context.Context, d Digest, src *os.File, size int64) error
	ReadAt(ctx context.Context, d Digest, off int64, n int) ([]byte, error)
	Size(ctx context.Context, d Digest) (int64, error)
	Delete(ctx context.Context, d Digest) error
	Walk(ctx context.Context, fn func(Digest) error) error
}

// adopter is implemented by stores that can take ownership of a finished
// temp file by renaming it into place.
type adopter interface {
	Adopt(d Digest, tmpPath string) error
	TempDir() string
}
