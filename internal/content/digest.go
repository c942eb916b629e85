package content

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

const DigestSize = 32

// Digest is the BLAKE3-256 hash of an immutable object.
type Digest [DigestSize]byte

func Hash(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// HashReader streams r through BLAKE3 and returns the digest and byte count.
func HashReader(r io.Reader) (Digest, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) Bytes() []byte { return append([]byte(nil), d[:]...) }

// DigestFromBytes converts an inode pointer back into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

func ParseDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("parse digest: %w", err)
	}
	return DigestFromBytes(b)
}
