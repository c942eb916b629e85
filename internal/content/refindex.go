package content

import (
	"fmt"
	"time"

	"github.com/S1riyS/hugefs/pkg/binary"
	bolt "go.etcd.io/bbolt"
)

var refsBucket = []byte("refs")

// refIndex maps each published digest to its reference count and length.
// bbolt serializes update transactions, so every read-modify-write on a
// record is atomic.
type refIndex struct {
	db *bolt.DB
}

func openRefIndex(path string) (*refIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ref index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(refsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &refIndex{db: db}, nil
}

func (x *refIndex) Close() error { return x.db.Close() }

type refTx struct {
	bucket *bolt.Bucket
}

func (t refTx) get(d Digest) (binary.RefRecord, bool, error) {
	raw := t.bucket.Get(d[:])
	if raw == nil {
		return binary.RefRecord{}, false, nil
	}
	rec, err := binary.DecodeRefRecord(raw)
	if err != nil {
		return rec, false, fmt.Errorf("ref record %s: %w", d, err)
	}
	return rec, true, nil
}

func (t refTx) put(d Digest, rec binary.RefRecord) error {
	raw, err := binary.EncodeRefRecord(rec)
	if err != nil {
		return err
	}
	return t.bucket.Put(d[:], raw)
}

func (t refTx) delete(d Digest) error {
	return t.bucket.Delete(d[:])
}

func (t refTx) each(fn func(Digest, binary.RefRecord) error) error {
	return t.bucket.ForEach(func(k, v []byte) error {
		d, err := DigestFromBytes(k)
		if err != nil {
			return err
		}
		rec, err := binary.DecodeRefRecord(v)
		if err != nil {
			return fmt.Errorf("ref record %s: %w", d, err)
		}
		return fn(d, rec)
	})
}

func (x *refIndex) update(fn func(refTx) error) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		return fn(refTx{bucket: tx.Bucket(refsBucket)})
	})
}

func (x *refIndex) view(fn func(refTx) error) error {
	return x.db.View(func(tx *bolt.Tx) error {
		return fn(refTx{bucket: tx.Bucket(refsBucket)})
	})
}
