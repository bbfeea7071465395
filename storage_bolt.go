package bonsaidb

import (
	"bytes"
	"errors"
	"unsafe"

	"go.etcd.io/bbolt"
)

// boltStorage keeps every top-level bucket (the meta registry, the pages of
// paged files, the index rows) as a bbolt bucket, and the per-file or
// per-engine subdivisions as buckets nested one level below.
type boltStorage struct {
	bdb *bbolt.DB
}

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb: bdb}
}

func (s *boltStorage) Kind() string { return "bolt" }

// BeginTx starts the bbolt transaction backing one atomic operation. bbolt
// allows a single writer, so writable operations queue here.
func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, boltErr(err)
	}
	return &boltTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

// boltErr translates bbolt sentinels into the ones every backend returns.
func boltErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrBucketNotFound):
		return ErrBucketNotFound
	case errors.Is(err, bbolt.ErrTxNotWritable), errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return ErrReadOnly
	case errors.Is(err, bbolt.ErrTxClosed), errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return ErrClosed
	default:
		return err
	}
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name, sub string) storageBucket {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b != nil && sub != "" {
		b = b.Bucket(unsafeBytesFromString(sub))
	}
	if b == nil {
		return nil
	}
	return boltBucket{b}
}

func (tx *boltTx) CreateBucket(name, sub string) (storageBucket, error) {
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err == nil && sub != "" {
		b, err = b.CreateBucketIfNotExists([]byte(sub))
	}
	if err != nil {
		return nil, boltErr(err)
	}
	return boltBucket{b}, nil
}

// DeleteBucket drops a file's pages or an engine's rows. Top-level buckets
// are never dropped.
func (tx *boltTx) DeleteBucket(name, sub string) error {
	parent := tx.btx.Bucket(unsafeBytesFromString(name))
	if sub == "" || parent == nil {
		return ErrBucketNotFound
	}
	return boltErr(parent.DeleteBucket(unsafeBytesFromString(sub)))
}

func (tx *boltTx) Commit() error { return boltErr(tx.btx.Commit()) }

// Rollback may follow a failed Commit, which has already closed the tx.
func (tx *boltTx) Rollback() error {
	if err := boltErr(tx.btx.Rollback()); err != ErrClosed {
		return err
	}
	return nil
}

func (tx *boltTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error { return boltErr(b.b.Put(key, value)) }

func (b boltBucket) Delete(key []byte) error { return boltErr(b.b.Delete(key)) }

func (b boltBucket) Cursor() storageCursor { return boltCursor{b.b.Cursor()} }

func (b boltBucket) Stats() bucketStats {
	s := b.b.Stats()
	return bucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

// SeekLast positions on the last key starting with prefix, or on the last key
// before where such keys would be.
func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.c.Last()
	}
	var k []byte
	if limit := bytes.Clone(prefix); inc(limit) {
		k, _ = c.c.Seek(limit)
	} else {
		// prefix is all 0xFF, so no key sorts above it without sharing it
		k, _ = c.c.Seek(prefix)
		for k != nil && bytes.HasPrefix(k, prefix) {
			k, _ = c.c.Next()
		}
	}
	if k == nil {
		return c.c.Last()
	}
	return c.c.Prev()
}

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Delete() error { return boltErr(c.c.Delete()) }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
