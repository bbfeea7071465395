package bonsaidb

import (
	"errors"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
)

// pebbleStorage maps buckets onto key prefixes of a single Pebble keyspace.
//
//	0x00 name 0x00 sub              bucket marker
//	0x01 name 0x00 sub 0x00 key     bucket entry
//
// Writable transactions are indexed batches, so they read their own writes;
// read-only transactions are snapshots. Writers are serialized.
type pebbleStorage struct {
	db     *pebble.DB
	writer sync.Mutex
	sync   bool
}

func newPebbleStorage(db *pebble.DB, sync bool) storage {
	return &pebbleStorage{db: db, sync: sync}
}

func (s *pebbleStorage) Kind() string { return "pebble" }

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writer.Lock()
		b := s.db.NewIndexedBatch()
		return &pebbleTx{s: s, r: b, batch: b}, nil
	}
	snap := s.db.NewSnapshot()
	return &pebbleTx{s: s, r: snap, snap: snap}, nil
}

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleTx struct {
	s      *pebbleStorage
	r      pebble.Reader
	batch  *pebble.Batch
	snap   *pebble.Snapshot
	iters  []*pebble.Iterator
	closed bool
}

func pebbleMarkerKey(name, sub string) []byte {
	k := make([]byte, 0, 2+len(name)+len(sub))
	k = append(k, 0x00)
	k = append(k, name...)
	k = append(k, 0x00)
	return append(k, sub...)
}

func pebbleBucketPrefix(name, sub string) []byte {
	k := make([]byte, 0, 3+len(name)+len(sub))
	k = append(k, 0x01)
	k = append(k, name...)
	k = append(k, 0x00)
	k = append(k, sub...)
	return append(k, 0x00)
}

func (tx *pebbleTx) Writable() bool { return tx.batch != nil }

func (tx *pebbleTx) has(key []byte) bool {
	_, closer, err := tx.r.Get(key)
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			panic(err)
		}
		return false
	}
	closer.Close()
	return true
}

func (tx *pebbleTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.has(pebbleMarkerKey(name, sub)) {
		return nil
	}
	return &pebbleBucket{tx: tx, prefix: pebbleBucketPrefix(name, sub)}
}

func (tx *pebbleTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if tx.batch == nil {
		return nil, ErrReadOnly
	}
	if err := tx.batch.Set(pebbleMarkerKey(name, ""), nil, nil); err != nil {
		return nil, err
	}
	if sub != "" {
		if err := tx.batch.Set(pebbleMarkerKey(name, sub), nil, nil); err != nil {
			return nil, err
		}
	}
	return &pebbleBucket{tx: tx, prefix: pebbleBucketPrefix(name, sub)}, nil
}

func (tx *pebbleTx) DeleteBucket(name, sub string) error {
	if tx.batch == nil {
		return ErrReadOnly
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	marker := pebbleMarkerKey(name, sub)
	if !tx.has(marker) {
		return ErrBucketNotFound
	}
	prefix := pebbleBucketPrefix(name, sub)
	upper := slices.Clone(prefix)
	inc(upper)
	if err := tx.batch.DeleteRange(prefix, upper, nil); err != nil {
		return err
	}
	return tx.batch.Delete(marker, nil)
}

func (tx *pebbleTx) release() {
	if tx.closed {
		return
	}
	tx.closed = true
	for _, it := range tx.iters {
		it.Close()
	}
	tx.iters = nil
	if tx.batch != nil {
		tx.batch.Close()
		tx.s.writer.Unlock()
	} else {
		tx.snap.Close()
	}
}

func (tx *pebbleTx) Commit() error {
	if tx.closed {
		return nil
	}
	if tx.batch == nil {
		return ErrReadOnly
	}
	opt := pebble.NoSync
	if tx.s.sync {
		opt = pebble.Sync
	}
	for _, it := range tx.iters {
		it.Close()
	}
	tx.iters = nil
	err := tx.batch.Commit(opt)
	tx.release()
	return err
}

func (tx *pebbleTx) Rollback() error {
	tx.release()
	return nil
}

func (tx *pebbleTx) Size() int64 {
	return int64(tx.s.db.Metrics().DiskSpaceUsage())
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	k = append(k, b.prefix...)
	return append(k, key...)
}

func (b *pebbleBucket) Get(key []byte) []byte {
	v, closer, err := b.tx.r.Get(b.fullKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		panic(err)
	}
	defer closer.Close()
	if v == nil {
		v = []byte{}
	}
	return slices.Clone(v)
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if b.tx.batch == nil {
		return ErrReadOnly
	}
	return b.tx.batch.Set(b.fullKey(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if b.tx.batch == nil {
		return ErrReadOnly
	}
	return b.tx.batch.Delete(b.fullKey(key), nil)
}

func (b *pebbleBucket) Cursor() storageCursor {
	return &pebbleCursor{b: b}
}

func (b *pebbleBucket) Stats() bucketStats {
	var s bucketStats
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		s.KeyN++
		s.LeafInuse += int64(len(k) + len(v))
	}
	s.LeafAlloc = s.LeafInuse
	return s
}

// pebbleCursor lazily opens one iterator bounded to the bucket prefix.
// Keys and values are copied because Pebble reuses its buffers on every move.
type pebbleCursor struct {
	b    *pebbleBucket
	it   *pebble.Iterator
	last []byte
}

func (c *pebbleCursor) iter() *pebble.Iterator {
	if c.it == nil {
		upper := slices.Clone(c.b.prefix)
		inc(upper)
		it, err := c.b.tx.r.NewIter(&pebble.IterOptions{
			LowerBound: c.b.prefix,
			UpperBound: upper,
		})
		if err != nil {
			panic(err)
		}
		c.it = it
		c.b.tx.iters = append(c.b.tx.iters, it)
	}
	return c.it
}

func (c *pebbleCursor) current(valid bool) ([]byte, []byte) {
	if !valid {
		c.last = nil
		return nil, nil
	}
	k := slices.Clone(c.it.Key()[len(c.b.prefix):])
	v := slices.Clone(c.it.Value())
	if v == nil {
		v = []byte{}
	}
	c.last = k
	return k, v
}

func (c *pebbleCursor) First() ([]byte, []byte) { return c.current(c.iter().First()) }

func (c *pebbleCursor) Last() ([]byte, []byte) { return c.current(c.iter().Last()) }

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.iter().SeekGE(c.b.fullKey(seek)))
}

func (c *pebbleCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := append([]byte(nil), prefix...)
	if !inc(limit) {
		return c.Last()
	}
	return c.current(c.iter().SeekLT(c.b.fullKey(limit)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) {
	if c.it == nil {
		return c.First()
	}
	return c.current(c.it.Next())
}

func (c *pebbleCursor) Prev() ([]byte, []byte) {
	if c.it == nil {
		return nil, nil
	}
	return c.current(c.it.Prev())
}

func (c *pebbleCursor) Delete() error {
	if c.last == nil {
		return nil
	}
	return c.b.Delete(c.last)
}
