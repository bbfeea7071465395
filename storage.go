package bonsaidb

// storage is an ordered key-value backend (Bolt, Pebble, in-memory).
// Everything the core persists goes through it: paged files are stored as
// one bucket per file with a value per page, and index engines keep their
// key→value maps in buckets of their own.
type storage interface {
	// BeginTx starts a new transaction. At most one writable transaction is
	// active at a time; BeginTx(true) blocks until the previous one ends.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
	// Kind names the backend for logs and metrics.
	Kind() string
}

// storageTx is a backend transaction. Reads observe a consistent snapshot
// plus the writes made by the same transaction.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it must also ensure the root bucket exists.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket deletes a nested bucket (sub must be non-empty).
	DeleteBucket(name, sub string) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storageBucket is a sorted key-value collection.
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	// The returned slice is only valid until the end of the transaction.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() storageCursor

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted bucket. All positioning methods return
// nil key when the cursor runs off either end.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key having the given prefix, or to the last
	// key before it when no key has that prefix.
	SeekLast(prefix []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}

// Well-known bucket names.
const (
	metaBucket     = "m"   // metadata: file registry, engine data, counters
	pagesBucket    = "p"   // paged files, sub = file id
	indexBucket    = "i"   // index engine data, sub = engine name
	filesSub       = "f"   // under metaBucket: file name -> fileRecord
	enginesSub     = "e"   // under metaBucket: engine name -> IndexEngineData
	countersSub    = "c"   // under metaBucket: sequence name -> uint64
	nullKeysSuffix = "$null"
)
