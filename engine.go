package bonsaidb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EngineState is the lifecycle state of an index engine.
type EngineState uint8

const (
	EngineUninitialized EngineState = iota
	EngineCreated
	EngineLoaded
	EngineOpen
	EngineClosed
)

func (s EngineState) String() string {
	switch s {
	case EngineUninitialized:
		return "uninitialized"
	case EngineCreated:
		return "created"
	case EngineLoaded:
		return "loaded"
	case EngineOpen:
		return "open"
	case EngineClosed:
		return "closed"
	default:
		return fmt.Sprintf("invalid engine state %d", int(s))
	}
}

// ValuesTransformer expands a stored index value into the RIDs it holds.
type ValuesTransformer interface {
	TransformFromValue(op *AtomicOperation, value any) ([]RID, error)
}

// EntryCursor iterates (key, RID) pairs. A key with several RIDs is
// returned once per RID. Close must be called; the engine must not be
// modified while the cursor is open.
type EntryCursor interface {
	Next() bool
	Key() any
	Value() RID
	Err() error
	Close()
}

// KeyCursor iterates distinct keys.
type KeyCursor interface {
	Next() bool
	Key() any
	Err() error
	Close()
}

// BaseIndexEngine is what every index engine provides regardless of its
// value type.
type BaseIndexEngine interface {
	ID() int32
	Name() string
	Data() IndexEngineData
	State() EngineState
	EngineAPIVersion() int

	// Init opens a created or loaded engine with the given metadata.
	Init(meta IndexMetadata) error
	Create(op *AtomicOperation) error
	Load(op *AtomicOperation) error
	Delete(op *AtomicOperation) error
	Clear(op *AtomicOperation) error
	Close()
	Flush()

	IterateEntriesBetween(op *AtomicOperation, from any, fromInclusive bool, to any, toInclusive bool, ascending bool, transformer ValuesTransformer) EntryCursor
	IterateEntriesMajor(op *AtomicOperation, from any, inclusive bool, ascending bool, transformer ValuesTransformer) EntryCursor
	IterateEntriesMinor(op *AtomicOperation, to any, inclusive bool, ascending bool, transformer ValuesTransformer) EntryCursor
	Stream(op *AtomicOperation, transformer ValuesTransformer) EntryCursor
	DescStream(op *AtomicOperation, transformer ValuesTransformer) EntryCursor
	KeyStream(op *AtomicOperation) KeyCursor
	// Size counts values, including the one under the null key. With a
	// transformer, every RID a value expands to is counted.
	Size(op *AtomicOperation, transformer ValuesTransformer) (int64, error)

	// AcquireAtomicExclusiveLock locks key for the rest of op, or the whole
	// engine when key is nil, and reports whether the whole engine got locked.
	AcquireAtomicExclusiveLock(op *AtomicOperation, key any) (bool, error)
}

// IndexEngine is the value-oriented engine API (version 0).
type IndexEngine[V any] interface {
	BaseIndexEngine
	Get(op *AtomicOperation, key any) (V, bool, error)
	Put(op *AtomicOperation, key any, value V) error
	Update(op *AtomicOperation, key any, updater IndexKeyUpdater[V]) error
	Remove(op *AtomicOperation, key any) (bool, error)
	// ValidatedPut reports whether anything was written.
	ValidatedPut(op *AtomicOperation, key any, value V, validator IndexEngineValidator[V]) (bool, error)
}

// V1IndexEngine is the RID-oriented engine API (version 1).
type V1IndexEngine interface {
	BaseIndexEngine
	Put(op *AtomicOperation, key any, rid RID) error
	Get(op *AtomicOperation, key any) ([]RID, error)
	IsMultiValue() bool
}

type SingleValueIndexEngine interface {
	V1IndexEngine
	ValidatedPut(op *AtomicOperation, key any, rid RID, validator IndexEngineValidator[RID]) (bool, error)
	Remove(op *AtomicOperation, key any) (bool, error)
}

type MultiValueIndexEngine interface {
	V1IndexEngine
	Remove(op *AtomicOperation, key any, rid RID) (bool, error)
}

var nullKeyRow = []byte{0}

// engineCore carries what every engine implementation shares: its data,
// lifecycle state and the buckets its rows live in.
type engineCore struct {
	db   *DB
	data IndexEngineData
	keys KeySerializer

	mu    sync.Mutex
	state EngineState
}

func newEngineCore(db *DB, data IndexEngineData) (engineCore, error) {
	ks, err := data.keySerializer()
	if err != nil {
		return engineCore{}, err
	}
	return engineCore{db: db, data: data, keys: ks}, nil
}

func (e *engineCore) ID() int32             { return e.data.ID }
func (e *engineCore) Name() string          { return e.data.Name }
func (e *engineCore) Data() IndexEngineData { return e.data }
func (e *engineCore) EngineAPIVersion() int { return e.data.APIVersion }

func (e *engineCore) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engineCore) transition(want []EngineState, to EngineState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range want {
		if e.state == s {
			e.state = to
			return nil
		}
	}
	return indexErrf(e.data.Name, nil, ErrEngineState, "cannot go from %v to %v", e.state, to)
}

func (e *engineCore) checkOpen() error {
	if s := e.State(); s != EngineOpen {
		return indexErrf(e.data.Name, nil, ErrEngineState, "engine is %v", s)
	}
	return nil
}

func (e *engineCore) Init(meta IndexMetadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EngineCreated && e.state != EngineLoaded {
		return indexErrf(e.data.Name, nil, ErrEngineState, "cannot init a %v engine", e.state)
	}
	e.data.Metadata = meta
	e.state = EngineOpen
	return nil
}

func (e *engineCore) create(op *AtomicOperation) error {
	if err := op.checkWritable(); err != nil {
		return err
	}
	if s := e.State(); s != EngineUninitialized {
		return indexErrf(e.data.Name, nil, ErrEngineState, "cannot create a %v engine", s)
	}
	if err := checkFormatVersion(e.data.BinaryFormatVersion); err != nil {
		return err
	}
	op.AcquireExclusiveLock(e.lockName())
	if _, err := op.tx.CreateBucket(indexBucket, e.data.Name); err != nil {
		return err
	}
	if _, err := op.tx.CreateBucket(indexBucket, e.data.Name+nullKeysSuffix); err != nil {
		return err
	}
	if err := op.saveEngineData(&e.data); err != nil {
		return err
	}
	return e.transition([]EngineState{EngineUninitialized}, EngineCreated)
}

func (e *engineCore) load(op *AtomicOperation) error {
	if s := e.State(); s != EngineUninitialized {
		return indexErrf(e.data.Name, nil, ErrEngineState, "cannot load a %v engine", s)
	}
	d, found, err := op.loadEngineData(e.data.Name)
	if err != nil {
		return err
	}
	if !found {
		return indexErrf(e.data.Name, nil, ErrBucketNotFound, "no such index engine")
	}
	if err := checkFormatVersion(d.BinaryFormatVersion); err != nil {
		return err
	}
	ks, err := d.keySerializer()
	if err != nil {
		return err
	}
	e.data, e.keys = *d, ks
	return e.transition([]EngineState{EngineUninitialized}, EngineLoaded)
}

func (e *engineCore) delete(op *AtomicOperation) error {
	if err := op.checkWritable(); err != nil {
		return err
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	op.AcquireExclusiveLock(e.lockName())
	if err := e.dropBuckets(op); err != nil {
		return err
	}
	if err := op.deleteEngineData(e.data.Name); err != nil {
		return err
	}
	return e.transition([]EngineState{EngineOpen}, EngineUninitialized)
}

func (e *engineCore) dropBuckets(op *AtomicOperation) error {
	for _, sub := range []string{e.data.Name, e.data.Name + nullKeysSuffix} {
		if op.tx.Bucket(indexBucket, sub) == nil {
			continue
		}
		if err := op.tx.DeleteBucket(indexBucket, sub); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineCore) clear(op *AtomicOperation) error {
	if err := op.checkWritable(); err != nil {
		return err
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	op.AcquireExclusiveLock(e.lockName())
	if err := e.dropBuckets(op); err != nil {
		return err
	}
	if _, err := op.tx.CreateBucket(indexBucket, e.data.Name); err != nil {
		return err
	}
	_, err := op.tx.CreateBucket(indexBucket, e.data.Name+nullKeysSuffix)
	return err
}

func (e *engineCore) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineClosed
}

// Flush is a no-op: rows are written through the atomic operation.
func (e *engineCore) Flush() {}

func (e *engineCore) lockName() string { return "index:" + e.data.Name }

func (e *engineCore) AcquireAtomicExclusiveLock(op *AtomicOperation, key any) (bool, error) {
	if key == nil {
		op.AcquireExclusiveLock(e.lockName())
		return true, nil
	}
	k, err := e.encodeKey(key)
	if err != nil {
		return false, err
	}
	op.AcquireExclusiveLockForKey(e.lockName(), k)
	return false, nil
}

func (e *engineCore) lockKey(op *AtomicOperation, key any, k []byte) {
	if key == nil {
		k = nullKeyRow
	}
	op.AcquireExclusiveLockForKey(e.lockName(), k)
}

func (e *engineCore) encodeKey(key any) ([]byte, error) {
	k, err := e.keys.AppendKey(nil, key)
	if err != nil {
		return nil, indexErrf(e.data.Name, key, err, "invalid key")
	}
	return k, nil
}

func (e *engineCore) decodeKey(raw []byte) (any, int, error) {
	key, n, err := e.keys.DecodeKey(raw)
	if err != nil {
		return nil, 0, indexErrf(e.data.Name, nil, err, "invalid stored key")
	}
	return key, n, nil
}

// bucketFor returns the rows bucket, or the null-key bucket for a nil key.
func (e *engineCore) bucketFor(op *AtomicOperation, key any) storageBucket {
	if key == nil {
		return op.tx.Bucket(indexBucket, e.data.Name+nullKeysSuffix)
	}
	return op.tx.Bucket(indexBucket, e.data.Name)
}

func (e *engineCore) mustBucket(op *AtomicOperation, key any) (storageBucket, error) {
	b := e.bucketFor(op, key)
	if b == nil {
		return nil, indexErrf(e.data.Name, key, ErrBucketNotFound, "")
	}
	return b, nil
}

// rowKey returns the row key of a single-row key.
func (e *engineCore) rowKey(key any) ([]byte, error) {
	if key == nil {
		return nullKeyRow, nil
	}
	return e.encodeKey(key)
}

func (e *engineCore) rows(op *AtomicOperation, rang RawRange) *RawRangeCursor {
	var bcur storageCursor
	if b := op.tx.Bucket(indexBucket, e.data.Name); b != nil {
		bcur = b.Cursor()
	}
	return rang.newCursor(bcur, e.db.logger)
}

func (e *engineCore) nullRows(op *AtomicOperation) *RawRangeCursor {
	var bcur storageCursor
	if b := op.tx.Bucket(indexBucket, e.data.Name+nullKeysSuffix); b != nil {
		bcur = b.Cursor()
	}
	rang := RawOO()
	return rang.newCursor(bcur, e.db.logger)
}

func (e *engineCore) betweenRange(from any, fromInclusive bool, to any, toInclusive bool, ascending bool) (RawRange, error) {
	lower, err := e.encodeKey(from)
	if err != nil {
		return RawRange{}, err
	}
	upper, err := e.encodeKey(to)
	if err != nil {
		return RawRange{}, err
	}
	r := RawRange{Lower: lower, Upper: upper, LowerInc: fromInclusive, UpperInc: toInclusive}
	if !ascending {
		r = r.Reversed()
	}
	return r, nil
}

func (e *engineCore) majorRange(from any, inclusive bool, ascending bool) (RawRange, error) {
	lower, err := e.encodeKey(from)
	if err != nil {
		return RawRange{}, err
	}
	r := RawRange{Lower: lower, LowerInc: inclusive}
	if !ascending {
		r = r.Reversed()
	}
	return r, nil
}

func (e *engineCore) minorRange(to any, inclusive bool, ascending bool) (RawRange, error) {
	upper, err := e.encodeKey(to)
	if err != nil {
		return RawRange{}, err
	}
	r := RawRange{Upper: upper, UpperInc: inclusive}
	if !ascending {
		r = r.Reversed()
	}
	return r, nil
}

func (e *engineCore) logOp(op *AtomicOperation, name string, key any, attrs ...slog.Attr) {
	IndexEngineOps.WithLabelValues(e.data.Name, name).Inc()
	if e.db.verbose {
		attrs = append(attrs, slog.String("index", e.data.Name), slog.Any("key", key), slog.Uint64("op", op.id))
		e.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "index: "+name, attrs...)
	}
}

// rowDecoder turns one stored row into its key and RIDs.
type rowDecoder func(k, v []byte) (any, []RID, error)

// entryCursor adapts RawRangeCursor rows to an EntryCursor.
type entryCursor struct {
	rows    *RawRangeCursor
	decode  rowDecoder
	key     any
	pending []RID
	cur     RID
	err     error
	done    bool
}

func newEntryCursor(rows *RawRangeCursor, decode rowDecoder) *entryCursor {
	return &entryCursor{rows: rows, decode: decode}
}

func failedCursor(err error) *entryCursor {
	return &entryCursor{err: err, done: true}
}

func (c *entryCursor) Next() bool {
	for {
		if c.done {
			return false
		}
		if len(c.pending) > 0 {
			c.cur, c.pending = c.pending[0], c.pending[1:]
			return true
		}
		if !c.rows.Next() {
			c.done = true
			return false
		}
		key, rids, err := c.decode(c.rows.Key(), c.rows.Value())
		if err != nil {
			c.err, c.done = err, true
			return false
		}
		c.key, c.pending = key, rids
	}
}

func (c *entryCursor) Key() any   { return c.key }
func (c *entryCursor) Value() RID { return c.cur }
func (c *entryCursor) Err() error { return c.err }
func (c *entryCursor) Close()     { c.done, c.pending = true, nil }

// keyCursor reports each distinct key of the underlying rows once.
type keyCursor struct {
	rows    *RawRangeCursor
	decode  func(k []byte) (any, int, error)
	lastRaw []byte
	key     any
	err     error
	done    bool
}

func (c *keyCursor) Next() bool {
	for !c.done {
		if !c.rows.Next() {
			c.done = true
			return false
		}
		key, n, err := c.decode(c.rows.Key())
		if err != nil {
			c.err, c.done = err, true
			return false
		}
		raw := c.rows.Key()[:n]
		if c.lastRaw != nil && string(raw) == string(c.lastRaw) {
			continue
		}
		c.lastRaw = append(c.lastRaw[:0], raw...)
		c.key = key
		return true
	}
	return false
}

func (c *keyCursor) Key() any   { return c.key }
func (c *keyCursor) Err() error { return c.err }
func (c *keyCursor) Close()     { c.done = true }

// CollectEntries drains and closes a cursor.
func CollectEntries(c EntryCursor) ([]any, []RID, error) {
	defer c.Close()
	var keys []any
	var rids []RID
	for c.Next() {
		keys = append(keys, c.Key())
		rids = append(rids, c.Value())
	}
	return keys, rids, c.Err()
}

// CreateIndexEngine creates a new engine described by data and opens it.
// ID, BinaryFormatVersion and AuxClusterID are assigned here.
func (db *DB) CreateIndexEngine(op *AtomicOperation, data IndexEngineData) (BaseIndexEngine, error) {
	if err := op.checkWritable(); err != nil {
		return nil, err
	}
	if data.Name == "" {
		return nil, configErrf("index engine", nil, "name required")
	}
	if _, found, err := op.loadEngineData(data.Name); err != nil {
		return nil, err
	} else if found {
		return nil, configErrf(data.Name, nil, "index engine already exists")
	}
	id, err := op.nextSequence("engine")
	if err != nil {
		return nil, err
	}
	data.ID = int32(id)
	data.AuxClusterID = -int32(id)
	data.BinaryFormatVersion = db.formatVersion

	e, err := newIndexEngine(db, data)
	if err != nil {
		return nil, err
	}
	if err := e.Create(op); err != nil {
		return nil, err
	}
	if err := e.Init(data.Metadata); err != nil {
		return nil, err
	}
	op.OnCommit(func() { db.engines.Store(data.Name, e) })
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "index: CREATE ENGINE", slog.String("index", data.Name), slog.Int("api", data.APIVersion), slog.Bool("multivalue", data.Multivalue))
	}
	return e, nil
}

// LoadIndexEngine opens a stored engine, reusing an already open one.
func (db *DB) LoadIndexEngine(op *AtomicOperation, name string) (BaseIndexEngine, error) {
	if e, ok := db.engines.Load(name); ok && e.State() == EngineOpen {
		return e, nil
	}
	data, found, err := op.loadEngineData(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, indexErrf(name, nil, ErrBucketNotFound, "no such index engine")
	}
	e, err := newIndexEngine(db, *data)
	if err != nil {
		return nil, err
	}
	if err := e.Load(op); err != nil {
		return nil, err
	}
	if err := e.Init(data.Metadata); err != nil {
		return nil, err
	}
	db.engines.Store(name, e)
	return e, nil
}

// IndexEngine returns an engine opened by this DB.
func (db *DB) IndexEngine(name string) (BaseIndexEngine, bool) {
	return db.engines.Load(name)
}

// DeleteIndexEngine deletes an engine together with its rows.
func (db *DB) DeleteIndexEngine(op *AtomicOperation, name string) error {
	e, err := db.LoadIndexEngine(op, name)
	if err != nil {
		return err
	}
	if err := e.Delete(op); err != nil {
		return err
	}
	op.OnCommit(func() { db.engines.Delete(name) })
	return nil
}

func newIndexEngine(db *DB, data IndexEngineData) (BaseIndexEngine, error) {
	var e BaseIndexEngine
	var err error
	switch data.APIVersion {
	case EngineAPIVersion0:
		if data.Multivalue {
			if _, err := containerModeFor(db.formatVersion, data.ValueContainerAlgorithm); err != nil {
				return nil, err
			}
			e, err = asBase(newValueIndexEngine[RIDContainer](db, data, containerCodec{db.collections}))
		} else {
			e, err = asBase(newValueIndexEngine[RID](db, data, RIDValues))
		}
	case EngineAPIVersion1:
		if data.Multivalue {
			e, err = asBase(newMultiValueEngine(db, data))
		} else {
			e, err = asBase(newSingleValueEngine(db, data))
		}
	default:
		return nil, configErrf(data.Name, nil, "unsupported index engine API version %d", data.APIVersion)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func asBase[E BaseIndexEngine](e E, err error) (BaseIndexEngine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
