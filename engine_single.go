package bonsaidb

// singleValueEngine is the version 1 unique index: one RID per key.
type singleValueEngine struct {
	engineCore
}

func newSingleValueEngine(db *DB, data IndexEngineData) (*singleValueEngine, error) {
	core, err := newEngineCore(db, data)
	if err != nil {
		return nil, err
	}
	core.data.ValueSerializer = RIDValues.Name()
	return &singleValueEngine{core}, nil
}

func (e *singleValueEngine) Create(op *AtomicOperation) error { return e.create(op) }
func (e *singleValueEngine) Load(op *AtomicOperation) error   { return e.load(op) }
func (e *singleValueEngine) Delete(op *AtomicOperation) error { return e.delete(op) }
func (e *singleValueEngine) Clear(op *AtomicOperation) error  { return e.clear(op) }
func (e *singleValueEngine) IsMultiValue() bool               { return false }

func (e *singleValueEngine) lookup(op *AtomicOperation, key any, k []byte) (RID, bool, error) {
	b, err := e.mustBucket(op, key)
	if err != nil {
		return RID{}, false, err
	}
	raw := b.Get(k)
	if raw == nil {
		return RID{}, false, nil
	}
	rid, err := decodeRIDKey(raw)
	if err != nil {
		return RID{}, false, indexErrf(e.data.Name, key, err, "invalid stored RID")
	}
	return rid, true, nil
}

func (e *singleValueEngine) store(op *AtomicOperation, key any, k []byte, rid RID) error {
	if !rid.IsValid() {
		return indexErrf(e.data.Name, key, ErrNullValue, "")
	}
	b, err := e.mustBucket(op, key)
	if err != nil {
		return err
	}
	if err := b.Put(k, appendRIDKey(make([]byte, 0, ridKeySize), rid)); err != nil {
		return indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "PUT", key, ridAttr("rid", rid))
	return nil
}

func (e *singleValueEngine) writable(op *AtomicOperation, key any) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := op.checkWritable(); err != nil {
		return nil, err
	}
	k, err := e.rowKey(key)
	if err != nil {
		return nil, err
	}
	e.lockKey(op, key, k)
	return k, nil
}

func (e *singleValueEngine) Get(op *AtomicOperation, key any) ([]RID, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	k, err := e.rowKey(key)
	if err != nil {
		return nil, err
	}
	rid, found, err := e.lookup(op, key, k)
	if err != nil || !found {
		return nil, err
	}
	return []RID{rid}, nil
}

// Put replaces whatever key pointed to.
func (e *singleValueEngine) Put(op *AtomicOperation, key any, rid RID) error {
	k, err := e.writable(op, key)
	if err != nil {
		return err
	}
	return e.store(op, key, k, rid)
}

func (e *singleValueEngine) ValidatedPut(op *AtomicOperation, key any, rid RID, validator IndexEngineValidator[RID]) (bool, error) {
	k, err := e.writable(op, key)
	if err != nil {
		return false, err
	}
	old, found, err := e.lookup(op, key, k)
	if err != nil {
		return false, err
	}
	v, err := validator.Validate(key, old, found, rid)
	if err != nil {
		return false, err
	}
	if v.Decision == DecisionIgnore {
		e.logOp(op, "PUT.IGNORE", key)
		return false, nil
	}
	return true, e.store(op, key, k, v.Value)
}

func (e *singleValueEngine) Remove(op *AtomicOperation, key any) (bool, error) {
	k, err := e.writable(op, key)
	if err != nil {
		return false, err
	}
	b, err := e.mustBucket(op, key)
	if err != nil {
		return false, err
	}
	if b.Get(k) == nil {
		return false, nil
	}
	if err := b.Delete(k); err != nil {
		return false, indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "DELETE", key)
	return true, nil
}

func (e *singleValueEngine) decodeRow(k, v []byte) (any, []RID, error) {
	key, _, err := e.decodeKey(k)
	if err != nil {
		return nil, nil, err
	}
	rid, err := decodeRIDKey(v)
	if err != nil {
		return nil, nil, indexErrf(e.data.Name, key, err, "invalid stored RID")
	}
	return key, []RID{rid}, nil
}

func (e *singleValueEngine) scan(op *AtomicOperation, rang RawRange, err error) EntryCursor {
	if err == nil {
		err = e.checkOpen()
	}
	if err != nil {
		return failedCursor(err)
	}
	return newEntryCursor(e.rows(op, rang), e.decodeRow)
}

// Rows hold plain RIDs, so the transformer arguments below are not used.

func (e *singleValueEngine) IterateEntriesBetween(op *AtomicOperation, from any, fromInclusive bool, to any, toInclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.betweenRange(from, fromInclusive, to, toInclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *singleValueEngine) IterateEntriesMajor(op *AtomicOperation, from any, inclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.majorRange(from, inclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *singleValueEngine) IterateEntriesMinor(op *AtomicOperation, to any, inclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.minorRange(to, inclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *singleValueEngine) Stream(op *AtomicOperation, _ ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO(), nil)
}

func (e *singleValueEngine) DescStream(op *AtomicOperation, _ ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO().Reversed(), nil)
}

func (e *singleValueEngine) KeyStream(op *AtomicOperation) KeyCursor {
	if err := e.checkOpen(); err != nil {
		return &keyCursor{err: err, done: true}
	}
	return &keyCursor{rows: e.rows(op, RawOO()), decode: e.decodeKey}
}

func (e *singleValueEngine) Size(op *AtomicOperation, _ ValuesTransformer) (int64, error) {
	return e.countRows(op)
}

// countRows counts the rows of both buckets.
func (e *engineCore) countRows(op *AtomicOperation) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, c := range []*RawRangeCursor{e.rows(op, RawOO()), e.nullRows(op)} {
		for c.Next() {
			n++
		}
	}
	return n, nil
}
