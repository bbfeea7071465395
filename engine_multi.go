package bonsaidb

// multiValueEngine is the version 1 non-unique index. Every (key, RID) pair
// is its own row, keyed by the encoded key followed by the RID, so the RIDs
// of a key are adjacent and sorted.
type multiValueEngine struct {
	engineCore
}

func newMultiValueEngine(db *DB, data IndexEngineData) (*multiValueEngine, error) {
	core, err := newEngineCore(db, data)
	if err != nil {
		return nil, err
	}
	core.data.ValueSerializer = RIDValues.Name()
	return &multiValueEngine{core}, nil
}

func (e *multiValueEngine) Create(op *AtomicOperation) error { return e.create(op) }
func (e *multiValueEngine) Load(op *AtomicOperation) error   { return e.load(op) }
func (e *multiValueEngine) Delete(op *AtomicOperation) error { return e.delete(op) }
func (e *multiValueEngine) Clear(op *AtomicOperation) error  { return e.clear(op) }
func (e *multiValueEngine) IsMultiValue() bool               { return true }

// pairRow returns the row of (key, rid). Null-key rows are the bare RID.
func (e *multiValueEngine) pairRow(key any, rid RID) ([]byte, error) {
	var prefix []byte
	if key != nil {
		var err error
		if prefix, err = e.encodeKey(key); err != nil {
			return nil, err
		}
	}
	return appendRIDKey(prefix, rid), nil
}

func (e *multiValueEngine) Get(op *AtomicOperation, key any) ([]RID, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var c *RawRangeCursor
	if key == nil {
		c = e.nullRows(op)
	} else {
		k, err := e.encodeKey(key)
		if err != nil {
			return nil, err
		}
		c = e.rows(op, RawPrefix(k))
	}
	var rids []RID
	for c.Next() {
		rid, err := decodeRIDKey(c.Value())
		if err != nil {
			return nil, indexErrf(e.data.Name, key, err, "invalid stored RID")
		}
		rids = append(rids, rid)
	}
	return rids, nil
}

func (e *multiValueEngine) Put(op *AtomicOperation, key any, rid RID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := op.checkWritable(); err != nil {
		return err
	}
	if !rid.IsValid() {
		return indexErrf(e.data.Name, key, ErrNullValue, "")
	}
	row, err := e.pairRow(key, rid)
	if err != nil {
		return err
	}
	e.lockKey(op, key, row[:len(row)-ridKeySize])
	b, err := e.mustBucket(op, key)
	if err != nil {
		return err
	}
	if err := b.Put(row, row[len(row)-ridKeySize:]); err != nil {
		return indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "PUT", key, ridAttr("rid", rid))
	return nil
}

// Remove deletes one (key, rid) pair and reports whether it existed.
func (e *multiValueEngine) Remove(op *AtomicOperation, key any, rid RID) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	if err := op.checkWritable(); err != nil {
		return false, err
	}
	row, err := e.pairRow(key, rid)
	if err != nil {
		return false, err
	}
	e.lockKey(op, key, row[:len(row)-ridKeySize])
	b, err := e.mustBucket(op, key)
	if err != nil {
		return false, err
	}
	if b.Get(row) == nil {
		e.logOp(op, "DELETE.NOOP", key, ridAttr("rid", rid))
		return false, nil
	}
	if err := b.Delete(row); err != nil {
		return false, indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "DELETE", key, ridAttr("rid", rid))
	return true, nil
}

func (e *multiValueEngine) decodeRow(k, v []byte) (any, []RID, error) {
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

func (e *multiValueEngine) scan(op *AtomicOperation, rang RawRange, err error) EntryCursor {
	if err == nil {
		err = e.checkOpen()
	}
	if err != nil {
		return failedCursor(err)
	}
	return newEntryCursor(e.rows(op, rang), e.decodeRow)
}

func (e *multiValueEngine) IterateEntriesBetween(op *AtomicOperation, from any, fromInclusive bool, to any, toInclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.betweenRange(from, fromInclusive, to, toInclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *multiValueEngine) IterateEntriesMajor(op *AtomicOperation, from any, inclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.majorRange(from, inclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *multiValueEngine) IterateEntriesMinor(op *AtomicOperation, to any, inclusive bool, ascending bool, _ ValuesTransformer) EntryCursor {
	rang, err := e.minorRange(to, inclusive, ascending)
	return e.scan(op, rang, err)
}

func (e *multiValueEngine) Stream(op *AtomicOperation, _ ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO(), nil)
}

func (e *multiValueEngine) DescStream(op *AtomicOperation, _ ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO().Reversed(), nil)
}

func (e *multiValueEngine) KeyStream(op *AtomicOperation) KeyCursor {
	if err := e.checkOpen(); err != nil {
		return &keyCursor{err: err, done: true}
	}
	return &keyCursor{rows: e.rows(op, RawOO()), decode: e.decodeKey}
}

func (e *multiValueEngine) Size(op *AtomicOperation, _ ValuesTransformer) (int64, error) {
	return e.countRows(op)
}
