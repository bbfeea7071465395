package bonsaidb

import (
	"fmt"
)

// valueIndexEngine is the version 0 engine: one encoded value of type V per
// key. With RID values it backs unique indexes; with RIDContainer values it
// backs multi-value indexes updated through IndexKeyUpdaters.
type valueIndexEngine[V any] struct {
	engineCore
	codec ValueCodec[V]
}

func newValueIndexEngine[V any](db *DB, data IndexEngineData, codec ValueCodec[V]) (*valueIndexEngine[V], error) {
	core, err := newEngineCore(db, data)
	if err != nil {
		return nil, err
	}
	core.data.ValueSerializer = codec.Name()
	return &valueIndexEngine[V]{engineCore: core, codec: codec}, nil
}

func (e *valueIndexEngine[V]) Create(op *AtomicOperation) error { return e.create(op) }
func (e *valueIndexEngine[V]) Load(op *AtomicOperation) error   { return e.load(op) }

func (e *valueIndexEngine[V]) Delete(op *AtomicOperation) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.releaseTrees(op); err != nil {
		return err
	}
	return e.delete(op)
}

func (e *valueIndexEngine[V]) Clear(op *AtomicOperation) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.releaseTrees(op); err != nil {
		return err
	}
	return e.clear(op)
}

// releaseTrees drops the shared tree holding the engine's tree containers.
func (e *valueIndexEngine[V]) releaseTrees(op *AtomicOperation) error {
	if !e.data.Multivalue {
		return nil
	}
	return e.db.collections.DeleteComponentByClusterID(op, e.data.AuxClusterID)
}

// NewBonsaiTree allocates tree containers in the engine's own shared tree.
func (e *valueIndexEngine[V]) NewBonsaiTree(op *AtomicOperation) (*BTreeBonsaiGlobal, error) {
	return e.db.collections.CreateBTree(op, e.data.AuxClusterID)
}

func (e *valueIndexEngine[V]) get(op *AtomicOperation, key any, k []byte) (V, bool, error) {
	var zero V
	b, err := e.mustBucket(op, key)
	if err != nil {
		return zero, false, err
	}
	raw := b.Get(k)
	if raw == nil {
		return zero, false, nil
	}
	v, err := e.codec.Decode(raw)
	if err != nil {
		return zero, false, indexErrf(e.data.Name, key, err, "invalid stored value")
	}
	return v, true, nil
}

func (e *valueIndexEngine[V]) put(op *AtomicOperation, key any, k []byte, v V) error {
	b, err := e.mustBucket(op, key)
	if err != nil {
		return err
	}
	raw, err := e.codec.Encode(v)
	if err != nil {
		return indexErrf(e.data.Name, key, err, "cannot encode value")
	}
	if err := b.Put(k, raw); err != nil {
		return indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "PUT", key)
	return nil
}

func (e *valueIndexEngine[V]) del(op *AtomicOperation, key any, k []byte) (bool, error) {
	b, err := e.mustBucket(op, key)
	if err != nil {
		return false, err
	}
	if b.Get(k) == nil {
		e.logOp(op, "DELETE.NOOP", key)
		return false, nil
	}
	if err := b.Delete(k); err != nil {
		return false, indexErrf(e.data.Name, key, err, "")
	}
	e.logOp(op, "DELETE", key)
	return true, nil
}

func (e *valueIndexEngine[V]) prepare(op *AtomicOperation, key any, write bool) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if write {
		if err := op.checkWritable(); err != nil {
			return nil, err
		}
	}
	k, err := e.rowKey(key)
	if err != nil {
		return nil, err
	}
	if write {
		e.lockKey(op, key, k)
	}
	return k, nil
}

func (e *valueIndexEngine[V]) Get(op *AtomicOperation, key any) (V, bool, error) {
	k, err := e.prepare(op, key, false)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return e.get(op, key, k)
}

func (e *valueIndexEngine[V]) Put(op *AtomicOperation, key any, value V) error {
	k, err := e.prepare(op, key, true)
	if err != nil {
		return err
	}
	return e.put(op, key, k, value)
}

func (e *valueIndexEngine[V]) Remove(op *AtomicOperation, key any) (bool, error) {
	k, err := e.prepare(op, key, true)
	if err != nil {
		return false, err
	}
	return e.del(op, key, k)
}

// Update runs updater against the stored value of key under the key's lock
// and applies its decision.
func (e *valueIndexEngine[V]) Update(op *AtomicOperation, key any, updater IndexKeyUpdater[V]) error {
	k, err := e.prepare(op, key, true)
	if err != nil {
		return err
	}
	old, found, err := e.get(op, key, k)
	if err != nil {
		return err
	}
	action, err := updater.Update(op, old, found, e)
	if err != nil {
		return err
	}
	switch action.Kind() {
	case UpdateChanged:
		return e.put(op, key, k, action.Value())
	case UpdateRemove:
		_, err := e.del(op, key, k)
		return err
	case UpdateNothing:
		e.logOp(op, "UPDATE.NOOP", key)
		return nil
	default:
		panic(fmt.Errorf("unknown update kind %v", action.Kind()))
	}
}

func (e *valueIndexEngine[V]) ValidatedPut(op *AtomicOperation, key any, value V, validator IndexEngineValidator[V]) (bool, error) {
	k, err := e.prepare(op, key, true)
	if err != nil {
		return false, err
	}
	old, found, err := e.get(op, key, k)
	if err != nil {
		return false, err
	}
	v, err := validator.Validate(key, old, found, value)
	if err != nil {
		return false, err
	}
	if v.Decision == DecisionIgnore {
		e.logOp(op, "PUT.IGNORE", key)
		return false, nil
	}
	return true, e.put(op, key, k, v.Value)
}

func (e *valueIndexEngine[V]) expand(op *AtomicOperation, key any, v V, t ValuesTransformer) ([]RID, error) {
	if t != nil {
		rids, err := t.TransformFromValue(op, v)
		if err != nil {
			return nil, indexErrf(e.data.Name, key, err, "cannot expand value")
		}
		return rids, nil
	}
	if rid, ok := any(v).(RID); ok {
		return []RID{rid}, nil
	}
	return nil, indexErrf(e.data.Name, key, nil, "values of type %T need a transformer", v)
}

func (e *valueIndexEngine[V]) decoder(op *AtomicOperation, t ValuesTransformer) rowDecoder {
	return func(k, raw []byte) (any, []RID, error) {
		key, _, err := e.decodeKey(k)
		if err != nil {
			return nil, nil, err
		}
		v, err := e.codec.Decode(raw)
		if err != nil {
			return nil, nil, indexErrf(e.data.Name, key, err, "invalid stored value")
		}
		rids, err := e.expand(op, key, v, t)
		return key, rids, err
	}
}

func (e *valueIndexEngine[V]) scan(op *AtomicOperation, rang RawRange, err error, t ValuesTransformer) EntryCursor {
	if err == nil {
		err = e.checkOpen()
	}
	if err != nil {
		return failedCursor(err)
	}
	return newEntryCursor(e.rows(op, rang), e.decoder(op, t))
}

func (e *valueIndexEngine[V]) IterateEntriesBetween(op *AtomicOperation, from any, fromInclusive bool, to any, toInclusive bool, ascending bool, t ValuesTransformer) EntryCursor {
	rang, err := e.betweenRange(from, fromInclusive, to, toInclusive, ascending)
	return e.scan(op, rang, err, t)
}

func (e *valueIndexEngine[V]) IterateEntriesMajor(op *AtomicOperation, from any, inclusive bool, ascending bool, t ValuesTransformer) EntryCursor {
	rang, err := e.majorRange(from, inclusive, ascending)
	return e.scan(op, rang, err, t)
}

func (e *valueIndexEngine[V]) IterateEntriesMinor(op *AtomicOperation, to any, inclusive bool, ascending bool, t ValuesTransformer) EntryCursor {
	rang, err := e.minorRange(to, inclusive, ascending)
	return e.scan(op, rang, err, t)
}

func (e *valueIndexEngine[V]) Stream(op *AtomicOperation, t ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO(), nil, t)
}

func (e *valueIndexEngine[V]) DescStream(op *AtomicOperation, t ValuesTransformer) EntryCursor {
	return e.scan(op, RawOO().Reversed(), nil, t)
}

func (e *valueIndexEngine[V]) KeyStream(op *AtomicOperation) KeyCursor {
	if err := e.checkOpen(); err != nil {
		return &keyCursor{err: err, done: true}
	}
	return &keyCursor{rows: e.rows(op, RawOO()), decode: e.decodeKey}
}

func (e *valueIndexEngine[V]) Size(op *AtomicOperation, t ValuesTransformer) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, c := range []*RawRangeCursor{e.rows(op, RawOO()), e.nullRows(op)} {
		for c.Next() {
			if t == nil {
				n++
				continue
			}
			v, err := e.codec.Decode(c.Value())
			if err != nil {
				return 0, indexErrf(e.data.Name, nil, err, "invalid stored value")
			}
			rids, err := t.TransformFromValue(op, v)
			if err != nil {
				return 0, err
			}
			n += int64(len(rids))
		}
	}
	return n, nil
}

// PutMultiValue adds rid to the container stored under key.
func PutMultiValue(op *AtomicOperation, e IndexEngine[RIDContainer], key any, rid RID) error {
	u, err := NewMultivalueIndexKeyUpdater(op.DB(), e.Data().ValueContainerAlgorithm, rid)
	if err != nil {
		return err
	}
	return e.Update(op, key, u)
}

// RemoveMultiValue removes rid from the container stored under key and
// reports whether it was there.
func RemoveMultiValue(op *AtomicOperation, e IndexEngine[RIDContainer], key any, rid RID) (bool, error) {
	r := NewMultivalueEntityRemover(op.DB(), rid)
	if err := e.Update(op, key, r); err != nil {
		return false, err
	}
	return r.Removed(), nil
}

// RemoveMultiValueKey drops key with its whole container.
func RemoveMultiValueKey(op *AtomicOperation, e IndexEngine[RIDContainer], key any) (bool, error) {
	r := NewMultivalueKeyRemover(op.DB())
	if err := e.Update(op, key, r); err != nil {
		return false, err
	}
	return r.Removed(), nil
}

// GetMultiValue returns the RIDs stored under key.
func GetMultiValue(op *AtomicOperation, e IndexEngine[RIDContainer], key any) ([]RID, error) {
	c, found, err := e.Get(op, key)
	if err != nil || !found {
		return nil, err
	}
	return c.All(op)
}
