package bonsaidb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// RidBag is a multiset of RIDs owned by a record field. Small bags keep
// their RIDs inline; large ones keep a counter per RID in a shared Bonsai
// tree, with modifications buffered in Changes until Flush.
type RidBag struct {
	db        *DB
	clusterID int32

	embedded []RID

	pointer BonsaiCollectionPointer
	tree    *BTreeBonsaiGlobal
	changes Changes
}

// NewRidBag returns an empty embedded bag. clusterID is the cluster whose
// shared tree receives the bag if it grows past the conversion threshold.
func NewRidBag(db *DB, clusterID int32) *RidBag {
	return &RidBag{db: db, clusterID: clusterID, pointer: NullCollectionPointer}
}

func (b *RidBag) IsEmbedded() bool { return !b.pointer.IsValid() }

// Pointer returns the tree pointer, or NullCollectionPointer when embedded.
func (b *RidBag) Pointer() BonsaiCollectionPointer { return b.pointer }

// Changes returns the modifications not flushed to the tree yet.
func (b *RidBag) Changes() Changes { return b.changes }

func (b *RidBag) bag() (*BTreeBonsaiGlobal, error) {
	if b.tree == nil {
		t, err := b.db.collections.LoadBTree(b.pointer)
		if err != nil {
			return nil, err
		}
		b.tree = t
	}
	return b.tree, nil
}

// count returns how many times rid occurs in a tree-backed bag.
func (b *RidBag) count(op *AtomicOperation, rid RID) (int32, error) {
	t, err := b.bag()
	if err != nil {
		return 0, err
	}
	v, _, err := t.Get(op, rid)
	if err != nil {
		return 0, err
	}
	if c := b.changes[rid]; c != nil {
		v = c.ApplyTo(v)
	}
	return v, nil
}

func (b *RidBag) Add(op *AtomicOperation, rid RID) error {
	if !rid.IsValid() {
		return fmt.Errorf("cannot add %v to a RID bag: %w", rid, ErrNullValue)
	}
	if b.IsEmbedded() {
		b.embedded = append(b.embedded, rid)
		return nil
	}
	if b.changes == nil {
		b.changes = make(Changes)
	}
	b.changes.Increment(rid)
	return nil
}

// Remove drops one occurrence of rid and reports whether there was one.
func (b *RidBag) Remove(op *AtomicOperation, rid RID) (bool, error) {
	if b.IsEmbedded() {
		i := slices.Index(b.embedded, rid)
		if i < 0 {
			return false, nil
		}
		b.embedded = slices.Delete(b.embedded, i, i+1)
		return true, nil
	}
	n, err := b.count(op, rid)
	if err != nil || n <= 0 {
		return false, err
	}
	if b.changes == nil {
		b.changes = make(Changes)
	}
	b.changes.Decrement(rid)
	return true, nil
}

func (b *RidBag) Contains(op *AtomicOperation, rid RID) (bool, error) {
	if b.IsEmbedded() {
		return slices.Contains(b.embedded, rid), nil
	}
	n, err := b.count(op, rid)
	return n > 0, err
}

// Size counts occurrences, so a RID added twice counts twice.
func (b *RidBag) Size(op *AtomicOperation) (int, error) {
	if b.IsEmbedded() {
		return len(b.embedded), nil
	}
	t, err := b.bag()
	if err != nil {
		return 0, err
	}
	return t.GetRealBagSize(op, b.changes)
}

// Iterate calls f for every occurrence of every RID, in RID order for
// tree-backed bags and in insertion order for embedded ones.
func (b *RidBag) Iterate(op *AtomicOperation, f func(rid RID) bool) error {
	if b.IsEmbedded() {
		for _, rid := range b.embedded {
			if !f(rid) {
				return nil
			}
		}
		return nil
	}
	rids, counts, err := b.counts(op)
	if err != nil {
		return err
	}
	for i, rid := range rids {
		for range counts[i] {
			if !f(rid) {
				return nil
			}
		}
	}
	return nil
}

// counts merges persisted counters with pending changes, in RID order.
func (b *RidBag) counts(op *AtomicOperation) ([]RID, []int32, error) {
	t, err := b.bag()
	if err != nil {
		return nil, nil, err
	}
	var rids []RID
	var counts []int32
	seen := make(map[RID]bool, len(b.changes))
	err = t.LoadAllEntries(op, func(rid RID, v int32) bool {
		if c := b.changes[rid]; c != nil {
			v = c.ApplyTo(v)
			seen[rid] = true
		}
		if v > 0 {
			rids = append(rids, rid)
			counts = append(counts, v)
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	for _, rid := range b.changes.SortedRIDs() {
		if seen[rid] {
			continue
		}
		if v := b.changes[rid].ApplyTo(0); v > 0 {
			i, _ := slices.BinarySearchFunc(rids, rid, RID.Compare)
			rids = slices.Insert(rids, i, rid)
			counts = slices.Insert(counts, i, v)
		}
	}
	return rids, counts, nil
}

// CheckAndConvert moves an embedded bag into a tree once it holds
// embeddedToSbtreeBonsaiThreshold RIDs, and a tree-backed bag back once it
// shrinks to sbtreeBonsaiToEmbeddedThreshold.
func (b *RidBag) CheckAndConvert(op *AtomicOperation) error {
	if b.IsEmbedded() {
		threshold := b.db.conf.GetInt(EmbeddedToTreeThresholdKey)
		if threshold < 0 || len(b.embedded) < threshold {
			return nil
		}
		return b.toTree(op)
	}
	threshold := b.db.conf.GetInt(TreeToEmbeddedThresholdKey)
	if threshold < 0 {
		return nil
	}
	n, err := b.Size(op)
	if err != nil {
		return err
	}
	if n > threshold {
		return nil
	}
	return b.toEmbedded(op)
}

func (b *RidBag) toTree(op *AtomicOperation) error {
	t, err := b.db.collections.CreateBTree(op, b.clusterID)
	if err != nil {
		return err
	}
	counts := make(map[RID]int32, len(b.embedded))
	for _, rid := range b.embedded {
		counts[rid]++
	}
	for rid, n := range counts {
		if _, err := t.Put(op, rid, n); err != nil {
			return err
		}
	}
	RidBagConversions.WithLabelValues("to_tree").Inc()
	if b.db.verbose {
		b.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "ridbag: TO TREE", slog.Int("size", len(b.embedded)), slog.Int64("ridBagId", t.RidBagID()))
	}
	b.embedded, b.tree, b.pointer, b.changes = nil, t, t.CollectionPointer(), nil
	return nil
}

func (b *RidBag) toEmbedded(op *AtomicOperation) error {
	var rids []RID
	if err := b.Iterate(op, func(rid RID) bool {
		rids = append(rids, rid)
		return true
	}); err != nil {
		return err
	}
	if err := b.db.collections.Delete(op, b.pointer); err != nil {
		return err
	}
	RidBagConversions.WithLabelValues("to_embedded").Inc()
	if b.db.verbose {
		b.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "ridbag: TO EMBEDDED", slog.Int("size", len(rids)), slog.Int64("ridBagId", b.pointer.RidBagID()))
	}
	b.embedded, b.tree, b.pointer, b.changes = rids, nil, NullCollectionPointer, nil
	return nil
}

// Flush writes pending changes into the tree.
func (b *RidBag) Flush(op *AtomicOperation) error {
	if b.IsEmbedded() || len(b.changes) == 0 {
		return nil
	}
	t, err := b.bag()
	if err != nil {
		return err
	}
	for _, rid := range b.changes.SortedRIDs() {
		persisted, found, err := t.Get(op, rid)
		if err != nil {
			return err
		}
		v := b.changes[rid].ApplyTo(persisted)
		switch {
		case v > 0:
			_, err = t.Put(op, rid, v)
		case found:
			_, _, err = t.Remove(op, rid)
		}
		if err != nil {
			return err
		}
	}
	b.changes = nil
	return nil
}

// Delete releases the bag's tree storage, if any, and empties it.
func (b *RidBag) Delete(op *AtomicOperation) error {
	if !b.IsEmbedded() {
		if err := b.db.collections.Delete(op, b.pointer); err != nil {
			return err
		}
	}
	b.embedded, b.tree, b.pointer, b.changes = nil, nil, NullCollectionPointer, nil
	return nil
}

type ridBagChange struct {
	RID   RID        `msgpack:"r"`
	Kind  ChangeKind `msgpack:"k"`
	Value int32      `msgpack:"v"`
}

type ridBagEnvelope struct {
	Cluster int32                    `msgpack:"c"`
	RIDs    []RID                    `msgpack:"r,omitempty"`
	Pointer *BonsaiCollectionPointer `msgpack:"p,omitempty"`
	Changes []ridBagChange           `msgpack:"ch,omitempty"`
}

// Serialize encodes the bag, including its unflushed changes. Changes are
// written in RID order, so equal bags encode to equal bytes.
func (b *RidBag) Serialize() ([]byte, error) {
	env := ridBagEnvelope{Cluster: b.clusterID}
	if b.IsEmbedded() {
		env.RIDs = b.embedded
	} else {
		p := b.pointer
		env.Pointer = &p
		for _, rid := range b.changes.SortedRIDs() {
			c := b.changes[rid]
			env.Changes = append(env.Changes, ridBagChange{rid, c.Kind(), c.Value()})
		}
	}
	return msgpack.Marshal(&env)
}

func DeserializeRidBag(db *DB, data []byte) (*RidBag, error) {
	var env ridBagEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, dataErrf(data, 0, err, "invalid RID bag")
	}
	b := NewRidBag(db, env.Cluster)
	if env.Pointer == nil {
		b.embedded = env.RIDs
		return b, nil
	}
	b.pointer = *env.Pointer
	for _, c := range env.Changes {
		if b.changes == nil {
			b.changes = make(Changes, len(env.Changes))
		}
		switch c.Kind {
		case ChangeDiff:
			b.changes[c.RID] = &DiffChange{c.Value}
		case ChangeAbsolute:
			b.changes[c.RID] = &AbsoluteChange{c.Value}
		default:
			return nil, dataErrf(data, 0, nil, "invalid change kind %v for %v", c.Kind, c.RID)
		}
	}
	return b, nil
}
