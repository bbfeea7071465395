package bonsaidb

import (
	"context"
	"fmt"
	"log/slog"
)

// UpdateKind tells the caller of an IndexKeyUpdater what to do with the key.
type UpdateKind uint8

const (
	// UpdateNothing leaves the stored value as it is.
	UpdateNothing UpdateKind = iota
	// UpdateChanged replaces the stored value.
	UpdateChanged
	// UpdateRemove deletes the key.
	UpdateRemove
)

func (v UpdateKind) String() string {
	switch v {
	case UpdateNothing:
		return "nothing"
	case UpdateChanged:
		return "changed"
	case UpdateRemove:
		return "remove"
	default:
		return fmt.Sprintf("invalid update kind %d", int(v))
	}
}

// IndexUpdateAction is the outcome of an IndexKeyUpdater. The value is only
// meaningful for UpdateChanged.
type IndexUpdateAction[V any] struct {
	kind  UpdateKind
	value V
}

func NothingAction[V any]() IndexUpdateAction[V] {
	return IndexUpdateAction[V]{kind: UpdateNothing}
}

func ChangedAction[V any](v V) IndexUpdateAction[V] {
	return IndexUpdateAction[V]{kind: UpdateChanged, value: v}
}

func RemoveAction[V any]() IndexUpdateAction[V] {
	return IndexUpdateAction[V]{kind: UpdateRemove}
}

func (a IndexUpdateAction[V]) Kind() UpdateKind { return a.kind }

func (a IndexUpdateAction[V]) Value() V { return a.value }

func (a IndexUpdateAction[V]) String() string {
	if a.kind == UpdateChanged {
		return fmt.Sprintf("changed(%v)", a.value)
	}
	return a.kind.String()
}

// AuxFileIDSource allocates tree-backed containers on behalf of an index
// while one of its keys is being updated.
type AuxFileIDSource interface {
	NewBonsaiTree(op *AtomicOperation) (*BTreeBonsaiGlobal, error)
}

// IndexKeyUpdater computes the new value of a key from the stored one. found
// is false when the key is absent. It runs under the engine's lock for the
// key, inside op.
type IndexKeyUpdater[V any] interface {
	Update(op *AtomicOperation, old V, found bool, aux AuxFileIDSource) (IndexUpdateAction[V], error)
}

type IndexKeyUpdaterFunc[V any] func(op *AtomicOperation, old V, found bool, aux AuxFileIDSource) (IndexUpdateAction[V], error)

func (f IndexKeyUpdaterFunc[V]) Update(op *AtomicOperation, old V, found bool, aux AuxFileIDSource) (IndexUpdateAction[V], error) {
	return f(op, old, found, aux)
}

// MultivalueIndexKeyUpdater adds one RID to the container of a key.
type MultivalueIndexKeyUpdater struct {
	rid            RID
	mode           containerMode
	embeddedToTree int
	mgr            *BTreeCollectionManager
}

// NewMultivalueIndexKeyUpdater fails with ErrUnsupportedAlgorithm for any
// algorithm other than AlgorithmSBTreeBonsaiSet.
func NewMultivalueIndexKeyUpdater(db *DB, algorithm string, rid RID) (*MultivalueIndexKeyUpdater, error) {
	mode, err := containerModeFor(db.BinaryFormatVersion(), algorithm)
	if err != nil {
		return nil, err
	}
	return &MultivalueIndexKeyUpdater{
		rid:            rid,
		mode:           mode,
		embeddedToTree: db.conf.GetInt(EmbeddedToTreeThresholdKey),
		mgr:            db.collections,
	}, nil
}

func (u *MultivalueIndexKeyUpdater) Update(op *AtomicOperation, old RIDContainer, found bool, aux AuxFileIDSource) (IndexUpdateAction[RIDContainer], error) {
	c := old
	if !found {
		if u.mode == containerMixed {
			c = &EmbeddedRIDSet{}
		} else {
			bag, err := aux.NewBonsaiTree(op)
			if err != nil {
				return NothingAction[RIDContainer](), err
			}
			c = newTreeRIDSet(u.mgr, bag)
		}
	}

	switch c := c.(type) {
	case *EmbeddedRIDSet:
		added, err := c.Add(u.rid)
		if err != nil {
			return NothingAction[RIDContainer](), err
		}
		if !added && found {
			return NothingAction[RIDContainer](), nil
		}
		if u.mode == containerMixed && u.embeddedToTree >= 0 && c.Len() >= u.embeddedToTree {
			t, err := promote(op, u.mgr, c, aux)
			if err != nil {
				return NothingAction[RIDContainer](), err
			}
			return ChangedAction[RIDContainer](t), nil
		}
		return ChangedAction[RIDContainer](c), nil

	case *TreeRIDSet:
		if _, err := c.Add(op, u.rid); err != nil {
			return NothingAction[RIDContainer](), err
		}
		if !found {
			return ChangedAction[RIDContainer](c), nil
		}
		return NothingAction[RIDContainer](), nil

	default:
		panic(fmt.Errorf("unknown RID container %T", c))
	}
}

func promote(op *AtomicOperation, mgr *BTreeCollectionManager, s *EmbeddedRIDSet, aux AuxFileIDSource) (*TreeRIDSet, error) {
	bag, err := aux.NewBonsaiTree(op)
	if err != nil {
		return nil, err
	}
	t := newTreeRIDSet(mgr, bag)
	for _, rid := range s.rids {
		if _, err := t.Add(op, rid); err != nil {
			return nil, err
		}
	}
	RidBagConversions.WithLabelValues("to_tree").Inc()
	if op.db.verbose {
		op.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "container: PROMOTE", slog.Int("size", s.Len()), slog.Int64("ridBagId", bag.RidBagID()))
	}
	return t, nil
}

func demote(op *AtomicOperation, t *TreeRIDSet) (*EmbeddedRIDSet, error) {
	rids, err := t.All(op)
	if err != nil {
		return nil, err
	}
	if err := t.Delete(op); err != nil {
		return nil, err
	}
	RidBagConversions.WithLabelValues("to_embedded").Inc()
	if op.db.verbose {
		op.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "container: DEMOTE", slog.Int("size", len(rids)), slog.Int64("ridBagId", t.pointer.RidBagID()))
	}
	return &EmbeddedRIDSet{rids: rids}, nil
}

// MultivalueEntityRemover removes one RID from the container of a key, or
// the whole key when constructed without a RID.
type MultivalueEntityRemover struct {
	rid            RID
	all            bool
	mode           containerMode
	treeToEmbedded int
	removed        bool
}

func NewMultivalueEntityRemover(db *DB, rid RID) *MultivalueEntityRemover {
	r := &MultivalueEntityRemover{
		rid:            rid,
		mode:           containerLegacyTree,
		treeToEmbedded: db.conf.GetInt(TreeToEmbeddedThresholdKey),
	}
	if db.BinaryFormatVersion() >= mixedContainerFormatVersion {
		r.mode = containerMixed
	}
	return r
}

// NewMultivalueKeyRemover returns a remover that deletes the whole key.
func NewMultivalueKeyRemover(db *DB) *MultivalueEntityRemover {
	r := NewMultivalueEntityRemover(db, NullRID)
	r.all = true
	return r
}

// Removed reports whether the last Update removed anything.
func (r *MultivalueEntityRemover) Removed() bool { return r.removed }

func (r *MultivalueEntityRemover) Update(op *AtomicOperation, old RIDContainer, found bool, _ AuxFileIDSource) (IndexUpdateAction[RIDContainer], error) {
	r.removed = false
	if !found {
		return NothingAction[RIDContainer](), nil
	}
	if r.all {
		if t, ok := old.(*TreeRIDSet); ok {
			if err := t.Delete(op); err != nil {
				return NothingAction[RIDContainer](), err
			}
		}
		r.removed = true
		return RemoveAction[RIDContainer](), nil
	}

	switch c := old.(type) {
	case *EmbeddedRIDSet:
		if !c.Remove(r.rid) {
			return NothingAction[RIDContainer](), nil
		}
		r.removed = true
		if c.Len() == 0 {
			return RemoveAction[RIDContainer](), nil
		}
		return ChangedAction[RIDContainer](c), nil

	case *TreeRIDSet:
		ok, err := c.Remove(op, r.rid)
		if err != nil || !ok {
			return NothingAction[RIDContainer](), err
		}
		r.removed = true
		empty, err := c.IsEmpty(op)
		if err != nil {
			return NothingAction[RIDContainer](), err
		}
		if empty {
			if err := c.Delete(op); err != nil {
				return NothingAction[RIDContainer](), err
			}
			return RemoveAction[RIDContainer](), nil
		}
		if r.mode == containerMixed && r.treeToEmbedded >= 0 {
			size, err := c.Size(op)
			if err != nil {
				return NothingAction[RIDContainer](), err
			}
			if size <= r.treeToEmbedded {
				e, err := demote(op, c)
				if err != nil {
					return NothingAction[RIDContainer](), err
				}
				return ChangedAction[RIDContainer](e), nil
			}
		}
		return ChangedAction[RIDContainer](c), nil

	default:
		panic(fmt.Errorf("unknown RID container %T", c))
	}
}
