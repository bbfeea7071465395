package bonsaidb

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// lockTable hands out the exclusive locks an atomic operation takes on named
// resources. A whole-resource lock excludes every key lock on the resource;
// key locks are striped by hash, so two keys may share a stripe.
type lockTable struct {
	stripes   uint64
	resources *xsync.MapOf[string, *sync.RWMutex]
	keys      *xsync.MapOf[string, *sync.Mutex]
}

type lockMode uint8

const (
	lockNone lockMode = iota
	lockShared
	lockExclusive
)

func newLockTable(stripes int) *lockTable {
	if stripes < 1 {
		stripes = 1
	}
	return &lockTable{
		stripes:   uint64(stripes),
		resources: xsync.NewMapOf[string, *sync.RWMutex](),
		keys:      xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (lt *lockTable) resource(name string) *sync.RWMutex {
	m, _ := lt.resources.LoadOrCompute(name, func() *sync.RWMutex {
		return new(sync.RWMutex)
	})
	return m
}

func (lt *lockTable) stripeName(name string, key []byte) string {
	return name + "#" + strconv.FormatUint(xxhash.Sum64(key)%lt.stripes, 10)
}

func (lt *lockTable) stripe(stripeName string) *sync.Mutex {
	m, _ := lt.keys.LoadOrCompute(stripeName, func() *sync.Mutex {
		return new(sync.Mutex)
	})
	return m
}

// AcquireExclusiveLock locks the named resource until the operation ends.
// Acquiring a lock the operation already holds is a no-op. An operation that
// holds key locks on the resource gives up its shared hold and waits for the
// whole lock; its key stripes stay locked.
func (op *AtomicOperation) AcquireExclusiveLock(name string) {
	m := op.db.locks.resource(name)
	switch op.locks[name] {
	case lockExclusive:
		return
	case lockShared:
		i := op.sharedHolds[name]
		op.unlocks[i] = func() {}
		delete(op.sharedHolds, name)
		m.RUnlock()
	}
	m.Lock()
	op.locks[name] = lockExclusive
	op.unlocks = append(op.unlocks, m.Unlock)
}

// AcquireExclusiveLockForKey locks the stripe of the named resource that key
// hashes into, until the operation ends.
func (op *AtomicOperation) AcquireExclusiveLockForKey(name string, key []byte) {
	switch op.locks[name] {
	case lockExclusive:
		return
	case lockNone:
		m := op.db.locks.resource(name)
		m.RLock()
		op.locks[name] = lockShared
		op.sharedHolds[name] = len(op.unlocks)
		op.unlocks = append(op.unlocks, m.RUnlock)
	}
	sn := op.db.locks.stripeName(name, key)
	if op.locks[sn] != lockNone {
		return
	}
	m := op.db.locks.stripe(sn)
	m.Lock()
	op.locks[sn] = lockExclusive
	op.unlocks = append(op.unlocks, m.Unlock)
}

func (op *AtomicOperation) releaseLocks() {
	for i := len(op.unlocks) - 1; i >= 0; i-- {
		op.unlocks[i]()
	}
	op.unlocks = nil
	clear(op.locks)
	clear(op.sharedHolds)
}
