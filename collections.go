package bonsaidb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	globalCollectionPrefix    = "global_collection_"
	GlobalCollectionExtension = ".grb"
)

// BTreeCollectionManager owns the shared Bonsai tree of every cluster and
// hands out per-bag views of them. RID bag ids are negative and allocated
// from one counter for the whole database.
type BTreeCollectionManager struct {
	db *DB

	trees    *xsync.MapOf[int64, *BTree]
	clusters *xsync.MapOf[int32, int64]

	cacheMu       sync.Mutex
	cache         *lru.Cache[BonsaiCollectionPointer, *BTreeBonsaiGlobal]
	cacheSize     int
	evictionBatch int

	ridBagIDCounter atomic.Int64
}

func newBTreeCollectionManager(db *DB) *BTreeCollectionManager {
	size := db.conf.GetInt(LinkBagCacheSizeKey)
	cache, _ := lru.New[BonsaiCollectionPointer, *BTreeBonsaiGlobal](size)
	return &BTreeCollectionManager{
		db:            db,
		trees:         xsync.NewMapOf[int64, *BTree](),
		clusters:      xsync.NewMapOf[int32, int64](),
		cache:         cache,
		cacheSize:     size,
		evictionBatch: db.conf.GetInt(LinkBagCacheEvictionSizeKey),
	}
}

func globalCollectionName(clusterID int32) string {
	return globalCollectionPrefix + strconv.FormatInt(int64(clusterID), 10)
}

func parseGlobalCollectionFile(fileName string) (int32, bool) {
	s, ok := strings.CutPrefix(fileName, globalCollectionPrefix)
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, GlobalCollectionExtension)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// Load opens every shared tree of the database and restores the RID bag id
// counter from the smallest id stored in them.
func (m *BTreeCollectionManager) Load(op *AtomicOperation) error {
	for fileName := range op.Files() {
		clusterID, ok := parseGlobalCollectionFile(fileName)
		if !ok {
			continue
		}
		tree := NewBTree(m.db, globalCollectionName(clusterID), GlobalCollectionExtension)
		if err := tree.Load(op); err != nil {
			return err
		}
		m.trees.Store(tree.FileID(), tree)
		m.clusters.Store(clusterID, tree.FileID())

		first, found, err := tree.FirstKey(op)
		if err != nil {
			return err
		}
		if found && first.RidBagID < m.ridBagIDCounter.Load() {
			m.ridBagIDCounter.Store(first.RidBagID)
			if m.db.verbose {
				m.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bonsai: RECOVER ridBagId", slog.String("file", tree.FileName()), slog.Int64("ridBagId", first.RidBagID))
			}
		}
	}
	return nil
}

func (m *BTreeCollectionManager) treeOf(op *AtomicOperation, clusterID int32) (*BTree, error) {
	if fileID, ok := m.clusters.Load(clusterID); ok {
		if tree, ok := m.trees.Load(fileID); ok {
			return tree, nil
		}
	}

	tree := NewBTree(m.db, globalCollectionName(clusterID), GlobalCollectionExtension)
	if _, found := op.FileIDByName(tree.FileName()); found {
		if err := tree.Load(op); err != nil {
			return nil, err
		}
	} else if err := tree.Create(op); err != nil {
		return nil, err
	}
	m.trees.Store(tree.FileID(), tree)
	m.clusters.Store(clusterID, tree.FileID())
	op.OnRollback(func() {
		m.trees.Delete(tree.FileID())
		m.clusters.Delete(clusterID)
	})
	return tree, nil
}

// CreateBTree allocates a new RID bag in the shared tree of the cluster,
// creating the tree file on first use.
func (m *BTreeCollectionManager) CreateBTree(op *AtomicOperation, clusterID int32) (*BTreeBonsaiGlobal, error) {
	if err := op.checkWritable(); err != nil {
		return nil, err
	}
	tree, err := m.treeOf(op, clusterID)
	if err != nil {
		return nil, err
	}
	bag := newBonsaiGlobal(tree, m.ridBagIDCounter.Add(-1))
	m.remember(bag)
	if m.db.verbose {
		m.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bonsai: CREATE bag", slog.Int("cluster", int(clusterID)), slog.Int64("ridBagId", bag.RidBagID()))
	}
	return bag, nil
}

// LoadBTree returns the bag the pointer refers to.
func (m *BTreeCollectionManager) LoadBTree(pointer BonsaiCollectionPointer) (*BTreeBonsaiGlobal, error) {
	m.cacheMu.Lock()
	bag, ok := m.cache.Get(pointer)
	m.cacheMu.Unlock()
	if ok {
		return bag, nil
	}
	tree, ok := m.trees.Load(pointer.FileID)
	if !ok {
		return nil, storageErr(fmt.Sprintf("file#%d", pointer.FileID), -1, ErrFileNotFound)
	}
	bag = newBonsaiGlobal(tree, pointer.RidBagID())
	m.remember(bag)
	return bag, nil
}

// remember caches the bag, evicting a batch of the least recently used
// handles when the cache is full.
func (m *BTreeCollectionManager) remember(bag *BTreeBonsaiGlobal) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cache.Len() >= m.cacheSize {
		for range m.evictionBatch {
			if _, _, ok := m.cache.RemoveOldest(); !ok {
				break
			}
		}
	}
	m.cache.Add(bag.CollectionPointer(), bag)
}

// Delete drops every entry of the bag the pointer refers to.
func (m *BTreeCollectionManager) Delete(op *AtomicOperation, pointer BonsaiCollectionPointer) error {
	bag, err := m.LoadBTree(pointer)
	if err != nil {
		return err
	}
	if err := bag.Delete(op); err != nil {
		return err
	}
	op.OnCommit(func() {
		m.cacheMu.Lock()
		m.cache.Remove(pointer)
		m.cacheMu.Unlock()
	})
	return nil
}

// DeleteComponentByClusterID drops the shared tree of a cluster with every
// bag stored in it.
func (m *BTreeCollectionManager) DeleteComponentByClusterID(op *AtomicOperation, clusterID int32) error {
	fileName := globalCollectionName(clusterID) + GlobalCollectionExtension
	fileID, ok := m.clusters.Load(clusterID)
	if !ok {
		if fileID, ok = op.FileIDByName(fileName); !ok {
			return nil
		}
	}
	op.AcquireExclusiveLock(fileName)
	if err := op.DeleteFile(fileID); err != nil {
		return err
	}
	op.OnCommit(func() {
		m.trees.Delete(fileID)
		m.clusters.Delete(clusterID)
		m.cacheMu.Lock()
		defer m.cacheMu.Unlock()
		for _, p := range m.cache.Keys() {
			if p.FileID == fileID {
				m.cache.Remove(p)
			}
		}
	})
	if m.db.verbose {
		m.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bonsai: DELETE component", slog.Int("cluster", int(clusterID)), slog.String("file", fileName))
	}
	return nil
}

// CachedTrees returns the number of bag handles in the cache.
func (m *BTreeCollectionManager) CachedTrees() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cache.Len()
}

func (m *BTreeCollectionManager) Close() {
	m.cacheMu.Lock()
	m.cache.Purge()
	m.cacheMu.Unlock()
	m.trees.Clear()
	m.clusters.Clear()
}
