package bonsaidb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/bbolt"
)

const (
	// CurrentBinaryFormatVersion is written into new databases.
	CurrentBinaryFormatVersion = 13
	// MinBinaryFormatVersion is the oldest format this code can open.
	MinBinaryFormatVersion = 10
	// mixedContainerFormatVersion is the first format whose multi-value
	// indexes start embedded instead of always using a tree.
	mixedContainerFormatVersion = 13
)

const (
	metaFormatVersionKey = "formatVersion"
	metaPageSizeKey      = "pageSize"
)

type DB struct {
	store   storage
	conf    *ContextConfiguration
	logger  *slog.Logger
	verbose bool

	pageSize      int
	formatVersion int

	locks       *lockTable
	collections *BTreeCollectionManager
	engines     *xsync.MapOf[string, BaseIndexEngine]

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	nextOpID atomic.Uint64
	ops      []*AtomicOperation
	opsLock  sync.Mutex
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Config defaults to a fresh configuration with BONSAIDB_* environment
	// overrides applied.
	Config *ContextConfiguration

	// BinaryFormatVersion is written into a new database; 0 means
	// CurrentBinaryFormatVersion. Existing databases keep theirs.
	BinaryFormatVersion int

	IsTesting bool
	MmapSize  int

	// PebbleFS replaces the OS filesystem for OpenPebble, e.g. vfs.NewMem().
	PebbleFS vfs.FS
}

// Open opens a Bolt-backed database file.
func Open(path string, opt Options) (*DB, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("bonsaidb: %w", err)
	}
	db, err := openStorage(newBoltStorage(bdb), opt)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// OpenPebble opens a Pebble-backed database in dir.
func OpenPebble(dir string, opt Options) (*DB, error) {
	popt := &pebble.Options{}
	if opt.PebbleFS != nil {
		popt.FS = opt.PebbleFS
	}
	pdb, err := pebble.Open(dir, popt)
	if err != nil {
		return nil, fmt.Errorf("bonsaidb: %w", err)
	}
	db, err := openStorage(newPebbleStorage(pdb, !opt.IsTesting), opt)
	if err != nil {
		pdb.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a transient in-memory database.
func OpenMemory(opt Options) (*DB, error) {
	return openStorage(newMemStorage(), opt)
}

func openStorage(store storage, opt Options) (*DB, error) {
	conf := opt.Config
	if conf == nil {
		conf = NewContextConfiguration()
		if err := conf.LoadEnv(nil); err != nil {
			return nil, err
		}
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{
		store:    store,
		conf:     conf,
		logger:   logger,
		verbose:  opt.Verbose,
		pageSize: conf.PageSize(),
		locks:    newLockTable(conf.GetInt(LockStripesKey)),
		engines:  xsync.NewMapOf[string, BaseIndexEngine](),
	}
	db.collections = newBTreeCollectionManager(db)

	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		if err := db.initMeta(op, opt.BinaryFormatVersion); err != nil {
			return err
		}
		return db.collections.Load(op)
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) initMeta(op *AtomicOperation, wantFormat int) error {
	meta, err := op.tx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}

	if raw := meta.Get([]byte(metaPageSizeKey)); raw != nil {
		stored := int(binary.BigEndian.Uint64(raw))
		if stored != db.pageSize {
			if db.conf.IsSet(PageSizeKey) {
				return configErrf(PageSizeKey.Name, nil, "database uses %d byte pages, configured %d", stored, db.pageSize)
			}
			db.pageSize = stored
		}
	} else if err := meta.Put([]byte(metaPageSizeKey), binary.BigEndian.AppendUint64(nil, uint64(db.pageSize))); err != nil {
		return err
	}

	if raw := meta.Get([]byte(metaFormatVersionKey)); raw != nil {
		db.formatVersion = int(binary.BigEndian.Uint64(raw))
		if wantFormat != 0 && wantFormat != db.formatVersion {
			db.logger.Warn("bonsaidb: ignoring requested binary format version of an existing database", slog.Int("requested", wantFormat), slog.Int("stored", db.formatVersion))
		}
	} else {
		db.formatVersion = wantFormat
		if db.formatVersion == 0 {
			db.formatVersion = CurrentBinaryFormatVersion
		}
		if err := meta.Put([]byte(metaFormatVersionKey), binary.BigEndian.AppendUint64(nil, uint64(db.formatVersion))); err != nil {
			return err
		}
	}
	return checkFormatVersion(db.formatVersion)
}

func checkFormatVersion(v int) error {
	if v < MinBinaryFormatVersion || v > CurrentBinaryFormatVersion {
		return configErrf("binary format", ErrUnsupportedFormat, "version %d is outside the supported range %d..%d", v, MinBinaryFormatVersion, CurrentBinaryFormatVersion)
	}
	return nil
}

func (db *DB) Config() *ContextConfiguration { return db.conf }

func (db *DB) Logger() *slog.Logger { return db.logger }

func (db *DB) BinaryFormatVersion() int { return db.formatVersion }

func (db *DB) PageSize() int { return db.pageSize }

func (db *DB) Collections() *BTreeCollectionManager { return db.collections }

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() error {
	db.engines.Range(func(name string, e BaseIndexEngine) bool {
		e.Close()
		return true
	})
	db.engines.Clear()
	db.collections.Close()
	if err := db.store.Close(); err != nil {
		return fmt.Errorf("bonsaidb: closing: %w", err)
	}
	return nil
}

func (db *DB) addOp(op *AtomicOperation) {
	db.opsLock.Lock()
	defer db.opsLock.Unlock()
	db.ops = append(db.ops, op)
}

func (db *DB) removeOp(op *AtomicOperation) {
	db.opsLock.Lock()
	defer db.opsLock.Unlock()

	found := slices.Index(db.ops, op)
	if found < 0 {
		panic("operation not found in list")
	}

	n := len(db.ops)
	db.ops[found] = db.ops[n-1]
	db.ops[n-1] = nil
	db.ops = db.ops[:n-1]
}

func (db *DB) DescribeOpenOperations() string {
	if !trackOps {
		return "OPEN OPERATION TRACKING DISABLED"
	}

	db.opsLock.Lock()
	ops := slices.Clone(db.ops)
	db.opsLock.Unlock()

	if len(ops) == 0 {
		return "NO OPEN OPERATIONS"
	}

	slices.SortFunc(ops, func(a, b *AtomicOperation) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN OPERATIONS:\n", len(ops))
	for _, op := range ops {
		ms := now.Sub(op.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n#%d open for %d ms\n", op.id, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n#%d open for %d ms:\n%s", op.id, ms, op.stack)
		}
	}

	return buf.String()
}
