package bonsaidb

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const trackOps = true

// AtomicOperation is the unit of durability: everything written through it
// becomes visible at Commit, or not at all. Writable operations keep the pages
// they touch in a private cache and write them out on Commit.
type AtomicOperation struct {
	db        *DB
	tx        storageTx
	id        uint64
	writable  bool
	startTime time.Time
	stack     string

	pages     map[pageKey]*Page
	filled    map[int64]int64
	truncated map[int64]int64

	locks   map[string]lockMode
	unlocks []func()

	// index into unlocks of each resource held in shared mode
	sharedHolds map[string]int

	onCommit   []func()
	onRollback []func()

	memo map[string]any
	done bool
}

type pageKey struct {
	fileID int64
	index  int64
}

// Page is one page of a paged file, as seen by an atomic operation.
type Page struct {
	FileID int64
	Index  int64
	Buf    []byte
	dirty  bool
}

type fileRecord struct {
	ID   int64  `msgpack:"i"`
	Name string `msgpack:"n"`
}

func (db *DB) BeginAtomicOperation(writable bool) (*AtomicOperation, error) {
	if writable {
		db.PendingWriterCount.Add(1)
	}
	tx, err := db.store.BeginTx(writable)
	if writable {
		db.PendingWriterCount.Add(-1)
	}
	if err != nil {
		return nil, err
	}
	op := &AtomicOperation{
		db:          db,
		tx:          tx,
		id:          db.nextOpID.Add(1),
		writable:    writable,
		startTime:   time.Now(),
		locks:       make(map[string]lockMode),
		sharedHolds: make(map[string]int),
		pages:       make(map[pageKey]*Page),
		filled:      make(map[int64]int64),
	}
	if writable {
		op.truncated = make(map[int64]int64)
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	if trackOps {
		op.stack = string(debug.Stack())
		db.addOp(op)
	}
	return op, nil
}

func (op *AtomicOperation) DB() *DB { return op.db }

func (op *AtomicOperation) ID() uint64 { return op.id }

func (op *AtomicOperation) IsWritable() bool { return op.writable }

func (op *AtomicOperation) checkWritable() error {
	if op.done {
		return ErrNoAtomicOperation
	}
	if !op.writable {
		return ErrReadOnly
	}
	return nil
}

// OnCommit registers f to run after the operation commits successfully.
func (op *AtomicOperation) OnCommit(f func()) {
	op.onCommit = append(op.onCommit, f)
}

// OnRollback registers f to run after the operation is rolled back.
func (op *AtomicOperation) OnRollback(f func()) {
	op.onRollback = append(op.onRollback, f)
}

func (op *AtomicOperation) Commit() error {
	if op.done {
		return ErrNoAtomicOperation
	}
	if !op.writable {
		return op.Rollback()
	}
	if err := op.flush(); err != nil {
		op.Rollback()
		return err
	}
	err := op.tx.Commit()
	if err != nil {
		op.finish(false)
		return err
	}
	op.db.lastSize.Store(op.tx.Size())
	op.finish(true)
	return nil
}

func (op *AtomicOperation) Rollback() error {
	if op.done {
		return nil
	}
	err := op.tx.Rollback()
	op.finish(false)
	return err
}

func (op *AtomicOperation) finish(committed bool) {
	op.done = true
	op.releaseLocks()
	if op.writable {
		op.db.WriterCount.Add(-1)
	} else {
		op.db.ReaderCount.Add(-1)
	}
	if trackOps {
		op.db.removeOp(op)
	}

	kind := "read"
	if op.writable {
		kind = "write"
	}
	result := "rollback"
	hooks := op.onRollback
	if committed {
		result = "commit"
		hooks = op.onCommit
	}
	AtomicOperationCount.WithLabelValues(kind, result).Inc()
	AtomicOperationDuration.WithLabelValues(kind).Observe(time.Since(op.startTime).Seconds())
	for _, f := range hooks {
		f()
	}
	op.onCommit, op.onRollback = nil, nil
	op.pages, op.filled, op.truncated = nil, nil, nil
}

// flush writes out truncations and dirty pages, in file and page order.
func (op *AtomicOperation) flush() error {
	for _, fileID := range slices.Sorted(maps.Keys(op.truncated)) {
		b := op.tx.Bucket(pagesBucket, fileSub(fileID))
		if b == nil {
			continue
		}
		size := op.truncated[fileID]
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(pageIndexKey(size)); k != nil; k, _ = c.Next() {
			doomed = append(doomed, slices.Clone(k))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return storageErr(op.fileLabel(fileID), int64(binary.BigEndian.Uint64(k)), err)
			}
		}
	}

	var dirty []*Page
	for _, p := range op.pages {
		if p.dirty {
			dirty = append(dirty, p)
		}
	}
	slices.SortFunc(dirty, func(a, b *Page) int {
		if c := cmp.Compare(a.FileID, b.FileID); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	for _, p := range dirty {
		b := op.tx.Bucket(pagesBucket, fileSub(p.FileID))
		if b == nil {
			continue
		}
		if err := b.Put(pageIndexKey(p.Index), p.Buf); err != nil {
			return storageErr(op.fileLabel(p.FileID), p.Index, err)
		}
		PageOps.WithLabelValues("write").Inc()
	}
	if op.db.verbose && len(dirty) > 0 {
		op.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: FLUSH", slog.Uint64("op", op.id), slog.Int("pages", len(dirty)))
	}
	return nil
}

func fileSub(fileID int64) string {
	return strconv.FormatInt(fileID, 10)
}

func pageIndexKey(idx int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(idx))
}

func (op *AtomicOperation) PageSize() int {
	return op.db.pageSize
}

func (op *AtomicOperation) pagesOf(fileID int64) (storageBucket, error) {
	b := op.tx.Bucket(pagesBucket, fileSub(fileID))
	if b == nil {
		return nil, storageErr(op.fileLabel(fileID), -1, ErrFileNotFound)
	}
	return b, nil
}

// LoadPage returns a page of the file. Pages loaded for write are written out
// on Commit; the returned buffer may be modified in place.
func (op *AtomicOperation) LoadPage(fileID, index int64, forWrite bool) (*Page, error) {
	if op.done {
		return nil, ErrNoAtomicOperation
	}
	if forWrite && !op.writable {
		return nil, ErrReadOnly
	}
	pk := pageKey{fileID, index}
	if p := op.pages[pk]; p != nil {
		if forWrite {
			p.dirty = true
		}
		return p, nil
	}

	n, err := op.FilledUpTo(fileID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, storageErr(op.fileLabel(fileID), index, fmt.Errorf("page is past the end of file (%d pages)", n))
	}
	b, err := op.pagesOf(fileID)
	if err != nil {
		return nil, err
	}
	raw := b.Get(pageIndexKey(index))
	if raw == nil {
		return nil, storageErr(op.fileLabel(fileID), index, fmt.Errorf("page does not exist"))
	}
	if len(raw) != op.db.pageSize {
		return nil, storageErr(op.fileLabel(fileID), index, dataErrf(raw, 0, ErrCorruptPage, "page is %d bytes, wanted %d", len(raw), op.db.pageSize))
	}
	p := &Page{FileID: fileID, Index: index, Buf: slices.Clone(raw), dirty: forWrite}
	op.pages[pk] = p
	PageOps.WithLabelValues("load").Inc()
	return p, nil
}

// AddPage appends a zeroed page to the file.
func (op *AtomicOperation) AddPage(fileID int64) (*Page, error) {
	if err := op.checkWritable(); err != nil {
		return nil, err
	}
	n, err := op.FilledUpTo(fileID)
	if err != nil {
		return nil, err
	}
	p := &Page{FileID: fileID, Index: n, Buf: make([]byte, op.db.pageSize), dirty: true}
	op.pages[pageKey{fileID, n}] = p
	op.filled[fileID] = n + 1
	PageOps.WithLabelValues("add").Inc()
	return p, nil
}

// FilledUpTo returns the number of pages in the file.
func (op *AtomicOperation) FilledUpTo(fileID int64) (int64, error) {
	if n, ok := op.filled[fileID]; ok {
		return n, nil
	}
	b, err := op.pagesOf(fileID)
	if err != nil {
		return 0, err
	}
	var n int64
	if k, _ := b.Cursor().Last(); k != nil {
		n = int64(binary.BigEndian.Uint64(k)) + 1
	}
	op.filled[fileID] = n
	return n, nil
}

// TruncateFile drops every page at or after size.
func (op *AtomicOperation) TruncateFile(fileID, size int64) error {
	if err := op.checkWritable(); err != nil {
		return err
	}
	n, err := op.FilledUpTo(fileID)
	if err != nil {
		return err
	}
	if size >= n {
		return nil
	}
	for pk := range op.pages {
		if pk.fileID == fileID && pk.index >= size {
			delete(op.pages, pk)
		}
	}
	op.filled[fileID] = size
	if prev, ok := op.truncated[fileID]; !ok || size < prev {
		op.truncated[fileID] = size
	}
	return nil
}

func (op *AtomicOperation) files() storageBucket {
	return op.tx.Bucket(metaBucket, filesSub)
}

// AddFile registers a new paged file and returns its id.
func (op *AtomicOperation) AddFile(name string) (int64, error) {
	if err := op.checkWritable(); err != nil {
		return 0, err
	}
	if _, found := op.FileIDByName(name); found {
		return 0, storageErr(name, -1, ErrFileExists)
	}
	id, err := op.nextSequence("file")
	if err != nil {
		return 0, err
	}
	files, err := op.tx.CreateBucket(metaBucket, filesSub)
	if err != nil {
		return 0, err
	}
	data, err := msgpack.Marshal(&fileRecord{ID: id, Name: name})
	if err != nil {
		return 0, err
	}
	if err := files.Put([]byte(name), data); err != nil {
		return 0, storageErr(name, -1, err)
	}
	if _, err := op.tx.CreateBucket(pagesBucket, fileSub(id)); err != nil {
		return 0, storageErr(name, -1, err)
	}
	op.filled[id] = 0
	if op.db.verbose {
		op.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: ADD FILE", slog.String("file", name), slog.Int64("id", id))
	}
	return id, nil
}

// FileIDByName looks up a registered file.
func (op *AtomicOperation) FileIDByName(name string) (int64, bool) {
	files := op.files()
	if files == nil {
		return -1, false
	}
	raw := files.Get([]byte(name))
	if raw == nil {
		return -1, false
	}
	var rec fileRecord
	ensure(msgpack.Unmarshal(raw, &rec))
	return rec.ID, true
}

// Files returns every registered file name with its id.
func (op *AtomicOperation) Files() map[string]int64 {
	result := make(map[string]int64)
	files := op.files()
	if files == nil {
		return result
	}
	c := files.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec fileRecord
		ensure(msgpack.Unmarshal(v, &rec))
		result[string(k)] = rec.ID
	}
	return result
}

func (op *AtomicOperation) fileLabel(fileID int64) string {
	for name, id := range op.Files() {
		if id == fileID {
			return name
		}
	}
	return "file#" + fileSub(fileID)
}

// DeleteFile drops a paged file with all its pages.
func (op *AtomicOperation) DeleteFile(fileID int64) error {
	if err := op.checkWritable(); err != nil {
		return err
	}
	name := op.fileLabel(fileID)
	if err := op.tx.DeleteBucket(pagesBucket, fileSub(fileID)); err != nil {
		return storageErr(name, -1, err)
	}
	if files := op.files(); files != nil {
		if err := files.Delete([]byte(name)); err != nil {
			return storageErr(name, -1, err)
		}
	}
	for pk := range op.pages {
		if pk.fileID == fileID {
			delete(op.pages, pk)
		}
	}
	delete(op.filled, fileID)
	delete(op.truncated, fileID)
	if op.db.verbose {
		op.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "db: DELETE FILE", slog.String("file", name), slog.Int64("id", fileID))
	}
	return nil
}

func (op *AtomicOperation) nextSequence(name string) (int64, error) {
	b, err := op.tx.CreateBucket(metaBucket, countersSub)
	if err != nil {
		return 0, err
	}
	var v uint64
	if raw := b.Get([]byte(name)); raw != nil {
		v = binary.BigEndian.Uint64(raw)
	}
	v++
	if err := b.Put([]byte(name), binary.BigEndian.AppendUint64(nil, v)); err != nil {
		return 0, err
	}
	return int64(v), nil
}

// Memo caches a value for the lifetime of the operation.
func Memo[T any](op *AtomicOperation, key string, f func() (T, error)) (T, error) {
	if v, found := op.memo[key]; found {
		if e, ok := v.(error); ok {
			var zero T
			return zero, e
		}
		return v.(T), nil
	}
	if op.memo == nil {
		op.memo = make(map[string]any)
	}
	v, err := f()
	if err != nil {
		op.memo[key] = err
	} else {
		op.memo[key] = v
	}
	return v, err
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	if err, ok := p.reason.(error); ok {
		return err
	}
	return nil
}

func safelyCall(fn func(*AtomicOperation) error, op *AtomicOperation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(op)
}

// ExecuteInsideAtomicOperation runs f in a new writable operation, committing
// if f returns nil and rolling back otherwise.
func (db *DB) ExecuteInsideAtomicOperation(f func(op *AtomicOperation) error) error {
	op, err := db.BeginAtomicOperation(true)
	if err != nil {
		return err
	}
	if err := safelyCall(f, op); err != nil {
		op.Rollback()
		return err
	}
	return op.Commit()
}

// View runs f in a read-only operation.
func (db *DB) View(f func(op *AtomicOperation) error) error {
	op, err := db.BeginAtomicOperation(false)
	if err != nil {
		return err
	}
	defer op.Rollback()
	return safelyCall(f, op)
}
