package bonsaidb

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

type backend struct {
	name string
	open func(t testing.TB, opt Options) *DB
}

var backends = []backend{
	{"bolt", func(t testing.TB, opt Options) *DB {
		return must(Open(tempFile(t), opt))
	}},
	{"mem", func(t testing.TB, opt Options) *DB {
		return must(OpenMemory(opt))
	}},
	{"pebble", func(t testing.TB, opt Options) *DB {
		return must(OpenPebble("db", opt))
	}},
}

func tempFile(t testing.TB) string {
	dbFile := must(os.CreateTemp("", "bonsaidb_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })
	return dbFile.Name()
}

// testConfig returns a configuration with small pages so that trees split
// after a handful of entries.
func testConfig(t testing.TB, kv ...any) *ContextConfiguration {
	t.Helper()
	conf := NewContextConfiguration()
	ensure(conf.Set(PageSizeKey, 256))
	for i := 0; i < len(kv); i += 2 {
		ensure(conf.Set(kv[i].(*ConfigKey), int64(kv[i+1].(int))))
	}
	return conf
}

func setup(t testing.TB, kv ...any) *DB {
	t.Helper()
	return setupOpt(t, Options{Config: testConfig(t, kv...), IsTesting: true, Verbose: true})
}

func setupOpt(t testing.TB, opt Options) *DB {
	t.Helper()
	db := must(Open(tempFile(t), opt))
	t.Cleanup(func() { db.Close() })
	return db
}

// write runs f in a committed atomic operation, failing the test on error.
func write(t testing.TB, db *DB, f func(op *AtomicOperation)) {
	t.Helper()
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		f(op)
		return nil
	})
	if err != nil {
		t.Fatalf("** write failed: %v", err)
	}
}

func read(t testing.TB, db *DB, f func(op *AtomicOperation)) {
	t.Helper()
	err := db.View(func(op *AtomicOperation) error {
		f(op)
		return nil
	})
	if err != nil {
		t.Fatalf("** read failed: %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func rids(pairs ...int) []RID {
	var result []RID
	for i := 0; i < len(pairs); i += 2 {
		result = append(result, NewRID(int32(pairs[i]), int64(pairs[i+1])))
	}
	return result
}

func TestOpen_FormatVersionPersists(t *testing.T) {
	path := tempFile(t)
	db := must(Open(path, Options{BinaryFormatVersion: 12, IsTesting: true}))
	if v := db.BinaryFormatVersion(); v != 12 {
		t.Fatalf("BinaryFormatVersion = %d, wanted 12", v)
	}
	ensure(db.Close())

	db = must(Open(path, Options{IsTesting: true}))
	defer db.Close()
	if v := db.BinaryFormatVersion(); v != 12 {
		t.Fatalf("reopened BinaryFormatVersion = %d, wanted 12", v)
	}
}

func TestOpen_UnsupportedFormat(t *testing.T) {
	_, err := OpenMemory(Options{BinaryFormatVersion: CurrentBinaryFormatVersion + 1})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, wanted ErrUnsupportedFormat", err)
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, wanted *ConfigError", err)
	}
}

func TestOpen_PageSizeMismatch(t *testing.T) {
	path := tempFile(t)
	ensure(must(Open(path, Options{Config: testConfig(t), IsTesting: true})).Close())

	conf := NewContextConfiguration()
	ensure(conf.Set(PageSizeKey, 512))
	_, err := Open(path, Options{Config: conf, IsTesting: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "256 byte pages")

	db := must(Open(path, Options{IsTesting: true}))
	defer db.Close()
	require.Equal(t, 256, db.PageSize())
}

func TestAtomicOperation_Pages(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			opt := Options{Config: testConfig(t), IsTesting: true, PebbleFS: vfs.NewMem()}
			db := b.open(t, opt)
			defer db.Close()

			var fileID int64
			write(t, db, func(op *AtomicOperation) {
				fileID = must(op.AddFile("data.bin"))
				for i := range 3 {
					p := must(op.AddPage(fileID))
					p.Buf[0] = byte(i + 1)
				}
			})

			read(t, db, func(op *AtomicOperation) {
				deepEqual(t, must(op.FilledUpTo(fileID)), int64(3))
				deepEqual(t, must(op.LoadPage(fileID, 2, false)).Buf[0], byte(3))
				if _, err := op.LoadPage(fileID, 3, false); err == nil {
					t.Errorf("LoadPage past the end succeeded")
				}
				if _, err := op.LoadPage(fileID, 0, true); !errors.Is(err, ErrReadOnly) {
					t.Errorf("LoadPage(forWrite) in read op = %v, wanted ErrReadOnly", err)
				}
				id, ok := op.FileIDByName("data.bin")
				if !ok || id != fileID {
					t.Errorf("FileIDByName = (%d, %v), wanted (%d, true)", id, ok, fileID)
				}
			})

			write(t, db, func(op *AtomicOperation) {
				ensure(op.TruncateFile(fileID, 1))
				must(op.LoadPage(fileID, 0, true)).Buf[1] = 0x42
			})
			read(t, db, func(op *AtomicOperation) {
				deepEqual(t, must(op.FilledUpTo(fileID)), int64(1))
				deepEqual(t, must(op.LoadPage(fileID, 0, false)).Buf[:2], []byte{1, 0x42})
			})

			write(t, db, func(op *AtomicOperation) {
				ensure(op.DeleteFile(fileID))
			})
			read(t, db, func(op *AtomicOperation) {
				if _, ok := op.FileIDByName("data.bin"); ok {
					t.Errorf("file still registered after DeleteFile")
				}
				_, err := op.FilledUpTo(fileID)
				if !errors.Is(err, ErrFileNotFound) {
					t.Errorf("FilledUpTo(deleted) = %v, wanted ErrFileNotFound", err)
				}
			})
		})
	}
}

func TestAtomicOperation_RollbackDiscardsPages(t *testing.T) {
	db := setup(t)
	var fileID int64
	write(t, db, func(op *AtomicOperation) {
		fileID = must(op.AddFile("f"))
		must(op.AddPage(fileID))
	})

	rolledBack := false
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		op.OnRollback(func() { rolledBack = true })
		must(op.LoadPage(fileID, 0, true)).Buf[0] = 9
		must(op.AddPage(fileID))
		return errors.New("nope")
	})
	if err == nil || err.Error() != "nope" {
		t.Fatalf("err = %v, wanted nope", err)
	}
	if !rolledBack {
		t.Fatalf("OnRollback hook did not run")
	}
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(op.FilledUpTo(fileID)), int64(1))
		deepEqual(t, must(op.LoadPage(fileID, 0, false)).Buf[0], byte(0))
	})
}

func TestAtomicOperation_PanicBecomesError(t *testing.T) {
	db := setup(t)
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		panic(ErrCorruptPage)
	})
	if !errors.Is(err, ErrCorruptPage) {
		t.Fatalf("err = %v, wanted wrapped ErrCorruptPage", err)
	}
	if !strings.Contains(err.Error(), "panic:") {
		t.Fatalf("err = %q, wanted panic: prefix", err.Error())
	}
	if n := db.WriterCount.Load(); n != 0 {
		t.Fatalf("WriterCount = %d, wanted 0", n)
	}
}

func TestAtomicOperation_ReadOnly(t *testing.T) {
	db := setup(t)
	read(t, db, func(op *AtomicOperation) {
		if _, err := op.AddFile("x"); !errors.Is(err, ErrReadOnly) {
			t.Errorf("AddFile in read op = %v, wanted ErrReadOnly", err)
		}
	})

	op := must(db.BeginAtomicOperation(true))
	ensure(op.Commit())
	if _, err := op.AddFile("x"); !errors.Is(err, ErrNoAtomicOperation) {
		t.Fatalf("AddFile after commit = %v, wanted ErrNoAtomicOperation", err)
	}
}

func TestAtomicOperation_DuplicateFile(t *testing.T) {
	db := setup(t)
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		must(op.AddFile("f"))
		_, err := op.AddFile("f")
		return err
	})
	if !errors.Is(err, ErrFileExists) {
		t.Fatalf("err = %v, wanted ErrFileExists", err)
	}
}

func TestMemo(t *testing.T) {
	db := setup(t)
	read(t, db, func(op *AtomicOperation) {
		calls := 0
		f := func() (int, error) { calls++; return 42, nil }
		deepEqual(t, must(Memo(op, "k", f)), 42)
		deepEqual(t, must(Memo(op, "k", f)), 42)
		deepEqual(t, calls, 1)

		boom := errors.New("boom")
		_, err := Memo(op, "e", func() (int, error) { return 0, boom })
		_, err2 := Memo(op, "e", func() (int, error) { return 1, nil })
		if err != boom || err2 != boom {
			t.Errorf("Memo errors = (%v, %v), wanted boom twice", err, err2)
		}
	})
}

func TestDescribeOpenOperations(t *testing.T) {
	db := setup(t)
	deepEqual(t, db.DescribeOpenOperations(), "NO OPEN OPERATIONS")
	op := must(db.BeginAtomicOperation(false))
	defer op.Rollback()
	if s := db.DescribeOpenOperations(); !strings.HasPrefix(s, "1 OPEN OPERATIONS") {
		t.Fatalf("DescribeOpenOperations = %q", s)
	}
}

func TestOpenPebbleOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	db := must(OpenPebble(dir, Options{Config: testConfig(t), IsTesting: true}))
	write(t, db, func(op *AtomicOperation) {
		must(op.AddFile("f"))
	})
	ensure(db.Close())

	db = must(OpenPebble(dir, Options{IsTesting: true}))
	defer db.Close()
	read(t, db, func(op *AtomicOperation) {
		if _, ok := op.FileIDByName("f"); !ok {
			t.Errorf("file lost after reopening")
		}
	})
}

func TestStorage_SameErrorsOnEveryBackend(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			db := b.open(t, Options{Config: testConfig(t), IsTesting: true, PebbleFS: vfs.NewMem()})
			defer db.Close()

			write(t, db, func(op *AtomicOperation) {
				if err := op.tx.DeleteBucket("x", "missing"); !errors.Is(err, ErrBucketNotFound) {
					t.Errorf("DeleteBucket(missing root) = %v, wanted ErrBucketNotFound", err)
				}
				must(op.tx.CreateBucket("x", "y"))
				if err := op.tx.DeleteBucket("x", "missing"); !errors.Is(err, ErrBucketNotFound) {
					t.Errorf("DeleteBucket(missing) = %v, wanted ErrBucketNotFound", err)
				}
				if err := op.tx.DeleteBucket("x", ""); !errors.Is(err, ErrBucketNotFound) {
					t.Errorf("DeleteBucket(root) = %v, wanted ErrBucketNotFound", err)
				}
			})
			read(t, db, func(op *AtomicOperation) {
				if _, err := op.tx.CreateBucket("x", "z"); !errors.Is(err, ErrReadOnly) {
					t.Errorf("CreateBucket in a read-only operation = %v, wanted ErrReadOnly", err)
				}
			})
		})
	}
}
