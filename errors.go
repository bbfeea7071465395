package bonsaidb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed               = errors.New("bonsaidb: closed")
	ErrReadOnly             = errors.New("bonsaidb: read-only operation")
	ErrBucketNotFound       = errors.New("bonsaidb: bucket not found")
	ErrEngineState          = errors.New("invalid index engine state")
	ErrNullValue            = errors.New("null value")
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrUnsupportedFormat    = errors.New("unsupported binary format version")
	ErrUnsupportedAlgorithm = errors.New("unsupported value container algorithm")
	ErrCorruptPage          = errors.New("corrupt page")
	ErrFileNotFound         = errors.New("file not found")
	ErrFileExists           = errors.New("file already exists")
	ErrNoAtomicOperation    = errors.New("no active atomic operation")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// IndexError attaches the index name and key to a failure inside an index
// engine.
type IndexError struct {
	Index string
	Key   any
	Msg   string
	Err   error
}

func indexErrf(index string, key any, err error, format string, args ...any) error {
	return &IndexError{index, key, fmt.Sprintf(format, args...), err}
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func (e *IndexError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Index)
	if e.Key != nil {
		buf.WriteByte('/')
		fmt.Fprintf(&buf, "%v", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DuplicateKeyError is raised when a unique index already maps Key to a
// different record.
type DuplicateKeyError struct {
	Index    string
	Key      any
	Existing RID
	New      RID
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %v in index %q: previously assigned to record %v, cannot assign to %v", e.Key, e.Index, e.Existing, e.New)
}

// ConfigError is a configuration problem found at the call site. Retrying
// the same call will fail the same way.
type ConfigError struct {
	Subject string
	Err     error
	Msg     string
}

func configErrf(subject string, err error, format string, args ...any) error {
	return &ConfigError{subject, err, fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Subject, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Subject, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Subject, e.Msg, e.Err)
}

// StorageError is an I/O-class failure on a paged file.
type StorageError struct {
	File string
	Page int64
	Err  error
}

func storageErr(file string, page int64, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{file, page, err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	if e.Page < 0 {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("%s page %d: %v", e.File, e.Page, e.Err)
}
