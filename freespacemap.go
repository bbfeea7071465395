package bonsaidb

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	FreeSpaceMapExtension = ".fsm"

	// NoFreePage is returned by FindFreePage when no tracked page is big enough.
	NoFreePage int64 = -1

	maxFreeSpaceCell = 255
)

// FreeSpaceMap tracks how many free bytes each page of a paginated file has.
//
// Page 0 holds a max segment tree over the second-level pages; page 1+i is
// the i-th second-level page, a max segment tree over cellsPerPage data
// pages. Each cell is one byte: 0 means the page has nothing usable, n > 0
// means the page has at least (n-1)*NI + NI - 1 free bytes, where NI is the
// normalization interval.
type FreeSpaceMap struct {
	db       *DB
	name     string
	fileID   int64
	interval int
	cells    int
}

func NewFreeSpaceMap(db *DB, name string) *FreeSpaceMap {
	return &FreeSpaceMap{
		db:       db,
		name:     name,
		fileID:   -1,
		interval: db.conf.NormalizationInterval(db.pageSize),
		cells:    segmentTreeLeaves(db.pageSize),
	}
}

// segmentTreeLeaves returns the largest power of two n such that a 2n-node
// segment tree fits into a page.
func segmentTreeLeaves(pageSize int) int {
	n := 1
	for n*4 <= pageSize {
		n *= 2
	}
	return n
}

func (m *FreeSpaceMap) FileName() string { return m.name + FreeSpaceMapExtension }

func (m *FreeSpaceMap) NormalizationInterval() int { return m.interval }

// Capacity returns the number of data pages the map can track.
func (m *FreeSpaceMap) Capacity() int64 { return int64(m.cells) * int64(m.cells) }

func (m *FreeSpaceMap) Create(op *AtomicOperation) error {
	fileID, err := op.AddFile(m.FileName())
	if err != nil {
		return err
	}
	if _, err := op.AddPage(fileID); err != nil {
		return err
	}
	m.fileID = fileID
	return nil
}

func (m *FreeSpaceMap) Open(op *AtomicOperation) error {
	fileID, found := op.FileIDByName(m.FileName())
	if !found {
		return storageErr(m.FileName(), -1, ErrFileNotFound)
	}
	m.fileID = fileID
	return nil
}

func (m *FreeSpaceMap) Delete(op *AtomicOperation) error {
	if err := op.DeleteFile(m.fileID); err != nil {
		return err
	}
	m.fileID = -1
	return nil
}

// bucket maps a free byte count to its normalized bucket. Negative buckets
// cannot satisfy any request and are not tracked.
func (m *FreeSpaceMap) bucket(freeBytes int) int {
	ni := m.interval
	d := freeBytes - (ni - 1)
	if d < 0 {
		return -1
	}
	return d / ni
}

func (m *FreeSpaceMap) cellValue(freeBytes int) byte {
	b := m.bucket(freeBytes)
	if b < 0 {
		return 0
	}
	if b+1 > maxFreeSpaceCell {
		return maxFreeSpaceCell
	}
	return byte(b + 1)
}

// requiredCell returns the smallest cell value that guarantees required
// free bytes, or 0 when no cell can.
func (m *FreeSpaceMap) requiredCell(required int) int {
	ni := m.interval
	b := 0
	if d := required - (ni - 1); d > 0 {
		b = (d + ni - 1) / ni
	}
	return b + 1
}

// UpdatePageFreeSpace records the free space of a data page.
func (m *FreeSpaceMap) UpdatePageFreeSpace(op *AtomicOperation, pageIndex int64, freeBytes int) error {
	if pageIndex < 0 || pageIndex >= m.Capacity() {
		return storageErr(m.FileName(), pageIndex, fmt.Errorf("page index outside of the free space map capacity %d", m.Capacity()))
	}
	v := m.cellValue(freeBytes)
	second := pageIndex / int64(m.cells)
	local := int(pageIndex % int64(m.cells))
	secondPage := 1 + second

	filled, err := op.FilledUpTo(m.fileID)
	if err != nil {
		return err
	}
	if secondPage >= filled {
		if v == 0 {
			return nil
		}
		for filled <= secondPage {
			if _, err := op.AddPage(m.fileID); err != nil {
				return err
			}
			filled++
		}
	}

	p, err := op.LoadPage(m.fileID, secondPage, true)
	if err != nil {
		return err
	}
	rootMax := segmentTreeSet(p.Buf, m.cells, local, v)

	first, err := op.LoadPage(m.fileID, 0, true)
	if err != nil {
		return err
	}
	segmentTreeSet(first.Buf, m.cells, int(second), rootMax)

	if m.db.verbose {
		m.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "fsm: UPDATE", slog.String("file", m.FileName()), slog.Int64("page", pageIndex), slog.Int("free", freeBytes), slog.Int("cell", int(v)))
	}
	return nil
}

// FindFreePage returns some page with at least required free bytes, or
// NoFreePage. It is not a best fit.
func (m *FreeSpaceMap) FindFreePage(op *AtomicOperation, required int) (int64, error) {
	need := m.requiredCell(required)
	if need > maxFreeSpaceCell {
		FreeSpaceLookups.WithLabelValues("miss").Inc()
		return NoFreePage, nil
	}

	first, err := op.LoadPage(m.fileID, 0, false)
	if err != nil {
		return NoFreePage, err
	}
	second, ok := segmentTreeFind(first.Buf, m.cells, byte(need))
	if !ok {
		FreeSpaceLookups.WithLabelValues("miss").Inc()
		return NoFreePage, nil
	}

	p, err := op.LoadPage(m.fileID, 1+int64(second), false)
	if err != nil {
		return NoFreePage, err
	}
	local, ok := segmentTreeFind(p.Buf, m.cells, byte(need))
	if !ok {
		return NoFreePage, storageErr(m.FileName(), 1+int64(second), dataErrf(p.Buf[:16], 0, ErrCorruptPage, "first level promises %d, second level has %d", first.Buf[m.cells+second], p.Buf[1]))
	}
	FreeSpaceLookups.WithLabelValues("hit").Inc()
	return int64(second)*int64(m.cells) + int64(local), nil
}

// segmentTreeSet stores v at leaf i of the max segment tree laid out in buf
// (root at 1, children of n at 2n and 2n+1) and returns the new root value.
func segmentTreeSet(buf []byte, leaves, i int, v byte) byte {
	n := leaves + i
	buf[n] = v
	for n > 1 {
		n /= 2
		buf[n] = max(buf[2*n], buf[2*n+1])
	}
	return buf[1]
}

// segmentTreeFind returns the leftmost leaf holding at least need.
func segmentTreeFind(buf []byte, leaves int, need byte) (int, bool) {
	if buf[1] < need {
		return 0, false
	}
	n := 1
	for n < leaves {
		if buf[2*n] >= need {
			n = 2 * n
		} else {
			n = 2*n + 1
		}
	}
	return n - leaves, true
}
