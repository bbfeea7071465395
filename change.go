package bonsaidb

import (
	"fmt"
	"maps"
	"slices"
)

type (
	// Change is an uncommitted modification of one RID's counter in a tree-backed
	// RID bag.
	Change interface {
		Kind() ChangeKind
		Increment()
		Decrement()
		// ApplyTo returns the counter after the change, given the persisted one.
		ApplyTo(persisted int32) int32
		Value() int32
		// IsUndefined reports whether the outcome depends on the persisted value
		// in a way that could make it negative.
		IsUndefined() bool
	}

	ChangeKind int

	// DiffChange adds Delta to the persisted counter.
	DiffChange struct {
		Delta int32
	}

	// AbsoluteChange replaces the persisted counter.
	AbsoluteChange struct {
		Val int32
	}

	// Changes maps a RID to its pending change.
	Changes map[RID]Change
)

const (
	ChangeNone     ChangeKind = 0
	ChangeDiff     ChangeKind = 1
	ChangeAbsolute ChangeKind = 2
)

func (v ChangeKind) String() string {
	switch v {
	case ChangeNone:
		return "none"
	case ChangeDiff:
		return "diff"
	case ChangeAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("invalid change kind %d", int(v))
	}
}

func (c *DiffChange) Kind() ChangeKind { return ChangeDiff }
func (c *DiffChange) Increment()       { c.Delta++ }
func (c *DiffChange) Decrement()       { c.Delta-- }
func (c *DiffChange) Value() int32     { return c.Delta }
func (c *DiffChange) IsUndefined() bool {
	return c.Delta < 0
}
func (c *DiffChange) ApplyTo(persisted int32) int32 {
	r := persisted + c.Delta
	if r < 0 {
		return 0
	}
	return r
}

func (c *AbsoluteChange) Kind() ChangeKind { return ChangeAbsolute }
func (c *AbsoluteChange) Increment()       { c.Val++ }
func (c *AbsoluteChange) Decrement() {
	if c.Val > 0 {
		c.Val--
	}
}
func (c *AbsoluteChange) Value() int32      { return c.Val }
func (c *AbsoluteChange) IsUndefined() bool { return false }
func (c *AbsoluteChange) ApplyTo(int32) int32 {
	return c.Val
}

func (c Changes) Increment(rid RID) {
	if chg := c[rid]; chg != nil {
		chg.Increment()
	} else {
		c[rid] = &DiffChange{1}
	}
}

func (c Changes) Decrement(rid RID) {
	if chg := c[rid]; chg != nil {
		chg.Decrement()
	} else {
		c[rid] = &DiffChange{-1}
	}
}

// Set records an absolute counter, e.g. when a RID is dropped from the bag.
func (c Changes) Set(rid RID, v int32) {
	c[rid] = &AbsoluteChange{v}
}

// SortedRIDs returns the changed RIDs in RID order.
func (c Changes) SortedRIDs() []RID {
	return slices.SortedFunc(maps.Keys(c), RID.Compare)
}
