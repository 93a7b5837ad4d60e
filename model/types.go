package model

import "fmt"

// RID identifies a logical row for its entire lifetime. It is assigned once
// on insert and never reused, independent of where the row's versions live.
type RID uint64

// PageKind distinguishes the two physical page sets of a page range.
type PageKind uint8

const (
	// KindBase marks consolidated storage written at insert or by merge.
	KindBase PageKind = iota
	// KindTail marks append-only delta storage written by update and delete.
	KindTail
)

func (k PageKind) String() string {
	if k == KindBase {
		return "base"
	}
	return "tail"
}

// Location names one physical record slot: a page range, one of its two page
// sets, a page index within that set and a slot within the page.
//
// Locations pack into a uint64 so the indirection directory and the
// indirection metadata column share a single representation:
//
//	[range:20][kind:1][page:21][slot:22]
type Location struct {
	Range uint32
	Kind  PageKind
	Page  uint32
	Slot  uint32
}

const (
	rangeBits = 20
	kindBits  = 1
	pageBits  = 21
	slotBits  = 22

	// MaxRanges is the highest addressable page range per table.
	MaxRanges = 1 << rangeBits
	// MaxPages is the highest addressable page index per page set.
	MaxPages = 1 << pageBits
	// MaxSlots is the highest addressable slot per page.
	MaxSlots = 1 << slotBits
)

// Pack encodes the location into its uint64 wire form.
func (l Location) Pack() uint64 {
	return uint64(l.Range)<<(kindBits+pageBits+slotBits) |
		uint64(l.Kind)<<(pageBits+slotBits) |
		uint64(l.Page)<<slotBits |
		uint64(l.Slot)
}

// UnpackLocation decodes a location from its uint64 wire form.
func UnpackLocation(v uint64) Location {
	return Location{
		Range: uint32(v >> (kindBits + pageBits + slotBits) & (MaxRanges - 1)),
		Kind:  PageKind(v >> (pageBits + slotBits) & 1),
		Page:  uint32(v >> slotBits & (MaxPages - 1)),
		Slot:  uint32(v & (MaxSlots - 1)),
	}
}

func (l Location) String() string {
	return fmt.Sprintf("range-%d/%s/page-%d/slot-%d", l.Range, l.Kind, l.Page, l.Slot)
}

// Record is the materialized form of one record version as read back from
// page storage.
type Record struct {
	RID     RID
	Columns []int64

	// Indirection is the location of the predecessor version. For a base
	// record it points at the record itself, terminating the chain.
	Indirection Location

	// Schema marks which user columns this version changed, one bit per
	// column, bit i for column i.
	Schema uint64

	// Timestamp is the commit time of this version in unix nanoseconds.
	Timestamp int64

	// Tombstone reports whether this version is a logical delete marker.
	Tombstone bool
}

// Changed reports whether the version touched the given user column.
func (r *Record) Changed(column int) bool {
	return r.Schema&(1<<uint(column)) != 0
}
