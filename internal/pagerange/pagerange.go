// Package pagerange tracks the physical layout of one logical page range: a
// bounded set of base pages created for inserts, a growing set of tail pages
// holding update deltas, and the merge bookkeeping (delta watermarks, live
// record counts per base page) that drives compaction and reclamation.
//
// The range only does bookkeeping; actual page bytes flow through the buffer
// pool under the page IDs this package mints.
package pagerange

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lstoredb/lstore/internal/page"
	"github.com/lstoredb/lstore/model"
	"github.com/lstoredb/lstore/pagestore"
)

// ErrRangeFull is returned by AllocateBase once the range's fixed base
// capacity is exhausted. The table responds by opening a new range.
var ErrRangeFull = errors.New("page range full")

// Config describes a new page range.
type Config struct {
	Table string
	ID    uint32
	// TotalColumns is the physical column count (user plus metadata).
	TotalColumns int
	// BasePages is the fixed base-page budget for inserts.
	BasePages int
}

type baseState struct {
	live   int
	sealed bool
}

// Range is the bookkeeping for one page range. All mutating methods are
// internally synchronized; allocation of a given slot happens exactly once.
type Range struct {
	table     string
	id        uint32
	cols      int
	basePages int

	mu        sync.Mutex
	baseCount int
	tailCount int
	// tailDone is the count of contiguously published tail slots; slots at
	// or past it may still have a writer in flight. Merge windows never
	// extend beyond it.
	tailDone    int
	tailPending map[int]struct{}
	mergedTail  int
	merging     bool
	// nextMergePage is the next base page index handed to merge output.
	// Starts past the insert budget so generations never collide.
	nextMergePage uint32
	baseLive      map[uint32]*baseState
}

// New creates an empty range.
func New(cfg Config) *Range {
	return &Range{
		table:         cfg.Table,
		id:            cfg.ID,
		cols:          cfg.TotalColumns,
		basePages:     cfg.BasePages,
		nextMergePage: uint32(cfg.BasePages),
		tailPending:   make(map[int]struct{}),
		baseLive:      make(map[uint32]*baseState),
	}
}

// ID returns the range's identifier.
func (r *Range) ID() uint32 { return r.id }

// Columns returns the physical column count.
func (r *Range) Columns() int { return r.cols }

// PageID mints the store key for one column page of this range.
func (r *Range) PageID(kind model.PageKind, col int, pageIdx uint32) pagestore.PageID {
	return pagestore.PageID(fmt.Sprintf("%s/range-%d/%s/col-%d/page-%d", r.table, r.id, kind, col, pageIdx))
}

// AllocateBase reserves the next base record slot. firstSlot reports whether
// this allocation opens a fresh page (the caller must create the column pages
// rather than pin them).
func (r *Range) AllocateBase() (loc model.Location, firstSlot bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.baseCount >= r.basePages*page.Slots {
		return model.Location{}, false, ErrRangeFull
	}

	pageIdx := uint32(r.baseCount / page.Slots)
	slot := uint32(r.baseCount % page.Slots)
	r.baseCount++

	st := r.baseLive[pageIdx]
	if st == nil {
		st = &baseState{}
		r.baseLive[pageIdx] = st
	}
	st.live++
	if slot == page.Slots-1 {
		st.sealed = true
	}

	return model.Location{Range: r.id, Kind: model.KindBase, Page: pageIdx, Slot: slot}, slot == 0, nil
}

// AllocateTail reserves the next tail record slot. Tail capacity is
// unbounded; a new tail page set is opened whenever the current one fills.
func (r *Range) AllocateTail() (loc model.Location, firstSlot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pageIdx := uint32(r.tailCount / page.Slots)
	slot := uint32(r.tailCount % page.Slots)
	r.tailCount++

	return model.Location{Range: r.id, Kind: model.KindTail, Page: pageIdx, Slot: slot}, slot == 0
}

// MarkTailWritten records that the tail slots at locs are fully written and
// published (or abandoned by a failed writer). Writers call it after the
// directory publish; until then the slot keeps every merge window from
// reaching past it, so merge can never consolidate around, or retire the
// pages of, a record whose writer is still in flight.
func (r *Range) MarkTailWritten(locs ...model.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loc := range locs {
		r.tailPending[int(loc.Page)*page.Slots+int(loc.Slot)] = struct{}{}
	}
	for {
		if _, ok := r.tailPending[r.tailDone]; !ok {
			return
		}
		delete(r.tailPending, r.tailDone)
		r.tailDone++
	}
}

// TailDeltaCount returns the number of published tail records not yet
// consumed by a completed merge.
func (r *Range) TailDeltaCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tailDone - r.mergedTail
}

// BaseCount returns the number of allocated insert-generation base slots.
func (r *Range) BaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseCount
}

// BeginMerge snapshots the tail window [start, end) for a merge pass and
// marks the range as merging. The window covers only published slots; a
// slot handed out by AllocateTail whose writer has not called
// MarkTailWritten yet caps the window. Returns ok=false when a pass is
// already running or there is nothing to consume; at most one merge runs
// per range.
func (r *Range) BeginMerge() (start, end int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.merging || r.tailDone == r.mergedTail {
		return 0, 0, false
	}
	r.merging = true
	return r.mergedTail, r.tailDone, true
}

// FinishMerge ends the pass started by BeginMerge. On success the consumed
// watermark advances to end; on failure nothing changes and the same window
// is re-offered to the next pass.
func (r *Range) FinishMerge(end int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.merging = false
	if success && end > r.mergedTail {
		r.mergedTail = end
	}
}

// AllocateMergePage reserves a fresh, sealed base page index for merge
// output.
func (r *Range) AllocateMergePage() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.nextMergePage
	r.nextMergePage++
	r.baseLive[idx] = &baseState{sealed: true}
	return idx
}

// AddBaseLive credits one live record to a base page.
func (r *Range) AddBaseLive(pageIdx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.baseLive[pageIdx]
	if st == nil {
		st = &baseState{}
		r.baseLive[pageIdx] = st
	}
	st.live++
}

// ReleaseBaseLive debits one live record from a base page and reports whether
// the page is now reclaimable (sealed with no live records).
func (r *Range) ReleaseBaseLive(pageIdx uint32) (reclaimable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.baseLive[pageIdx]
	if st == nil {
		return false
	}
	st.live--
	if st.sealed && st.live <= 0 {
		delete(r.baseLive, pageIdx)
		return true
	}
	return false
}

// ConsumedTailPages returns the tail page indexes fully covered by the
// interval [before, after) of consumed records, i.e. pages whose every slot
// has been folded into a consolidated base page.
func ConsumedTailPages(before, after int) []uint32 {
	var pages []uint32
	for idx := before / page.Slots; idx < after/page.Slots; idx++ {
		pages = append(pages, uint32(idx))
	}
	return pages
}
