// Package directory implements the indirection directory: the single source
// of truth mapping each live RID to the physical location of its newest
// committed version.
package directory

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lstoredb/lstore/model"
)

// ErrUnknownRID is returned by Get for RIDs with no directory entry.
var ErrUnknownRID = errors.New("unknown rid")

const (
	pageBits = 16
	pageSize = 1 << pageBits // 65536 entries
	pageMask = pageSize - 1
)

type dirPage struct {
	// Each entry stores the packed location plus one; zero means absent.
	entries [pageSize]atomic.Uint64
}

// Directory is a concurrent, paged RID -> location map optimized for the
// monotonically assigned RIDs the table produces. Lookups are lock-free; only
// growth of the page array takes a mutex.
type Directory struct {
	mu    sync.Mutex // protects page slice growth
	pages atomic.Pointer[[]*dirPage]
	count atomic.Int64
}

// New creates an empty directory.
func New() *Directory {
	d := &Directory{}
	p := make([]*dirPage, 0, 16)
	d.pages.Store(&p)
	return d
}

func (d *Directory) pageFor(rid model.RID, grow bool) *dirPage {
	idx := int(rid >> pageBits)

	pages := *d.pages.Load()
	if idx < len(pages) {
		return pages[idx]
	}
	if !grow {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pages = *d.pages.Load()
	if idx < len(pages) {
		return pages[idx]
	}

	grown := make([]*dirPage, idx+1)
	copy(grown, pages)
	for i := len(pages); i <= idx; i++ {
		grown[i] = &dirPage{}
	}
	d.pages.Store(&grown)
	return grown[idx]
}

// Set records loc as the newest committed location for rid, overwriting any
// previous entry. Callers serialize concurrent Set calls for the same RID.
func (d *Directory) Set(rid model.RID, loc model.Location) {
	p := d.pageFor(rid, true)
	if p.entries[rid&pageMask].Swap(loc.Pack()+1) == 0 {
		d.count.Add(1)
	}
}

// Get returns the newest committed location for rid.
func (d *Directory) Get(rid model.RID) (model.Location, error) {
	p := d.pageFor(rid, false)
	if p == nil {
		return model.Location{}, ErrUnknownRID
	}
	v := p.entries[rid&pageMask].Load()
	if v == 0 {
		return model.Location{}, ErrUnknownRID
	}
	return model.UnpackLocation(v - 1), nil
}

// CompareAndSet atomically replaces the entry for rid with loc only if the
// current entry equals old. It is the merge commit primitive: the swap loses
// against any update that moved the RID after the merge snapshot.
func (d *Directory) CompareAndSet(rid model.RID, old, loc model.Location) bool {
	p := d.pageFor(rid, false)
	if p == nil {
		return false
	}
	return p.entries[rid&pageMask].CompareAndSwap(old.Pack()+1, loc.Pack()+1)
}

// Remove purges the entry for rid. Used only when a RID is permanently
// reclaimed (merge folding a tombstone), never for ordinary logical delete.
func (d *Directory) Remove(rid model.RID) {
	p := d.pageFor(rid, false)
	if p == nil {
		return
	}
	if p.entries[rid&pageMask].Swap(0) != 0 {
		d.count.Add(-1)
	}
}

// CompareAndRemove purges the entry for rid only if it still equals old.
func (d *Directory) CompareAndRemove(rid model.RID, old model.Location) bool {
	p := d.pageFor(rid, false)
	if p == nil {
		return false
	}
	if p.entries[rid&pageMask].CompareAndSwap(old.Pack()+1, 0) {
		d.count.Add(-1)
		return true
	}
	return false
}

// Len returns the number of live entries.
func (d *Directory) Len() int {
	return int(d.count.Load())
}
