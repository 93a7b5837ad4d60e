// Package bufferpool caches a bounded number of pages in memory. It is the
// only path through which the engine reads or writes page bytes: callers pin
// a page, work on it, and unpin it. Unpinned pages are eviction candidates in
// least-recently-unpinned order; dirty pages are written back to the backing
// store before leaving the pool.
package bufferpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lstoredb/lstore/internal/page"
	"github.com/lstoredb/lstore/pagestore"
	"github.com/lstoredb/lstore/resource"
)

// ErrAllPinned is returned when a page must be brought in but every resident
// frame is pinned, so no victim exists. Callers may retry once pins drain.
var ErrAllPinned = errors.New("buffer pool: all frames pinned")

type frame struct {
	id     pagestore.PageID
	page   *page.Page
	pins   int
	dirty  bool
	doomed bool
	// busy is non-nil while store IO for this frame runs outside the pool
	// lock; it closes when the IO lands. Pinners wait on it, victim
	// selection skips it.
	busy chan struct{}
	// elem is non-nil while the frame sits on the eviction list (pins == 0).
	elem *list.Element
}

// Pool is a pinning page cache with LRU eviction over unpinned frames.
//
// A single mutex guards the frame table, but store IO never runs under it:
// miss loads, eviction write-back and Flush latch the frame busy, release
// the lock for the IO, and commit the result after relocking. One slow
// store round-trip therefore stalls only pinners of that page, not the
// whole pool. A pinned page's bytes are stable: the frame cannot be evicted
// or discarded until every pin is released.
type Pool struct {
	mu        sync.Mutex
	store     pagestore.PageStore
	capacity  int
	frames    map[pagestore.PageID]*frame
	evictList *list.List // unpinned frames, back = least recently unpinned
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a pool holding at most capacity pages backed by store.
// rc, if non-nil, additionally bounds frame memory.
func New(store pagestore.PageStore, capacity int, rc *resource.Controller) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		store:     store,
		capacity:  capacity,
		frames:    make(map[pagestore.PageID]*frame, capacity),
		evictList: list.New(),
		rc:        rc,
	}
}

// Pin returns the page for id, loading it from the store on a miss. The
// caller must Unpin with the same id exactly once per successful Pin.
func (b *Pool) Pin(ctx context.Context, id pagestore.PageID) (*page.Page, error) {
	return b.pin(ctx, id, false)
}

// PinOrNew pins the page for id, creating an empty pinned dirty frame if the
// page exists neither in the pool nor in the store. Write paths use this:
// slot allocation hands out positions before the first writer has materialized
// the page, so a later slot's writer may arrive first.
func (b *Pool) PinOrNew(ctx context.Context, id pagestore.PageID) (*page.Page, error) {
	return b.pin(ctx, id, true)
}

func (b *Pool) pin(ctx context.Context, id pagestore.PageID, orNew bool) (*page.Page, error) {
	b.mu.Lock()
	var f *frame
	for {
		if cur, ok := b.frames[id]; ok {
			if cur.busy == nil {
				b.hits.Add(1)
				b.pinLocked(cur)
				b.mu.Unlock()
				return cur.page, nil
			}
			// Another goroutine is loading, flushing or evicting this
			// frame. Wait for the IO to land and re-check: the frame may
			// have been dropped (failed load, completed eviction) in the
			// meantime.
			ch := cur.busy
			b.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			b.mu.Lock()
			continue
		}

		if err := b.makeRoomLocked(ctx); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		// makeRoomLocked drops the lock around write-back IO; re-check
		// that no one brought the page in meanwhile.
		if _, ok := b.frames[id]; ok {
			continue
		}
		b.misses.Add(1)
		f = &frame{id: id, pins: 1, busy: make(chan struct{})}
		b.frames[id] = f
		break
	}
	b.mu.Unlock()

	p, dirty, err := b.load(ctx, id, orNew)

	b.mu.Lock()
	close(f.busy)
	f.busy = nil
	if err != nil {
		doomed := f.doomed
		delete(b.frames, id)
		b.releaseRoomLocked()
		b.mu.Unlock()
		if doomed {
			_ = b.store.DeletePage(ctx, id)
		}
		return nil, err
	}
	f.page = p
	f.dirty = dirty
	b.mu.Unlock()
	return p, nil
}

func (b *Pool) load(ctx context.Context, id pagestore.PageID, orNew bool) (*page.Page, bool, error) {
	data, err := b.store.ReadPage(ctx, id)
	switch {
	case err == nil:
		p, perr := page.FromBytes(data)
		if perr != nil {
			return nil, false, fmt.Errorf("load %s: %w", id, perr)
		}
		return p, false, nil
	case orNew && errors.Is(err, pagestore.ErrNotFound):
		return page.New(), true, nil
	default:
		return nil, false, err
	}
}

// Unpin releases one pin. dirty marks the page as modified; it is sticky
// until the frame is written back.
func (b *Pool) Unpin(ctx context.Context, id pagestore.PageID, dirty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.frames[id]
	if !ok || f.pins == 0 {
		return
	}
	f.dirty = f.dirty || dirty
	f.pins--
	if f.pins > 0 {
		return
	}

	if f.doomed {
		b.dropLocked(f)
		_ = b.store.DeletePage(ctx, id)
		return
	}
	f.elem = b.evictList.PushFront(f)
}

// Flush writes back every dirty frame. Intended for quiesce points (close,
// checkpoint); pages pinned for write by a concurrent mutator are skipped and
// will be flushed on eviction.
func (b *Pool) Flush(ctx context.Context) error {
	b.mu.Lock()
	var dirty []*frame
	for _, f := range b.frames {
		if f.dirty && f.pins == 0 && f.busy == nil {
			f.busy = make(chan struct{})
			dirty = append(dirty, f)
		}
	}
	b.mu.Unlock()

	var err error
	for _, f := range dirty {
		werr := b.store.WritePage(ctx, f.id, f.page.Bytes())

		b.mu.Lock()
		close(f.busy)
		f.busy = nil
		switch {
		case f.doomed && f.pins == 0:
			b.dropLocked(f)
			_ = b.store.DeletePage(ctx, f.id)
		case werr == nil:
			f.dirty = false
		}
		b.mu.Unlock()

		if werr != nil && err == nil {
			err = fmt.Errorf("flush %s: %w", f.id, werr)
		}
	}
	return err
}

// Discard retires a page: the frame is dropped without write-back and the
// page is deleted from the store. If the page is currently pinned or mid-IO,
// the drop is deferred until the frame settles.
func (b *Pool) Discard(ctx context.Context, id pagestore.PageID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.frames[id]
	if !ok {
		_ = b.store.DeletePage(ctx, id)
		return
	}
	if f.pins > 0 || f.busy != nil {
		f.doomed = true
		return
	}
	b.dropLocked(f)
	_ = b.store.DeletePage(ctx, id)
}

// Resident returns the number of frames currently held.
func (b *Pool) Resident() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Stats returns cache hit/miss counters.
func (b *Pool) Stats() (hits, misses int64) {
	return b.hits.Load(), b.misses.Load()
}

func (b *Pool) pinLocked(f *frame) {
	if f.elem != nil {
		b.evictList.Remove(f.elem)
		f.elem = nil
	}
	f.pins++
}

// makeRoomLocked ensures capacity (and the memory budget) for one more frame,
// evicting the least recently unpinned frame if needed. It may release and
// reacquire the pool lock for write-back IO; the loop conditions re-check
// under the lock after every eviction.
func (b *Pool) makeRoomLocked(ctx context.Context) error {
	for len(b.frames) >= b.capacity {
		if err := b.evictOneLocked(ctx); err != nil {
			return err
		}
	}

	for b.rc != nil && !b.rc.TryAcquireMemory(page.ByteSize) {
		if err := b.evictOneLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Pool) releaseRoomLocked() {
	if b.rc != nil {
		b.rc.ReleaseMemory(page.ByteSize)
	}
}

func (b *Pool) evictOneLocked(ctx context.Context) error {
	var f *frame
	for elem := b.evictList.Back(); elem != nil; elem = elem.Prev() {
		if cand := elem.Value.(*frame); cand.busy == nil {
			f = cand
			break
		}
	}
	if f == nil {
		return ErrAllPinned
	}

	if !f.dirty || f.doomed {
		b.dropLocked(f)
		if f.doomed {
			_ = b.store.DeletePage(ctx, f.id)
		}
		return nil
	}

	// Write-back runs without the pool lock. The busy latch keeps the frame
	// resident and parks concurrent pinners until the IO lands, so nobody
	// can reload a stale copy from the store or mutate the page mid-write.
	b.evictList.Remove(f.elem)
	f.elem = nil
	f.busy = make(chan struct{})
	data := f.page.Bytes()
	b.mu.Unlock()
	err := b.store.WritePage(ctx, f.id, data)
	b.mu.Lock()
	close(f.busy)
	f.busy = nil

	switch {
	case f.doomed:
		b.dropLocked(f)
		_ = b.store.DeletePage(ctx, f.id)
		return nil
	case err != nil:
		f.elem = b.evictList.PushFront(f)
		return fmt.Errorf("evict %s: %w", f.id, err)
	default:
		f.dirty = false
		b.dropLocked(f)
		return nil
	}
}

func (b *Pool) dropLocked(f *frame) {
	if f.elem != nil {
		b.evictList.Remove(f.elem)
		f.elem = nil
	}
	delete(b.frames, f.id)
	if b.rc != nil {
		b.rc.ReleaseMemory(page.ByteSize)
	}
}
