package lstore

import (
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lstoredb/lstore/internal/page"
	"github.com/lstoredb/lstore/internal/pagerange"
	"github.com/lstoredb/lstore/model"
	"github.com/lstoredb/lstore/pagestore"
)

// maxChain bounds version chain walks so a corrupted indirection cycle
// cannot hang a merge or a versioned read.
const maxChain = 1 << 16

// merger schedules and runs background merge passes for one table. Updates
// signal it when a range crosses the delta threshold; a periodic re-scan
// catches ranges whose signal was dropped while a pass was running.
type merger struct {
	t        *Table
	wp       *workerPool
	interval time.Duration

	signalCh chan *pagerange.Range
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newMerger(t *Table, wp *workerPool, interval time.Duration) *merger {
	return &merger{
		t:        t,
		wp:       wp,
		interval: interval,
		signalCh: make(chan *pagerange.Range, 16),
		stopCh:   make(chan struct{}),
	}
}

func (m *merger) start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *merger) stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// signal requests a merge pass for rng. Never blocks; a dropped signal is
// recovered by the periodic re-scan.
func (m *merger) signal(rng *pagerange.Range) {
	select {
	case m.signalCh <- rng:
	default:
	}
}

func (m *merger) loop() {
	defer m.wg.Done()

	var tickCh <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-m.stopCh:
			return
		case rng := <-m.signalCh:
			m.dispatch(rng)
		case <-tickCh:
			for _, rng := range m.t.allRanges() {
				if rng.TailDeltaCount() >= m.t.mergeThreshold {
					m.dispatch(rng)
				}
			}
		}
	}
}

func (m *merger) dispatch(rng *pagerange.Range) {
	ctx := context.Background()
	_ = m.wp.submit(ctx, func() {
		m.t.mergeRange(ctx, rng)
	})
}

// mergeRange runs one merge pass over rng: consume the pending tail window,
// fold each touched record's version chain into a consolidated base record,
// swing the directory, and retire fully consumed pages.
func (t *Table) mergeRange(ctx context.Context, rng *pagerange.Range) {
	if err := t.rc.AcquireMerge(ctx); err != nil {
		return
	}
	defer t.rc.ReleaseMerge()

	start, end, ok := rng.BeginMerge()
	if !ok {
		return
	}

	consolidated, err := t.mergeWindow(ctx, rng, start, end)
	rng.FinishMerge(end, err == nil)
	t.logger.LogMerge(ctx, rng.ID(), end-start, consolidated, err)
}

func (t *Table) mergeWindow(ctx context.Context, rng *pagerange.Range, start, end int) (int, error) {
	// Phase 1: scan the window's RID column to find touched records and the
	// newest delta per record. The window holds only published slots; a
	// zero RID marks a slot abandoned by a failed writer.
	touched := roaring64.New()
	newest := make(map[model.RID]model.Location)
	ridCol := t.numCols + model.MetaRID
	firstPage := start / page.Slots
	lastPage := (end - 1) / page.Slots
	for pi := firstPage; pi <= lastPage; pi++ {
		id := rng.PageID(model.KindTail, ridCol, uint32(pi))
		p, err := t.pool.Pin(ctx, id)
		if err != nil {
			return 0, err
		}
		lo, hi := 0, page.Slots
		if pi == firstPage {
			lo = start % page.Slots
		}
		if pi == lastPage {
			hi = (end-1)%page.Slots + 1
		}
		for slot := lo; slot < hi; slot++ {
			v, err := p.Read(slot)
			if err != nil || v == 0 {
				continue
			}
			rid := model.RID(v)
			touched.Add(uint64(rid))
			newest[rid] = model.Location{Range: rng.ID(), Kind: model.KindTail, Page: uint32(pi), Slot: uint32(slot)}
		}
		t.pool.Unpin(ctx, id, false)
	}

	// Phase 2: walk each touched chain once to warm the buffer pool. The
	// results are discarded; the authoritative fold runs under the record's
	// lock in phase 3.
	rids := make([]model.RID, 0, touched.GetCardinality())
	it := touched.Iterator()
	for it.HasNext() {
		rid := model.RID(it.Next())
		rids = append(rids, rid)
		t.foldChain(ctx, newest[rid], rid)
	}

	inWindow := func(loc model.Location) bool {
		if loc.Range != rng.ID() || loc.Kind != model.KindTail {
			return false
		}
		n := int(loc.Page)*page.Slots + int(loc.Slot)
		return n >= start && n < end
	}

	// Phase 3: fold and commit each record under its lock stripe. The lock
	// freezes the directory entry, and the entry only ever names fully
	// written versions, so the fold can never see a write in flight.
	writer := newMergeWriter(t, rng)
	liveByPage := make(map[uint32]int)
	consolidated := 0
	retireOK := true
	var mergeErr error

	for _, rid := range rids {
		mu := t.lockRID(rid)
		mu.Lock()

		cur, err := t.dir.Get(rid)
		if err != nil {
			mu.Unlock()
			continue
		}
		if !inWindow(cur) {
			// Already consolidated, or the newest delta is past the window;
			// the next pass picks it up.
			mu.Unlock()
			continue
		}
		rec, oldBase, haveBase, ferr := t.foldChain(ctx, cur, rid)
		if ferr != nil || rec == nil {
			mu.Unlock()
			retireOK = false
			continue
		}

		if rec.Tombstone {
			if t.dir.CompareAndRemove(rid, cur) {
				consolidated++
				if haveBase {
					t.releaseBase(ctx, rng, oldBase.Page)
				}
			}
			mu.Unlock()
			continue
		}

		newLoc, err := writer.append(ctx, rid, rec)
		if err != nil {
			mu.Unlock()
			mergeErr = err
			retireOK = false
			break
		}
		if t.dir.CompareAndSet(rid, cur, newLoc) {
			consolidated++
			rng.AddBaseLive(newLoc.Page)
			liveByPage[newLoc.Page]++
			if haveBase {
				t.releaseBase(ctx, rng, oldBase.Page)
			}
		}
		mu.Unlock()
	}

	if err := writer.finish(ctx); err != nil && mergeErr == nil {
		mergeErr = err
		retireOK = false
	}

	// Consolidated pages that ended up with no committed records hold only
	// dead slots; drop them right away.
	for _, pi := range writer.used {
		if liveByPage[pi] == 0 {
			t.discardBasePage(ctx, rng, pi)
		}
	}

	// Phase 4: retire tail pages fully covered by the consumed window.
	if retireOK {
		totalCols := model.TotalColumns(t.numCols)
		for _, pi := range pagerange.ConsumedTailPages(start, end) {
			for col := 0; col < totalCols; col++ {
				t.pool.Discard(ctx, rng.PageID(model.KindTail, col, pi))
			}
		}
	}

	return consolidated, mergeErr
}

// foldChain materializes the record state at start and walks its version
// chain to the base record. Cumulative deltas make the newest version the
// complete folded image; the walk exists to locate the superseded base
// record for live accounting. haveBase is false when the chain runs past the
// merge horizon into retired pages.
func (t *Table) foldChain(ctx context.Context, start model.Location, rid model.RID) (rec *model.Record, base model.Location, haveBase bool, err error) {
	rec, err = t.readVersion(ctx, start)
	if err != nil {
		return nil, model.Location{}, false, err
	}
	if rec.RID != rid {
		return nil, model.Location{}, false, nil
	}

	loc, cur := start, rec
	for i := 0; i < maxChain; i++ {
		if cur.Indirection == loc {
			return rec, loc, true, nil
		}
		next, rerr := t.readVersion(ctx, cur.Indirection)
		if rerr != nil {
			return rec, model.Location{}, false, nil
		}
		loc, cur = cur.Indirection, next
	}
	return rec, model.Location{}, false, nil
}

func (t *Table) releaseBase(ctx context.Context, rng *pagerange.Range, pageIdx uint32) {
	if rng.ReleaseBaseLive(pageIdx) {
		t.discardBasePage(ctx, rng, pageIdx)
	}
}

func (t *Table) discardBasePage(ctx context.Context, rng *pagerange.Range, pageIdx uint32) {
	for col := 0; col < model.TotalColumns(t.numCols); col++ {
		t.pool.Discard(ctx, rng.PageID(model.KindBase, col, pageIdx))
	}
}

// mergeWriter lays consolidated records into fresh base pages, one pinned
// page per column, rolling to a new page set every page.Slots records.
type mergeWriter struct {
	t   *Table
	rng *pagerange.Range

	open    bool
	pageIdx uint32
	ids     []pagestore.PageID
	pages   []*page.Page
	slot    int

	used  []uint32
	bytes int
}

func newMergeWriter(t *Table, rng *pagerange.Range) *mergeWriter {
	return &mergeWriter{t: t, rng: rng}
}

func (w *mergeWriter) append(ctx context.Context, rid model.RID, rec *model.Record) (model.Location, error) {
	if !w.open || w.slot == page.Slots {
		if err := w.roll(ctx); err != nil {
			return model.Location{}, err
		}
	}

	loc := model.Location{Range: w.rng.ID(), Kind: model.KindBase, Page: w.pageIdx, Slot: uint32(w.slot)}

	n := w.t.numCols
	for col, p := range w.pages {
		var v int64
		switch {
		case col < n:
			v = rec.Columns[col]
		case col == n+model.MetaIndirection:
			v = int64(loc.Pack())
		case col == n+model.MetaRID:
			v = int64(rid)
		case col == n+model.MetaSchema:
			v = 0
		case col == n+model.MetaTimestamp:
			v = rec.Timestamp
		case col == n+model.MetaValid:
			v = model.ValidLive
		}
		if _, err := p.Append(v); err != nil {
			return model.Location{}, err
		}
	}
	w.slot++
	return loc, nil
}

func (w *mergeWriter) roll(ctx context.Context) error {
	w.closeCurrent(ctx)

	w.pageIdx = w.rng.AllocateMergePage()
	w.used = append(w.used, w.pageIdx)
	w.ids = w.ids[:0]
	w.pages = w.pages[:0]
	for col := 0; col < model.TotalColumns(w.t.numCols); col++ {
		id := w.rng.PageID(model.KindBase, col, w.pageIdx)
		p, err := w.t.pool.PinOrNew(ctx, id)
		if err != nil {
			for _, held := range w.ids {
				w.t.pool.Unpin(ctx, held, true)
			}
			w.ids = w.ids[:0]
			w.pages = w.pages[:0]
			return err
		}
		w.ids = append(w.ids, id)
		w.pages = append(w.pages, p)
	}
	w.slot = 0
	w.open = true
	return nil
}

func (w *mergeWriter) closeCurrent(ctx context.Context) {
	if !w.open {
		return
	}
	for _, id := range w.ids {
		w.t.pool.Unpin(ctx, id, true)
	}
	w.bytes += len(w.ids) * page.ByteSize
	w.open = false
}

// finish unpins the open page set and pushes the written bytes through the
// merge IO budget, then flushes so consolidated state is durable before the
// superseded pages are retired.
func (w *mergeWriter) finish(ctx context.Context) error {
	w.closeCurrent(ctx)
	if w.bytes == 0 {
		return nil
	}
	if err := w.t.rc.AcquireIO(ctx, w.bytes); err != nil {
		return err
	}
	return w.t.pool.Flush(ctx)
}
