package lstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lstoredb/lstore/index"
	"github.com/lstoredb/lstore/internal/bufferpool"
	"github.com/lstoredb/lstore/internal/directory"
	"github.com/lstoredb/lstore/internal/pagerange"
	"github.com/lstoredb/lstore/model"
	"github.com/lstoredb/lstore/pagestore"
	"github.com/lstoredb/lstore/resource"
)

// lockStripes is the number of RID lock stripes per table. Writers to the
// same record serialize on a stripe; readers never take these locks.
const lockStripes = 256

// readRetries bounds re-resolution of a record whose pages were retired by a
// concurrent merge between the directory read and the page read.
const readRetries = 3

// Row is one materialized record returned by read operations. Columns holds
// the requested user columns in request order (all columns when none were
// requested).
type Row struct {
	RID     model.RID
	Columns []int64
}

// Table is a log-structured columnar table: immutable base pages written at
// insert, append-only tail pages written by update and delete, and an
// indirection directory mapping each RID to its newest version. A background
// merge consolidates tail deltas back into base pages.
//
// All operations are safe for concurrent use.
type Table struct {
	name    string
	numCols int
	keyCol  int

	logger *Logger
	rc     *resource.Controller
	pool   *bufferpool.Pool
	dir    *directory.Directory

	primary *index.Primary

	secMu     sync.RWMutex
	secondary map[int]*index.Secondary

	ridSeq atomic.Uint64

	rangesMu sync.RWMutex
	ranges   []*pagerange.Range

	locks [lockStripes]sync.Mutex

	merger *merger

	basePages      int
	mergeThreshold int

	closed atomic.Bool
}

func newTable(name string, numCols, keyCol int, store pagestore.PageStore, rc *resource.Controller, logger *Logger, poolSize, basePages, mergeThreshold int) *Table {
	t := &Table{
		name:           name,
		numCols:        numCols,
		keyCol:         keyCol,
		logger:         logger.WithTable(name),
		rc:             rc,
		pool:           bufferpool.New(store, poolSize, rc),
		dir:            directory.New(),
		primary:        index.NewPrimary(),
		secondary:      make(map[int]*index.Secondary),
		basePages:      basePages,
		mergeThreshold: mergeThreshold,
	}
	t.ranges = []*pagerange.Range{t.newRange(0)}
	return t
}

func (t *Table) newRange(id uint32) *pagerange.Range {
	return pagerange.New(pagerange.Config{
		Table:        t.name,
		ID:           id,
		TotalColumns: model.TotalColumns(t.numCols),
		BasePages:    t.basePages,
	})
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Columns returns the number of user columns.
func (t *Table) Columns() int { return t.numCols }

// KeyColumn returns the primary key column index.
func (t *Table) KeyColumn() int { return t.keyCol }

// Len returns the number of live records.
func (t *Table) Len() int { return t.primary.Len() }

// TableStats is a point-in-time snapshot of a table's storage state.
type TableStats struct {
	// Records is the number of live records.
	Records int
	// Ranges is the number of page ranges.
	Ranges int
	// TailDeltas is the number of tail records not yet consumed by merge,
	// summed over all ranges.
	TailDeltas int
	// PoolHits and PoolMisses are cumulative buffer pool counters.
	PoolHits   int64
	PoolMisses int64
}

// Stats returns current table statistics.
func (t *Table) Stats() TableStats {
	s := TableStats{Records: t.primary.Len()}
	for _, rng := range t.allRanges() {
		s.Ranges++
		s.TailDeltas += rng.TailDeltaCount()
	}
	s.PoolHits, s.PoolMisses = t.pool.Stats()
	return s
}

func (t *Table) lockRID(rid model.RID) *sync.Mutex {
	return &t.locks[uint64(rid)%lockStripes]
}

func (t *Table) rangeByID(id uint32) *pagerange.Range {
	t.rangesMu.RLock()
	defer t.rangesMu.RUnlock()
	if int(id) >= len(t.ranges) {
		return nil
	}
	return t.ranges[id]
}

func (t *Table) allRanges() []*pagerange.Range {
	t.rangesMu.RLock()
	defer t.rangesMu.RUnlock()
	out := make([]*pagerange.Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// allocBase reserves a base slot, growing the table by a fresh page range
// when the newest one is full.
func (t *Table) allocBase() (*pagerange.Range, model.Location, error) {
	for {
		t.rangesMu.RLock()
		rng := t.ranges[len(t.ranges)-1]
		t.rangesMu.RUnlock()

		loc, _, err := rng.AllocateBase()
		if err == nil {
			return rng, loc, nil
		}
		if !errors.Is(err, pagerange.ErrRangeFull) {
			return nil, model.Location{}, err
		}

		t.rangesMu.Lock()
		if t.ranges[len(t.ranges)-1] == rng {
			id := uint32(len(t.ranges))
			if id >= model.MaxRanges {
				t.rangesMu.Unlock()
				return nil, model.Location{}, err
			}
			t.ranges = append(t.ranges, t.newRange(id))
		}
		t.rangesMu.Unlock()
	}
}

// writeVersion writes one complete record version, user columns plus the
// hidden metadata columns, at loc.
func (t *Table) writeVersion(ctx context.Context, rng *pagerange.Range, loc model.Location, rid model.RID, userCols []int64, indirection model.Location, schema uint64, ts int64, valid int64) error {
	write := func(col int, v int64) error {
		id := rng.PageID(loc.Kind, col, loc.Page)
		p, err := t.pool.PinOrNew(ctx, id)
		if err != nil {
			return err
		}
		err = p.Write(int(loc.Slot), v)
		t.pool.Unpin(ctx, id, err == nil)
		if err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
		return nil
	}

	for i, v := range userCols {
		if err := write(i, v); err != nil {
			return err
		}
	}
	n := t.numCols
	if err := write(n+model.MetaIndirection, int64(indirection.Pack())); err != nil {
		return err
	}
	if err := write(n+model.MetaRID, int64(rid)); err != nil {
		return err
	}
	if err := write(n+model.MetaSchema, int64(schema)); err != nil {
		return err
	}
	if err := write(n+model.MetaTimestamp, ts); err != nil {
		return err
	}
	return write(n+model.MetaValid, valid)
}

// readVersion materializes the record version stored at loc.
func (t *Table) readVersion(ctx context.Context, loc model.Location) (*model.Record, error) {
	rng := t.rangeByID(loc.Range)
	if rng == nil {
		return nil, fmt.Errorf("%w: range %d", pagestore.ErrNotFound, loc.Range)
	}

	read := func(col int) (int64, error) {
		id := rng.PageID(loc.Kind, col, loc.Page)
		p, err := t.pool.Pin(ctx, id)
		if err != nil {
			return 0, err
		}
		v, err := p.Read(int(loc.Slot))
		t.pool.Unpin(ctx, id, false)
		return v, err
	}

	rec := &model.Record{Columns: make([]int64, t.numCols)}
	for i := range rec.Columns {
		v, err := read(i)
		if err != nil {
			return nil, err
		}
		rec.Columns[i] = v
	}

	n := t.numCols
	ind, err := read(n + model.MetaIndirection)
	if err != nil {
		return nil, err
	}
	rec.Indirection = model.UnpackLocation(uint64(ind))
	rid, err := read(n + model.MetaRID)
	if err != nil {
		return nil, err
	}
	rec.RID = model.RID(rid)
	schema, err := read(n + model.MetaSchema)
	if err != nil {
		return nil, err
	}
	rec.Schema = uint64(schema)
	rec.Timestamp, err = read(n + model.MetaTimestamp)
	if err != nil {
		return nil, err
	}
	valid, err := read(n + model.MetaValid)
	if err != nil {
		return nil, err
	}
	rec.Tombstone = valid == model.ValidTombstone
	return rec, nil
}

// Insert adds a new record. The value at the key column must be unique among
// live records.
func (t *Table) Insert(ctx context.Context, values ...int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(values) != t.numCols {
		return &ErrSchemaMismatch{Expected: t.numCols, Actual: len(values)}
	}
	key := values[t.keyCol]

	rid := model.RID(t.ridSeq.Add(1))
	if err := t.primary.Insert(key, rid); err != nil {
		err = translateError(err)
		t.logger.LogInsert(ctx, key, uint64(rid), err)
		return err
	}

	rng, loc, err := t.allocBase()
	if err == nil {
		// A base record's indirection points at itself, terminating the
		// version chain.
		err = t.writeVersion(ctx, rng, loc, rid, values, loc, 0, time.Now().UnixNano(), model.ValidLive)
	}
	if err != nil {
		t.primary.Delete(key)
		t.logger.LogInsert(ctx, key, uint64(rid), err)
		return err
	}

	t.dir.Set(rid, loc)

	t.secMu.RLock()
	for col, idx := range t.secondary {
		idx.Add(values[col], rid)
	}
	t.secMu.RUnlock()

	t.logger.LogInsert(ctx, key, uint64(rid), nil)
	return nil
}

// Update overwrites the given columns of the record with primary key key.
// Nil entries leave their column unchanged. A no-op update (all nil) returns
// nil without writing a delta.
func (t *Table) Update(ctx context.Context, key int64, values ...*int64) error {
	if len(values) != t.numCols {
		return &ErrSchemaMismatch{Expected: t.numCols, Actual: len(values)}
	}
	err := t.update(ctx, key, func(cur []int64) []*int64 { return values })
	t.logger.LogUpdate(ctx, key, err)
	return err
}

// Increment atomically adds one to the given column of the record with
// primary key key.
func (t *Table) Increment(ctx context.Context, key int64, column int) error {
	if column < 0 || column >= t.numCols {
		return &ErrInvalidColumn{Column: column, Columns: t.numCols}
	}
	return t.update(ctx, key, func(cur []int64) []*int64 {
		values := make([]*int64, t.numCols)
		v := cur[column] + 1
		values[column] = &v
		return values
	})
}

// update appends a tail delta computed by mutate from the current version,
// holding the record's lock stripe across read-modify-write.
func (t *Table) update(ctx context.Context, key int64, mutate func(cur []int64) []*int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	rid, ok := t.primary.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: key %d", ErrNotFound, key)
	}

	mu := t.lockRID(rid)
	mu.Lock()
	defer mu.Unlock()

	curLoc, err := t.dir.Get(rid)
	if err != nil {
		return translateError(err)
	}
	cur, err := t.readVersion(ctx, curLoc)
	if err != nil {
		return translateError(err)
	}
	if cur.Tombstone {
		return fmt.Errorf("%w: key %d", ErrRecordDeleted, key)
	}

	values := mutate(cur.Columns)

	var schema uint64
	newCols := make([]int64, t.numCols)
	copy(newCols, cur.Columns)
	for i, v := range values {
		if v != nil && *v != newCols[i] {
			schema |= 1 << uint(i)
			newCols[i] = *v
		}
	}
	if schema == 0 {
		return nil
	}

	// A key column change is an index move; claim the new key first so a
	// duplicate fails before anything is written.
	newKey := newCols[t.keyCol]
	keyMoved := newKey != key
	if keyMoved {
		if err := t.primary.Insert(newKey, rid); err != nil {
			return translateError(err)
		}
	}

	rng := t.rangeByID(curLoc.Range)

	// Tail slots are marked written only after the directory publish (or on
	// abandonment after a failed write). Until then they cap the merge
	// window, keeping a half-written record out of consolidation and its
	// pages out of retirement.
	prevLoc := curLoc
	var written []model.Location
	if curLoc.Kind == model.KindBase {
		// First delta since consolidation: snapshot the base image into the
		// tail so the pre-update version stays reachable after merge.
		copyLoc, _ := rng.AllocateTail()
		if werr := t.writeVersion(ctx, rng, copyLoc, rid, cur.Columns, curLoc, 0, cur.Timestamp, model.ValidLive); werr != nil {
			rng.MarkTailWritten(copyLoc)
			if keyMoved {
				t.primary.Delete(newKey)
			}
			return werr
		}
		prevLoc = copyLoc
		written = append(written, copyLoc)
	}

	loc, _ := rng.AllocateTail()
	if werr := t.writeVersion(ctx, rng, loc, rid, newCols, prevLoc, schema, time.Now().UnixNano(), model.ValidLive); werr != nil {
		rng.MarkTailWritten(append(written, loc)...)
		if keyMoved {
			t.primary.Delete(newKey)
		}
		return werr
	}
	t.dir.Set(rid, loc)
	rng.MarkTailWritten(append(written, loc)...)
	if keyMoved {
		t.primary.Delete(key)
	}

	t.secMu.RLock()
	for col, idx := range t.secondary {
		if schema&(1<<uint(col)) != 0 {
			idx.Remove(cur.Columns[col], rid)
			idx.Add(newCols[col], rid)
		}
	}
	t.secMu.RUnlock()

	t.maybeMerge(rng)
	return nil
}

// Delete logically removes the record with primary key key by appending a
// tombstone delta. The record's history stays readable until merge retires it.
func (t *Table) Delete(ctx context.Context, key int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	rid, ok := t.primary.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: key %d", ErrNotFound, key)
	}

	mu := t.lockRID(rid)
	mu.Lock()
	defer mu.Unlock()

	curLoc, err := t.dir.Get(rid)
	if err != nil {
		err = translateError(err)
		t.logger.LogDelete(ctx, key, err)
		return err
	}
	cur, err := t.readVersion(ctx, curLoc)
	if err != nil {
		return translateError(err)
	}
	if cur.Tombstone {
		return fmt.Errorf("%w: key %d", ErrNotFound, key)
	}

	rng := t.rangeByID(curLoc.Range)
	loc, _ := rng.AllocateTail()
	if err := t.writeVersion(ctx, rng, loc, rid, cur.Columns, curLoc, 0, time.Now().UnixNano(), model.ValidTombstone); err != nil {
		rng.MarkTailWritten(loc)
		t.logger.LogDelete(ctx, key, err)
		return err
	}
	t.dir.Set(rid, loc)
	rng.MarkTailWritten(loc)

	t.primary.Delete(key)
	t.secMu.RLock()
	for col, idx := range t.secondary {
		idx.Remove(cur.Columns[col], rid)
	}
	t.secMu.RUnlock()

	t.logger.LogDelete(ctx, key, nil)
	t.maybeMerge(rng)
	return nil
}

// Select returns the newest version of the record with primary key key.
// cols names the user columns to project; none means all.
func (t *Table) Select(ctx context.Context, key int64, cols ...int) (Row, error) {
	return t.SelectVersion(ctx, key, 0, cols...)
}

// SelectVersion returns the record version relative steps behind the newest
// (0 is the newest, -1 the one before). Walks that run past the oldest
// retained version return the oldest one.
func (t *Table) SelectVersion(ctx context.Context, key int64, relative int, cols ...int) (Row, error) {
	if t.closed.Load() {
		return Row{}, ErrClosed
	}
	rid, ok := t.primary.Lookup(key)
	if !ok {
		return Row{}, fmt.Errorf("%w: key %d", ErrNotFound, key)
	}
	return t.selectRID(ctx, rid, relative, cols)
}

func (t *Table) selectRID(ctx context.Context, rid model.RID, relative int, cols []int) (Row, error) {
	for attempt := 0; ; attempt++ {
		loc, err := t.dir.Get(rid)
		if err != nil {
			return Row{}, translateError(err)
		}
		rec, err := t.readVersion(ctx, loc)
		if err != nil {
			// A merge can retire the page between the directory read and
			// the page read; the directory then already holds the record's
			// consolidated location.
			if errors.Is(err, pagestore.ErrNotFound) && attempt < readRetries {
				continue
			}
			return Row{}, translateError(err)
		}

		for steps := -relative; steps > 0; steps-- {
			if rec.Indirection == loc {
				break // base record, chain ends
			}
			prev, err := t.readVersion(ctx, rec.Indirection)
			if err != nil {
				break // history beyond the merge horizon
			}
			loc, rec = rec.Indirection, prev
		}

		if rec.Tombstone {
			return Row{}, fmt.Errorf("%w: rid %d", ErrRecordDeleted, rid)
		}
		return t.project(rec, cols)
	}
}

func (t *Table) project(rec *model.Record, cols []int) (Row, error) {
	if len(cols) == 0 {
		out := make([]int64, len(rec.Columns))
		copy(out, rec.Columns)
		return Row{RID: rec.RID, Columns: out}, nil
	}
	out := make([]int64, len(cols))
	for i, c := range cols {
		if c < 0 || c >= t.numCols {
			return Row{}, &ErrInvalidColumn{Column: c, Columns: t.numCols}
		}
		out[i] = rec.Columns[c]
	}
	return Row{RID: rec.RID, Columns: out}, nil
}

// SelectRange returns the newest versions of all records whose primary key
// lies in [low, high], in ascending key order.
func (t *Table) SelectRange(ctx context.Context, low, high int64, cols ...int) ([]Row, error) {
	return t.selectRangeVersion(ctx, low, high, 0, cols)
}

func (t *Table) selectRangeVersion(ctx context.Context, low, high int64, relative int, cols []int) ([]Row, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	rids := t.primary.Range(low, high)
	rows := make([]Row, 0, len(rids))
	for _, rid := range rids {
		row, err := t.selectRID(ctx, rid, relative, cols)
		if err != nil {
			// The record can vanish between the index scan and the read.
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordDeleted) {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Sum returns the sum of column over all records whose primary key lies in
// [low, high]. Returns ErrNotFound when no record falls in the range.
func (t *Table) Sum(ctx context.Context, low, high int64, column int) (int64, error) {
	return t.SumVersion(ctx, low, high, column, 0)
}

// SumVersion is Sum over the version relative steps behind the newest.
func (t *Table) SumVersion(ctx context.Context, low, high int64, column int, relative int) (int64, error) {
	if column < 0 || column >= t.numCols {
		return 0, &ErrInvalidColumn{Column: column, Columns: t.numCols}
	}
	rows, err := t.selectRangeVersion(ctx, low, high, relative, []int{column})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: no keys in [%d, %d]", ErrNotFound, low, high)
	}
	var sum int64
	for _, row := range rows {
		sum += row.Columns[0]
	}
	return sum, nil
}

// CreateIndex builds a secondary index over the given user column from the
// current live records. Subsequent writes maintain it.
func (t *Table) CreateIndex(ctx context.Context, column int) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if column < 0 || column >= t.numCols {
		return &ErrInvalidColumn{Column: column, Columns: t.numCols}
	}

	// The write lock excludes writers' index maintenance for the whole
	// build, so the backfill cannot miss a concurrent update.
	t.secMu.Lock()
	defer t.secMu.Unlock()
	if _, ok := t.secondary[column]; ok {
		return fmt.Errorf("%w: column %d", ErrIndexExists, column)
	}

	idx := index.NewSecondary()
	for _, rid := range t.primary.Range(math.MinInt64, math.MaxInt64) {
		row, err := t.selectRID(ctx, rid, 0, []int{column})
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordDeleted) {
				continue
			}
			return err
		}
		idx.Add(row.Columns[0], rid)
	}
	t.secondary[column] = idx
	return nil
}

// DropIndex removes the secondary index on the given user column, if any.
func (t *Table) DropIndex(column int) {
	t.secMu.Lock()
	delete(t.secondary, column)
	t.secMu.Unlock()
}

// SelectBy returns the newest versions of all records whose value in the
// given user column equals value. A secondary index on the column is built
// on demand and maintained afterwards; queries on the key column use the
// primary index directly.
func (t *Table) SelectBy(ctx context.Context, column int, value int64, cols ...int) ([]Row, error) {
	if column < 0 || column >= t.numCols {
		return nil, &ErrInvalidColumn{Column: column, Columns: t.numCols}
	}
	if column == t.keyCol {
		row, err := t.Select(ctx, value, cols...)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordDeleted) {
				return nil, nil
			}
			return nil, err
		}
		return []Row{row}, nil
	}

	t.secMu.RLock()
	idx, ok := t.secondary[column]
	t.secMu.RUnlock()
	if !ok {
		if err := t.CreateIndex(ctx, column); err != nil && !errors.Is(err, ErrIndexExists) {
			return nil, err
		}
		t.secMu.RLock()
		idx = t.secondary[column]
		t.secMu.RUnlock()
	}

	rows := make([]Row, 0)
	for _, rid := range idx.Lookup(value) {
		row, err := t.selectRID(ctx, rid, 0, cols)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordDeleted) {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Flush writes all dirty pages through to the page store.
func (t *Table) Flush(ctx context.Context) error {
	err := t.pool.Flush(ctx)
	t.logger.LogFlush(ctx, err)
	return err
}

func (t *Table) maybeMerge(rng *pagerange.Range) {
	if t.merger == nil {
		return
	}
	if rng.TailDeltaCount() >= t.mergeThreshold {
		t.merger.signal(rng)
	}
}

func (t *Table) close() {
	t.closed.Store(true)
}
