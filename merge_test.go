package lstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lstoredb/lstore/internal/page"
	"github.com/lstoredb/lstore/model"
)

func mergeOnce(t *testing.T, tbl *Table) {
	t.Helper()
	for _, rng := range tbl.allRanges() {
		tbl.mergeRange(context.Background(), rng)
	}
}

func TestMergePreservesNewestValues(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 10, 20, 30))
	require.NoError(t, tbl.Update(ctx, 10, nil, i64(99), nil))

	row, err := tbl.Select(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 99, 30}, row.Columns)

	mergeOnce(t, tbl)

	row, err = tbl.Select(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 99, 30}, row.Columns)

	// The consolidated record is the oldest retained version now.
	row, err = tbl.SelectVersion(ctx, 10, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 99, 30}, row.Columns)
}

func TestMergeSwingsDirectoryToConsolidatedBase(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(11)))

	rid, ok := tbl.primary.Lookup(1)
	require.True(t, ok)
	loc, err := tbl.dir.Get(rid)
	require.NoError(t, err)
	require.Equal(t, model.KindTail, loc.Kind)

	mergeOnce(t, tbl)

	loc, err = tbl.dir.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, model.KindBase, loc.Kind)
	assert.GreaterOrEqual(t, int(loc.Page), tbl.basePages,
		"consolidated records live in merge-generation pages")

	rng := tbl.allRanges()[0]
	assert.Zero(t, rng.TailDeltaCount())
}

func TestMergeConsumesWindowOnce(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(11)))

	mergeOnce(t, tbl)
	rng := tbl.allRanges()[0]
	require.Zero(t, rng.TailDeltaCount())

	// A second pass over an empty window is a no-op.
	mergeOnce(t, tbl)
	require.Zero(t, rng.TailDeltaCount())

	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11}, row.Columns)
}

func TestMergeRemovesTombstonedRecords(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Insert(ctx, 2, 20))
	require.NoError(t, tbl.Delete(ctx, 1))

	rid1, _ := tbl.primary.Lookup(1)
	assert.Zero(t, rid1) // key already gone from the index

	mergeOnce(t, tbl)

	// The tombstoned record's directory entry is gone for good.
	assert.Equal(t, 1, tbl.dir.Len())

	_, err := tbl.Select(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
	row, err := tbl.Select(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 20}, row.Columns)
}

func TestMergeThenUpdateThenMergeAgain(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(11)))
	mergeOnce(t, tbl)

	// A fresh delta chain grows from the consolidated base.
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(12)))
	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 12}, row.Columns)
	row, err = tbl.SelectVersion(ctx, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11}, row.Columns)

	mergeOnce(t, tbl)
	row, err = tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 12}, row.Columns)
}

func TestMergeManyDeltas(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	const records = 64
	for k := int64(0); k < records; k++ {
		require.NoError(t, tbl.Insert(ctx, k, 0))
	}
	// Enough updates to span several tail pages.
	for round := int64(1); round <= 20; round++ {
		for k := int64(0); k < records; k++ {
			require.NoError(t, tbl.Update(ctx, k, nil, i64(round*100+k)))
		}
	}

	mergeOnce(t, tbl)
	require.Zero(t, tbl.allRanges()[0].TailDeltaCount())

	for k := int64(0); k < records; k++ {
		row, err := tbl.Select(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []int64{k, 2000 + k}, row.Columns)
	}

	sum, err := tbl.Sum(ctx, 0, records-1, 1)
	require.NoError(t, err)
	want := int64(records)*2000 + records*(records-1)/2
	assert.Equal(t, want, sum)
}

func TestMergeRunsOnEmptyWindow(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	// No deltas at all: BeginMerge declines and nothing happens.
	mergeOnce(t, tbl)
	assert.Zero(t, tbl.allRanges()[0].TailDeltaCount())
}

func TestMergeConcurrentWithWriters(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	const records = 32
	for k := int64(0); k < records; k++ {
		require.NoError(t, tbl.Insert(ctx, k, 0))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for round := int64(1); round <= 10; round++ {
			for k := int64(0); k < records; k++ {
				if err := tbl.Update(ctx, k, nil, i64(round)); err != nil {
					t.Error(err)
					return
				}
			}
		}
	}()

	for i := 0; i < 20; i++ {
		mergeOnce(t, tbl)
	}
	<-done
	mergeOnce(t, tbl)

	for k := int64(0); k < records; k++ {
		row, err := tbl.Select(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(10), row.Columns[1], "key %d", k)
	}
}

func TestMergeStopsAtInFlightTailSlot(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 0, 0))
	// Fill tail slots 0..page.Slots-2: the first update snapshots the base
	// image, every later one appends a single delta.
	for i := 1; i < page.Slots-1; i++ {
		require.NoError(t, tbl.Update(ctx, 1, nil, i64(int64(i)), nil))
	}

	rid, ok := tbl.primary.Lookup(1)
	require.True(t, ok)
	rng := tbl.rangeByID(0)

	writeCol := func(loc model.Location, col int, v int64) {
		id := rng.PageID(model.KindTail, col, loc.Page)
		p, err := tbl.pool.PinOrNew(ctx, id)
		require.NoError(t, err)
		require.NoError(t, p.Write(int(loc.Slot), v))
		tbl.pool.Unpin(ctx, id, true)
	}

	// A writer claims the last slot of tail page 0, lands its first column
	// and stalls before finishing.
	loc, _ := rng.AllocateTail()
	require.Equal(t, uint32(0), loc.Page)
	require.Equal(t, uint32(page.Slots-1), loc.Slot)
	writeCol(loc, 0, 1)

	mergeOnce(t, tbl)

	// The claimed slot kept tail page 0 from being retired; everything
	// published before it is consolidated.
	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, int64(page.Slots - 2), 0}, row.Columns)
	cur, err := tbl.dir.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, model.KindBase, cur.Kind)

	// The stalled writer finishes its remaining columns and publishes.
	n := tbl.numCols
	writeCol(loc, 1, 7777)
	writeCol(loc, 2, 0)
	writeCol(loc, n+model.MetaIndirection, int64(cur.Pack()))
	writeCol(loc, n+model.MetaRID, int64(rid))
	writeCol(loc, n+model.MetaSchema, 1<<1)
	writeCol(loc, n+model.MetaTimestamp, time.Now().UnixNano())
	writeCol(loc, n+model.MetaValid, model.ValidLive)
	tbl.dir.Set(rid, loc)
	rng.MarkTailWritten(loc)

	row, err = tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 7777, 0}, row.Columns)

	// The next pass consumes the straggler and retires the page.
	mergeOnce(t, tbl)
	assert.Equal(t, 0, rng.TailDeltaCount())
	row, err = tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 7777, 0}, row.Columns)
	cur, err = tbl.dir.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, model.KindBase, cur.Kind)
}

func TestMergeFoldsUnderRecordLock(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Insert(ctx, 2, 20))

	rid1, ok := tbl.primary.Lookup(1)
	require.True(t, ok)
	rid2, ok := tbl.primary.Lookup(2)
	require.True(t, ok)
	rng := tbl.rangeByID(0)
	base1, err := tbl.dir.Get(rid1)
	require.NoError(t, err)
	base2, err := tbl.dir.Get(rid2)
	require.NoError(t, err)

	locA, _ := rng.AllocateTail()
	locB, _ := rng.AllocateTail()

	writeCol := func(loc model.Location, col int, v int64) {
		id := rng.PageID(model.KindTail, col, loc.Page)
		p, perr := tbl.pool.PinOrNew(ctx, id)
		require.NoError(t, perr)
		require.NoError(t, p.Write(int(loc.Slot), v))
		tbl.pool.Unpin(ctx, id, true)
	}

	// Record 2's delta lands completely and publishes, raising the valid
	// column's high-water mark past the in-flight slot before it.
	require.NoError(t, tbl.writeVersion(ctx, rng, locB, rid2, []int64{2, 21}, base2, 1<<1, time.Now().UnixNano(), model.ValidLive))
	tbl.dir.Set(rid2, locB)
	rng.MarkTailWritten(locB)

	// Record 1's writer has everything down but the valid column.
	n := tbl.numCols
	writeCol(locA, 0, 1)
	writeCol(locA, 1, 11)
	writeCol(locA, n+model.MetaIndirection, int64(base1.Pack()))
	writeCol(locA, n+model.MetaRID, int64(rid1))
	writeCol(locA, n+model.MetaSchema, 1<<1)
	writeCol(locA, n+model.MetaTimestamp, time.Now().UnixNano())

	// An off-lock fold of that slot misreads it as a tombstone.
	rec, _, _, err := tbl.foldChain(ctx, locA, rid1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Tombstone)

	// The writer finishes and publishes; merge commits only what it folds
	// from the directory under the record's lock, so the record stays live.
	writeCol(locA, n+model.MetaValid, model.ValidLive)
	tbl.dir.Set(rid1, locA)
	rng.MarkTailWritten(locA)

	mergeOnce(t, tbl)

	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11}, row.Columns)
	got, err := tbl.dir.Get(rid1)
	require.NoError(t, err)
	assert.Equal(t, model.KindBase, got.Kind)
	assert.Equal(t, 2, tbl.dir.Len())

	row, err = tbl.Select(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 21}, row.Columns)
}
