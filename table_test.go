package lstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lstoredb/lstore/model"
)

// newTestTable returns a table with background merging disabled so tests can
// drive merge passes explicitly.
func newTestTable(t *testing.T, numCols, keyCol int, optFns ...Option) *Table {
	t.Helper()
	opts := append([]Option{
		WithMergeInterval(0),
		WithMergeThreshold(1 << 30),
	}, optFns...)
	db, err := Open(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	tbl, err := db.CreateTable("t", numCols, keyCol)
	require.NoError(t, err)
	return tbl
}

func i64(v int64) *int64 { return &v }

func TestInsertSelect(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 20, 30))
	require.NoError(t, tbl.Insert(ctx, 2, 21, 31))

	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 20, 30}, row.Columns)

	// Projection follows request order.
	row, err = tbl.Select(ctx, 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{31, 2}, row.Columns)

	_, err = tbl.Select(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicateKey(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 7, 1))
	err := tbl.Insert(ctx, 7, 2)
	require.ErrorIs(t, err, ErrDuplicateKey)

	// The failed insert must not clobber the existing record.
	row, err := tbl.Select(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 1}, row.Columns)
}

func TestInsertSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	err := tbl.Insert(ctx, 1, 2)
	var sm *ErrSchemaMismatch
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, 3, sm.Expected)
	assert.Equal(t, 2, sm.Actual)
}

func TestUpdateUnchangedColumnsFallThrough(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 10, 20, 30))
	require.NoError(t, tbl.Update(ctx, 10, nil, i64(99), nil))

	row, err := tbl.Select(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 99, 30}, row.Columns)
}

func TestUpdateMissingKey(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	err := tbl.Update(context.Background(), 5, nil, i64(1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateKeyColumnMovesIndex(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 100))
	require.NoError(t, tbl.Insert(ctx, 2, 200))

	require.NoError(t, tbl.Update(ctx, 1, i64(3), nil))

	_, err := tbl.Select(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
	row, err := tbl.Select(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 100}, row.Columns)

	// Moving onto a taken key fails before anything is written.
	err = tbl.Update(ctx, 3, i64(2), nil)
	require.ErrorIs(t, err, ErrDuplicateKey)
	row, err = tbl.Select(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 100}, row.Columns)
}

func TestSelectVersion(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10, 100))
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(11), nil))
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(12), nil))

	row, err := tbl.SelectVersion(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 12, 100}, row.Columns)

	row, err = tbl.SelectVersion(ctx, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11, 100}, row.Columns)

	row, err = tbl.SelectVersion(ctx, 1, -2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 10, 100}, row.Columns)

	// Walking past the oldest version returns the oldest one.
	row, err = tbl.SelectVersion(ctx, 1, -10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 10, 100}, row.Columns)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Delete(ctx, 1))

	_, err := tbl.Select(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, tbl.Delete(ctx, 1), ErrNotFound)

	// The key is reusable after the delete.
	require.NoError(t, tbl.Insert(ctx, 1, 11))
	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11}, row.Columns)
}

func TestSelectRangeAscendingInclusive(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	for _, k := range []int64{5, 1, 9, 3, 7} {
		require.NoError(t, tbl.Insert(ctx, k, k*10))
	}

	rows, err := tbl.SelectRange(ctx, 3, 7)
	require.NoError(t, err)
	keys := make([]int64, len(rows))
	for i, r := range rows {
		keys[i] = r.Columns[0]
	}
	assert.Equal(t, []int64{3, 5, 7}, keys)
}

func TestSumAndSumVersion(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	for k := int64(1); k <= 5; k++ {
		require.NoError(t, tbl.Insert(ctx, k, k))
	}

	sum, err := tbl.Sum(ctx, 2, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sum)

	require.NoError(t, tbl.Update(ctx, 3, nil, i64(100)))
	sum, err = tbl.Sum(ctx, 2, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(106), sum)

	// The previous version still sums to the old values.
	sum, err = tbl.SumVersion(ctx, 2, 4, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sum)

	_, err = tbl.Sum(ctx, 50, 60, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	require.NoError(t, tbl.Increment(ctx, 1, 1))
	require.NoError(t, tbl.Increment(ctx, 1, 1))

	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), row.Columns[1])
}

func TestSecondaryIndex(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 7, 100))
	require.NoError(t, tbl.Insert(ctx, 2, 7, 200))
	require.NoError(t, tbl.Insert(ctx, 3, 8, 300))

	require.NoError(t, tbl.CreateIndex(ctx, 1))
	require.ErrorIs(t, tbl.CreateIndex(ctx, 1), ErrIndexExists)

	rows, err := tbl.SelectBy(ctx, 1, 7, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// An update moves the record between postings.
	require.NoError(t, tbl.Update(ctx, 1, nil, i64(8), nil))
	rows, err = tbl.SelectBy(ctx, 1, 7, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Columns[0])
	rows, err = tbl.SelectBy(ctx, 1, 8, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// A delete drops the record from its posting.
	require.NoError(t, tbl.Delete(ctx, 3))
	rows, err = tbl.SelectBy(ctx, 1, 8, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	tbl.DropIndex(1)

	// SelectBy rebuilds the index on demand.
	rows, err = tbl.SelectBy(ctx, 1, 8, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Columns[0])
}

func TestInsertGrowsPageRanges(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0, WithBasePages(1))

	// One base page holds 512 records; the 513th opens a second range.
	for k := int64(0); k < 520; k++ {
		require.NoError(t, tbl.Insert(ctx, k, k))
	}
	assert.Len(t, tbl.allRanges(), 2)

	row, err := tbl.Select(ctx, 515)
	require.NoError(t, err)
	assert.Equal(t, []int64{515, 515}, row.Columns)
}

func TestConcurrentDisjointWriters(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 3, 0)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := int64(w * perWorker)
			for i := int64(0); i < perWorker; i++ {
				key := base + i
				if err := tbl.Insert(ctx, key, key*2, 0); err != nil {
					t.Error(err)
					return
				}
				if err := tbl.Update(ctx, key, nil, nil, i64(key*3)); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for key := int64(0); key < workers*perWorker; key++ {
		row, err := tbl.Select(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []int64{key, key * 2, key * 3}, row.Columns)
	}
}

func TestConcurrentIncrementsSameKey(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 0))

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := tbl.Increment(ctx, 1, 1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	row, err := tbl.Select(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), row.Columns[1])
}

func TestRecordMetadata(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t, 2, 0)

	require.NoError(t, tbl.Insert(ctx, 1, 10))
	rid, ok := tbl.primary.Lookup(1)
	require.True(t, ok)

	loc, err := tbl.dir.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, model.KindBase, loc.Kind)

	rec, err := tbl.readVersion(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, rid, rec.RID)
	assert.Equal(t, loc, rec.Indirection, "base record terminates its own chain")
	assert.False(t, rec.Tombstone)
	assert.NotZero(t, rec.Timestamp)

	require.NoError(t, tbl.Update(ctx, 1, nil, i64(11)))
	loc, err = tbl.dir.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, model.KindTail, loc.Kind)

	rec, err = tbl.readVersion(ctx, loc)
	require.NoError(t, err)
	assert.True(t, rec.Changed(1))
	assert.False(t, rec.Changed(0))
}
