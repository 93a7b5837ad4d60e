package lstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lstoredb/lstore/testutil"
)

// TestRandomizedWorkload runs a seeded mixed workload against an in-memory
// model of the table, interleaving merge passes, and checks that every
// record ends up with the values the model predicts.
func TestRandomizedWorkload(t *testing.T) {
	ctx := context.Background()
	const (
		columns = 4
		keyCol  = 0
		records = 200
		ops     = 2000
	)

	tbl := newTestTable(t, columns, keyCol)
	rng := testutil.NewRNG(1337)

	model := make(map[int64][]int64, records)
	for _, row := range rng.Rows(records, columns, keyCol) {
		require.NoError(t, tbl.Insert(ctx, row...))
		model[row[keyCol]] = append([]int64(nil), row...)
	}

	deleted := make(map[int64]bool)
	for op := 0; op < ops; op++ {
		key := int64(rng.Intn(records))
		switch {
		case deleted[key]:
			require.ErrorIs(t, tbl.Update(ctx, key, make([]*int64, columns)...), ErrNotFound)
		case rng.Intn(20) == 0:
			require.NoError(t, tbl.Delete(ctx, key))
			deleted[key] = true
			delete(model, key)
		default:
			values := rng.Update(columns, keyCol)
			require.NoError(t, tbl.Update(ctx, key, values...))
			for c, v := range values {
				if v != nil {
					model[key][c] = *v
				}
			}
		}
		if op%500 == 499 {
			mergeOnce(t, tbl)
		}
	}
	mergeOnce(t, tbl)

	assert.Equal(t, len(model), tbl.Len())
	for key, want := range model {
		row, err := tbl.Select(ctx, key)
		require.NoError(t, err, "key %d", key)
		assert.Equal(t, want, row.Columns, "key %d", key)
	}
	for key := range deleted {
		_, err := tbl.Select(ctx, key)
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func BenchmarkInsert(b *testing.B) {
	ctx := context.Background()
	db, err := Open(WithMergeInterval(0), WithMergeThreshold(1<<30))
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close(ctx)
	tbl, err := db.CreateTable("bench", 4, 0)
	if err != nil {
		b.Fatal(err)
	}

	rng := testutil.NewRNG(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tbl.Insert(ctx, int64(i), rng.Int64(), rng.Int64(), rng.Int64()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSelect(b *testing.B) {
	ctx := context.Background()
	db, err := Open(WithMergeInterval(0), WithMergeThreshold(1<<30))
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close(ctx)
	tbl, err := db.CreateTable("bench", 4, 0)
	if err != nil {
		b.Fatal(err)
	}

	const records = 10000
	rng := testutil.NewRNG(1)
	for _, row := range rng.Rows(records, 4, 0) {
		if err := tbl.Insert(ctx, row...); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tbl.Select(ctx, int64(i%records)); err != nil {
			b.Fatal(err)
		}
	}
}
