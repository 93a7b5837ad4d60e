package testutil

import (
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Int64 returns a pseudo-random value usable as a column value.
func (r *RNG) Int64() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int63n(1 << 32)
}

// Rows generates num records of columns values each. Keys are the sequence
// 0..num-1 placed in keyColumn; every other column is random.
func (r *RNG) Rows(num, columns, keyColumn int) [][]int64 {
	rows := make([][]int64, num)
	for i := range rows {
		row := make([]int64, columns)
		for c := range row {
			if c == keyColumn {
				row[c] = int64(i)
			} else {
				row[c] = r.Int64()
			}
		}
		rows[i] = row
	}
	return rows
}

// Update generates a sparse update: each non-key column is overwritten with
// probability one half, the key column is always left alone. At least one
// column is set.
func (r *RNG) Update(columns, keyColumn int) []*int64 {
	values := make([]*int64, columns)
	touched := false
	for c := range values {
		if c == keyColumn {
			continue
		}
		if r.Intn(2) == 0 {
			v := r.Int64()
			values[c] = &v
			touched = true
		}
	}
	if !touched {
		c := r.Intn(columns)
		if c == keyColumn {
			c = (c + 1) % columns
		}
		v := r.Int64()
		values[c] = &v
	}
	return values
}

// ShuffledKeys returns the keys 0..num-1 in random order.
func (r *RNG) ShuffledKeys(num int) []int64 {
	keys := make([]int64, num)
	for i := range keys {
		keys[i] = int64(i)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Shuffle(num, func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	return keys
}
