// Package testutil provides testing utilities for lstore.
//
// This package is intended for use in tests and benchmarks only.
// It provides deterministic pseudo-random workload generation: record
// values, update patterns and shuffled key orders that reproduce exactly
// for a given seed.
//
// # Random Workloads
//
//	rng := testutil.NewRNG(seed)
//	rows := rng.Rows(1000, 4, 0)        // 1000 records, 4 columns, key in column 0
//	delta := rng.Update(4, 0)           // sparse update leaving the key alone
//	keys := rng.ShuffledKeys(1000)      // visit order for mixed workloads
package testutil
