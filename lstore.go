// Package lstore implements a log-structured columnar table store. Inserts
// land in immutable base pages, updates and deletes append cumulative deltas
// to tail pages, and a background merge folds accumulated deltas back into
// consolidated base pages without blocking readers or writers.
package lstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lstoredb/lstore/pagestore"
	"github.com/lstoredb/lstore/resource"
)

// DB owns a set of tables sharing one page store, one resource controller
// and one merge worker pool.
type DB struct {
	opts   options
	store  pagestore.PageStore
	rc     *resource.Controller
	logger *Logger
	wp     *workerPool

	mu      sync.RWMutex
	tables  map[string]*Table
	mergers map[string]*merger

	closed atomic.Bool
}

// Open creates a database handle. With no options it runs fully in memory.
func Open(optFns ...Option) (*DB, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	store := o.store
	if o.compression != pagestore.CompressionNone {
		store = pagestore.NewCompressingStore(store, o.compression)
	}

	return &DB{
		opts:    o,
		store:   store,
		rc:      resource.NewController(o.resourceConfig),
		logger:  o.logger,
		wp:      newWorkerPool(int(o.resourceConfig.MaxMergeWorkers)),
		tables:  make(map[string]*Table),
		mergers: make(map[string]*merger),
	}, nil
}

// CreateTable creates a table with numColumns user columns, keyed by the
// column at keyColumn.
func (db *DB) CreateTable(name string, numColumns, keyColumn int) (*Table, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("empty table name")
	}
	if numColumns < 1 {
		return nil, &ErrSchemaMismatch{Expected: 1, Actual: numColumns}
	}
	if keyColumn < 0 || keyColumn >= numColumns {
		return nil, &ErrInvalidColumn{Column: keyColumn, Columns: numColumns}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	t := newTable(name, numColumns, keyColumn, db.store, db.rc, db.logger,
		db.opts.bufferPoolSize, db.opts.basePages, db.opts.mergeThreshold)
	m := newMerger(t, db.wp, db.opts.mergeInterval)
	t.merger = m
	m.start()

	db.tables[name] = t
	db.mergers[name] = m
	db.logger.InfoContext(context.Background(), "table created",
		"table", name,
		"columns", numColumns,
		"key_column", keyColumn,
	)
	return t, nil
}

// GetTable returns the table with the given name.
func (db *DB) GetTable(name string) (*Table, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	return t, nil
}

// DropTable detaches the table with the given name: its merge scheduler
// stops and further operations on it fail with ErrClosed. Pages already in
// the store are not reclaimed.
func (db *DB) DropTable(name string) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	if !ok {
		return fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	db.mergers[name].stop()
	t.close()
	delete(db.tables, name)
	delete(db.mergers, name)
	return nil
}

// Flush writes all dirty pages of all tables through to the page store.
func (db *DB) Flush(ctx context.Context) error {
	db.mu.RLock()
	tables := make([]*Table, 0, len(db.tables))
	for _, t := range db.tables {
		tables = append(tables, t)
	}
	db.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tables {
		g.Go(func() error { return t.Flush(ctx) })
	}
	return g.Wait()
}

// Close stops background merging, flushes every table and releases the
// worker pool. The handle is unusable afterwards.
func (db *DB) Close(ctx context.Context) error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.mu.Lock()
	tables := db.tables
	mergers := db.mergers
	db.tables = make(map[string]*Table)
	db.mergers = make(map[string]*merger)
	db.mu.Unlock()

	for _, m := range mergers {
		m.stop()
	}
	db.wp.close()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tables {
		g.Go(func() error {
			defer t.close()
			return t.Flush(ctx)
		})
	}
	return g.Wait()
}
