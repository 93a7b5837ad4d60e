package lstore

import (
	"errors"
	"fmt"

	"github.com/lstoredb/lstore/index"
	"github.com/lstoredb/lstore/internal/bufferpool"
	"github.com/lstoredb/lstore/internal/directory"
	"github.com/lstoredb/lstore/pagestore"
)

var (
	// ErrNotFound is returned when a key or table does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a primary key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRecordDeleted is returned when reading a record that has a tombstone
	// as its newest version.
	ErrRecordDeleted = errors.New("record deleted")

	// ErrClosed is returned when operating on a closed database or table.
	ErrClosed = errors.New("closed")

	// ErrTableExists is returned when creating a table whose name is taken.
	ErrTableExists = errors.New("table already exists")

	// ErrIndexExists is returned when creating a secondary index on a column
	// that already has one.
	ErrIndexExists = errors.New("index already exists")

	// ErrAllPinned is returned when the buffer pool cannot evict a frame
	// because every resident page is pinned.
	ErrAllPinned = bufferpool.ErrAllPinned
)

// ErrSchemaMismatch indicates a value count that does not match the table schema.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrSchemaMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch: expected %d columns, got %d", e.Expected, e.Actual)
}

func (e *ErrSchemaMismatch) Unwrap() error { return e.cause }

// ErrInvalidColumn indicates a column index outside the table schema.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidColumn struct {
	Column  int
	Columns int
	cause   error
}

func (e *ErrInvalidColumn) Error() string {
	return fmt.Sprintf("invalid column %d: table has %d columns", e.Column, e.Columns)
}

func (e *ErrInvalidColumn) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, directory.ErrUnknownRID) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, pagestore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, index.ErrDuplicateKey) {
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	}

	return err
}
