// Package pagestore defines the persistence boundary of the engine: a
// byte-buffer store addressed by page ID. The engine never touches files or
// object storage directly; every page read and write goes through a PageStore
// selected by the caller.
package pagestore

import "context"

// ErrNotFound is returned when a page does not exist in the store.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "page not found" }

// PageID names one page. IDs are hierarchical, slash-separated paths of the
// form "<table>/range-<n>/<base|tail>/col-<c>/page-<p>" so that stores backed
// by filesystems or object storage map them to natural keys.
type PageID string

// PageStore is an abstraction over the backing byte-buffer storage.
//
// Implementations must be safe for concurrent use. WritePage must be atomic
// per page: a concurrent ReadPage observes either the previous bytes or the
// new bytes, never a mix.
type PageStore interface {
	// ReadPage returns the stored bytes for the page.
	// Returns ErrNotFound if the page has never been written.
	ReadPage(ctx context.Context, id PageID) ([]byte, error)
	// WritePage stores the page bytes, replacing any previous content.
	WritePage(ctx context.Context, id PageID, data []byte) error
	// DeletePage removes the page. Deleting an absent page is not an error.
	DeletePage(ctx context.Context, id PageID) error
}
