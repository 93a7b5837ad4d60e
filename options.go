package lstore

import (
	"time"

	"github.com/lstoredb/lstore/pagestore"
	"github.com/lstoredb/lstore/resource"
)

const (
	// DefaultBufferPoolSize is the per-table buffer pool capacity in frames.
	DefaultBufferPoolSize = 256

	// DefaultMergeThreshold is the tail delta count that triggers a
	// background merge of a page range.
	DefaultMergeThreshold = 512

	// DefaultBasePages is the number of base pages per page range.
	DefaultBasePages = 16

	// DefaultMergeInterval is how often the merge scheduler re-scans
	// ranges whose threshold trigger was missed (e.g. because a merge
	// was already running).
	DefaultMergeInterval = 5 * time.Second
)

type options struct {
	store          pagestore.PageStore
	compression    pagestore.Compression
	logger         *Logger
	resourceConfig resource.Config
	bufferPoolSize int
	mergeThreshold int
	basePages      int
	mergeInterval  time.Duration
}

// Option configures database constructor behavior.
type Option func(*options)

// WithPageStore configures the backing page store. If nil is passed,
// an in-memory store is used.
//
// Stores that talk to object storage (see pagestore/minio and
// pagestore/s3) make the database durable across restarts.
func WithPageStore(store pagestore.PageStore) Option {
	return func(o *options) {
		if store == nil {
			store = pagestore.NewMemoryStore()
		}
		o.store = store
	}
}

// WithCompression configures transparent page compression. Pages are
// compressed on write-back and decompressed on read; the codec tag is
// stored with each page, so previously written data remains readable
// after the setting changes.
func WithCompression(c pagestore.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithResourceConfig configures memory, merge concurrency and merge IO
// limits enforced by the shared resource controller.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithBufferPoolSize configures the per-table buffer pool capacity in
// frames. Values below 1 fall back to the default.
//
// The pool must be able to hold one page per column for a write to
// make progress; very small pools combined with wide tables can fail
// with ErrAllPinned.
func WithBufferPoolSize(frames int) Option {
	return func(o *options) {
		if frames < 1 {
			frames = DefaultBufferPoolSize
		}
		o.bufferPoolSize = frames
	}
}

// WithMergeThreshold configures how many tail deltas accumulate in a
// page range before a background merge is scheduled. Values below 1
// fall back to the default.
func WithMergeThreshold(deltas int) Option {
	return func(o *options) {
		if deltas < 1 {
			deltas = DefaultMergeThreshold
		}
		o.mergeThreshold = deltas
	}
}

// WithBasePages configures the number of base pages per page range.
// Values below 1 fall back to the default.
func WithBasePages(pages int) Option {
	return func(o *options) {
		if pages < 1 {
			pages = DefaultBasePages
		}
		o.basePages = pages
	}
}

// WithMergeInterval configures the merge scheduler re-scan period.
// A zero or negative interval disables the periodic re-scan; merges
// then run only on threshold triggers.
func WithMergeInterval(d time.Duration) Option {
	return func(o *options) {
		o.mergeInterval = d
	}
}

func defaultOptions() options {
	return options{
		store:          pagestore.NewMemoryStore(),
		compression:    pagestore.CompressionNone,
		logger:         NoopLogger(),
		bufferPoolSize: DefaultBufferPoolSize,
		mergeThreshold: DefaultMergeThreshold,
		basePages:      DefaultBasePages,
		mergeInterval:  DefaultMergeInterval,
	}
}
