package rwmap

import (
	"fmt"
	"sync/atomic"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultMaxReaders = 1024 // Default registration cap
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// rwImpl implements a map guarded by one readers-writer lock
type rwImpl[K comparable, V any] struct {
	mu   *xsync.RBMutex // Guards data
	data map[K]V

	maxReaders int
	readers    atomic.Int64

	closed atomic.Bool
}

// Options configures the map during initialization
type Options struct {
	MaxReaders int // Max concurrently registered readers (0 = default: 1024)
}

// DefaultOptions returns the default map options
func DefaultOptions() *Options {
	return &Options{
		MaxReaders: defaultMaxReaders,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a new lock-based map with the specified options (optional).
// Unlike the RCU engine there is no hasher to provide; the builtin map
// hashes keys itself.
//
// Thread-safety: This function is not thread-safe and should only be called
// once per map during initialization.
func New[K comparable, V any](opts *Options) (hmap.Map[K, V], error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	resolved := *opts
	if resolved.MaxReaders == 0 {
		resolved.MaxReaders = defaultMaxReaders
	}
	if resolved.MaxReaders < 0 {
		return nil, hmap.NewError(hmap.RetCInvalidParameters, fmt.Sprintf("max readers %d is negative", resolved.MaxReaders))
	}

	return &rwImpl[K, V]{
		mu:         xsync.NewRBMutex(),
		data:       make(map[K]V),
		maxReaders: resolved.MaxReaders,
	}, nil
}

// --------------------------------------------------------------------------
// Core Map Interface Methods - Write Operations
// --------------------------------------------------------------------------

// InsertOrReplace inserts an entry with the given key and value, replacing
// any previous value. The write lock excludes all readers for the duration.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rwImpl[K, V]) InsertOrReplace(key K, value V) error {
	if m.closed.Load() {
		return hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

// Remove deletes the entry with the specified key. Removing an absent key
// returns false and has no side effect.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rwImpl[K, V]) Remove(key K) (bool, error) {
	if m.closed.Load() {
		return false, hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	m.mu.Lock()
	_, present := m.data[key]
	if present {
		delete(m.data, key)
	}
	m.mu.Unlock()
	return present, nil
}

// --------------------------------------------------------------------------
// Core Map Interface Methods - Read Access
// --------------------------------------------------------------------------

// rwReader is the per-goroutine read handle
type rwReader[K comparable, V any] struct {
	m       *rwImpl[K, V]
	section int // owner-only section nesting depth
	closed  bool
}

// rwTxn exposes lookups inside one read section
type rwTxn[K comparable, V any] struct {
	r *rwReader[K, V]
}

// Reader registers a read handle for the calling goroutine. The handle must
// not be shared across goroutines and must be closed when done. Handles only
// exist for registration accounting here; the read lock itself is taken per
// operation.
func (m *rwImpl[K, V]) Reader() (hmap.Reader[K, V], error) {
	if m.closed.Load() {
		return nil, hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	if m.readers.Add(1) > int64(m.maxReaders) {
		m.readers.Add(-1)
		return nil, hmap.NewError(hmap.RetCExhausted, fmt.Sprintf("reader limit reached: %d readers registered", m.maxReaders))
	}

	return &rwReader[K, V]{m: m}, nil
}

// Lookup retrieves the value for an exact key under a read token. A missing
// key is an ordinary result, never an error.
func (r *rwReader[K, V]) Lookup(key K) (value V, found bool) {
	tk := r.m.mu.RLock()
	value, found = r.m.data[key]
	r.m.mu.RUnlock(tk)
	return value, found
}

// Read runs fn while holding a single read token, so all lookups through
// the txn observe one consistent state of the map. Writers are blocked for
// the whole section; keep it short.
func (r *rwReader[K, V]) Read(fn func(txn hmap.Txn[K, V])) {
	tk := r.m.mu.RLock()
	r.section++
	defer func() {
		r.section--
		r.m.mu.RUnlock(tk)
	}()
	fn(rwTxn[K, V]{r: r})
}

// Close unregisters the reader. Closing inside an open Read section panics.
func (r *rwReader[K, V]) Close() error {
	if r.section != 0 {
		panic("rwmap: reader closed inside an open read section")
	}
	if !r.closed {
		r.closed = true
		r.m.readers.Add(-1)
	}
	return nil
}

// Lookup inside a read section. The token is held by the enclosing Read.
func (t rwTxn[K, V]) Lookup(key K) (value V, found bool) {
	if t.r.section == 0 {
		panic("rwmap: txn used outside its read section")
	}

	value, found = t.r.m.data[key]
	return value, found
}

// --------------------------------------------------------------------------
// Map Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// Len returns the current number of entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rwImpl[K, V]) Len() int {
	tk := m.mu.RLock()
	n := len(m.data)
	m.mu.RUnlock(tk)
	return n
}

// GetInfo returns statistics about the map
func (m *rwImpl[K, V]) GetInfo() hmap.MapInfo {
	// Metadata for this specific map implementation
	meta := &struct {
		RegisteredReaders int    `json:"registered_readers"`
		Info              string `json:"info"`
	}{
		RegisteredReaders: int(m.readers.Load()),
		Info:              "All values are point-in-time samples and may vary depending on the map state.",
	}

	// features
	supportedFeatures := []hmap.Feature{
		hmap.FeatureLookup, hmap.FeatureInsertOrReplace, hmap.FeatureRemove,
		hmap.FeatureReadTxn,
	}

	return hmap.MapInfo{
		Entries: m.Len(),
		// the builtin map hides its structure; the whole table is one
		// lock domain
		Buckets:           1,
		MapType:           hmap.ImplRWLock,
		SupportedFeatures: supportedFeatures,
		Metadata:          meta,
	}
}

// SupportsFeature checks if this implementation supports a specific map feature
func (m *rwImpl[K, V]) SupportsFeature(feature hmap.Feature) bool {
	supportedFeatures := hmap.FeatureLookup |
		hmap.FeatureInsertOrReplace |
		hmap.FeatureRemove |
		hmap.FeatureReadTxn
	return supportedFeatures&feature == feature
}

// Close marks the map closed. Entries are surrendered to the garbage
// collector with the map itself; there is no reclamation machinery to shut
// down here.
func (m *rwImpl[K, V]) Close() error {
	m.closed.Store(true)
	return nil
}
