package rcuht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/engines/rcuht/internal"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/util"
	"github.com/CrabeDeFrance/urcu-ht/lib/rcu"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("rcuht")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Defaults for map behavior and structure
const (
	defaultBuckets         = 64                    // Default bucket count
	defaultMaxReaders      = 1024                  // Default registration cap
	defaultReclaimInterval = 10 * time.Millisecond // Default interval between reclamation runs
	defaultSyncTimeout     = time.Second           // Default bound for one grace-period wait
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// Hasher maps a key and a per-map seed to a 64-bit hash. util.HashString and
// util.HashUint64 satisfy this for the common key types.
type Hasher[K comparable] func(key K, seed uint64) uint64

// rcuImpl implements an RCU-protected hash map
type rcuImpl[K comparable, V any] struct {
	seed   uint64                // Seed for hash function
	hasher Hasher[K]             // Key hash function
	table  *internal.Table[K, V] // Lock-free bucket chains
	gates  []sync.Mutex          // Per-bucket write gates

	tracker *rcu.Tracker // Grace-period tracking, scoped to this map
	queue   *rcu.Queue   // Deferred reclaim records

	pool           sync.Pool // Recycled nodes, fed by the reclamation path
	reclaimedTotal atomic.Uint64

	// reclamation loop
	reclaimInterval time.Duration
	syncTimeout     time.Duration
	reclaimerOn     atomic.Bool
	reclaimerStop   chan struct{}
	reclaimerDone   chan struct{}

	closed atomic.Bool

	// observes (key, value) of each node just before it is zeroed and
	// recycled; assigned by tests before the reclaimer starts
	reclaimHook func(key K, value V)
}

// Options configures the map during initialization
type Options struct {
	Buckets         int           // Number of hash buckets, must be a power of two (0 = default: 64)
	MaxReaders      int           // Max concurrently registered readers (0 = default: 1024)
	ReclaimInterval time.Duration // Time between background reclamation runs (0 = default: 10ms)
	SyncTimeout     time.Duration // Bound for a single grace-period wait (0 = default: 1s)
}

// DefaultOptions returns the default map options
func DefaultOptions() *Options {
	return &Options{
		Buckets:         defaultBuckets,
		MaxReaders:      defaultMaxReaders,
		ReclaimInterval: defaultReclaimInterval,
		SyncTimeout:     defaultSyncTimeout,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a new RCU hash map with the specified options (optional).
// Zero option fields take their defaults. The bucket count must be a power
// of two; anything else is refused with RetCInvalidParameters.
//
// Thread-safety: This function is not thread-safe and should only be called
// once per map during initialization.
func New[K comparable, V any](hasher Hasher[K], opts *Options) (hmap.Map[K, V], error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	// fill in defaults for zero fields
	resolved := *opts
	if resolved.Buckets == 0 {
		resolved.Buckets = defaultBuckets
	}
	if resolved.MaxReaders == 0 {
		resolved.MaxReaders = defaultMaxReaders
	}
	if resolved.ReclaimInterval == 0 {
		resolved.ReclaimInterval = defaultReclaimInterval
	}
	if resolved.SyncTimeout == 0 {
		resolved.SyncTimeout = defaultSyncTimeout
	}

	if hasher == nil {
		return nil, hmap.NewError(hmap.RetCInvalidParameters, "hasher must not be nil")
	}
	if !util.IsPowerOfTwo(resolved.Buckets) {
		return nil, hmap.NewError(hmap.RetCInvalidParameters, fmt.Sprintf("bucket count %d is not a power of two", resolved.Buckets))
	}
	if resolved.MaxReaders < 0 {
		return nil, hmap.NewError(hmap.RetCInvalidParameters, fmt.Sprintf("max readers %d is negative", resolved.MaxReaders))
	}
	if resolved.ReclaimInterval < 0 || resolved.SyncTimeout < 0 {
		return nil, hmap.NewError(hmap.RetCInvalidParameters, "reclaim interval and sync timeout must be positive")
	}

	m := newRCUMap[K, V](hasher, &resolved)
	m.startReclaimer()
	return m, nil
}

// newRCUMap wires the map together without starting the reclaimer. Callers
// are expected to have validated opts.
func newRCUMap[K comparable, V any](hasher Hasher[K], opts *Options) *rcuImpl[K, V] {
	m := &rcuImpl[K, V]{
		seed:            util.GenerateSeed(),
		hasher:          hasher,
		table:           internal.NewTable[K, V](opts.Buckets),
		gates:           make([]sync.Mutex, opts.Buckets),
		tracker:         rcu.NewTracker(opts.MaxReaders),
		queue:           rcu.NewQueue(),
		reclaimInterval: opts.ReclaimInterval,
		syncTimeout:     opts.SyncTimeout,
		reclaimerStop:   make(chan struct{}),
		reclaimerDone:   make(chan struct{}),
	}
	m.pool.New = func() any { return new(internal.Node[K, V]) }
	return m
}

// newNode takes a node from the pool and initializes it for publication.
func (m *rcuImpl[K, V]) newNode(key K, hash uint64, value V) *internal.Node[K, V] {
	node := m.pool.Get().(*internal.Node[K, V])
	node.Key = key
	node.Hash = hash
	node.Value = value
	return node
}

// --------------------------------------------------------------------------
// Core Map Interface Methods - Write Operations
// --------------------------------------------------------------------------

// InsertOrReplace inserts an entry with the given key and value. If the key
// already exists the new node is swapped in with a single link CAS and the
// old node is handed to the reclamation queue, so concurrent readers observe
// either the old or the new entry, never both and never neither.
//
// Thread-safety: This method is thread-safe and can be called concurrently;
// writers contend only when their keys share a bucket.
func (m *rcuImpl[K, V]) InsertOrReplace(key K, value V) error {
	if m.closed.Load() {
		return hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	hash := m.hasher(key, m.seed)
	bucket := m.table.Bucket(hash)

	m.gates[bucket].Lock()
	defer m.gates[bucket].Unlock()

	// the gate makes this traversal stable: nodes reachable from the head
	// can only be unlinked under the gate we hold
	if old := m.table.Find(bucket, hash, key); old != nil {
		m.table.Replace(bucket, old, m.newNode(key, hash, value))
		m.queue.Defer(m.tracker.Epoch(), func() { m.recycle(old) })
		return nil
	}

	m.table.Splice(bucket, m.newNode(key, hash, value))
	return nil
}

// Remove unlinks the entry with the specified key and defers its memory for
// reclamation after a grace period. Removing an absent key returns false and
// has no side effect.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rcuImpl[K, V]) Remove(key K) (bool, error) {
	if m.closed.Load() {
		return false, hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	hash := m.hasher(key, m.seed)
	bucket := m.table.Bucket(hash)

	m.gates[bucket].Lock()
	defer m.gates[bucket].Unlock()

	node := m.table.Find(bucket, hash, key)
	if node == nil {
		return false, nil
	}

	if !m.table.Unsplice(bucket, node) {
		panic(fmt.Sprintf("rcuht: node for bucket %d vanished while its gate was held", bucket))
	}
	m.queue.Defer(m.tracker.Epoch(), func() { m.recycle(node) })
	return true, nil
}

// --------------------------------------------------------------------------
// Core Map Interface Methods - Read Access
// --------------------------------------------------------------------------

// rcuReader is the per-goroutine read handle
type rcuReader[K comparable, V any] struct {
	m      *rcuImpl[K, V]
	handle *rcu.Handle
}

// rcuTxn exposes lookups inside one read session
type rcuTxn[K comparable, V any] struct {
	r *rcuReader[K, V]
}

// Reader registers a read handle for the calling goroutine. The handle must
// not be shared across goroutines and must be closed when done.
func (m *rcuImpl[K, V]) Reader() (hmap.Reader[K, V], error) {
	if m.closed.Load() {
		return nil, hmap.NewError(hmap.RetCClosed, "map is closed")
	}

	handle, err := m.tracker.Register()
	switch {
	case errors.Is(err, rcu.ErrExhausted):
		return nil, hmap.NewError(hmap.RetCExhausted, fmt.Sprintf("reader limit reached: %v", err))
	case errors.Is(err, rcu.ErrClosed):
		return nil, hmap.NewError(hmap.RetCClosed, "map is closed")
	case err != nil:
		return nil, hmap.NewError(hmap.RetCInternalError, fmt.Sprintf("reader registration failed: %v", err))
	}

	return &rcuReader[K, V]{m: m, handle: handle}, nil
}

// Lookup retrieves the value for an exact key. The traversal runs inside its
// own read session; the value is copied out before the session ends. A
// missing key is an ordinary result, never an error.
//
// Wait-free: the session adds one atomic load and two atomic stores around
// the chain walk, and nothing here blocks or retries.
func (r *rcuReader[K, V]) Lookup(key K) (value V, found bool) {
	hash := r.m.hasher(key, r.m.seed)
	bucket := r.m.table.Bucket(hash)

	r.handle.Enter()
	if n := r.m.table.Find(bucket, hash, key); n != nil {
		value = n.Value
		found = true
	}
	r.handle.Exit()

	return value, found
}

// Read runs fn inside a single read session. Every lookup through the txn
// observes the epoch snapshotted at the session start, and any node seen
// once stays dereferenceable until fn returns.
func (r *rcuReader[K, V]) Read(fn func(txn hmap.Txn[K, V])) {
	r.handle.Read(func() {
		fn(rcuTxn[K, V]{r: r})
	})
}

// Close unregisters the reader. Closing inside an open Read section panics.
func (r *rcuReader[K, V]) Close() error {
	return r.handle.Close()
}

// Lookup inside a read session. The session is held by the enclosing Read.
func (t rcuTxn[K, V]) Lookup(key K) (value V, found bool) {
	if !t.r.handle.Active() {
		panic("rcuht: txn used outside its read section")
	}

	hash := t.r.m.hasher(key, t.r.m.seed)
	bucket := t.r.m.table.Bucket(hash)

	if n := t.r.m.table.Find(bucket, hash, key); n != nil {
		value = n.Value
		found = true
	}
	return value, found
}

// --------------------------------------------------------------------------
// Memory Reclamation
// --------------------------------------------------------------------------

// startReclaimer starts the background reclamation loop
// if the reclaimer is already running, this function does nothing
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rcuImpl[K, V]) startReclaimer() {
	if m.reclaimerOn.CompareAndSwap(false, true) {
		go m.reclaimer()
	}
}

// stopReclaimer stops the background reclamation loop and waits for it to
// exit. The reclaimer can't be started again after it has been stopped!
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rcuImpl[K, V]) stopReclaimer() {
	if m.reclaimerOn.CompareAndSwap(true, false) {
		close(m.reclaimerStop)
		<-m.reclaimerDone
	}
}

// reclaimer is the main reclamation loop
// WARNING: this method should never be called directly! use startReclaimer()
// and stopReclaimer()
func (m *rcuImpl[K, V]) reclaimer() {
	defer close(m.reclaimerDone)

	ticker := time.NewTicker(m.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reclaimerStop:
			return
		case <-ticker.C:
			m.reclaim()
		}
	}
}

// reclaim runs one synchronize-and-drain round. A timed-out grace-period
// wait leaves all records filed; the epoch advance it made still counts, so
// a later round needs one fewer quiescence to cover them (incremental
// draining). Returns the number of nodes recycled.
func (m *rcuImpl[K, V]) reclaim() int {
	if m.queue.Pending() == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
	defer cancel()

	safe, err := m.tracker.Synchronize(ctx)
	if err != nil {
		log.Warningf("grace-period wait timed out with %d records pending, retrying next cycle: %v", m.queue.Pending(), err)
		return 0
	}

	return m.queue.Drain(safe)
}

// recycle runs on the reclamation path once a node's grace period has
// elapsed. Zeroing must not happen any earlier: an unlinked node's fields,
// including its forward pointer, stay in use by readers until then.
func (m *rcuImpl[K, V]) recycle(node *internal.Node[K, V]) {
	if hook := m.reclaimHook; hook != nil {
		hook(node.Key, node.Value)
	}

	var zeroK K
	var zeroV V
	node.Key = zeroK
	node.Value = zeroV
	node.Hash = 0
	node.Next.Store(nil)

	m.reclaimedTotal.Add(1)
	m.pool.Put(node)
}

// --------------------------------------------------------------------------
// Map Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// Len returns the current number of entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *rcuImpl[K, V]) Len() int {
	return m.table.Len()
}

// GetInfo returns statistics about the map
func (m *rcuImpl[K, V]) GetInfo() hmap.MapInfo {
	chainLengths := m.table.ChainLengths()

	histogram := util.NewLengthHistogram()
	for _, length := range chainLengths {
		histogram.AddSample(int(length))
	}

	// Metadata for this specific map implementation
	meta := &struct {
		GlobalEpoch       uint64                 `json:"global_epoch"`
		SafeEpoch         uint64                 `json:"safe_epoch"`
		PendingReclaims   int                    `json:"pending_reclaims"`
		ReclaimedTotal    uint64                 `json:"reclaimed_total"`
		RegisteredReaders int                    `json:"registered_readers"`
		ActiveSessions    int                    `json:"active_sessions"`
		ChainDistribution util.DistributionStats `json:"chain_distribution"`
		AvgChainLength    float64                `json:"avg_chain_length"`
		P99ChainLength    int                    `json:"p99_chain_length"`
		Info              string                 `json:"info"`
	}{
		GlobalEpoch:       m.tracker.Epoch(),
		SafeEpoch:         m.tracker.SafeEpoch(),
		PendingReclaims:   m.queue.Pending(),
		ReclaimedTotal:    m.reclaimedTotal.Load(),
		RegisteredReaders: m.tracker.Registered(),
		ActiveSessions:    m.tracker.ActiveSessions(),
		ChainDistribution: util.NewDistributionStats(chainLengths),
		AvgChainLength:    histogram.AverageLength(),
		P99ChainLength:    histogram.PercentileEstimate(99),
		Info:              "All values are point-in-time samples and may vary depending on the map state.",
	}

	// features
	supportedFeatures := []hmap.Feature{
		hmap.FeatureLookup, hmap.FeatureInsertOrReplace, hmap.FeatureRemove,
		hmap.FeatureReadTxn,
		hmap.FeatureDeferredReclaim, hmap.FeatureWaitFreeReads,
	}

	return hmap.MapInfo{
		Entries:           m.table.Len(),
		Buckets:           m.table.Buckets(),
		MapType:           hmap.ImplRCU,
		SupportedFeatures: supportedFeatures,
		Metadata:          meta,
	}
}

// SupportsFeature checks if this implementation supports a specific map feature
func (m *rcuImpl[K, V]) SupportsFeature(feature hmap.Feature) bool {
	supportedFeatures := hmap.FeatureLookup |
		hmap.FeatureInsertOrReplace |
		hmap.FeatureRemove |
		hmap.FeatureReadTxn |
		hmap.FeatureDeferredReclaim |
		hmap.FeatureWaitFreeReads
	return supportedFeatures&feature == feature
}

// Close stops the reclaimer and runs one final bounded reclamation round.
// Records a slow reader keeps alive past the final wait are surrendered to
// the runtime allocator together with the map itself.
func (m *rcuImpl[K, V]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.stopReclaimer()

	if m.queue.Pending() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
		defer cancel()

		if safe, err := m.tracker.Synchronize(ctx); err != nil {
			log.Warningf("close: final grace-period wait failed, %d records left to the runtime: %v", m.queue.Pending(), err)
		} else {
			m.queue.Drain(safe)
		}
	}

	return m.tracker.Close()
}
