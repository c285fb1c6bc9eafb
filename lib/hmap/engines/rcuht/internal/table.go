package internal

import (
	"fmt"
	"sync/atomic"
)

// maxLinkAttempts bounds the CAS retries on a bucket link. The bucket gate
// serializes structural mutations, so a single attempt is expected to
// succeed; persistent failure means the gate discipline is broken and the
// chain can no longer be trusted.
const maxLinkAttempts = 16

// --------------------------------------------------------------------------
// Node Type (chain link)
// --------------------------------------------------------------------------

// Node is one link of a bucket chain. Key, Hash and Value are immutable from
// the moment the node is published until it is reclaimed; Next is the only
// field ever mutated on a reachable node, and only via CAS under the bucket
// gate. An unlinked node keeps its Next pointing into the chain so readers
// standing on it can finish their traversal.
type Node[K comparable, V any] struct {
	Key   K
	Hash  uint64
	Value V
	Next  atomic.Pointer[Node[K, V]]
}

// --------------------------------------------------------------------------
// Table Type (bucket array)
// --------------------------------------------------------------------------

// Table is a power-of-two array of singly-linked chains. Traversal needs no
// lock; every structural mutation of a bucket requires the caller to hold
// that bucket's write gate.
type Table[K comparable, V any] struct {
	buckets []atomic.Pointer[Node[K, V]]
	mask    uint64
	size    atomic.Int64
}

// NewTable creates a table with the given bucket count. The count must be a
// power of two; the engine validates user input, so a bad count here is a
// programming error.
func NewTable[K comparable, V any](buckets int) *Table[K, V] {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		panic(fmt.Sprintf("rcuht: bucket count %d is not a power of two", buckets))
	}
	return &Table[K, V]{
		buckets: make([]atomic.Pointer[Node[K, V]], buckets),
		mask:    uint64(buckets - 1),
	}
}

// Bucket maps a hash to its bucket index.
func (t *Table[K, V]) Bucket(hash uint64) uint64 {
	return hash & t.mask
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

// Find returns the first node in the bucket's chain matching hash and key,
// or nil. It uses acquire-loads only and is safe to call from any number of
// goroutines concurrently with splices on the same bucket: a traversal may
// miss a node inserted after it started or still see a node unlinked after
// it started, both of which are valid point-in-time snapshots.
//
// The caller must hold an active read session (or the bucket gate) for the
// returned node to remain safe to dereference.
func (t *Table[K, V]) Find(bucket uint64, hash uint64, key K) *Node[K, V] {
	for n := t.buckets[bucket].Load(); n != nil; n = n.Next.Load() {
		if n.Hash == hash && n.Key == key {
			return n
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Write Path (caller holds the bucket gate)
// --------------------------------------------------------------------------

// Splice publishes node at the head of the bucket's chain. The node becomes
// visible to readers at the moment of the CAS, fully initialized.
func (t *Table[K, V]) Splice(bucket uint64, node *Node[K, V]) {
	head := &t.buckets[bucket]
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		old := head.Load()
		node.Next.Store(old)
		if head.CompareAndSwap(old, node) {
			t.size.Add(1)
			return
		}
	}
	panic(fmt.Sprintf("rcuht: %d consecutive CAS failures splicing bucket %d, write gate discipline broken", maxLinkAttempts, bucket))
}

// Replace substitutes newNode for old at the same chain position with a
// single CAS of the link pointing at old. Readers observe either old or
// newNode for the key, never both and never neither. The old node stays
// linked into the remainder of the chain until it is reclaimed.
//
// old must be linked in the bucket's chain; it vanishing while the caller
// holds the gate is an invariant violation.
func (t *Table[K, V]) Replace(bucket uint64, old, newNode *Node[K, V]) {
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		link := t.findLink(bucket, old)
		if link == nil {
			panic(fmt.Sprintf("rcuht: replace target missing from bucket %d while its gate is held", bucket))
		}
		newNode.Next.Store(old.Next.Load())
		if link.CompareAndSwap(old, newNode) {
			return
		}
	}
	panic(fmt.Sprintf("rcuht: %d consecutive CAS failures replacing in bucket %d, write gate discipline broken", maxLinkAttempts, bucket))
}

// Unsplice unlinks target from the bucket's chain by CASing its predecessor
// link past it. Returns false if target is not in the chain; under correct
// gate discipline that only happens when the caller races itself, so the
// engine treats false for a node it owns as fatal.
func (t *Table[K, V]) Unsplice(bucket uint64, target *Node[K, V]) bool {
	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		link := t.findLink(bucket, target)
		if link == nil {
			return false
		}
		if link.CompareAndSwap(target, target.Next.Load()) {
			t.size.Add(-1)
			return true
		}
	}
	panic(fmt.Sprintf("rcuht: %d consecutive CAS failures unsplicing from bucket %d, write gate discipline broken", maxLinkAttempts, bucket))
}

// findLink walks the bucket's links and returns the one currently pointing
// at target, or nil. Only meaningful under the bucket gate.
func (t *Table[K, V]) findLink(bucket uint64, target *Node[K, V]) *atomic.Pointer[Node[K, V]] {
	link := &t.buckets[bucket]
	for {
		n := link.Load()
		if n == nil {
			return nil
		}
		if n == target {
			return link
		}
		link = &n.Next
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Len returns the number of linked entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Table[K, V]) Len() int {
	return int(t.size.Load())
}

// Buckets returns the bucket count.
func (t *Table[K, V]) Buckets() int {
	return len(t.buckets)
}

// ChainLengths returns a snapshot of every bucket's chain length. Chains
// mutated mid-walk may be counted at either length.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Table[K, V]) ChainLengths() []float64 {
	lengths := make([]float64, len(t.buckets))
	for i := range t.buckets {
		count := 0
		for n := t.buckets[i].Load(); n != nil; n = n.Next.Load() {
			count++
		}
		lengths[i] = float64(count)
	}
	return lengths
}
