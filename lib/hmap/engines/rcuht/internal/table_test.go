package internal

import (
	"sync"
	"sync/atomic"
	"testing"
)

// test nodes hash to their key so bucket placement is predictable
func newTestNode(key, value uint64) *Node[uint64, uint64] {
	return &Node[uint64, uint64]{Key: key, Hash: key, Value: value}
}

func TestNewTableRejectsBadSizes(t *testing.T) {
	for _, size := range []int{-1, 0, 3, 100} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Expected panic for bucket count %d", size)
				}
			}()
			NewTable[uint64, uint64](size)
		}()
	}

	for _, size := range []int{1, 2, 64, 1024} {
		table := NewTable[uint64, uint64](size)
		if got := table.Buckets(); got != size {
			t.Errorf("Expected %d buckets, got %d", size, got)
		}
	}
}

func TestBucketMasking(t *testing.T) {
	table := NewTable[uint64, uint64](8)
	if got := table.Bucket(0); got != 0 {
		t.Errorf("Expected bucket 0, got %d", got)
	}
	if got := table.Bucket(13); got != 5 {
		t.Errorf("Expected bucket 5, got %d", got)
	}
	if got := table.Bucket(1 << 40); got != 0 {
		t.Errorf("Expected high bits masked away, got %d", got)
	}
}

func TestSpliceAndFind(t *testing.T) {
	table := NewTable[uint64, uint64](4)

	// keys 1, 5, 9 all land in bucket 1
	for _, key := range []uint64{1, 5, 9} {
		table.Splice(table.Bucket(key), newTestNode(key, key*10))
	}

	for _, key := range []uint64{1, 5, 9} {
		n := table.Find(table.Bucket(key), key, key)
		if n == nil {
			t.Fatalf("Expected key %d to be found after Splice", key)
		}
		if n.Value != key*10 {
			t.Errorf("Expected value %d, got %d", key*10, n.Value)
		}
	}

	if n := table.Find(table.Bucket(13), 13, 13); n != nil {
		t.Errorf("Expected nonexistent key to return nil, got %+v", n)
	}
	if got := table.Len(); got != 3 {
		t.Errorf("Expected 3 entries, got %d", got)
	}
}

func TestFindChecksHashBeforeKey(t *testing.T) {
	table := NewTable[uint64, uint64](1)

	// same bucket, distinct hashes
	a := &Node[uint64, uint64]{Key: 7, Hash: 100, Value: 1}
	b := &Node[uint64, uint64]{Key: 7, Hash: 200, Value: 2}
	table.Splice(0, a)
	table.Splice(0, b)

	if n := table.Find(0, 100, 7); n != a {
		t.Errorf("Expected node with matching hash 100, got %+v", n)
	}
	if n := table.Find(0, 200, 7); n != b {
		t.Errorf("Expected node with matching hash 200, got %+v", n)
	}
	if n := table.Find(0, 300, 7); n != nil {
		t.Errorf("Expected no node for unknown hash, got %+v", n)
	}
}

func TestReplaceKeepsChainIntact(t *testing.T) {
	table := NewTable[uint64, uint64](1)

	a := newTestNode(1, 10)
	b := newTestNode(2, 20)
	c := newTestNode(3, 30)
	table.Splice(0, a)
	table.Splice(0, b)
	table.Splice(0, c) // chain: c -> b -> a

	b2 := newTestNode(2, 21)
	table.Replace(0, b, b2)

	if n := table.Find(0, 2, 2); n != b2 {
		t.Fatalf("Expected replacement node for key 2, got %+v", n)
	}
	for _, key := range []uint64{1, 3} {
		if n := table.Find(0, key, key); n == nil {
			t.Errorf("Expected key %d to survive the replace", key)
		}
	}
	if got := table.Len(); got != 3 {
		t.Errorf("Expected replace to keep size at 3, got %d", got)
	}

	// the unlinked node must still lead into the live chain for readers
	// standing on it mid-traversal
	if next := b.Next.Load(); next != a {
		t.Errorf("Expected unlinked node to keep pointing at its successor, got %+v", next)
	}
}

func TestReplaceMissingTargetPanics(t *testing.T) {
	table := NewTable[uint64, uint64](1)
	table.Splice(0, newTestNode(1, 10))

	defer func() {
		if recover() == nil {
			t.Errorf("Expected panic replacing a node that is not linked")
		}
	}()
	table.Replace(0, newTestNode(2, 20), newTestNode(2, 21))
}

func TestUnsplice(t *testing.T) {
	table := NewTable[uint64, uint64](1)

	a := newTestNode(1, 10)
	b := newTestNode(2, 20)
	c := newTestNode(3, 30)
	table.Splice(0, a)
	table.Splice(0, b)
	table.Splice(0, c) // chain: c -> b -> a

	// middle
	if !table.Unsplice(0, b) {
		t.Fatalf("Expected middle unsplice to succeed")
	}
	if n := table.Find(0, 2, 2); n != nil {
		t.Errorf("Expected key 2 gone after unsplice, got %+v", n)
	}
	if next := b.Next.Load(); next != a {
		t.Errorf("Expected unlinked node to keep pointing at its successor, got %+v", next)
	}

	// head
	if !table.Unsplice(0, c) {
		t.Fatalf("Expected head unsplice to succeed")
	}
	if n := table.Find(0, 3, 3); n != nil {
		t.Errorf("Expected key 3 gone after unsplice, got %+v", n)
	}

	// tail (now the only node)
	if !table.Unsplice(0, a) {
		t.Fatalf("Expected tail unsplice to succeed")
	}
	if got := table.Len(); got != 0 {
		t.Errorf("Expected empty table, got %d entries", got)
	}

	// node not in the chain
	if table.Unsplice(0, newTestNode(9, 90)) {
		t.Errorf("Expected unsplice of an unlinked node to return false")
	}
}

func TestChainLengths(t *testing.T) {
	table := NewTable[uint64, uint64](4)

	for _, key := range []uint64{0, 4, 8, 1, 2} {
		table.Splice(table.Bucket(key), newTestNode(key, key))
	}

	lengths := table.ChainLengths()
	expected := []float64{3, 1, 1, 0}
	for i, want := range expected {
		if lengths[i] != want {
			t.Errorf("Expected bucket %d to have chain length %v, got %v", i, want, lengths[i])
		}
	}
}

// Readers traverse while one gated writer churns entries. Unlinked nodes are
// not recycled here, so every node a reader can reach must carry a value
// consistent with its key, proving no torn state is ever visible.
func TestConcurrentFindDuringChurn(t *testing.T) {
	table := NewTable[uint64, uint64](4)

	const keys = 16
	value := func(key uint64) uint64 { return key*31 + 7 }

	var stop atomic.Bool
	var gate sync.Mutex

	var readers sync.WaitGroup
	torn := make([]int, 8)
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func(slot int) {
			defer readers.Done()
			for !stop.Load() {
				for key := uint64(0); key < keys; key++ {
					n := table.Find(table.Bucket(key), key, key)
					if n != nil && n.Value != value(n.Key) {
						torn[slot]++
					}
				}
			}
		}(r)
	}

	for cycle := 0; cycle < 500; cycle++ {
		nodes := make([]*Node[uint64, uint64], keys)
		for key := uint64(0); key < keys; key++ {
			nodes[key] = newTestNode(key, value(key))
			gate.Lock()
			table.Splice(table.Bucket(key), nodes[key])
			gate.Unlock()
		}
		for key := uint64(0); key < keys; key++ {
			gate.Lock()
			if !table.Unsplice(table.Bucket(key), nodes[key]) {
				t.Errorf("Expected unsplice of an owned node to succeed")
			}
			gate.Unlock()
		}
	}

	stop.Store(true)
	readers.Wait()

	for slot, count := range torn {
		if count != 0 {
			t.Errorf("Reader %d observed %d torn entries", slot, count)
		}
	}
	if got := table.Len(); got != 0 {
		t.Errorf("Expected empty table after churn, got %d entries", got)
	}
}
