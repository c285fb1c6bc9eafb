package rcuht

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/util"
)

// testOptions returns small, reclaim-eager options for white-box tests
func testOptions() *Options {
	return &Options{
		Buckets:         8,
		MaxReaders:      64,
		ReclaimInterval: time.Millisecond,
		SyncTimeout:     time.Second,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	assertInvalid := func(hasher Hasher[uint64], opts *Options) {
		t.Helper()
		_, err := New[uint64, uint64](hasher, opts)
		if err == nil {
			t.Fatalf("Expected an error for options %+v", opts)
		}
		var mapErr *hmap.Error
		if !errors.As(err, &mapErr) || mapErr.Code != hmap.RetCInvalidParameters {
			t.Errorf("Expected RetCInvalidParameters, got %v", err)
		}
	}

	assertInvalid(util.HashUint64, &Options{Buckets: 63})
	assertInvalid(util.HashUint64, &Options{Buckets: -8})
	assertInvalid(util.HashUint64, &Options{MaxReaders: -1})
	assertInvalid(util.HashUint64, &Options{ReclaimInterval: -time.Second})
	assertInvalid(nil, nil)

	m, err := New[uint64, uint64](util.HashUint64, nil)
	if err != nil {
		t.Fatalf("Expected defaults to be accepted, got %v", err)
	}
	defer m.Close()

	info := m.GetInfo()
	if info.Buckets != defaultBuckets {
		t.Errorf("Expected %d default buckets, got %d", defaultBuckets, info.Buckets)
	}
}

func TestReaderLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxReaders = 2
	m, err := New[uint64, uint64](util.HashUint64, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	r1, err := m.Reader()
	if err != nil {
		t.Fatalf("First Reader failed: %v", err)
	}
	r2, err := m.Reader()
	if err != nil {
		t.Fatalf("Second Reader failed: %v", err)
	}

	_, err = m.Reader()
	var mapErr *hmap.Error
	if !errors.As(err, &mapErr) || mapErr.Code != hmap.RetCExhausted {
		t.Errorf("Expected RetCExhausted at the reader limit, got %v", err)
	}

	// closing a reader frees its slot
	if err := r1.Close(); err != nil {
		t.Fatalf("Reader Close failed: %v", err)
	}
	r3, err := m.Reader()
	if err != nil {
		t.Errorf("Expected a reader slot after Close, got %v", err)
	} else {
		r3.Close()
	}
	r2.Close()
}

func TestRemoveDefersUntilReclaim(t *testing.T) {
	m := newRCUMap[uint64, uint64](util.HashUint64, testOptions())

	var reclaimed []uint64
	m.reclaimHook = func(key, value uint64) {
		reclaimed = append(reclaimed, key)
		if value != key*10 {
			t.Errorf("Node for key %d reclaimed with value %d", key, value)
		}
	}

	for key := uint64(1); key <= 3; key++ {
		if err := m.InsertOrReplace(key, key*10); err != nil {
			t.Fatalf("InsertOrReplace failed: %v", err)
		}
	}
	for key := uint64(1); key <= 3; key++ {
		removed, err := m.Remove(key)
		if err != nil || !removed {
			t.Fatalf("Remove(%d) = %v, %v", key, removed, err)
		}
	}

	if got := m.queue.Pending(); got != 3 {
		t.Fatalf("Expected 3 deferred records, got %d", got)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("Nodes reclaimed before any grace period: %v", reclaimed)
	}

	// no readers registered, so one round reclaims everything
	if got := m.reclaim(); got != 3 {
		t.Errorf("Expected 3 reclaimed nodes, got %d", got)
	}
	if len(reclaimed) != 3 {
		t.Errorf("Expected 3 hook invocations, got %d", len(reclaimed))
	}
	if got := m.reclaimedTotal.Load(); got != 3 {
		t.Errorf("Expected reclaimedTotal 3, got %d", got)
	}
	if got := m.queue.Pending(); got != 0 {
		t.Errorf("Expected empty queue, got %d pending", got)
	}
}

func TestReplaceDefersOldNode(t *testing.T) {
	m := newRCUMap[uint64, uint64](util.HashUint64, testOptions())

	var reclaimedValues []uint64
	m.reclaimHook = func(_, value uint64) {
		reclaimedValues = append(reclaimedValues, value)
	}

	if err := m.InsertOrReplace(7, 70); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}
	if err := m.InsertOrReplace(7, 71); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}

	// the replaced node is deferred exactly like a removal
	if got := m.queue.Pending(); got != 1 {
		t.Fatalf("Expected 1 deferred record after replace, got %d", got)
	}
	if got := m.Len(); got != 1 {
		t.Errorf("Expected 1 entry after replace, got %d", got)
	}

	reader, err := m.Reader()
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	defer reader.Close()
	if value, found := reader.Lookup(7); !found || value != 71 {
		t.Errorf("Expected value 71, got found=%v value=%d", found, value)
	}

	if got := m.reclaim(); got != 1 {
		t.Errorf("Expected 1 reclaimed node, got %d", got)
	}
	if len(reclaimedValues) != 1 || reclaimedValues[0] != 70 {
		t.Errorf("Expected the old value 70 to be reclaimed, got %v", reclaimedValues)
	}
}

// A reader inside a session must block reclamation of nodes unlinked while
// its session was open; a bounded wait times out and a later round succeeds.
func TestActiveSessionBlocksReclaim(t *testing.T) {
	opts := testOptions()
	opts.SyncTimeout = 50 * time.Millisecond
	m := newRCUMap[uint64, uint64](util.HashUint64, opts)

	hookFired := atomic.Int64{}
	m.reclaimHook = func(_, _ uint64) { hookFired.Add(1) }

	if err := m.InsertOrReplace(1, 10); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}

	reader, err := m.Reader()
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	defer reader.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		reader.Read(func(txn hmap.Txn[uint64, uint64]) {
			if value, found := txn.Lookup(1); !found || value != 10 {
				t.Errorf("Expected value 10 in session, got found=%v value=%d", found, value)
			}
			close(entered)
			<-release
		})
	}()
	<-entered

	if removed, err := m.Remove(1); err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}

	// the reader entered before the removal, so the bounded wait times out
	if got := m.reclaim(); got != 0 {
		t.Errorf("Expected no reclaim while the session is open, got %d", got)
	}
	if got := hookFired.Load(); got != 0 {
		t.Errorf("Reclaim hook fired %d times during an open session", got)
	}
	if got := m.queue.Pending(); got != 1 {
		t.Errorf("Expected the record to stay filed, got %d pending", got)
	}

	close(release)
	<-sessionDone

	if got := m.reclaim(); got != 1 {
		t.Errorf("Expected 1 reclaimed node after the session ended, got %d", got)
	}
	if got := hookFired.Load(); got != 1 {
		t.Errorf("Expected 1 hook invocation, got %d", got)
	}
}

func TestTxnOutsideSectionPanics(t *testing.T) {
	m, err := New[uint64, uint64](util.HashUint64, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	reader, err := m.Reader()
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	defer reader.Close()

	var escaped hmap.Txn[uint64, uint64]
	reader.Read(func(txn hmap.Txn[uint64, uint64]) {
		escaped = txn
	})

	defer func() {
		if recover() == nil {
			t.Errorf("Expected panic for a txn used outside its read section")
		}
	}()
	escaped.Lookup(1)
}

func TestCloseDrainsPendingRecords(t *testing.T) {
	m, err := New[uint64, uint64](util.HashUint64, &Options{
		Buckets:    8,
		MaxReaders: 8,
		// keep the reclaimer effectively idle so Close does the draining
		ReclaimInterval: time.Hour,
		SyncTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for key := uint64(0); key < 10; key++ {
		if err := m.InsertOrReplace(key, key); err != nil {
			t.Fatalf("InsertOrReplace failed: %v", err)
		}
	}
	for key := uint64(0); key < 10; key++ {
		if _, err := m.Remove(key); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	impl := m.(*rcuImpl[uint64, uint64])
	if got := impl.queue.Pending(); got != 0 {
		t.Errorf("Expected Close to drain the queue, got %d pending", got)
	}
	if got := impl.reclaimedTotal.Load(); got != 10 {
		t.Errorf("Expected 10 nodes reclaimed at Close, got %d", got)
	}

	// operations after Close are refused
	var mapErr *hmap.Error
	if err := m.InsertOrReplace(1, 1); !errors.As(err, &mapErr) || mapErr.Code != hmap.RetCClosed {
		t.Errorf("Expected RetCClosed from InsertOrReplace, got %v", err)
	}
	if _, err := m.Remove(1); !errors.As(err, &mapErr) || mapErr.Code != hmap.RetCClosed {
		t.Errorf("Expected RetCClosed from Remove, got %v", err)
	}
	if _, err := m.Reader(); !errors.As(err, &mapErr) || mapErr.Code != hmap.RetCClosed {
		t.Errorf("Expected RetCClosed from Reader, got %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Expected idempotent Close, got %v", err)
	}
}

// Two writers on disjoint keys run concurrently under per-bucket gates; a
// shared key in the same table must never be disturbed.
func TestTwoWritersDisjointKeys(t *testing.T) {
	opts := testOptions()
	opts.Buckets = 4 // force key sets to share buckets
	m, err := New[uint64, uint64](util.HashUint64, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	const shared = uint64(1000)
	if err := m.InsertOrReplace(shared, 42); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}

	var stop atomic.Bool
	var readers, writers sync.WaitGroup

	readers.Add(2)
	for r := 0; r < 2; r++ {
		go func() {
			defer readers.Done()
			reader, err := m.Reader()
			if err != nil {
				t.Errorf("Reader failed: %v", err)
				return
			}
			defer reader.Close()

			for !stop.Load() {
				value, found := reader.Lookup(shared)
				if !found {
					t.Errorf("Shared key vanished during disjoint-key churn")
					return
				}
				if value != 42 {
					t.Errorf("Shared key corrupted: got %d", value)
					return
				}
			}
		}()
	}

	writers.Add(2)
	for w := 0; w < 2; w++ {
		go func(offset uint64) {
			defer writers.Done()
			for cycle := 0; cycle < 300; cycle++ {
				for key := offset; key < 100; key += 2 {
					if err := m.InsertOrReplace(key, key); err != nil {
						t.Errorf("InsertOrReplace failed: %v", err)
						return
					}
				}
				for key := offset; key < 100; key += 2 {
					if removed, err := m.Remove(key); err != nil || !removed {
						t.Errorf("Remove(%d) = %v, %v", key, removed, err)
						return
					}
				}
			}
		}(uint64(w))
	}

	writers.Wait()
	stop.Store(true)
	readers.Wait()

	if got := m.Len(); got != 1 {
		t.Errorf("Expected only the shared key to remain, got %d entries", got)
	}
}

// The sentinel scenario: readers hammer one permanent key while the rest of
// the table churns through removal, reclamation and node reuse. A found
// sentinel must always carry its value, and no reader may stall into
// permanent misses.
func TestSentinelLivenessUnderReclaim(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	opts := testOptions()
	m := newRCUMap[uint64, uint64](util.HashUint64, opts)

	var hookCount atomic.Int64
	m.reclaimHook = func(_, _ uint64) { hookCount.Add(1) }
	m.startReclaimer()

	const sentinel = uint64(0)
	const sentinelValue = uint64(0xCAFE)
	if err := m.InsertOrReplace(sentinel, sentinelValue); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}

	var stop atomic.Bool
	var readers sync.WaitGroup

	const numReaders = 4
	hits := make([]atomic.Int64, numReaders)
	readers.Add(numReaders)
	for r := 0; r < numReaders; r++ {
		go func(slot int) {
			defer readers.Done()
			reader, err := m.Reader()
			if err != nil {
				t.Errorf("Reader failed: %v", err)
				return
			}
			defer reader.Close()

			for !stop.Load() {
				value, found := reader.Lookup(sentinel)
				if !found {
					t.Errorf("Sentinel vanished")
					return
				}
				if value != sentinelValue {
					t.Errorf("Sentinel read torn value %#x", value)
					return
				}
				hits[slot].Add(1)

				// churned keys: value is always derived from the key
				key := uint64(1 + hits[slot].Load()%16)
				if v, ok := reader.Lookup(key); ok && v != key*3 {
					t.Errorf("Key %d carried foreign value %d", key, v)
					return
				}
			}
		}(r)
	}

	// churn the non-sentinel keys until reclamation has demonstrably cycled
	// nodes back through the pool
	deadline := time.Now().Add(5 * time.Second)
	cycles := 0
	for hookCount.Load() < 1000 && time.Now().Before(deadline) {
		for key := uint64(1); key <= 16; key++ {
			if err := m.InsertOrReplace(key, key*3); err != nil {
				t.Fatalf("InsertOrReplace failed: %v", err)
			}
		}
		for key := uint64(1); key <= 16; key++ {
			if removed, err := m.Remove(key); err != nil || !removed {
				t.Fatalf("Remove(%d) = %v, %v", key, removed, err)
			}
		}
		cycles++
	}

	stop.Store(true)
	readers.Wait()

	if got := hookCount.Load(); got < 1000 {
		t.Errorf("Reclamation barely ran: %d nodes recycled over %d cycles", got, cycles)
	}
	for slot := range hits {
		if hits[slot].Load() == 0 {
			t.Errorf("Reader %d never observed the sentinel", slot)
		}
	}

	// the sentinel is still there after all the churn
	reader, err := m.Reader()
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	if value, found := reader.Lookup(sentinel); !found || value != sentinelValue {
		t.Errorf("Expected sentinel to survive, got found=%v value=%#x", found, value)
	}
	reader.Close()

	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

// Lookups must return the committed value for a key even while that key is
// being replaced in a tight loop and old nodes are being recycled.
func TestLookupConsistencyDuringReplaceChurn(t *testing.T) {
	opts := testOptions()
	opts.Buckets = 2
	m, err := New[uint64, uint64](util.HashUint64, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	const key = uint64(5)
	const generations = 20000

	if err := m.InsertOrReplace(key, 0); err != nil {
		t.Fatalf("InsertOrReplace failed: %v", err)
	}
	// untouched keys ahead of the target give the traversal some chain to
	// walk through while the target node keeps being swapped out
	for decoy := uint64(100); decoy < 104; decoy++ {
		if err := m.InsertOrReplace(decoy, decoy); err != nil {
			t.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	var stop atomic.Bool
	var readers sync.WaitGroup
	readers.Add(3)
	for r := 0; r < 3; r++ {
		go func() {
			defer readers.Done()
			reader, err := m.Reader()
			if err != nil {
				t.Errorf("Reader failed: %v", err)
				return
			}
			defer reader.Close()

			var last uint64
			for !stop.Load() {
				value, found := reader.Lookup(key)
				if !found {
					t.Errorf("Key vanished mid-replace")
					return
				}
				if value > generations {
					t.Errorf("Observed value %d beyond any committed generation", value)
					return
				}
				// single serialized writer: committed values never go back
				if value < last {
					t.Errorf("Observed generation %d after %d", value, last)
					return
				}
				last = value
			}
		}()
	}

	for gen := uint64(1); gen <= generations; gen++ {
		if err := m.InsertOrReplace(key, gen); err != nil {
			t.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	stop.Store(true)
	readers.Wait()
}

// TestReadersTraceChurnWithoutStalling cycles every key, the polled one
// included, through insert and remove while readers hammer lookups on it.
// Every reader must make progress in every interval, and must keep scoring
// hits late in the run, after many removal and reinsertion rounds.
func TestReadersTraceChurnWithoutStalling(t *testing.T) {
	m, err := New[uint64, uint64](util.HashUint64, testOptions())
	if err != nil {
		t.Fatalf("Failed to create map: %v", err)
	}
	defer m.Close()

	const (
		numReaders = 4
		sentinel   = uint64(10)
		intervals  = 8
		interval   = 100 * time.Millisecond
	)

	type readerCounts struct {
		hits   atomic.Uint64
		misses atomic.Uint64
	}

	counts := make([]readerCounts, numReaders)
	var stop atomic.Bool
	var wg sync.WaitGroup
	ready := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			reader, err := m.Reader()
			ready <- err
			if err != nil {
				return
			}
			defer reader.Close()

			for !stop.Load() {
				if _, found := reader.Lookup(sentinel); found {
					counts[id].hits.Add(1)
				} else {
					counts[id].misses.Add(1)
				}
			}
		}(i)
	}

	for i := 0; i < numReaders; i++ {
		if err := <-ready; err != nil {
			stop.Store(true)
			wg.Wait()
			t.Fatalf("Reader registration failed: %v", err)
		}
	}

	prevTotal := make([]uint64, numReaders)
	prevHits := make([]uint64, numReaders)
	lateHits := make([]uint64, numReaders)

	for cycle := 0; cycle < intervals; cycle++ {
		for key := uint64(0); key <= sentinel; key++ {
			if err := m.InsertOrReplace(key, key); err != nil {
				t.Fatalf("InsertOrReplace failed: %v", err)
			}
		}

		time.Sleep(interval)

		for i := range counts {
			hits := counts[i].hits.Load()
			total := hits + counts[i].misses.Load()
			if total == prevTotal[i] {
				t.Errorf("Reader %d made no lookups during interval %d", i, cycle)
			}
			if cycle >= intervals/2 {
				lateHits[i] += hits - prevHits[i]
			}
			prevTotal[i] = total
			prevHits[i] = hits
		}

		for key := uint64(0); key <= sentinel; key++ {
			if _, err := m.Remove(key); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
		}
	}

	stop.Store(true)
	wg.Wait()

	// the polled key was removed and reinserted every cycle; a reader that
	// stopped hitting would mean it got stuck on a stale view
	for i := range lateHits {
		if lateHits[i] == 0 {
			t.Errorf("Reader %d scored no hits in the second half of the run", i)
		}
	}
}
