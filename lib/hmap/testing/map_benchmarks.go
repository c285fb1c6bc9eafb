package testing

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
)

// RunMapBenchmarks runs all benchmarks for a Map implementation
func RunMapBenchmarks(b *testing.B, name string, factory MapFactory) {

	b.Run("Lookup", func(b *testing.B) {
		benchmarkLookup(b, factory())
	})

	b.Run("Lookup(miss)", func(b *testing.B) {
		benchmarkLookupMiss(b, factory())
	})

	b.Run("LookupInSession", func(b *testing.B) {
		benchmarkLookupInSession(b, factory())
	})

	b.Run("Insert", func(b *testing.B) {
		benchmarkInsert(b, factory())
	})

	b.Run("Replace", func(b *testing.B) {
		benchmarkReplace(b, factory())
	})

	b.Run("Remove", func(b *testing.B) {
		benchmarkRemove(b, factory())
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})

	b.Run("LookupUnderChurn", func(b *testing.B) {
		benchmarkLookupUnderChurn(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Parallel benchmarking for Lookup, one read session per call
func benchmarkLookup(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)
	requireFeature(b, m, hmap.FeatureLookup)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(key, fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reader, err := m.Reader()
		if err != nil {
			b.Errorf("Failed to register reader: %v", err)
			return
		}
		defer reader.Close()

		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			reader.Lookup(key)
			counter++
		}
	})
}

// Parallel benchmarking for Lookup with a key miss
func benchmarkLookupMiss(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureLookup)
	const key = "test-key"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reader, err := m.Reader()
		if err != nil {
			b.Errorf("Failed to register reader: %v", err)
			return
		}
		defer reader.Close()

		for pb.Next() {
			reader.Lookup(key)
		}
	})
}

// Parallel benchmarking for lookups amortized over one long read session
func benchmarkLookupInSession(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)
	requireFeature(b, m, hmap.FeatureReadTxn)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(key, fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reader, err := m.Reader()
		if err != nil {
			b.Errorf("Failed to register reader: %v", err)
			return
		}
		defer reader.Close()

		reader.Read(func(txn hmap.Txn[string, string]) {
			counter := 0
			for pb.Next() {
				key := fmt.Sprintf("test-key-%d", counter%numKeys)
				txn.Lookup(key)
				counter++
			}
		})
	})
}

// Benchmark for Insert with fresh keys
func benchmarkInsert(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)

	// Counter for atomic access
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := atomic.AddInt64(&counter, 1)
			key := fmt.Sprintf("test-key-%d", id)
			if err := m.InsertOrReplace(key, "test-value"); err != nil {
				b.Errorf("InsertOrReplace failed: %v", err)
				return
			}
		}
	})
}

// Benchmark for InsertOrReplace on existing keys
func benchmarkReplace(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(key, fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	// Counter for atomic access
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			key := fmt.Sprintf("test-key-%d", idx)
			if err := m.InsertOrReplace(key, "replaced-value"); err != nil {
				b.Errorf("InsertOrReplace failed: %v", err)
				return
			}
		}
	})
}

// Parallel benchmarking for Remove operation
func benchmarkRemove(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)
	requireFeature(b, m, hmap.FeatureRemove)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}

	// Prepare data
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(keys[i], fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	// Counter for atomic access
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			if _, err := m.Remove(keys[idx]); err != nil {
				b.Errorf("Remove failed: %v", err)
				return
			}
		}
	})
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)
	requireFeature(b, m, hmap.FeatureRemove)
	requireFeature(b, m, hmap.FeatureLookup)

	// Prepare initial data
	numKeys := 10000
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(keys[i], fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reader, err := m.Reader()
		if err != nil {
			b.Errorf("Failed to register reader: %v", err)
			return
		}
		defer reader.Close()

		// Local counter for each goroutine
		localCounter := 0

		for pb.Next() {
			key := keys[localCounter%numKeys]

			// 7 lookups for every 2 replaces and 1 remove
			switch localCounter % 10 {
			case 0: // Remove (the next replace reinserts)
				if _, err := m.Remove(key); err != nil {
					b.Errorf("Remove failed: %v", err)
					return
				}
			case 1, 2: // Replace
				if err := m.InsertOrReplace(key, "mixed-value"); err != nil {
					b.Errorf("InsertOrReplace failed: %v", err)
					return
				}
			default: // Lookup
				reader.Lookup(key)
			}

			localCounter++
		}
	})
}

// Benchmark for lookups while one writer cycles the key space, the workload
// the map exists for: readers must not slow down behind churn
func benchmarkLookupUnderChurn(b *testing.B, m hmap.Map[string, string]) {

	b.Cleanup(func() {
		m.Close()
	})

	requireFeature(b, m, hmap.FeatureInsertOrReplace)
	requireFeature(b, m, hmap.FeatureRemove)
	requireFeature(b, m, hmap.FeatureLookup)

	numKeys := 64
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		if err := m.InsertOrReplace(keys[i], fmt.Sprintf("test-value-%d", i)); err != nil {
			b.Fatalf("InsertOrReplace failed: %v", err)
		}
	}

	// background writer cycling inserts and removals
	var stop atomic.Bool
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for !stop.Load() {
			for i := 0; i < numKeys; i++ {
				if err := m.InsertOrReplace(keys[i], "churn-value"); err != nil {
					return
				}
			}
			for i := 0; i < numKeys; i++ {
				if _, err := m.Remove(keys[i]); err != nil {
					return
				}
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		reader, err := m.Reader()
		if err != nil {
			b.Errorf("Failed to register reader: %v", err)
			return
		}
		defer reader.Close()

		counter := 0
		for pb.Next() {
			reader.Lookup(keys[counter%numKeys])
			counter++
		}
	})
	b.StopTimer()

	stop.Store(true)
	<-writerDone
}
