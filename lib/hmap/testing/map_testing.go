package testing

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
)

// MapFactory is a function that creates a new instance of a Map implementation
type MapFactory func() hmap.Map[string, string]

// RunMapTests runs a comprehensive test suite for a Map implementation.
func RunMapTests(t *testing.T, name string, factory MapFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("InsertAndLookup", func(t *testing.T) {
			testInsertAndLookup(t, factory())
		})

		t.Run("Replace", func(t *testing.T) {
			testReplace(t, factory())
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory())
		})

		t.Run("ReadTxn", func(t *testing.T) {
			testReadTxn(t, factory())
		})

		t.Run("ManyKeys", func(t *testing.T) {
			testManyKeys(t, factory())
		})

		t.Run("ReplaceVisibility", func(t *testing.T) {
			testReplaceVisibility(t, factory())
		})

		t.Run("ConcurrentReadersAndWriters", func(t *testing.T) {
			testConcurrentReadersAndWriters(t, factory())
		})

		t.Run("GetInfo", func(t *testing.T) {
			testGetInfo(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the map supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, m hmap.Map[string, string], feature hmap.Feature) {
	if !m.SupportsFeature(feature) {
		t.Skip()
	}
}

// newReader registers a reader or fails the test
func newReader(t testing.TB, m hmap.Map[string, string]) hmap.Reader[string, string] {
	t.Helper()
	reader, err := m.Reader()
	if err != nil {
		t.Fatalf("Failed to register reader: %v", err)
	}
	return reader
}

// mustInsert fails the test on an insert error
func mustInsert(t testing.TB, m hmap.Map[string, string], key, value string) {
	t.Helper()
	if err := m.InsertOrReplace(key, value); err != nil {
		t.Fatalf("InsertOrReplace(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInsertAndLookup(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureLookup)

	reader := newReader(t, m)
	defer reader.Close()

	mustInsert(t, m, "test-key", "test-value1")

	result, found := reader.Lookup("test-key")
	if !found {
		t.Errorf("Expected key to exist after InsertOrReplace")
	}
	if result != "test-value1" {
		t.Errorf("Expected value test-value1, got %s", result)
	}

	if _, found := reader.Lookup("nonexistent-key"); found {
		t.Errorf("Expected nonexistent key to return found=false")
	}

	if got := m.Len(); got != 1 {
		t.Errorf("Expected 1 entry, got %d", got)
	}
}

func testReplace(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureLookup)

	reader := newReader(t, m)
	defer reader.Close()

	mustInsert(t, m, "test-key", "test-value1")
	mustInsert(t, m, "test-key", "test-value2")

	result, found := reader.Lookup("test-key")
	if !found {
		t.Errorf("Expected key to exist after replace")
	}
	if result != "test-value2" {
		t.Errorf("Expected updated value test-value2, got %s", result)
	}

	if got := m.Len(); got != 1 {
		t.Errorf("Expected replace to keep 1 entry, got %d", got)
	}
}

func testRemove(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureRemove)
	requireFeature(t, m, hmap.FeatureLookup)

	reader := newReader(t, m)
	defer reader.Close()

	mustInsert(t, m, "test-key", "test-value")

	removed, err := m.Remove("test-key")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Errorf("Expected Remove to report a removed entry")
	}

	if _, found := reader.Lookup("test-key"); found {
		t.Errorf("Expected key to not exist after Remove")
	}

	// removing an absent key is idempotent, not an error
	removed, err = m.Remove("test-key")
	if err != nil {
		t.Fatalf("Remove of absent key failed: %v", err)
	}
	if removed {
		t.Errorf("Expected Remove of an absent key to report false")
	}
	if got := m.Len(); got != 0 {
		t.Errorf("Expected empty map, got %d entries", got)
	}
}

func testReadTxn(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureReadTxn)

	reader := newReader(t, m)
	defer reader.Close()

	for i := 0; i < 10; i++ {
		mustInsert(t, m, fmt.Sprintf("txn-key-%d", i), fmt.Sprintf("txn-value-%d", i))
	}

	reader.Read(func(txn hmap.Txn[string, string]) {
		for i := 0; i < 10; i++ {
			value, found := txn.Lookup(fmt.Sprintf("txn-key-%d", i))
			if !found {
				t.Errorf("Expected txn-key-%d inside the read section", i)
			}
			if expected := fmt.Sprintf("txn-value-%d", i); value != expected {
				t.Errorf("Expected %s, got %s", expected, value)
			}
		}
		if _, found := txn.Lookup("missing"); found {
			t.Errorf("Expected missing key to return found=false inside txn")
		}
	})

	// the reader stays usable after the section
	if _, found := reader.Lookup("txn-key-0"); !found {
		t.Errorf("Expected reader to work after a read section")
	}
}

func testManyKeys(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureRemove)
	requireFeature(t, m, hmap.FeatureLookup)

	reader := newReader(t, m)
	defer reader.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		mustInsert(t, m, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}

	if got := m.Len(); got != numKeys {
		t.Errorf("Expected %d entries, got %d", numKeys, got)
	}

	for i := 0; i < numKeys; i++ {
		value, found := reader.Lookup(fmt.Sprintf("key-%d", i))
		if !found {
			t.Errorf("Key key-%d not found after insert", i)
			continue
		}
		if expected := fmt.Sprintf("value-%d", i); value != expected {
			t.Errorf("Expected %s, got %s", expected, value)
		}
	}

	// remove every second key
	for i := 0; i < numKeys; i += 2 {
		removed, err := m.Remove(fmt.Sprintf("key-%d", i))
		if err != nil || !removed {
			t.Errorf("Expected to remove key-%d, got removed=%v err=%v", i, removed, err)
		}
	}

	for i := 0; i < numKeys; i++ {
		_, found := reader.Lookup(fmt.Sprintf("key-%d", i))
		if i%2 == 0 && found {
			t.Errorf("Expected key-%d to be removed", i)
		}
		if i%2 == 1 && !found {
			t.Errorf("Expected key-%d to survive", i)
		}
	}

	if got := m.Len(); got != numKeys/2 {
		t.Errorf("Expected %d entries after removal, got %d", numKeys/2, got)
	}
}

// A key being replaced must stay visible throughout: readers observe the old
// or the new value, never a window with no entry and never a torn value.
func testReplaceVisibility(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureLookup)

	const key = "replace-target"
	mustInsert(t, m, key, "gen-0")

	var stop atomic.Bool
	var wg sync.WaitGroup

	numReaders := 4
	wg.Add(numReaders)
	for r := 0; r < numReaders; r++ {
		go func() {
			defer wg.Done()
			reader, err := m.Reader()
			if err != nil {
				t.Errorf("Failed to register reader: %v", err)
				return
			}
			defer reader.Close()

			for !stop.Load() {
				value, found := reader.Lookup(key)
				if !found {
					t.Errorf("Key vanished during replace")
					return
				}
				if !strings.HasPrefix(value, "gen-") {
					t.Errorf("Observed torn value %q", value)
					return
				}
			}
		}()
	}

	for gen := 1; gen <= 5000; gen++ {
		if err := m.InsertOrReplace(key, fmt.Sprintf("gen-%d", gen)); err != nil {
			t.Errorf("InsertOrReplace failed mid-run: %v", err)
			break
		}
	}

	stop.Store(true)
	wg.Wait()
}

func testConcurrentReadersAndWriters(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureRemove)
	requireFeature(t, m, hmap.FeatureLookup)

	const numKeys = 64
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("churn-key-%d", i)
	}

	var stop atomic.Bool
	var readers, writers sync.WaitGroup

	// readers: a found value must always match its key
	numReaders := 4
	readers.Add(numReaders)
	for r := 0; r < numReaders; r++ {
		go func() {
			defer readers.Done()
			reader, err := m.Reader()
			if err != nil {
				t.Errorf("Failed to register reader: %v", err)
				return
			}
			defer reader.Close()

			for !stop.Load() {
				for i, key := range keys {
					value, found := reader.Lookup(key)
					if found && value != fmt.Sprintf("churn-value-%d", i) {
						t.Errorf("Key %s carried foreign value %q", key, value)
						return
					}
				}
			}
		}()
	}

	// writers: each owns a disjoint slice of the key space
	numWriters := 2
	writers.Add(numWriters)
	for w := 0; w < numWriters; w++ {
		go func(offset int) {
			defer writers.Done()
			for cycle := 0; cycle < 200; cycle++ {
				for i := offset; i < numKeys; i += numWriters {
					if err := m.InsertOrReplace(keys[i], fmt.Sprintf("churn-value-%d", i)); err != nil {
						t.Errorf("InsertOrReplace failed: %v", err)
						return
					}
				}
				for i := offset; i < numKeys; i += numWriters {
					if _, err := m.Remove(keys[i]); err != nil {
						t.Errorf("Remove failed: %v", err)
						return
					}
				}
			}
		}(w)
	}

	writers.Wait()
	stop.Store(true)
	readers.Wait()

	if got := m.Len(); got != 0 {
		t.Errorf("Expected empty map after churn, got %d entries", got)
	}
}

func testGetInfo(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)

	for i := 0; i < 100; i++ {
		mustInsert(t, m, fmt.Sprintf("info-key-%d", i), "info-value")
	}

	info := m.GetInfo()
	if info.Entries != 100 {
		t.Errorf("Expected 100 entries in info, got %d", info.Entries)
	}
	if info.Buckets <= 0 {
		t.Errorf("Expected a positive bucket count, got %d", info.Buckets)
	}
	if info.MapType == "" {
		t.Errorf("Expected a map type identifier")
	}
	if len(info.SupportedFeatures) == 0 {
		t.Errorf("Expected advertised features")
	}

	for _, feature := range info.SupportedFeatures {
		if !m.SupportsFeature(feature) {
			t.Errorf("Feature %s advertised in info but not supported", feature)
		}
	}
}

func testClose(t *testing.T, m hmap.Map[string, string]) {
	requireFeature(t, m, hmap.FeatureInsertOrReplace)

	mustInsert(t, m, "close-key", "close-value")

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// mutations after close are refused
	if err := m.InsertOrReplace("close-key", "post-close"); err == nil {
		t.Errorf("Expected InsertOrReplace to fail after Close")
	}
	if _, err := m.Remove("close-key"); err == nil {
		t.Errorf("Expected Remove to fail after Close")
	}
	if _, err := m.Reader(); err == nil {
		t.Errorf("Expected Reader to fail after Close")
	}

	// closing twice is fine
	if err := m.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func testEdgeCases(t *testing.T, m hmap.Map[string, string]) {
	defer m.Close()

	requireFeature(t, m, hmap.FeatureInsertOrReplace)
	requireFeature(t, m, hmap.FeatureRemove)
	requireFeature(t, m, hmap.FeatureLookup)

	reader := newReader(t, m)
	defer reader.Close()

	// empty key and empty value are ordinary data
	mustInsert(t, m, "", "empty-key-value")
	if value, found := reader.Lookup(""); !found || value != "empty-key-value" {
		t.Errorf("Expected empty key to round-trip, got found=%v value=%q", found, value)
	}

	mustInsert(t, m, "empty-value-key", "")
	if value, found := reader.Lookup("empty-value-key"); !found || value != "" {
		t.Errorf("Expected empty value to round-trip, got found=%v value=%q", found, value)
	}

	// unicode keys
	mustInsert(t, m, "schlüssel-🔑", "wert")
	if value, found := reader.Lookup("schlüssel-🔑"); !found || value != "wert" {
		t.Errorf("Expected unicode key to round-trip, got found=%v value=%q", found, value)
	}

	// long keys hash fine
	longKey := strings.Repeat("k", 64*1024)
	mustInsert(t, m, longKey, "long")
	if value, found := reader.Lookup(longKey); !found || value != "long" {
		t.Errorf("Expected long key to round-trip, got found=%v value=%q", found, value)
	}

	if removed, err := m.Remove(""); err != nil || !removed {
		t.Errorf("Expected empty key removal to succeed, got removed=%v err=%v", removed, err)
	}
}
