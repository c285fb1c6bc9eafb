package rcuht

import (
	"testing"

	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
	hmaptesting "github.com/CrabeDeFrance/urcu-ht/lib/hmap/testing"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/util"
)

func Test(t *testing.T) {
	hmaptesting.RunMapTests(t, "RCUHashMap", func() hmap.Map[string, string] {
		m, err := New[string, string](util.HashString, nil)
		if err != nil {
			t.Fatalf("Failed to create map: %v", err)
		}
		return m
	})
}

func Benchmark(t *testing.B) {
	hmaptesting.RunMapBenchmarks(t, "RCUHashMap", func() hmap.Map[string, string] {
		m, err := New[string, string](util.HashString, nil)
		if err != nil {
			t.Fatalf("Failed to create map: %v", err)
		}
		return m
	})
}
