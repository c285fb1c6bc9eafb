// Package testing provides standardised tests and benchmarks for
// concurrent map implementations that satisfy the hmap.Map interface.
//
// The package contains:
//   - testing: A conformance suite for validating the hmap.Map interface contract,
//     including concurrent reader/writer scenarios
//   - benchmark: Performance tests for measuring throughput of lookups and
//     mutations under parallel load
//
// The suite instantiates maps with string keys and string values; engines are
// generic, so conformance at one instantiation carries the structural
// guarantees to all of them. Tests that only apply to some engines (deferred
// reclamation, read transactions) are skipped for implementations that do not
// advertise the matching feature flag.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() hmap.Map[string, string] {
//		return NewMyMap()
//	}
//
//	// Running the standard test suite
//	hmaptesting.RunMapTests(t, "MyMap", factory)
//
//	// Running performance benchmarks
//	hmaptesting.RunMapBenchmarks(b, "MyMap", factory)
package testing
