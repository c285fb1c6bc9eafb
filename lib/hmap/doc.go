// Package hmap provides a standardized interface for concurrent hash map
// implementations. It defines a generic Map interface that allows for
// consistent interaction with different concurrency engines while abstracting
// how each engine coordinates readers and writers.
//
// The package focuses on:
//   - A unified, generic interface for concurrent map operations
//   - An explicit reader registration model (Reader/Txn) so engines can
//     track read-side critical sections without locking readers
//   - Feature discovery through capability flags
//   - Standardized metadata reporting
//
// Key Components:
//
//   - Map Interface: The core interface that all map implementations must
//     satisfy. It provides mutating operations (InsertOrReplace, Remove),
//     reader registration (Reader), metadata retrieval (GetInfo) and
//     feature discovery (SupportsFeature).
//
//   - Reader Interface: A per-goroutine handle for read access. Lookups never
//     return an error; a missing key is an ordinary result. The Read method
//     runs several lookups inside one read-side critical section so they all
//     observe the same grace-period epoch.
//
//   - Feature Flags: The Feature type defines capability flags that
//     implementations can advertise through the SupportsFeature method. This
//     allows clients and the shared test suite to discover supported
//     behavior at runtime (for example whether an engine defers memory
//     reclamation behind grace periods).
//
//   - Implementation Identifiers: The Implementation type provides string
//     constants for the shipped engines ("rcuht" and "rwlock").
//
//   - Map Information: The MapInfo structure provides standardized reporting
//     on map state, including entry and bucket counts, implementation type,
//     and implementation-specific metadata. Note: metadata fields are
//     point-in-time estimates; engines do not pause writers to compute them.
//
// Error Model:
//
// Operations distinguish two failure classes. Resource exhaustion and invalid
// parameters (reader slots exhausted, map closed, bad bucket count) are
// reported as *Error values with a machine-readable RetCode. Violations of
// the usage contract (unbalanced session exits, closing a reader inside an
// open read) indicate a bug in the calling code and panic instead.
//
// Related Packages:
//
// The engines/rcuht package (github.com/CrabeDeFrance/urcu-ht/lib/hmap/engines/rcuht)
// implements the interface with a read-copy-update protected hash table:
// lookups are wait-free and never block behind writers, while unlinked nodes
// are reclaimed only after a grace period proves no reader can still hold
// them.
//
// The engines/rwmap package (github.com/CrabeDeFrance/urcu-ht/lib/hmap/engines/rwmap)
// implements the same interface with a reader-biased lock around a builtin
// map. It exists as the comparison baseline for the benchmark harness.
//
// The testing package (github.com/CrabeDeFrance/urcu-ht/lib/hmap/testing) provides
// standardized tests and benchmarks for implementations of the Map interface.
//   - RunMapTests: Runs a standardized test suite to validate implementations
//   - RunMapBenchmarks: Provides performance benchmarks for comparing implementations
package hmap
