// Package util provides utility components for
// hash map implementations that satisfy the hmap.Map interface.
//
// The package contains:
//   - functions: seed generation and seeded hash functions for common key types
//   - statistics: distribution statistics and a chain-length histogram for
//     analyzing how entries spread across bucket chains
//
// This package is particularly useful for:
//   - Map engine developers implementing the hmap.Map interface
//   - Monitoring systems that need to track bucket distribution quality
package util
