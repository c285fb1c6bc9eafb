// Package cmd implements the command-line interface for the urcu-ht
// concurrent hash map. It provides a small command tree for exercising the
// library from the shell.
//
// The package is organized into several subpackages:
//
//   - bench: The read-side benchmark harness (reader goroutines, writer churn
//     loop, per-second reporting and result export)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See urcuht -help for a list of all commands.
package cmd
