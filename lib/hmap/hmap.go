package hmap

import "fmt"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplRCU    Implementation = "rcuht"
	ImplRWLock Implementation = "rwlock"
)

// Feature represents map capabilities as bit flags
type Feature uint64

const (
	FeatureLookup          Feature = 1 << iota // Support for Lookup operations
	FeatureInsertOrReplace                     // Support for InsertOrReplace operations
	FeatureRemove                              // Support for Remove operations
	FeatureReadTxn                             // Support for multi-lookup read transactions
	FeatureDeferredReclaim                     // Removed entries are reclaimed after a grace period
	FeatureWaitFreeReads                       // Lookups never block behind writers
)

func (f Feature) String() string {
	switch f {
	case FeatureLookup:
		return "Lookup"
	case FeatureInsertOrReplace:
		return "InsertOrReplace"
	case FeatureRemove:
		return "Remove"
	case FeatureReadTxn:
		return "ReadTxn"
	case FeatureDeferredReclaim:
		return "DeferredReclaim"
	case FeatureWaitFreeReads:
		return "WaitFreeReads"
	default:
		return "Unknown"
	}
}

type MapInfo struct {
	Entries           int            `json:"entries"`
	Buckets           int            `json:"buckets"`
	MapType           Implementation `json:"map_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Map Interface
// --------------------------------------------------------------------------

// Map defines an interface for concurrent hash map implementations.
// Mutating operations may be called from any goroutine; implementations
// serialize them as needed. Read access goes through per-goroutine Reader
// handles obtained from Reader(), which lets implementations track read-side
// critical sections without taking locks on the read path.
// Implementations can vary in their feature support, which can be queried
// with SupportsFeature.
type Map[K comparable, V any] interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// InsertOrReplace inserts an entry with the given key and value.
	// If the key already exists, the old value is replaced; readers concurrently
	// traversing the map observe either the old entry or the new one, never both
	// and never neither.
	InsertOrReplace(key K, value V) (err error)

	// Remove unlinks the entry with the specified key.
	// The boolean return value reports whether an entry was present. Removing
	// an absent key is not an error and has no side effect.
	Remove(key K) (removed bool, err error)

	// --------------------------------------------------------------------------
	// Read Access
	// --------------------------------------------------------------------------

	// Reader registers a read handle for the calling goroutine. The handle
	// must not be shared across goroutines and must be closed when no longer
	// needed so the implementation can stop accounting for it.
	// Fails with RetCExhausted when the implementation's reader limit is
	// reached and with RetCClosed after Close.
	Reader() (r Reader[K, V], err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the map implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the map.
	GetInfo() (info MapInfo)

	// Len returns the current number of entries. The value is a snapshot and
	// may be stale by the time it is observed.
	Len() (n int)

	// Close shuts the map down. Open readers must be closed first; lookups
	// through a handle that outlives its map are a usage error.
	Close() (err error)
}

// Reader is a per-goroutine read handle. Lookup and Read never return errors:
// a missing key is an ordinary result, and the read path performs no
// operation that can fail.
type Reader[K comparable, V any] interface {
	// Lookup retrieves the value for an exact key inside its own read-side
	// critical section. The boolean return value indicates whether a value
	// for the key was found.
	Lookup(key K) (value V, found bool)

	// Read runs fn inside a single read-side critical section. All lookups
	// performed through the provided Txn observe entries unlinked no earlier
	// than the section's start; an entry seen once stays reachable for the
	// whole section even if a writer removes it concurrently.
	Read(fn func(txn Txn[K, V]))

	// Close unregisters the handle. Calling Close with an open Read section
	// panics.
	Close() (err error)
}

// Txn is the lookup surface available inside Reader.Read.
type Txn[K comparable, V any] interface {
	Lookup(key K) (value V, found bool)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCInvalidParameters:
		errorCode = "InvalidParameters"
	case RetCExhausted:
		errorCode = "Exhausted"
	case RetCClosed:
		errorCode = "Closed"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("MapError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new map error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Command executed successfully.
	RetCInternalError                    // 1: Command failed due to an internal error.
	RetCInvalidParameters                // 2: Invalid configuration or argument.
	RetCExhausted                        // 3: A bounded resource (reader slots) is used up.
	RetCClosed                           // 4: The map was already closed.
)
