/*
Package rwmap provides a lock-based map engine that serves as the comparison
baseline for the RCU engine.

It wraps a builtin Go map with a single reader-biased readers-writer lock
(xsync.RBMutex). Every lookup takes and releases a read token, every mutation
takes the write lock, and no memory management happens beyond what the
runtime's garbage collector already does. This is the textbook way to make a
map concurrent, which is exactly why it is here: benchmark numbers for the
RCU engine only mean something next to the numbers of the approach it is
supposed to beat.

Lock and data layout:

  - The whole table forms one lock domain. MapInfo.Buckets therefore always
    reports 1; the builtin map does not expose its internal structure.
  - RBMutex distributes reader tokens across slots so uncontended read
    acquisitions do not bounce a shared cache line the way sync.RWMutex
    does. Writers still stop the world: a mutation waits for all in-flight
    readers and blocks new ones until it completes.

Feature-wise the engine supports Lookup, InsertOrReplace, Remove and ReadTxn.
It does not advertise FeatureDeferredReclaim (the collector frees removed
entries whenever it likes) or FeatureWaitFreeReads (a reader can always
stall behind a writer holding the lock).
*/
package rwmap
