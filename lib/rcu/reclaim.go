package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// record is a single reclaim record in the intake list
type record struct {
	epoch uint64 // global epoch at unlink time
	fn    func() // reclamation callback
	next  atomic.Pointer[record]
}

// Queue is the deferred reclamation queue: removals are filed here tagged
// with their removal epoch and released only once a grace period has
// provably elapsed past that epoch.
//
// Intake is a lock-free multi-producer linked list so that writers defer
// without ever blocking, even under per-bucket write gates where several
// writers run concurrently. Draining files intake records into an arena
// indexed by removal epoch and releases whole epoch buckets at a time.
type Queue struct {
	head atomic.Pointer[record]
	tail atomic.Pointer[record]

	pending atomic.Int64 // records deferred and not yet released

	mu    sync.Mutex          // guards the arena; drains are single-consumer
	arena map[uint64][]func() // reclaim records indexed by removal epoch
}

// NewQueue creates an empty reclamation queue
func NewQueue() *Queue {
	sentinel := &record{}

	q := &Queue{
		arena: make(map[uint64][]func()),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Defer files fn to run once a grace period has elapsed past epoch, the
// global epoch observed after the resource was unlinked. It never blocks.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue) Defer(epoch uint64, fn func()) {
	if fn == nil {
		return
	}

	q.pending.Add(1)
	newRecord := &record{epoch: epoch, fn: fn}

	var backoff uint8 = 0
	for {
		tailRecord := q.tail.Load()

		// try to atomically append our record to the current tail
		next := tailRecord.next.Load()
		if next == nil {
			if tailRecord.next.CompareAndSwap(nil, newRecord) {
				/*
				 Successfully appended, now try to update tail.
				 Note: CAS may fail if another producer helps update
				 tail, but that's okay - tail will still be updated
				 eventually.
				*/
				q.tail.CompareAndSwap(tailRecord, newRecord)
				return
			}
		} else {
			// help update the tail pointer if another producer has already
			// appended a record but hasn't updated the tail yet
			q.tail.CompareAndSwap(tailRecord, next)
		}

		// exponential backoff to keep contending producers from retrying
		// in lockstep; spin at low contention, yield once it persists
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Pending returns the number of records waiting for a grace period.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Drain runs and discards every reclaim record whose removal epoch precedes
// safeEpoch, as established by a completed Tracker.Synchronize. Records
// tagged with a later epoch stay filed for a future drain. Returns the
// number of records released.
//
// Thread-safety: This method is thread-safe and may run concurrently with
// Defer; concurrent drains serialize on an internal lock.
func (q *Queue) Drain(safeEpoch uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gather()

	released := 0
	for epoch, fns := range q.arena {
		if epoch < safeEpoch {
			for _, fn := range fns {
				fn()
			}
			released += len(fns)
			delete(q.arena, epoch)
		}
	}

	if released > 0 {
		q.pending.Add(-int64(released))
	}
	return released
}

// DrainAll runs every filed record regardless of epoch. Only valid once the
// caller has established that no reader can hold a reference (engine
// shutdown after a final grace period, or teardown of a never-shared map).
//
// Thread-safety: This method is thread-safe.
func (q *Queue) DrainAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gather()

	released := 0
	for epoch, fns := range q.arena {
		for _, fn := range fns {
			fn()
		}
		released += len(fns)
		delete(q.arena, epoch)
	}

	if released > 0 {
		q.pending.Add(-int64(released))
	}
	return released
}

// gather moves the intake list into the epoch-indexed arena.
// The caller must hold q.mu: gathering is the single-consumer side.
func (q *Queue) gather() {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return
		}

		q.arena[next.epoch] = append(q.arena[next.epoch], next.fn)

		// move head forward and drop the reference so released records
		// do not pin their callbacks
		q.head.Store(next)
		next.fn = nil
	}
}
