package rcu

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

const (
	// quiescent is the state-word value of a handle outside any read
	// session. The global epoch starts at 1 so the two can never collide.
	quiescent = uint64(0)

	// defaultMaxHandles bounds the registry when the caller passes 0.
	defaultMaxHandles = 1024

	// pollSleep is the wait between registry scans once spinning has not
	// paid off during Synchronize.
	pollSleep = 20 * time.Microsecond
)

var (
	// ErrClosed is returned when operating on a closed Tracker.
	ErrClosed = errors.New("rcu: tracker closed")
	// ErrExhausted is returned by Register when the handle cap is reached.
	ErrExhausted = errors.New("rcu: registration limit reached")
)

// --------------------------------------------------------------------------
// Tracker
// --------------------------------------------------------------------------

// Tracker owns the global epoch counter and the registry of reader handles.
// One Tracker instance protects one data structure; its lifecycle is scoped
// to the owning engine (created at engine start, closed with it).
type Tracker struct {
	epoch atomic.Uint64 // global epoch, monotonically non-decreasing
	safe  atomic.Uint64 // highest epoch proven quiesced by Synchronize

	handles    *xsync.MapOf[uint64, *Handle] // id -> handle registry
	nextID     atomic.Uint64
	registered atomic.Int64
	maxHandles int

	mu     sync.Mutex // serializes Synchronize (the reclamation lock)
	closed atomic.Bool
}

// NewTracker creates a Tracker with the given registration cap
// (0 = default of 1024).
func NewTracker(maxHandles int) *Tracker {
	if maxHandles <= 0 {
		maxHandles = defaultMaxHandles
	}

	t := &Tracker{
		handles:    xsync.NewMapOf[uint64, *Handle](),
		maxHandles: maxHandles,
	}

	// epoch 0 is reserved as the quiescent marker
	t.epoch.Store(1)
	t.safe.Store(1)

	return t
}

// Register adds a reader record to the registry and returns its handle.
// It fails only on resource exhaustion (registry cap reached) or after
// Close; the caller cannot proceed without a handle.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *Tracker) Register() (*Handle, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	// reserve a slot before allocating
	for {
		n := t.registered.Load()
		if int(n) >= t.maxHandles {
			return nil, ErrExhausted
		}
		if t.registered.CompareAndSwap(n, n+1) {
			break
		}
	}

	h := &Handle{t: t, id: t.nextID.Add(1)}
	t.handles.Store(h.id, h)

	// lost a race with Close: roll the registration back
	if t.closed.Load() {
		if _, ok := t.handles.LoadAndDelete(h.id); ok {
			t.registered.Add(-1)
		}
		return nil, ErrClosed
	}

	return h, nil
}

// Epoch returns the current global epoch.
func (t *Tracker) Epoch() uint64 {
	return t.epoch.Load()
}

// SafeEpoch returns the highest epoch a completed Synchronize has proven
// quiesced. Reclaim records tagged with an earlier epoch may be released.
func (t *Tracker) SafeEpoch() uint64 {
	return t.safe.Load()
}

// Registered returns the number of currently registered handles.
func (t *Tracker) Registered() int {
	return int(t.registered.Load())
}

// ActiveSessions counts handles currently inside a read session. The value
// is a sample, not a consistent snapshot; it serves stats and tests.
func (t *Tracker) ActiveSessions() int {
	active := 0
	t.handles.Range(func(_ uint64, h *Handle) bool {
		if h.state.Load() != quiescent {
			active++
		}
		return true
	})
	return active
}

// Synchronize advances the global epoch and waits until every handle
// registered before the call is observed quiescent or inside a session that
// began after the advance. On success it returns the new epoch, which is
// then safe for draining records tagged with any earlier epoch.
//
// The wait is bounded by ctx: on cancellation the epoch advance persists but
// no safety is recorded, and the caller retries on a later cycle
// (incremental draining). This is the only blocking operation in the
// package and runs solely on the reclamation path.
//
// Thread-safety: This method is thread-safe; concurrent calls serialize on
// the internal reclamation lock.
func (t *Tracker) Synchronize(ctx context.Context) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.epoch.Add(1)

	// Snapshot the handles registered before the advance. Handles that
	// register afterwards start quiescent and cannot hold references from
	// before it, so they never extend this grace period.
	var waiting []*Handle
	t.handles.Range(func(_ uint64, h *Handle) bool {
		waiting = append(waiting, h)
		return true
	})

	var spins uint8
	for {
		// keep only the handles still inside a pre-advance session
		remaining := waiting[:0]
		for _, h := range waiting {
			if s := h.state.Load(); s != quiescent && s < target {
				remaining = append(remaining, h)
			}
		}
		waiting = remaining

		if len(waiting) == 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		// spin first, then yield in longer naps; registry scans are cheap
		// compared to making a mid-session reader visible as quiescent
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		} else {
			time.Sleep(pollSleep)
		}
	}

	// serialized by mu, so target strictly increases call over call
	t.safe.Store(target)

	return target, nil
}

// Close marks the tracker closed. New registrations and Synchronize calls
// are refused; existing handles may still exit their sessions and close.
//
// Thread-safety: This method is thread-safe and idempotent.
func (t *Tracker) Close() error {
	t.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// Handle is a per-goroutine registration record. All methods must be called
// from the owning goroutine; only the state word is read by other goroutines
// (the Tracker's grace-period scan), so it is padded onto its own cache line.
type Handle struct {
	t       *Tracker
	id      uint64
	nesting int           // owner-only session nesting depth
	state   atomic.Uint64 // quiescent, or the epoch seen at the outermost Enter
	_       [32]byte      // pad to a cache line; scans must not thrash owners
}

// Enter marks the handle active and snapshots the current global epoch.
// Wait-free: one atomic load plus one atomic store on the outermost call,
// nothing on nested calls. It never blocks.
func (h *Handle) Enter() {
	if h.nesting == 0 {
		h.state.Store(h.t.epoch.Load())
	}
	h.nesting++
}

// Exit marks the handle quiescent again once the outermost session ends.
// Wait-free: at most one atomic store.
func (h *Handle) Exit() {
	if h.nesting <= 0 {
		panic("rcu: Exit without a matching Enter")
	}
	h.nesting--
	if h.nesting == 0 {
		h.state.Store(quiescent)
	}
}

// Read runs fn inside a read session, releasing it on every exit path.
func (h *Handle) Read(fn func()) {
	h.Enter()
	defer h.Exit()
	fn()
}

// Active reports whether the handle is currently inside a read session.
func (h *Handle) Active() bool {
	return h.state.Load() != quiescent
}

// Close removes the handle from the registry. Closing a handle that is
// still inside a read session is a programming-contract breach: the grace
// period it holds open could otherwise never end, so it panics.
//
// Thread-safety: must be called from the owning goroutine; idempotent.
func (h *Handle) Close() error {
	if h.nesting != 0 {
		panic("rcu: handle closed inside an open read session")
	}
	if _, ok := h.t.handles.LoadAndDelete(h.id); ok {
		h.t.registered.Add(-1)
	}
	return nil
}
