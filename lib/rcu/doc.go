// Package rcu implements the runtime underneath a Read-Copy-Update protected
// data structure: reader registration with epoch tracking, grace-period
// detection, and a deferred reclamation queue. It contains no hash map logic;
// engines compose it with their own lock-free structures.
//
// The package focuses on:
//   - Wait-free read-side primitives: entering and exiting a read session is
//     a bounded handful of atomic operations, with no locks, no CAS loops and
//     no reference counting
//   - Grace-period detection: answering "has every reader that could still
//     hold a reference from before time T finished its session?"
//   - Deferred reclamation: callbacks that run only after a grace period has
//     provably elapsed past the moment their resource was unlinked
//
// Key Components:
//
//   - Tracker: owns the global epoch counter and the registry of reader
//     handles. Register() adds a handle (bounded by a configurable cap),
//     Synchronize() advances the epoch and waits until every handle that was
//     registered before the call is either quiescent or has entered a session
//     after the advance. Synchronize is the only blocking operation in the
//     package and runs exclusively on the reclamation path.
//
//   - Handle: a per-goroutine registration record. Enter() snapshots the
//     global epoch into the handle's state word; Exit() resets it to the
//     quiescent value. Sessions nest. The state word is the only field
//     touched by other goroutines and is padded onto its own cache line;
//     everything else is owner-only, so neither Enter nor Exit ever contends.
//
//   - Queue: the deferred reclamation queue. Defer(epoch, fn) appends to a
//     lock-free multi-producer intake list and never blocks; Drain(safe)
//     files the intake into an arena of reclaim records indexed by removal
//     epoch and runs every record whose epoch precedes the proven-safe value.
//
// Quiescence strategy: the Tracker uses sampling quiescence. Readers carry
// zero overhead outside their sessions; in exchange Synchronize polls the
// registry until pre-existing sessions end. The alternative (readers calling
// explicit checkpoints between sessions) would bound reclamation latency at
// the cost of a fixed per-iteration tax on every reader; this package
// deliberately does not mix the two.
//
// Correctness leans on Go's sequentially consistent atomics: a reader whose
// state word carries an epoch at or above a Synchronize target must have
// loaded the global counter after that target was published, and therefore
// after every unlink whose record the corresponding Drain releases. A reader
// holding an older snapshot keeps the grace period open until it exits.
//
// A handle that never exits its session blocks reclamation forever; that is
// inherent to RCU and surfaces here as a Synchronize that only returns once
// its context is cancelled.
package rcu
