// Package task implements the cooperative suspension protocol between mutator
// threads and the collector.
//
// Every mutator thread is in one of four run states:
//
//	Running -> SafePointRequested -> Suspended -> Running
//	Running <-> Preemptive
//
// A Running thread executes managed code and may hold raw heap addresses, so
// it can only be stopped at a declared safe point. A Preemptive thread has
// promised not to touch the heap (it is blocked, or running native code), so
// the collector may proceed without waiting for it. Leaving the preemptive
// state blocks while the world is stopped.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// If true, print verbose debug logs.
const verbose = false

type RunState uint32

const (
	RunStateRunning RunState = iota
	RunStateSafePointRequested
	RunStateSuspended
	RunStatePreemptive
)

func (s RunState) String() string {
	switch s {
	case RunStateRunning:
		return "running"
	case RunStateSafePointRequested:
		return "safepoint-requested"
	case RunStateSuspended:
		return "suspended"
	case RunStatePreemptive:
		return "preemptive"
	default:
		return fmt.Sprintf("RunState(%d)", uint32(s))
	}
}

// Thread is the collector's view of one mutator thread.
type Thread struct {
	// Thread ID. The number is not significant, but it is useful for
	// debugging.
	id uint64

	// Run state, only changed with world.mu held.
	state atomic.Uint32

	world *World

	// Next thread in the world's list of active threads.
	next *Thread

	// Owner is an opaque value set by the creator of the thread, such as the
	// heap's per-thread state.
	Owner any
}

// ID returns the thread's identifier.
func (t *Thread) ID() uint64 {
	return t.id
}

// State returns the current run state.
func (t *Thread) State() RunState {
	return RunState(t.state.Load())
}

// World tracks all threads attached to one heap and stops them for collection.
type World struct {
	mu   sync.Mutex
	cond sync.Cond

	// List of threads (see Thread.next) that are currently attached.
	threads *Thread
	count   int
	lastID  uint64

	// Set while a stop-the-world is requested or in progress. It is read
	// without the lock on the safe point fast path.
	stopRequested atomic.Bool
	stopper       *Thread
}

// NewWorld returns an empty world.
func NewWorld() *World {
	w := &World{}
	w.cond.L = &w.mu
	return w
}

// Attach adds a new running thread. It blocks while the world is stopped, so
// that the collector never sees a thread that is not fully started.
func (w *World) Attach(owner any) *Thread {
	w.mu.Lock()
	for w.stopRequested.Load() {
		w.cond.Wait()
	}
	w.lastID++
	t := &Thread{id: w.lastID, world: w, Owner: owner}
	t.state.Store(uint32(RunStateRunning))
	t.next = w.threads
	w.threads = t
	w.count++
	w.mu.Unlock()
	if verbose {
		println("*** attach:", t.id)
	}
	return t
}

// Detach removes the thread. Detaching is a safe point.
func (w *World) Detach(t *Thread) {
	t.SafePoint()
	w.mu.Lock()
	for w.stopRequested.Load() {
		w.cond.Wait()
	}
	found := false
	for q := &w.threads; *q != nil; q = &(*q).next {
		if *q == t {
			*q = t.next
			found = true
			break
		}
	}
	if !found {
		w.mu.Unlock()
		panic("task: detaching a thread that is not attached")
	}
	w.count--
	t.world = nil
	// A detached thread can no longer hold heap addresses.
	t.state.Store(uint32(RunStatePreemptive))
	w.cond.Broadcast()
	w.mu.Unlock()
	if verbose {
		println("*** detach:", t.id)
	}
}

// Count returns the number of attached threads.
func (w *World) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// StopTheWorld asks every thread other than self to stop at its next safe
// point and waits until all of them are suspended or preemptive. self may be
// nil when the caller is not a mutator thread (for example a background
// collector goroutine).
//
// After calling this function, ResumeTheWorld needs to be called once to
// resume all threads again. Only one caller may stop the world at a time;
// the heap serializes this with its collection lock.
func (w *World) StopTheWorld(self *Thread) {
	w.mu.Lock()
	if w.stopRequested.Load() {
		w.mu.Unlock()
		panic("task: world is already stopped")
	}
	w.stopRequested.Store(true)
	w.stopper = self
	for {
		ready := true
		for t := w.threads; t != nil; t = t.next {
			if t == self {
				continue
			}
			switch t.State() {
			case RunStateRunning:
				t.state.Store(uint32(RunStateSafePointRequested))
				ready = false
			case RunStateSafePointRequested:
				ready = false
			}
		}
		if ready {
			break
		}
		w.cond.Wait()
	}
	w.mu.Unlock()
	if verbose {
		println("*** world stopped")
	}
}

// ResumeTheWorld releases all threads stopped by StopTheWorld.
func (w *World) ResumeTheWorld() {
	w.mu.Lock()
	if !w.stopRequested.Load() {
		// This is already resumed.
		w.mu.Unlock()
		return
	}
	w.stopRequested.Store(false)
	w.stopper = nil
	w.cond.Broadcast()
	w.mu.Unlock()
	if verbose {
		println("*** world resumed")
	}
}

// Stopped reports whether a stop-the-world is requested or in progress.
func (w *World) Stopped() bool {
	return w.stopRequested.Load()
}

// ForEach calls fn for every attached thread. The world must be stopped, or
// the caller must otherwise ensure that no thread attaches or detaches.
func (w *World) ForEach(fn func(t *Thread)) {
	for t := w.threads; t != nil; t = t.next {
		fn(t)
	}
}

// SafePoint suspends the calling thread if the collector asked it to. It
// returns immediately otherwise.
func (t *Thread) SafePoint() {
	w := t.world
	if w == nil || !w.stopRequested.Load() {
		return
	}
	w.mu.Lock()
	if w.stopper == t {
		// The collector itself is at a safe point by definition.
		w.mu.Unlock()
		return
	}
	if w.stopRequested.Load() {
		t.state.Store(uint32(RunStateSuspended))
		w.cond.Broadcast()
		for w.stopRequested.Load() {
			w.cond.Wait()
		}
		t.state.Store(uint32(RunStateRunning))
	}
	w.mu.Unlock()
}

// EnterPreemptive declares that the thread will not touch the heap until
// ExitPreemptive is called.
func (t *Thread) EnterPreemptive() {
	w := t.world
	w.mu.Lock()
	t.state.Store(uint32(RunStatePreemptive))
	w.cond.Broadcast()
	w.mu.Unlock()
}

// ExitPreemptive returns to managed code, waiting for a stopped world to be
// resumed first.
func (t *Thread) ExitPreemptive() {
	w := t.world
	w.mu.Lock()
	for w.stopRequested.Load() && w.stopper != t {
		w.cond.Wait()
	}
	t.state.Store(uint32(RunStateRunning))
	w.mu.Unlock()
}
