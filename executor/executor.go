// Package executor implements C5: the single-threaded, cooperative
// kernel executor that drives I/O futures and the pending-completion-
// token table (spec.md §4.5/§5). Grounded on the teacher's Ring as "the
// thing with an explicit, externally-driven work loop" — ring.go never
// spawns its own goroutines to drain completions, callers pump it
// (Submit/WaitCQE); this package generalizes that pumped-loop idiom from
// one ring to an arbitrary set of deferred kernel tasks.
package executor

import (
	"sync"

	"github.com/google/uuid"
)

// Task is a unit of deferred kernel work. It runs to completion once
// scheduled — there is no preemption (spec.md §5).
type Task func()

// Executor is a per-CPU, single-threaded task queue. Nothing in this
// package starts a goroutine: PollOnce must be pumped by the owning
// CPU's main loop, matching "a running kernel task runs until it
// explicitly yields... the idle loop (hlt)".
type Executor struct {
	mu    sync.Mutex
	ready []Task

	Pending *PendingTable
}

// New returns an idle executor with an empty pending-completion table.
func New() *Executor {
	return &Executor{Pending: NewPendingTable()}
}

// Spawn enqueues fn to run on the next PollOnce call. It never runs
// fn synchronously: "spawn(future)" in spec.md §4.5 hands work to the
// executor, it does not invoke it inline.
func (e *Executor) Spawn(fn Task) {
	e.mu.Lock()
	e.ready = append(e.ready, fn)
	e.mu.Unlock()
}

// PollOnce runs every task currently queued (a single pump of the ready
// list) and returns how many ran. Tasks that Spawn more work during this
// call are picked up by the next PollOnce, never the current one — this
// keeps one pump bounded, the simulated analogue of "the executor does
// not preempt itself mid-instruction".
func (e *Executor) PollOnce() int {
	e.mu.Lock()
	batch := e.ready
	e.ready = nil
	e.mu.Unlock()

	for _, t := range batch {
		t()
	}
	return len(batch)
}

// Idle reports whether the ready queue is empty — the executor's idle
// loop (spec.md §5 "the idle loop (hlt)") should park when this is true.
func (e *Executor) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ready) == 0
}

// NewTraceID returns a correlation id for a new I/O future. Not a
// capability id or a PID — a debugging aid only (SPEC_FULL.md §1).
func NewTraceID() string {
	return uuid.NewString()
}
