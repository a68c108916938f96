package process

import (
	"sync"

	"github.com/okernel/vkernel/cpu"
)

// Scheduler implements a cooperative switch_to (spec.md §4.3/§5): it
// points the per-CPU kernel stack and the TSS RSP0 at the incoming
// process's kernel stack and, on a process's first run, hands its
// register state to the Trampoline for the (simulated) ring-3 entry.
// This model has no CR3 register or live register file to load: the
// outgoing RSP0 is not saved, and each process keeps its CR3 and
// register state in its own record. There is exactly one running process
// per CPU at a time —
// this core models a single logical CPU, matching the teacher's
// single-threaded Ring ownership model generalized to "one running task".
type Scheduler struct {
	mu  sync.Mutex
	pc  *cpu.PerCPU
	tss *cpu.TSS
	tr  cpu.Trampoline

	ready []*Process
	cur   *Process
}

func NewScheduler(pc *cpu.PerCPU, tss *cpu.TSS, tr cpu.Trampoline) *Scheduler {
	return &Scheduler{pc: pc, tss: tss, tr: tr}
}

// Enqueue marks p Ready and makes it eligible for the next SwitchNext.
func (s *Scheduler) Enqueue(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.setState(Ready)
	s.ready = append(s.ready, p)
}

// Current returns the presently running process, or nil if the CPU is idle.
func (s *Scheduler) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// SwitchNext implements switch_to: the current task (if any) is
// re-enqueued as Ready unless it has already moved itself to Blocked or
// Terminated, then the next ready task is popped and entered. Returns nil
// if no task is ready (the caller should idle).
func (s *Scheduler) SwitchNext() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.cur; prev != nil && prev.State() == Running {
		prev.setState(Ready)
		s.ready = append(s.ready, prev)
	}
	s.cur = nil

	if len(s.ready) == 0 {
		return nil
	}
	next := s.ready[0]
	s.ready = s.ready[1:]

	s.pc.CurrentTask = uint64(next.PID)
	s.pc.KernelStackTop = uint64(next.KernelStack)
	if !next.everRun {
		next.everRun = true
		s.tr.EnterUserMode(s.pc, s.tss, &next.Regs)
	} else {
		s.tss.RSP0 = next.KernelStack
		s.pc.TSSRSP0 = s.tss.RSP0
	}
	next.setState(Running)
	s.cur = next
	return next
}

// Block moves p out of Running into Blocked; it will not be scheduled
// again until a later Enqueue call (e.g. when its I/O completes).
func (s *Scheduler) Block(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.setState(Blocked)
	if s.cur == p {
		s.cur = nil
	}
}

// Terminate removes p from scheduling and revokes its capabilities,
// recording cause as the reason it stopped running.
func (s *Scheduler) Terminate(p *Process, cause ExitCause) {
	p.Terminate(cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == p {
		s.cur = nil
	}
	kept := s.ready[:0]
	for _, q := range s.ready {
		if q != p {
			kept = append(kept, q)
		}
	}
	s.ready = kept
}
