// Package process implements the process half of C3: the process record
// and its lifecycle (spec.md §3/§4.3), plus the cooperative scheduler
// (§5). Grounded on the teacher's Ring struct as "the thing that owns a
// kernel-side resource and must be torn down exactly once" (ring.go's
// Close/closed.Swap idiom is mirrored by Process.Terminate below).
package process

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/cpu"
	"github.com/okernel/vkernel/internal/sys"
)

// PID is unique over the lifetime of the system (spec.md §3 invariant).
type PID uint64

// State is one of the four process states spec.md §3 names.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

const (
	MinKernelStackSize = 16 * 1024
	MinUserStackSize   = 64 * 1024
)

// ExitCause records why a process left the scheduler. ExitNormal is an
// ordinary process_exit syscall; the fault causes are recorded by the
// CPU-level trap path (kernel.Kernel.Fault, when cpu.RequireRing0
// faults) rather than by any syscall
// (spec.md §8 S4: a ring-3 process executing a privileged instruction
// terminates with cause PrivilegedInstruction and no syscall return at
// all).
type ExitCause uint8

const (
	ExitNormal ExitCause = iota
	ExitPrivilegedInstruction
)

func (c ExitCause) String() string {
	switch c {
	case ExitNormal:
		return "Normal"
	case ExitPrivilegedInstruction:
		return "PrivilegedInstruction"
	default:
		return "Unknown"
	}
}

// Process is the per-process record from spec.md §3.
type Process struct {
	PID   PID
	state atomic.Int32

	Regs cpu.RegisterState
	CR3  addrspace.PhysAddr

	KernelStack addrspace.VirtAddr // top-of-stack
	UserStack   addrspace.VirtAddr // top-of-stack

	Caps *capability.Table

	// IORing holds whatever the kernel package installs for this
	// process's io_uring instance (an *ioring.Ring). Typed any so this
	// package does not import ioring; the kernel package sets it.
	IORing any

	// Cause is ExitNormal until Terminate records the real reason the
	// process stopped running.
	Cause ExitCause

	everRun bool
}

func (p *Process) State() State       { return State(p.state.Load()) }
func (p *Process) setState(s State)   { p.state.Store(int32(s)) }

// New implements create_process from spec.md §4.3 for a PID the caller
// has already allocated: it creates the user page table, maps one page
// of the user stack (the page just below userStackTop), initializes
// register state, and gives the process an empty capability table. The
// rest of the user stack and the kernel stack below kernelStackTop are
// not mapped here; New only records their top addresses.
func New(pid PID, entry addrspace.VirtAddr, addrMgr *addrspace.Manager, frames addrspace.FrameAllocator,
	kernelStackTop, userStackTop addrspace.VirtAddr) (*Process, error) {

	cr3, err := addrMgr.CreateUserPageTable()
	if err != nil {
		return nil, sys.WrapError(sys.ErrOutOfMemory, err)
	}

	userFrame, err := frames.AllocateFrame()
	if err != nil {
		return nil, sys.WrapError(sys.ErrOutOfMemory, err)
	}
	userPage := (userStackTop - 1).AlignDown(addrspace.PageSize)
	if err := addrMgr.Map(cr3, userPage, userFrame, addrspace.EntryFlags{
		Present: true, Writable: true, UserAccessible: true,
	}); err != nil {
		return nil, err
	}

	p := &Process{
		PID:         pid,
		CR3:         cr3,
		KernelStack: kernelStackTop,
		UserStack:   userStackTop,
		Caps:        capability.NewTable(),
	}
	p.setState(Ready)
	p.Regs = cpu.RegisterState{
		RIP:    uint64(entry),
		RSP:    uint64(userStackTop),
		RFLAGS: cpu.DefaultUserRFLAGS,
	}
	return p, nil
}

// Terminate implements process-termination cleanup: every live
// capability is revoked (spec.md §4.3 "Ownership"), the exit cause is
// recorded, and the process moves to Terminated so any completion
// posted afterward is discardable by the caller (spec.md §5
// "Cancellation & timeouts"). Idempotent; only the first call's cause
// sticks.
func (p *Process) Terminate(cause ExitCause) {
	if p.state.Swap(int32(Terminated)) == int32(Terminated) {
		return
	}
	p.Cause = cause
	p.Caps.RevokeAll()
}

// pidItem orders the btree by PID.
type pidItem struct{ pid PID }

func pidLess(a, b pidItem) bool { return a.pid < b.pid }

// Table is the system-wide process table: a monotone PID allocator plus
// an ordered index of live processes (used for diagnostics/dump the way
// a real kernel's `ps` would walk the task list in PID order).
type Table struct {
	mu      sync.Mutex
	nextPID PID
	byPID   map[PID]*Process
	order   *btree.BTreeG[pidItem]
}

func NewTable() *Table {
	return &Table{
		byPID: map[PID]*Process{},
		order: btree.NewG(32, pidLess),
	}
}

// Allocate returns the next monotone PID without creating a process
// (callers build the Process with it so CR3 setup can fail cleanly
// before the PID is published into the table).
func (t *Table) Allocate() PID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPID++
	return t.nextPID
}

// Insert publishes a newly created process into the table.
func (t *Table) Insert(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPID[p.PID] = p
	t.order.ReplaceOrInsert(pidItem{p.PID})
}

// Get returns the process for pid, or nil.
func (t *Table) Get(pid PID) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPID[pid]
}

// Remove drops pid from the table (after Terminate has already revoked
// its capabilities).
func (t *Table) Remove(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPID, pid)
	t.order.Delete(pidItem{pid})
}

// Each iterates live processes in PID order.
func (t *Table) Each(fn func(*Process) bool) {
	t.mu.Lock()
	items := make([]PID, 0, t.order.Len())
	t.order.Ascend(func(it pidItem) bool {
		items = append(items, it.pid)
		return true
	})
	t.mu.Unlock()

	for _, pid := range items {
		p := t.Get(pid)
		if p == nil {
			continue
		}
		if !fn(p) {
			return
		}
	}
}
