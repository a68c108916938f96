package kernel

import (
	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/internal/sys"
	"github.com/okernel/vkernel/ioring"
	"github.com/okernel/vkernel/process"
)

// SyscallArgs carries the System V argument registers spec.md §6 assigns
// a syscall: RDI, RSI, RDX, R10 (moved into RCX by the trampoline before
// the dispatcher ever sees it — modeled here simply as a fourth field),
// R8, R9. This core's six syscalls use at most the first two.
type SyscallArgs struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// SyscallResult is the RAX-equivalent outcome of a syscall: either a
// 64-bit value or a typed error, never both (spec.md §6 "All results are
// typed Result<T, SyscallError>").
type SyscallResult struct {
	Value uint64
	Err   error
}

func ok(v uint64) SyscallResult        { return SyscallResult{Value: v} }
func fail(err error) SyscallResult     { return SyscallResult{Err: err} }
func failCode(c sys.ErrorCode) SyscallResult { return fail(sys.NewError(c)) }

// Syscall implements the kernel side of the trampoline's step 5 ("call
// the high-level dispatcher with the syscall number in RAX and arguments
// in RDI, RSI, RDX, RCX, R8, R9"): resolves the calling process, dispatches
// on number, and returns the RAX-equivalent result. This is the single
// entry point the boot harness and cmd/vkernel drive instead of a real
// `syscall` instruction.
func (k *Kernel) Syscall(pid process.PID, number uint64, args SyscallArgs) SyscallResult {
	p := k.procs.Get(pid)
	if p == nil {
		return failCode(sys.ErrInvalidArgument)
	}

	switch number {
	case sys.SYS_PROCESS_EXIT:
		return k.sysProcessExit(p, args)
	case sys.SYS_PROCESS_GETPID:
		return ok(uint64(p.PID))
	case sys.SYS_IO_URING_SETUP:
		return k.sysIOUringSetup(p, args)
	case sys.SYS_IO_URING_ENTER:
		return k.sysIOUringEnter(p, args)
	case sys.SYS_CAPABILITY_DUP:
		return k.sysCapabilityDup(p, args)
	case sys.SYS_CAPABILITY_REVOKE:
		return k.sysCapabilityRevoke(p, args)
	default:
		return failCode(sys.ErrNotImplemented)
	}
}

// sysProcessExit implements process_exit (2000): never returns to the
// caller in spirit (it terminates the process), represented here as a
// terminal SyscallResult the boot harness must stop driving after seeing.
func (k *Kernel) sysProcessExit(p *process.Process, args SyscallArgs) SyscallResult {
	k.log.Debug("process_exit", "pid", p.PID, "code", int32(args.A0))
	if err := k.TerminateProcess(p.PID); err != nil {
		return fail(err)
	}
	return ok(0)
}

// sysIOUringSetup implements io_uring_setup (2002): allocates the SQ/CQ
// pair for the calling process and records it in the kernel's per-process
// ring table. entries=args.A0, flags=args.A1. The "ring_base" this core
// returns is the process's own PID — there is no real shared-memory
// address for a user process to dereference in a hosted simulation; the
// SQE/CQE traffic instead flows through the Ring this call installs,
// which cmd/vkernel and tests reach via Kernel.Ring(pid).
func (k *Kernel) sysIOUringSetup(p *process.Process, args SyscallArgs) SyscallResult {
	entries := uint32(args.A0)
	flags := args.A1

	if _, exists := k.rings[p.PID]; exists {
		return failCode(sys.ErrBusy)
	}

	r, err := ioring.Setup(entries, flags, uint64(p.PID), p.CR3, k.addr, k.frames, p.Caps, k.exec)
	if err != nil {
		return fail(err)
	}
	k.rings[p.PID] = r
	p.IORing = r
	k.log.Debug("io_uring_setup", "pid", p.PID, "entries", r.SQEntries(), "flags", flags)
	return ok(uint64(p.PID))
}

// sysIOUringEnter implements io_uring_enter (2003): runs the reception
// protocol once for the calling process's ring (trap-mode submission),
// then gives the executor a chance to run any I/O futures it scheduled
// (spec.md §4.4 composition: "issuing a single io_uring_enter-style
// syscall"). sq_hint/cq_hint (args.A0/A1) are accepted for ABI parity but
// unused: this core always drains everything currently pending.
func (k *Kernel) sysIOUringEnter(p *process.Process, _ SyscallArgs) SyscallResult {
	r, ok2 := k.rings[p.PID]
	if !ok2 {
		return failCode(sys.ErrInvalidArgument)
	}
	r.ProcessSubmissions()
	k.exec.PollOnce()
	return ok(0)
}

// sysCapabilityDup implements capability_dup (2004): id=args.A0,
// new_rights=args.A1.
func (k *Kernel) sysCapabilityDup(p *process.Process, args SyscallArgs) SyscallResult {
	newID, err := p.Caps.Duplicate(capability.ID(args.A0), capability.Rights(args.A1))
	if err != nil {
		return fail(err)
	}
	return ok(uint64(newID))
}

// sysCapabilityRevoke implements capability_revoke (2005): id=args.A0.
func (k *Kernel) sysCapabilityRevoke(p *process.Process, args SyscallArgs) SyscallResult {
	if err := p.Caps.Revoke(capability.ID(args.A0)); err != nil {
		return fail(err)
	}
	return ok(0)
}

// Ring returns the io_uring instance installed for pid by a prior
// io_uring_setup call, if any.
func (k *Kernel) Ring(pid process.PID) (*ioring.Ring, bool) {
	r, ok := k.rings[pid]
	return r, ok
}

// MapUserPage is a convenience the demo binary and tests use to stand up
// scratch memory for a process before submitting SQEs against it —
// spec.md leaves page-population policy (heap allocator, demand paging)
// out of scope, so this core exposes C1's Map directly for harness use.
func (k *Kernel) MapUserPage(p *process.Process, virt addrspace.VirtAddr) error {
	frame, err := k.frames.AllocateFrame()
	if err != nil {
		return err
	}
	return k.addr.Map(p.CR3, virt, frame, addrspace.EntryFlags{
		Present: true, Writable: true, UserAccessible: true,
	})
}
