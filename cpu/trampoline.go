package cpu

// RegisterState holds the register file spec.md §4.3/§6 threads through a
// privilege transition: the syscall-ABI argument registers, the return
// value, RIP/RSP/RFLAGS, and the callee-saved registers the trampoline's
// epilogue restores.
type RegisterState struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	RAX uint64 // syscall number in, result out
	RDI uint64
	RSI uint64
	RDX uint64
	R10 uint64 // moved into RCX before the dispatcher call
	R8  uint64
	R9  uint64

	RCX uint64 // clobbered by `syscall`: holds return RIP
	R11 uint64 // clobbered by `syscall`: holds return RFLAGS

	RBX, RBP             uint64
	R12, R13, R14, R15   uint64
}

// Trampoline is the privilege-transition contract spec.md §4.2 describes
// in assembly. SoftwareTrampoline is the only implementation in this
// repo: it performs the identical data movement without ring-0 execution,
// so the invariants (stack switch before interrupts re-enable, GS swap
// brackets the kernel body, RSP0 always matches the next syscall's owner)
// are exercised and tested the same way they would be on bare metal.
type Trampoline interface {
	// EnterSyscall models steps 1-5 of the syscall entry protocol: the
	// swapgs-equivalent (selecting pc), saving the user RSP into the
	// PerCPU scratch slot, switching to the kernel stack, and moving
	// the fourth argument from R10 into RCX for the System V dispatcher
	// convention. Returns the kernel RSP the dispatcher should run on.
	EnterSyscall(pc *PerCPU, regs *RegisterState) (kernelRSP uint64)

	// ReturnFromSyscall models step 6: restoring the user RSP and
	// performing the swapgs-equivalent back to user GS, ready for the
	// simulated sysretq.
	ReturnFromSyscall(pc *PerCPU, regs *RegisterState)

	// EnterUserMode models the initial ring-3 entry: building the
	// iretq-equivalent frame for a never-run process and recording its
	// kernel stack as the TSS RSP0 for the next syscall.
	EnterUserMode(pc *PerCPU, tss *TSS, regs *RegisterState)
}

// SoftwareTrampoline is the default, pure-Go Trampoline.
type SoftwareTrampoline struct{}

var _ Trampoline = SoftwareTrampoline{}

func (SoftwareTrampoline) EnterSyscall(pc *PerCPU, regs *RegisterState) uint64 {
	pc.UserRSPScratch = regs.RSP
	pc.SyscallCount++
	regs.RSP = pc.KernelStackTop
	// System V dispatcher convention: move the 4th argument out of R10
	// (clobbered implicitly by `syscall`) into RCX's slot.
	regs.RCX = regs.R10
	return regs.RSP
}

func (SoftwareTrampoline) ReturnFromSyscall(pc *PerCPU, regs *RegisterState) {
	regs.RSP = pc.UserRSPScratch
}

func (SoftwareTrampoline) EnterUserMode(pc *PerCPU, tss *TSS, regs *RegisterState) {
	tss.RSP0 = pc.KernelStackTop
	pc.TSSRSP0 = tss.RSP0
	regs.RFLAGS = DefaultUserRFLAGS
}
