// Package cpu models C2: the privilege-transition boundary between ring 0
// and ring 3. None of this executes as ring-0 machine code — a hosted Go
// binary cannot be the kernel's own syscall trampoline — so this package
// is the documented software model of that boundary's state and state
// transitions: the MSR file, the per-CPU data block, the GDT/TSS selector
// math, and a Trampoline whose default implementation performs the exact
// data movement spec.md describes for `syscall`/`sysret`/`iretq`, in place
// of emitting the instructions themselves. See SPEC_FULL.md §0.
package cpu

// RFLAGS bits this core cares about.
const (
	RFLAGSInterruptEnable uint64 = 1 << 9
	// DefaultUserRFLAGS is the flags value spec.md §4.3 assigns a fresh
	// process: interrupts enabled, reserved bit 1 set.
	DefaultUserRFLAGS uint64 = 0x202
)

// MSRFile holds the model-specific registers spec.md §4.2 says are set
// up once during boot: EFER.SCE, STAR, LSTAR, SFMASK, KERNEL_GS_BASE.
type MSRFile struct {
	EFERSyscallEnable bool
	STAR              uint64 // (user_cs<<48) | (kernel_cs<<32)
	LSTAR             uint64 // address of the syscall entry trampoline
	SFMASK            uint64 // flags cleared on entry; must include IF
	KernelGSBase      uint64 // pointer to this CPU's PerCPU block
}

// Init performs the one-time boot sequence from spec.md §4.2. trampoline
// is the (simulated) address of the syscall entry point; perCPU is the
// address KERNEL_GS_BASE should resolve to once swapgs runs.
func (m *MSRFile) Init(gdt GDT, trampoline uint64, perCPU uint64) error {
	if m.SFMASK&RFLAGSInterruptEnable == 0 {
		m.SFMASK |= RFLAGSInterruptEnable
	}
	m.EFERSyscallEnable = true
	m.STAR = (uint64(gdt.UserCode.raw()) << 48) | (uint64(gdt.KernelCode.raw()) << 32)
	m.LSTAR = trampoline
	m.KernelGSBase = perCPU
	return nil
}

// Selector is a segment selector: index (bits 3..15), table indicator,
// and requested privilege level (bits 0..1).
type Selector uint16

// WithRPL returns the selector OR'd with the given ring (0 or 3), the
// way spec.md §4.2 describes pushing selectors for iretq.
func (s Selector) WithRPL(rpl uint8) Selector {
	return Selector(uint16(s)&^0x3 | uint16(rpl&0x3))
}

func (s Selector) raw() uint16 { return uint16(s) }

// GDT is the subset of global-descriptor-table entries this core
// depends on (spec.md §4.2 "The GDT is assumed to provide …").
type GDT struct {
	KernelCode Selector
	KernelData Selector
	UserCode   Selector
	UserData   Selector
	TSS        Selector
}

// NewGDT builds a GDT with the user descriptors at DPL=3, matching
// spec.md's assumption.
func NewGDT(kernelCode, kernelData, userCode, userData, tss Selector) GDT {
	return GDT{
		KernelCode: kernelCode.WithRPL(0),
		KernelData: kernelData.WithRPL(0),
		UserCode:   userCode.WithRPL(3),
		UserData:   userData.WithRPL(3),
		TSS:        tss.WithRPL(0),
	}
}

// TSS models the Task State Segment field this core touches: RSP0, the
// kernel stack pointer loaded on a privilege transition.
type TSS struct {
	RSP0 uint64
}
