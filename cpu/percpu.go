package cpu

// PerCPU is the cache-line aligned block spec.md §4.2 places at offset 0
// of KERNEL_GS_BASE. Field order matches the spec exactly; offsets are
// pinned at compile time by TestPerCPUOffsets (percpu_test.go), the Go
// analogue of "Field offsets are frozen at compile time and asserted by
// static checks."
type PerCPU struct {
	UserRSPScratch uint64 // 0x00 saved user RSP during entry
	KernelStackTop uint64 // 0x08 top of this CPU's syscall kernel stack
	UserGSBase     uint64 // 0x10 reserved for nested save
	CPUID          uint64 // 0x18
	// CurrentTask holds the PID of the currently running process rather
	// than a raw pointer: this package has no dependency on the process
	// package, and a PID is the stable, typed analogue of "pointer to
	// currently running process" for a hosted simulation.
	CurrentTask  uint64 // 0x20
	TSSRSP0      uint64 // 0x28
	SyscallCount uint64 // 0x30
}

const perCPUExpectedSize = 0x38

// NewPerCPU returns a zeroed block for cpuID.
func NewPerCPU(cpuID uint64) *PerCPU {
	return &PerCPU{CPUID: cpuID}
}
