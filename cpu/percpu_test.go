package cpu

import (
	"testing"
	"unsafe"
)

// TestPerCPUOffsets pins the per-CPU block layout from spec.md §4.2.
func TestPerCPUOffsets(t *testing.T) {
	var p PerCPU
	checks := []struct {
		name string
		want uintptr
		got  uintptr
	}{
		{"UserRSPScratch", 0x00, unsafe.Offsetof(p.UserRSPScratch)},
		{"KernelStackTop", 0x08, unsafe.Offsetof(p.KernelStackTop)},
		{"UserGSBase", 0x10, unsafe.Offsetof(p.UserGSBase)},
		{"CPUID", 0x18, unsafe.Offsetof(p.CPUID)},
		{"CurrentTask", 0x20, unsafe.Offsetof(p.CurrentTask)},
		{"TSSRSP0", 0x28, unsafe.Offsetof(p.TSSRSP0)},
		{"SyscallCount", 0x30, unsafe.Offsetof(p.SyscallCount)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("PerCPU.%s offset = 0x%x, want 0x%x", c.name, c.got, c.want)
		}
	}
	if sz := unsafe.Sizeof(p); sz != perCPUExpectedSize {
		t.Errorf("sizeof(PerCPU) = 0x%x, want 0x%x", sz, perCPUExpectedSize)
	}
}
