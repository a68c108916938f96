package process

import (
	"testing"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/cpu"
)

func newTestManager(t *testing.T) (*addrspace.Manager, *addrspace.BitmapAllocator) {
	t.Helper()
	ram := addrspace.NewBitmapAllocator(64)
	mgr, err := addrspace.NewManager(ram)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, ram
}

func TestNewProcessInitializesRegisters(t *testing.T) {
	mgr, ram := newTestManager(t)
	tbl := NewTable()
	pid := tbl.Allocate()

	const entry = addrspace.VirtAddr(0x0000_0000_0040_0000)
	const userStackTop = addrspace.VirtAddr(0x0000_7FFF_FFFE_0000)

	p, err := New(pid, entry, mgr, ram, 0xFFFF800000010000, userStackTop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tbl.Insert(p)

	if p.Regs.RIP != uint64(entry) {
		t.Errorf("RIP = 0x%x, want 0x%x", p.Regs.RIP, entry)
	}
	if p.Regs.RSP != uint64(userStackTop) {
		t.Errorf("RSP = 0x%x, want 0x%x", p.Regs.RSP, userStackTop)
	}
	if p.Regs.RFLAGS != cpu.DefaultUserRFLAGS {
		t.Errorf("RFLAGS = 0x%x, want 0x%x", p.Regs.RFLAGS, cpu.DefaultUserRFLAGS)
	}
	if p.State() != Ready {
		t.Errorf("State() = %v, want Ready", p.State())
	}
	if !mgr.KernelUpperHalfEqual(p.CR3) {
		t.Error("fresh process's CR3 does not share the kernel upper half")
	}
}

func TestPIDsAreUnique(t *testing.T) {
	tbl := NewTable()
	seen := map[PID]bool{}
	for i := 0; i < 100; i++ {
		pid := tbl.Allocate()
		if seen[pid] {
			t.Fatalf("duplicate PID %d", pid)
		}
		seen[pid] = true
	}
}

func TestTerminateRevokesCapabilities(t *testing.T) {
	mgr, ram := newTestManager(t)
	tbl := NewTable()
	pid := tbl.Allocate()
	p, err := New(pid, 0x400000, mgr, ram, 0xFFFF800000010000, 0x7FFFFFFE0000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tbl.Insert(p)

	id := p.Caps.Install(0, 0xFF, "some-file")
	p.Terminate(ExitNormal)

	if p.State() != Terminated {
		t.Errorf("State() = %v, want Terminated", p.State())
	}
	if p.Cause != ExitNormal {
		t.Errorf("Cause = %v, want ExitNormal", p.Cause)
	}
	if _, _, _, err := p.Caps.Lookup(id, 0, 0); err == nil {
		t.Error("capability survived Terminate")
	}

	// idempotent
	p.Terminate(ExitPrivilegedInstruction)
	if p.Cause != ExitNormal {
		t.Errorf("Cause changed on repeat Terminate: %v", p.Cause)
	}
}

func TestTableEachWalksInPIDOrder(t *testing.T) {
	mgr, ram := newTestManager(t)
	tbl := NewTable()
	var pids []PID
	for i := 0; i < 5; i++ {
		pid := tbl.Allocate()
		p, err := New(pid, 0x400000, mgr, ram, 0xFFFF800000010000+uint64(i)*0x1000, 0x7FFFFFFE0000)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		tbl.Insert(p)
		pids = append(pids, pid)
	}

	var walked []PID
	tbl.Each(func(p *Process) bool {
		walked = append(walked, p.PID)
		return true
	})
	if len(walked) != len(pids) {
		t.Fatalf("walked %d processes, want %d", len(walked), len(pids))
	}
	for i := range walked {
		if i > 0 && walked[i] <= walked[i-1] {
			t.Fatalf("Each did not walk in increasing PID order: %v", walked)
		}
	}
}

func TestSchedulerSwitchNextRunsEachReadyTaskOnce(t *testing.T) {
	mgr, ram := newTestManager(t)
	tbl := NewTable()
	pc := cpu.NewPerCPU(0)
	pc.KernelStackTop = 0xFFFF800000010000
	var tss cpu.TSS
	sched := NewScheduler(pc, &tss, cpu.SoftwareTrampoline{})

	var procs []*Process
	for i := 0; i < 3; i++ {
		pid := tbl.Allocate()
		p, err := New(pid, 0x400000, mgr, ram, 0xFFFF800000010000, 0x7FFFFFFE0000)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		tbl.Insert(p)
		sched.Enqueue(p)
		procs = append(procs, p)
	}

	seen := map[PID]bool{}
	for i := 0; i < len(procs); i++ {
		p := sched.SwitchNext()
		if p == nil {
			t.Fatalf("SwitchNext returned nil on iteration %d", i)
		}
		if p.State() != Running {
			t.Errorf("scheduled process state = %v, want Running", p.State())
		}
		if tss.RSP0 != pc.KernelStackTop {
			t.Errorf("TSS.RSP0 = 0x%x, want 0x%x", tss.RSP0, pc.KernelStackTop)
		}
		seen[p.PID] = true
	}
	if len(seen) != len(procs) {
		t.Errorf("scheduled %d distinct processes, want %d", len(seen), len(procs))
	}
}

func TestSchedulerTerminateRemovesFromReadyQueue(t *testing.T) {
	mgr, ram := newTestManager(t)
	tbl := NewTable()
	pc := cpu.NewPerCPU(0)
	pc.KernelStackTop = 0xFFFF800000010000
	var tss cpu.TSS
	sched := NewScheduler(pc, &tss, cpu.SoftwareTrampoline{})

	pidA := tbl.Allocate()
	a, _ := New(pidA, 0x400000, mgr, ram, 0xFFFF800000010000, 0x7FFFFFFE0000)
	tbl.Insert(a)
	sched.Enqueue(a)

	pidB := tbl.Allocate()
	b, _ := New(pidB, 0x400000, mgr, ram, 0xFFFF800000011000, 0x7FFFFFFE0000)
	tbl.Insert(b)
	sched.Enqueue(b)

	sched.Terminate(a, ExitNormal)
	if a.State() != Terminated {
		t.Errorf("a.State() = %v, want Terminated", a.State())
	}

	next := sched.SwitchNext()
	if next != b {
		t.Fatalf("SwitchNext scheduled %v, want b", next)
	}
}
