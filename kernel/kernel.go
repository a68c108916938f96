// Package kernel wires C1-C5 into the top-level object a boot sequence
// builds once per simulated CPU: address-space manager, privilege
// trampoline, process table and scheduler, and the closed syscall ABI
// (spec.md §6) that is the only door between a process and the rest of
// this core. Grounded on the teacher's own top-level wiring (the single
// `Ring` a caller sets up once and drives through `Submit`/`Enter`),
// generalized from "one ring" to "many processes, each with their own".
package kernel

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/charmbracelet/log"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/cpu"
	"github.com/okernel/vkernel/executor"
	"github.com/okernel/vkernel/internal/sys"
	"github.com/okernel/vkernel/ioring"
	"github.com/okernel/vkernel/process"
)

const (
	defaultKernelStackSize = 16 * 1024
	defaultUserStackSize   = 64 * 1024
)

// Kernel is one booted simulated CPU: its address-space manager, its
// privilege trampoline and per-CPU block, the process table and
// scheduler, and every process's ring, indexed by PID.
type Kernel struct {
	log *log.Logger

	addr   *addrspace.Manager
	frames addrspace.FrameAllocator
	pc     *cpu.PerCPU
	tss    *cpu.TSS
	tr     cpu.Trampoline
	msr    *cpu.MSRFile

	procs *process.Table
	sched *process.Scheduler
	exec  *executor.Executor

	rings map[process.PID]*ioring.Ring

	nextKernelStack addrspace.VirtAddr
	nextUserStack   addrspace.VirtAddr
}

// Config tunes a Boot call. Zero values fall back to sane defaults.
type Config struct {
	FrameCount int
	Logger     *log.Logger
}

// Boot implements the boot sequence spec.md §4.2 describes in terms of
// real hardware: allocate physical memory, stand up the address-space
// manager's kernel half, initialize the per-CPU block and MSR file with
// the trampoline's entry point, and bring up an empty process table and
// scheduler ready to accept create_process calls.
func Boot(cfg Config) (*Kernel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
		logger.SetLevel(log.InfoLevel)
	}

	frameCount := cfg.FrameCount
	if frameCount == 0 {
		frameCount = 4096 // 16 MiB of simulated RAM by default
	}
	frames := addrspace.NewBitmapAllocator(frameCount)

	addr, err := addrspace.NewManager(frames)
	if err != nil {
		// A kernel that cannot map its own upper half cannot boot; this is
		// an invariant violation, not a user-induced error (spec.md §7).
		panic(fmt.Sprintf("kernel: failed to initialize address-space manager: %v", err))
	}

	gdt := cpu.NewGDT(0x08, 0x10, 0x18, 0x20, 0x28)
	tss := &cpu.TSS{}
	pc := cpu.NewPerCPU(0)
	tr := cpu.SoftwareTrampoline{}

	// trampolineEntry/perCPUAddr stand in for the real addresses LSTAR and
	// KERNEL_GS_BASE would hold on bare metal; this core never executes at
	// either address, so any stable non-zero values document the MSR
	// write without implying a real memory layout (see SPEC_FULL.md §0).
	const trampolineEntry = 0xFFFF_8000_0010_0000
	msr := &cpu.MSRFile{}
	if err := msr.Init(gdt, trampolineEntry, uint64(uintptr(unsafe.Pointer(pc)))); err != nil {
		panic(fmt.Sprintf("kernel: MSR init failed: %v", err))
	}

	logger.Debug("boot: MSR file initialized", "star_user_cs", gdt.UserCode, "star_kernel_cs", gdt.KernelCode)

	k := &Kernel{
		log:    logger,
		addr:   addr,
		frames: frames,
		pc:     pc,
		tss:    tss,
		tr:     tr,
		msr:    msr,
		procs:  process.NewTable(),
		sched:  process.NewScheduler(pc, tss, tr),
		exec:   executor.New(),
		rings:  map[process.PID]*ioring.Ring{},

		nextKernelStack: addrspace.KernelMin + 0x1000,
		nextUserStack:   addrspace.VirtAddr(0x0000_0000_0040_0000),
	}
	logger.Info("boot: kernel ready", "frames", frameCount)
	return k, nil
}

// Executor exposes C5's cooperative executor so a boot harness can drive
// its own poll loop alongside the scheduler's.
func (k *Kernel) Executor() *executor.Executor { return k.exec }

// Scheduler exposes C3's scheduler for a boot harness's run loop.
func (k *Kernel) Scheduler() *process.Scheduler { return k.sched }

// AddressSpace exposes C1's manager, mainly so tests and the demo binary
// can map scratch pages into a process before submitting SQEs against them.
func (k *Kernel) AddressSpace() *addrspace.Manager { return k.addr }

// CreateProcess implements create_process (spec.md §4.3): allocates a
// PID, a user page table, kernel/user stacks, and an empty capability
// table, then enqueues the process as Ready on the scheduler.
func (k *Kernel) CreateProcess(entry addrspace.VirtAddr) (*process.Process, error) {
	pid := k.procs.Allocate()

	kernelStackTop := k.nextKernelStack + addrspace.VirtAddr(defaultKernelStackSize)
	userStackTop := k.nextUserStack + addrspace.VirtAddr(defaultUserStackSize)
	k.nextKernelStack += addrspace.VirtAddr(defaultKernelStackSize) + addrspace.PageSize
	k.nextUserStack += addrspace.VirtAddr(defaultUserStackSize) + addrspace.PageSize

	p, err := process.New(pid, entry, k.addr, k.frames, kernelStackTop, userStackTop)
	if err != nil {
		return nil, err
	}
	k.procs.Insert(p)
	k.sched.Enqueue(p)
	k.log.Debug("process created", "pid", p.PID, "entry", entry)
	return p, nil
}

// TerminateProcess implements process_exit's kernel-side effect (spec.md
// §6): revokes every capability the process held, discards its ring
// (completions posted after this point are never delivered, per spec.md
// §5's "completions posted after termination are discarded"), and removes
// it from scheduling.
func (k *Kernel) TerminateProcess(pid process.PID) error {
	return k.terminate(pid, process.ExitNormal)
}

// Fault implements the CPU-level trap spec.md §8 S4 describes: a ring-3
// process executing a privileged instruction takes a #GP
// (cpu.RequireRing0 always faults here, since every process this core
// schedules runs at Ring3). The fault handler never returns control to
// the process — it terminates it immediately with cause
// PrivilegedInstruction and posts no CQE, the same discard-on-termination
// path TerminateProcess uses, since there is no syscall in flight for a
// trap to return a result through.
func (k *Kernel) Fault(pid process.PID, instruction string) error {
	if err := cpu.RequireRing0(cpu.Ring3, instruction); err != nil {
		k.log.Debug("fault: #GP on privileged instruction", "pid", pid, "instruction", instruction)
		if termErr := k.terminate(pid, process.ExitPrivilegedInstruction); termErr != nil {
			return termErr
		}
		return err
	}
	return nil
}

func (k *Kernel) terminate(pid process.PID, cause process.ExitCause) error {
	p := k.procs.Get(pid)
	if p == nil {
		return sys.NewError(sys.ErrNotFound)
	}
	if r, ok := k.rings[pid]; ok {
		r.Close()
		delete(k.rings, pid)
	}
	k.sched.Terminate(p, cause)
	k.procs.Remove(pid)
	k.log.Debug("process terminated", "pid", pid, "cause", cause)
	return nil
}

// Process looks up a live process by PID, for syscall dispatch.
func (k *Kernel) Process(pid process.PID) (*process.Process, bool) {
	p := k.procs.Get(pid)
	return p, p != nil
}
