package main

import (
	"fmt"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/bootcfg"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/internal/sys"
	"github.com/okernel/vkernel/kernel"
)

const scratchPath = addrspace.VirtAddr(0x0000_0000_0020_0000)

func setupFlags(cfg bootcfg.Config) uint64 {
	if cfg.SQPoll {
		return sys.SetupSQPoll
	}
	return 0
}

// scenarioMinimalSubmission implements spec.md §8 S1.
func scenarioMinimalSubmission(k *kernel.Kernel, cfg bootcfg.Config) error {
	p, err := k.CreateProcess(0)
	if err != nil {
		return err
	}
	res := k.Syscall(p.PID, sys.SYS_IO_URING_SETUP, kernel.SyscallArgs{A0: uint64(cfg.RingEntries), A1: setupFlags(cfg)})
	if res.Err != nil {
		return res.Err
	}
	r, _ := k.Ring(p.PID)
	if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = 0xCAFE }); err != nil {
		return err
	}
	if res := k.Syscall(p.PID, sys.SYS_IO_URING_ENTER, kernel.SyscallArgs{}); res.Err != nil {
		return res.Err
	}
	cqe, ok := r.PeekCQE()
	if !ok || cqe.UserData != 0xCAFE || cqe.Tag != sys.TagOk {
		return fmt.Errorf("unexpected completion: %+v (ok=%v)", cqe, ok)
	}
	r.SeenCQE()
	return k.Syscall(p.PID, sys.SYS_PROCESS_EXIT, kernel.SyscallArgs{}).Err
}

// scenarioCapabilityError implements spec.md §8 S2.
func scenarioCapabilityError(k *kernel.Kernel, cfg bootcfg.Config) error {
	p, err := k.CreateProcess(0)
	if err != nil {
		return err
	}
	if res := k.Syscall(p.PID, sys.SYS_IO_URING_SETUP, kernel.SyscallArgs{A0: uint64(cfg.RingEntries)}); res.Err != nil {
		return res.Err
	}
	r, _ := k.Ring(p.PID)
	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpRead; s.CapabilityID = 0x1234; s.UserData = 0x1 })
	r.ProcessSubmissions()
	cqe, ok := r.PeekCQE()
	if !ok || cqe.Tag != sys.TagErr || cqe.Error() != sys.ErrInvalidCapability {
		return fmt.Errorf("unexpected completion: %+v (ok=%v)", cqe, ok)
	}
	r.SeenCQE()
	return k.Syscall(p.PID, sys.SYS_PROCESS_EXIT, kernel.SyscallArgs{}).Err
}

// scenarioRingWrap implements spec.md §8 S5: with N=4, ten operations
// submitted and completed back to back must each surface exactly once in
// the CQE stream, regardless of slot reuse.
func scenarioRingWrap(k *kernel.Kernel, cfg bootcfg.Config) error {
	p, err := k.CreateProcess(0)
	if err != nil {
		return err
	}
	if res := k.Syscall(p.PID, sys.SYS_IO_URING_SETUP, kernel.SyscallArgs{A0: 4}); res.Err != nil {
		return res.Err
	}
	r, _ := k.Ring(p.PID)

	seen := map[uint64]int{}
	for i := uint64(1); i <= 10; i++ {
		if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = i }); err != nil {
			return fmt.Errorf("submit #%d: %w", i, err)
		}
		r.ProcessSubmissions()
		r.ForEachCQE(func(c sys.CQE) bool {
			seen[c.UserData]++
			return true
		})
	}
	for i := uint64(1); i <= 10; i++ {
		if seen[i] != 1 {
			return fmt.Errorf("user_data %d observed %d times, want 1", i, seen[i])
		}
	}
	return k.Syscall(p.PID, sys.SYS_PROCESS_EXIT, kernel.SyscallArgs{}).Err
}

// scenarioDuplicateWithNarrowing implements spec.md §8 S6.
func scenarioDuplicateWithNarrowing(k *kernel.Kernel, cfg bootcfg.Config) error {
	p, err := k.CreateProcess(0)
	if err != nil {
		return err
	}
	if err := k.MapUserPage(p, scratchPath); err != nil {
		return err
	}
	if err := k.AddressSpace().CopyToUser(p.CR3, scratchPath, []byte("f")); err != nil {
		return err
	}

	if res := k.Syscall(p.PID, sys.SYS_IO_URING_SETUP, kernel.SyscallArgs{A0: uint64(cfg.RingEntries)}); res.Err != nil {
		return res.Err
	}
	r, _ := k.Ring(p.PID)

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpOpen; s.Off = uint64(scratchPath); s.Len = 1; s.UserData = 1 })
	r.ProcessSubmissions()
	openCQE, _ := r.PeekCQE()
	r.SeenCQE()
	if openCQE.Tag != sys.TagOk {
		return fmt.Errorf("open failed: %v", openCQE.Error())
	}
	a := capability.ID(openCQE.SuccessValue())

	dupRes := k.Syscall(p.PID, sys.SYS_CAPABILITY_DUP, kernel.SyscallArgs{A0: uint64(a), A1: uint64(capability.Read)})
	if dupRes.Err != nil {
		return dupRes.Err
	}
	b := capability.ID(dupRes.Value)

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpWrite; s.CapabilityID = uint64(b); s.Off = uint64(scratchPath); s.Len = 1; s.UserData = 2 })
	r.ProcessSubmissions()
	writeCQE, _ := r.PeekCQE()
	r.SeenCQE()
	if writeCQE.Tag != sys.TagErr || writeCQE.Error() != sys.ErrInsufficientRights {
		return fmt.Errorf("expected InsufficientRights on narrowed write, got %+v", writeCQE)
	}

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpRead; s.CapabilityID = uint64(b); s.Off = uint64(scratchPath); s.Len = 1; s.UserData = 3 })
	r.ProcessSubmissions()
	k.Executor().PollOnce()
	readCQE, _ := r.PeekCQE()
	r.SeenCQE()
	if readCQE.Tag != sys.TagOk {
		return fmt.Errorf("expected Ok on narrowed read, got %+v", readCQE)
	}

	return k.Syscall(p.PID, sys.SYS_PROCESS_EXIT, kernel.SyscallArgs{}).Err
}
