package ioring

import (
	"testing"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/executor"
	"github.com/okernel/vkernel/internal/sys"
)

type testKernel struct {
	mgr    *addrspace.Manager
	frames *addrspace.BitmapAllocator
	cr3    addrspace.PhysAddr
	caps   *capability.Table
	exec   *executor.Executor
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	frames := addrspace.NewBitmapAllocator(256)
	mgr, err := addrspace.NewManager(frames)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cr3, err := mgr.CreateUserPageTable()
	if err != nil {
		t.Fatalf("CreateUserPageTable: %v", err)
	}
	return &testKernel{mgr: mgr, frames: frames, cr3: cr3, caps: capability.NewTable(), exec: executor.New()}
}

func (k *testKernel) mapPage(t *testing.T, virt addrspace.VirtAddr) {
	t.Helper()
	frame, err := k.frames.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if err := k.mgr.Map(k.cr3, virt, frame, addrspace.EntryFlags{
		Present: true, Writable: true, UserAccessible: true,
	}); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func (k *testKernel) newRing(t *testing.T, entries uint32, flags uint64) *Ring {
	t.Helper()
	r, err := Setup(entries, flags, 1, k.cr3, k.mgr, k.frames, k.caps, k.exec)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustPeek(t *testing.T, r *Ring) sys.CQE {
	t.Helper()
	cqe, ok := r.PeekCQE()
	if !ok {
		t.Fatal("expected a ready CQE, found none")
	}
	return cqe
}

func TestNopRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, 0)

	if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = 1 }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := r.ProcessSubmissions(); n != 1 {
		t.Fatalf("ProcessSubmissions() = %d, want 1", n)
	}

	cqe := mustPeek(t, r)
	if cqe.UserData != 1 || cqe.Tag != sys.TagOk {
		t.Fatalf("cqe = %+v, want {UserData:1 Tag:Ok}", cqe)
	}
	r.SeenCQE()
	if _, ok := r.PeekCQE(); ok {
		t.Fatal("CQ should be empty after SeenCQE")
	}
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, 0)

	const pathAddr = addrspace.VirtAddr(0x1000)
	const writeAddr = addrspace.VirtAddr(0x2000)
	const readAddr = addrspace.VirtAddr(0x3000)
	k.mapPage(t, pathAddr)
	k.mapPage(t, writeAddr)
	k.mapPage(t, readAddr)

	path := []byte("hello.txt")
	if err := k.mgr.CopyToUser(k.cr3, pathAddr, path); err != nil {
		t.Fatalf("CopyToUser(path): %v", err)
	}

	if err := r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpOpen
		s.Off = uint64(pathAddr)
		s.Len = uint32(len(path))
		s.UserData = 100
	}); err != nil {
		t.Fatalf("Submit(open): %v", err)
	}
	r.ProcessSubmissions()
	openCQE := mustPeek(t, r)
	r.SeenCQE()
	if openCQE.Tag != sys.TagOk {
		t.Fatalf("open failed: %v", openCQE.Error())
	}
	fileID := openCQE.SuccessValue()

	payload := []byte("capability kernels are fun")
	if err := k.mgr.CopyToUser(k.cr3, writeAddr, payload); err != nil {
		t.Fatalf("CopyToUser(payload): %v", err)
	}

	if err := r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpWrite
		s.CapabilityID = fileID
		s.Off = uint64(writeAddr)
		s.Len = uint32(len(payload))
		s.UserData = 200
	}); err != nil {
		t.Fatalf("Submit(write): %v", err)
	}
	r.ProcessSubmissions()
	if _, ok := r.PeekCQE(); ok {
		t.Fatal("write should not complete synchronously before the executor runs")
	}
	k.exec.PollOnce()
	writeCQE := mustPeek(t, r)
	r.SeenCQE()
	if writeCQE.Tag != sys.TagOk || writeCQE.SuccessValue() != uint64(len(payload)) {
		t.Fatalf("write cqe = %+v, want %d bytes written", writeCQE, len(payload))
	}

	if err := r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpRead
		s.CapabilityID = fileID
		s.Off = uint64(readAddr)
		s.Len = uint32(len(payload))
		s.UserData = 300
	}); err != nil {
		t.Fatalf("Submit(read): %v", err)
	}
	r.ProcessSubmissions()
	k.exec.PollOnce()
	readCQE := mustPeek(t, r)
	r.SeenCQE()
	if readCQE.Tag != sys.TagOk || readCQE.SuccessValue() != uint64(len(payload)) {
		t.Fatalf("read cqe = %+v, want %d bytes read", readCQE, len(payload))
	}

	got := make([]byte, len(payload))
	if err := k.mgr.CopyFromUser(got, k.cr3, readAddr); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestDupThenRevokeBlocksOriginal(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, 0)

	const pathAddr = addrspace.VirtAddr(0x1000)
	k.mapPage(t, pathAddr)
	path := []byte("x")
	k.mgr.CopyToUser(k.cr3, pathAddr, path)

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpOpen; s.Off = uint64(pathAddr); s.Len = 1; s.UserData = 1 })
	r.ProcessSubmissions()
	fileID := mustPeek(t, r).SuccessValue()
	r.SeenCQE()

	r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpDup
		s.CapabilityID = fileID
		s.OpFlags = uint32(capability.Read)
		s.UserData = 2
	})
	r.ProcessSubmissions()
	dupCQE := mustPeek(t, r)
	r.SeenCQE()
	if dupCQE.Tag != sys.TagOk {
		t.Fatalf("dup failed: %v", dupCQE.Error())
	}

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpRevoke; s.CapabilityID = fileID; s.UserData = 3 })
	r.ProcessSubmissions()
	revokeCQE := mustPeek(t, r)
	r.SeenCQE()
	if revokeCQE.Tag != sys.TagOk {
		t.Fatalf("revoke failed: %v", revokeCQE.Error())
	}

	r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpWrite
		s.CapabilityID = fileID
		s.Off = 0x1000
		s.Len = 1
		s.UserData = 4
	})
	r.ProcessSubmissions()
	failCQE := mustPeek(t, r)
	r.SeenCQE()
	if failCQE.Tag != sys.TagErr || failCQE.Error() != sys.ErrCapabilityRevoked {
		t.Fatalf("write on revoked capability = %+v, want CapabilityRevoked", failCQE)
	}
}

func TestMapBufferRegisterBufferFixedWrite(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, 0)

	const pathAddr = addrspace.VirtAddr(0x1000)
	const bufAddr = addrspace.VirtAddr(0x10000)
	k.mapPage(t, pathAddr)
	k.mgr.CopyToUser(k.cr3, pathAddr, []byte("f"))

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpOpen; s.Off = uint64(pathAddr); s.Len = 1; s.UserData = 1 })
	r.ProcessSubmissions()
	fileID := mustPeek(t, r).SuccessValue()
	r.SeenCQE()

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpMapBuffer; s.Off = uint64(bufAddr); s.Len = 4096; s.UserData = 2 })
	r.ProcessSubmissions()
	mapCQE := mustPeek(t, r)
	r.SeenCQE()
	if mapCQE.Tag != sys.TagOk {
		t.Fatalf("MapBuffer failed: %v", mapCQE.Error())
	}
	bufID := mapCQE.SuccessValue()

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpRegisterBuffer; s.CapabilityID = bufID; s.UserData = 3 })
	r.ProcessSubmissions()
	regCQE := mustPeek(t, r)
	r.SeenCQE()
	if regCQE.Tag != sys.TagOk {
		t.Fatalf("RegisterBuffer failed: %v", regCQE.Error())
	}
	bufIndex := uint32(regCQE.SuccessValue())

	payload := []byte("zero-copy")
	if err := k.mgr.CopyToUser(k.cr3, bufAddr, payload); err != nil {
		t.Fatalf("CopyToUser into registered buffer: %v", err)
	}

	r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpWrite
		s.Flags = sqeFixedBuffer
		s.CapabilityID = fileID
		s.BufIndex = bufIndex
		s.Off = 0
		s.Len = uint32(len(payload))
		s.UserData = 4
	})
	r.ProcessSubmissions()
	k.exec.PollOnce()
	writeCQE := mustPeek(t, r)
	r.SeenCQE()
	if writeCQE.Tag != sys.TagOk || writeCQE.SuccessValue() != uint64(len(payload)) {
		t.Fatalf("fixed-buffer write cqe = %+v", writeCQE)
	}
}

func TestSubmitFullQueueReturnsQueueFull(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 1, 0) // rounds up to exactly one SQ slot

	if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = 1 }); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = 2 })
	if se, ok := err.(*sys.SyscallError); !ok || se.Code != sys.ErrQueueFull {
		t.Fatalf("second Submit error = %v, want QueueFull", err)
	}
}

func TestCQOverflowBuffersAndDrains(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 1, 0) // cqEntries rounds up to 2

	for i := uint64(1); i <= 3; i++ {
		if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = i }); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		r.ProcessSubmissions()
	}
	if r.CQOverflowCount() == 0 {
		t.Fatal("expected at least one overflowed completion")
	}

	var seen []uint64
	r.ForEachCQE(func(c sys.CQE) bool {
		seen = append(seen, c.UserData)
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("drained %d CQEs, want 3: %v", len(seen), seen)
	}
}

func TestCancelBeforeExecutorRunsPreventsCompletion(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, 0)

	const pathAddr = addrspace.VirtAddr(0x1000)
	const writeAddr = addrspace.VirtAddr(0x2000)
	k.mapPage(t, pathAddr)
	k.mapPage(t, writeAddr)
	k.mgr.CopyToUser(k.cr3, pathAddr, []byte("f"))

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpOpen; s.Off = uint64(pathAddr); s.Len = 1; s.UserData = 1 })
	r.ProcessSubmissions()
	fileID := mustPeek(t, r).SuccessValue()
	r.SeenCQE()

	r.Submit(func(s *sys.SQE) {
		s.Opcode = sys.OpWrite
		s.CapabilityID = fileID
		s.Off = uint64(writeAddr)
		s.Len = 4
		s.UserData = 50
	})
	r.ProcessSubmissions() // registers the pending token, spawns the transfer

	r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpCancel; s.Off = 50; s.UserData = 51 })
	r.ProcessSubmissions() // synchronous: takes the token before the executor ever runs it

	k.exec.PollOnce() // runs the spawned write; should find its token already gone

	var tags []sys.ErrorCode
	var oks int
	r.ForEachCQE(func(c sys.CQE) bool {
		if c.Tag == sys.TagErr {
			tags = append(tags, c.Error())
		} else {
			oks++
		}
		return true
	})
	foundCancelled := false
	for _, code := range tags {
		if code == sys.ErrCancelled {
			foundCancelled = true
		}
	}
	if !foundCancelled {
		t.Fatalf("expected a Cancelled completion among %v", tags)
	}
	if oks == 0 {
		t.Fatal("expected the Cancel SQE's own ack completion")
	}
}

func TestSQPollerDrainsWithoutEnter(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, sys.SetupSQPoll)
	poller := NewSQPoller(r, 1000)

	if err := r.Submit(func(s *sys.SQE) { s.Opcode = sys.OpNop; s.UserData = 7 }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, parked := poller.PollOnce()
	if n != 1 {
		t.Fatalf("poller processed %d, want 1", n)
	}
	if parked {
		t.Fatal("poller should not report parked right after finding work")
	}

	n, parked = poller.PollOnce()
	if n != 0 || !parked {
		t.Fatalf("idle poller = (%d, %v), want (0, true)", n, parked)
	}
	if !r.NeedsWakeup() {
		t.Fatal("idle poller should set needs_wakeup")
	}
	r.RingDoorbell()
	if r.NeedsWakeup() {
		t.Fatal("RingDoorbell should clear needs_wakeup")
	}
}

func TestProbeAdvertisesSupportedOps(t *testing.T) {
	k := newTestKernel(t)
	r := k.newRing(t, 8, sys.SetupSQPoll)
	p := r.Probe()

	if !p.SupportsOp(sys.OpRead) || !p.SupportsOp(sys.OpWrite) {
		t.Fatal("Probe should advertise Read/Write support")
	}
	if p.SupportsOp(Op(250)) {
		t.Fatal("Probe should not advertise an unassigned opcode")
	}
	if !p.HasSQPoll() {
		t.Fatal("Probe should reflect the SQPOLL setup flag")
	}
	if p.LastOp() != sys.OpCancel {
		t.Fatalf("LastOp() = %v, want %v", p.LastOp(), sys.OpCancel)
	}
}
