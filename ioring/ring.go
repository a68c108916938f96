// Package ioring implements C4: the io_uring-style shared-memory
// submission/completion ring, its opcode dispatcher, registered-buffer
// pool, and SQPOLL poller (spec.md §4.4). Grounded directly on the
// teacher's ring.go/sqe.go/cqe.go/probe.go — the producer/consumer index
// discipline, the Submit/Peek/Seen/ForEach method families, and the
// Probe feature-advertisement API are all kept, generalized from a real
// Linux io_uring fd to this core's simulated shared memory and capability-
// indexed opcode set.
package ioring

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/executor"
	"github.com/okernel/vkernel/internal/sys"
)

// Header sizes: both ring headers are padded to 32 bytes so the SQE/CQE
// arrays that follow stay naturally aligned regardless of entry size.
const (
	sqHeaderSize = 32
	cqHeaderSize = 32
)

// sqHeader field offsets within the mapped SQ region.
const (
	offSQProducer = 0
	offSQConsumer = 4
	offSQFlags    = 8
	offSQDropped  = 12
	offSQEntries  = 16
	offSQMask     = 20
)

// Needs-wakeup bit in the SQ flags word (spec.md §4.4 SQPOLL).
const sqNeedsWakeup uint32 = 1 << 0

// cqHeader field offsets within the mapped CQ region.
const (
	offCQProducer = 0
	offCQConsumer = 4
	offCQOverflow = 8
	offCQReady    = 12
	offCQEntries  = 16
	offCQMask     = 20
)

// Ring is one process's io_uring instance: a pair of simulated
// shared-memory queues plus the dispatcher state needed to resolve and
// perform the operations submitted into them.
type Ring struct {
	sqMem []byte
	cqMem []byte

	sqProducer, sqConsumer, sqFlags, sqDropped *uint32
	sqes                                       []sys.SQE
	sqEntries, sqMask                          uint32
	sqLock                                     sync.Mutex
	sqPending                                  uint32

	cqProducer, cqConsumer, cqOverflow, cqReady *uint32
	cqes                                        []sys.CQE
	cqEntries, cqMask                           uint32
	overflowMu                                  sync.Mutex
	overflowList                                []sys.CQE

	ownerPID uint64
	ownerCR3 addrspace.PhysAddr
	addr     *addrspace.Manager
	frames   addrspace.FrameAllocator
	caps     *capability.Table
	files    *fileTable
	buffers  *bufferPool
	exec     *executor.Executor

	flags  uint64
	closed atomic.Bool
}

// roundUpPow2 rounds n up to the next power of two, per spec.md §4.4
// "sized entries (rounded up to a power of two)".
func roundUpPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Setup implements io_uring_setup (syscall 2002): allocates the SQ/CQ
// pair sized entries (rounded to a power of two) over simulated shared
// memory, and binds the ring to its owning process's capability table
// and address space for dispatch.
func Setup(entries uint32, flags uint64, ownerPID uint64, ownerCR3 addrspace.PhysAddr,
	addr *addrspace.Manager, frames addrspace.FrameAllocator, caps *capability.Table,
	exec *executor.Executor) (*Ring, error) {

	if entries == 0 {
		return nil, sys.NewError(sys.ErrInvalidArgument)
	}
	sqN := roundUpPow2(entries)
	cqN := roundUpPow2(entries * 2)

	sqMem, err := sys.MapShared(int(sqHeaderSize + sqN*sys.SQESize))
	if err != nil {
		return nil, err
	}
	cqMem, err := sys.MapShared(int(cqHeaderSize + cqN*sys.CQESize))
	if err != nil {
		sys.Unmap(sqMem)
		return nil, err
	}

	r := &Ring{
		sqMem: sqMem, cqMem: cqMem,
		sqProducer: wordAt(sqMem, offSQProducer),
		sqConsumer: wordAt(sqMem, offSQConsumer),
		sqFlags:    wordAt(sqMem, offSQFlags),
		sqDropped:  wordAt(sqMem, offSQDropped),
		sqes:       sqeSlice(sqMem, sqN),
		sqEntries:  sqN,
		sqMask:     sqN - 1,

		cqProducer: wordAt(cqMem, offCQProducer),
		cqConsumer: wordAt(cqMem, offCQConsumer),
		cqOverflow: wordAt(cqMem, offCQOverflow),
		cqReady:    wordAt(cqMem, offCQReady),
		cqes:       cqeSlice(cqMem, cqN),
		cqEntries:  cqN,
		cqMask:     cqN - 1,

		ownerPID: ownerPID, ownerCR3: ownerCR3,
		addr: addr, frames: frames, caps: caps,
		files:   newFileTable(),
		buffers: newBufferPool(),
		exec:    exec,
		flags:   flags,
	}
	*wordAt(sqMem, offSQEntries) = sqN
	*wordAt(sqMem, offSQMask) = r.sqMask
	*wordAt(cqMem, offCQEntries) = cqN
	*wordAt(cqMem, offCQMask) = r.cqMask
	return r, nil
}

func atomicLoad(p *uint32) uint32    { return atomic.LoadUint32(p) }
func atomicStore(p *uint32, v uint32) { atomic.StoreUint32(p, v) }

func wordAt(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func sqeSlice(b []byte, n uint32) []sys.SQE {
	return unsafe.Slice((*sys.SQE)(unsafe.Pointer(&b[sqHeaderSize])), n)
}

func cqeSlice(b []byte, n uint32) []sys.CQE {
	return unsafe.Slice((*sys.CQE)(unsafe.Pointer(&b[cqHeaderSize])), n)
}

// Close unmaps the ring's shared memory. Idempotent.
func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if err := sys.Unmap(r.sqMem); err != nil {
		return err
	}
	return sys.Unmap(r.cqMem)
}

// SQEntries and CQEntries report queue sizes after power-of-two rounding.
func (r *Ring) SQEntries() uint32 { return r.sqEntries }
func (r *Ring) CQEntries() uint32 { return r.cqEntries }

// getSQE implements the submission protocol's step 1 (slot selection).
// Caller must hold sqLock.
func (r *Ring) getSQE() (*sys.SQE, uint32) {
	head := atomic.LoadUint32(r.sqConsumer)
	tail := atomic.LoadUint32(r.sqProducer) + r.sqPending
	if tail-head >= r.sqEntries {
		return nil, 0
	}
	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	sqe.Reset()
	r.sqPending++
	return sqe, idx
}

// Submit implements submission protocol steps 2-3: the caller's fn
// writes the SQE body, and Submit release-stores the advanced producer
// index only after fn returns, matching "the SQE body is written before
// the producer index is advanced (release)" (spec.md §4.4/§5).
func (r *Ring) Submit(fill func(*sys.SQE)) error {
	r.sqLock.Lock()
	sqe, _ := r.getSQE()
	if sqe == nil {
		r.sqLock.Unlock()
		atomic.AddUint32(r.sqDropped, 1)
		return sys.NewError(sys.ErrQueueFull)
	}
	fill(sqe)
	pending := r.sqPending
	r.sqPending = 0
	tail := atomic.LoadUint32(r.sqProducer)
	atomic.StoreUint32(r.sqProducer, tail+pending)
	r.sqLock.Unlock()
	return nil
}

// NeedsWakeup reports whether the SQPOLL thread has parked and the
// doorbell must be rung before the next submission is seen.
func (r *Ring) NeedsWakeup() bool {
	return atomic.LoadUint32(r.sqFlags)&sqNeedsWakeup != 0
}

func (r *Ring) setNeedsWakeup(v bool) {
	for {
		old := atomic.LoadUint32(r.sqFlags)
		var next uint32
		if v {
			next = old | sqNeedsWakeup
		} else {
			next = old &^ sqNeedsWakeup
		}
		if atomic.CompareAndSwapUint32(r.sqFlags, old, next) {
			return
		}
	}
}

// RingDoorbell is the doorbell: it clears needs_wakeup and is a no-op beyond
// that when the poller is not parked. Named to match spec.md §4.4's
// "write the doorbell (poller mode)".
func (r *Ring) RingDoorbell() {
	r.setNeedsWakeup(false)
}

// postCQE implements the completion protocol (spec.md §4.4 steps 1-4).
// A closed ring discards the completion.
func (r *Ring) postCQE(cqe sys.CQE) {
	if r.closed.Load() {
		return
	}
	producer := atomic.LoadUint32(r.cqProducer)
	consumer := atomic.LoadUint32(r.cqConsumer)
	if producer-consumer >= r.cqEntries {
		r.overflowMu.Lock()
		r.overflowList = append(r.overflowList, cqe)
		r.overflowMu.Unlock()
		atomic.AddUint32(r.cqOverflow, 1)
		atomic.StoreUint32(r.cqReady, 1)
		return
	}
	r.cqes[producer&r.cqMask] = cqe
	atomic.StoreUint32(r.cqProducer, producer+1)
	atomic.StoreUint32(r.cqReady, 1)
}

// PeekCQE returns the oldest unconsumed CQE without advancing the
// consumer index, draining the overflow list first once the live ring
// catches up (spec.md §4.4 "cq_ready remains set" while overflow exists).
func (r *Ring) PeekCQE() (sys.CQE, bool) {
	head := atomic.LoadUint32(r.cqConsumer)
	tail := atomic.LoadUint32(r.cqProducer)
	if head == tail {
		r.overflowMu.Lock()
		defer r.overflowMu.Unlock()
		if len(r.overflowList) == 0 {
			atomic.StoreUint32(r.cqReady, 0)
			return sys.CQE{}, false
		}
		return r.overflowList[0], true
	}
	return r.cqes[head&r.cqMask], true
}

// SeenCQE advances the consumer index by one, draining the oldest
// overflow entry back into the live ring if any is pending.
func (r *Ring) SeenCQE() {
	head := atomic.LoadUint32(r.cqConsumer)
	tail := atomic.LoadUint32(r.cqProducer)
	if head != tail {
		atomic.StoreUint32(r.cqConsumer, head+1)
	}

	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()
	if len(r.overflowList) == 0 {
		return
	}
	producer := atomic.LoadUint32(r.cqProducer)
	consumer := atomic.LoadUint32(r.cqConsumer)
	if producer-consumer >= r.cqEntries {
		return
	}
	next := r.overflowList[0]
	r.overflowList = r.overflowList[1:]
	r.cqes[producer&r.cqMask] = next
	atomic.StoreUint32(r.cqProducer, producer+1)
}

// ForEachCQE walks every ready CQE (live ring then overflow), invoking fn
// for each and advancing the consumer index as it goes. Stops early if
// fn returns false.
func (r *Ring) ForEachCQE(fn func(sys.CQE) bool) int {
	n := 0
	for {
		cqe, ok := r.PeekCQE()
		if !ok {
			break
		}
		if !fn(cqe) {
			break
		}
		r.SeenCQE()
		n++
	}
	return n
}

// CQOverflowCount returns the number of completions ever buffered to the
// overflow list (spec.md §4.4).
func (r *Ring) CQOverflowCount() uint32 {
	return atomic.LoadUint32(r.cqOverflow)
}
