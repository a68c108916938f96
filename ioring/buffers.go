package ioring

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/internal/sys"
)

// maxRegisteredBuffers bounds the registered-buffer pool per ring. Once
// this many buffers are pinned simultaneously, further RegisterBuffer
// SQEs fail with QueueFull rather than growing without limit.
const maxRegisteredBuffers = 256

// registeredBuffer is the (user_base, length) pair spec.md §4.4 describes,
// plus the pin count that gates de-registration.
type registeredBuffer struct {
	base   addrspace.VirtAddr
	length uint64
	refs   int
}

// bufferPool is the per-ring registered-buffer table. The semaphore
// bounds how many buffers may be pinned (outstanding, refs > 0 or simply
// registered) at once — spec.md §4.4 "pinned for the lifetime of any
// outstanding SQE" is the invariant the semaphore enforces at the pool
// level rather than per-buffer.
type bufferPool struct {
	mu   sync.Mutex
	sem  *semaphore.Weighted
	next uint32
	byIdx map[uint32]*registeredBuffer
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		sem:   semaphore.NewWeighted(maxRegisteredBuffers),
		byIdx: map[uint32]*registeredBuffer{},
	}
}

// Register pins base..base+length and returns its index. Fails with
// QueueFull once maxRegisteredBuffers buffers are pinned.
func (p *bufferPool) Register(base addrspace.VirtAddr, length uint64) (uint32, error) {
	if !p.sem.TryAcquire(1) {
		return 0, sys.NewError(sys.ErrQueueFull)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.next
	p.next++
	p.byIdx[idx] = &registeredBuffer{base: base, length: length}
	return idx, nil
}

// Lookup validates offset+length against the registered buffer at idx
// and, on success, returns the absolute user virtual address to read or
// write (spec.md §4.4 "validate offset + length <= buffer.length").
func (p *bufferPool) Lookup(idx uint32, offset, length uint64) (addrspace.VirtAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byIdx[idx]
	if !ok {
		return 0, sys.NewError(sys.ErrInvalidBufferIndex)
	}
	if offset+length > b.length || offset+length < offset {
		return 0, sys.NewError(sys.ErrInvalidArgument)
	}
	addr, ok := b.base.AddChecked(offset)
	if !ok {
		return 0, sys.NewError(sys.ErrBadAddress)
	}
	return addr, nil
}

// Pin increments idx's reference count for the lifetime of one
// outstanding SQE; Unpin decrements it back.
func (p *bufferPool) Pin(idx uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byIdx[idx]
	if !ok {
		return sys.NewError(sys.ErrInvalidBufferIndex)
	}
	b.refs++
	return nil
}

func (p *bufferPool) Unpin(idx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.byIdx[idx]; ok && b.refs > 0 {
		b.refs--
	}
}

// Deregister releases idx back to the pool once its reference count is
// zero (spec.md §4.4 "De-registration waits until reference_count = 0");
// while refs remain outstanding it fails with Busy rather than blocking,
// leaving retry policy to the caller.
func (p *bufferPool) Deregister(idx uint32) error {
	p.mu.Lock()
	b, ok := p.byIdx[idx]
	if !ok {
		p.mu.Unlock()
		return sys.NewError(sys.ErrInvalidBufferIndex)
	}
	if b.refs > 0 {
		p.mu.Unlock()
		return sys.NewError(sys.ErrBusy)
	}
	delete(p.byIdx, idx)
	p.mu.Unlock()

	p.sem.Release(1)
	return nil
}
