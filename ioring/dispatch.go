package ioring

import (
	"github.com/okernel/vkernel/addrspace"
	"github.com/okernel/vkernel/capability"
	"github.com/okernel/vkernel/executor"
	"github.com/okernel/vkernel/internal/sys"
)

// sqeFixedBuffer marks an SQE's Off/Len as a registered-buffer offset and
// length rather than a raw user virtual address. Defined here (not in
// internal/sys's small flag set) because only the dispatcher interprets it.
const sqeFixedBuffer uint8 = 1 << 1

// ProcessSubmissions implements the kernel-side reception protocol from
// spec.md §4.4: drain every unread SQE slot, copying each one in full
// into a kernel-owned local (the TOCTOU-safe single copy) before any
// field is inspected, advancing the consumer index, then dispatching.
// Grounded on gVisor iouringfs's ProcessSubmissions: a single serialized
// drain loop run by the owning kernel context, never concurrently with
// itself for one ring.
func (r *Ring) ProcessSubmissions() int {
	n := 0
	for {
		producer := loadProducerAcquire(r.sqProducer)
		consumer := loadConsumerAcquire(r.sqConsumer)
		if producer == consumer {
			break
		}

		idx := consumer & r.sqMask
		local := r.sqes[idx] // single copy: struct value, not a pointer alias
		storeConsumerRelease(r.sqConsumer, consumer+1)

		r.dispatch(local)
		n++
	}
	return n
}

// loadProducerAcquire/loadConsumerAcquire/storeConsumerRelease spell out
// the acquire/release discipline spec.md §4.4/§5 require on the index
// words; on amd64 a plain atomic load/store already has acquire/release
// semantics, so these are documentation-as-code rather than doing
// anything sync/atomic's LoadUint32/StoreUint32 do not already provide.
func loadProducerAcquire(p *uint32) uint32  { return atomicLoad(p) }
func loadConsumerAcquire(p *uint32) uint32  { return atomicLoad(p) }
func storeConsumerRelease(p *uint32, v uint32) { atomicStore(p, v) }

// dispatch resolves and performs one opcode, posting a CQE for every
// opcode that completes synchronously and deferring to the executor for
// ones that don't (spec.md §4.4 "Dispatch").
func (r *Ring) dispatch(sqe sys.SQE) {
	switch sqe.Opcode {
	case sys.OpNop:
		r.postCQE(okCQE(sqe.UserData, 0))

	case sys.OpOpen:
		r.dispatchOpen(sqe)

	case sys.OpRead:
		r.dispatchReadWrite(sqe, true)

	case sys.OpWrite:
		r.dispatchReadWrite(sqe, false)

	case sys.OpClose:
		r.dispatchClose(sqe)

	case sys.OpDup:
		r.dispatchDup(sqe)

	case sys.OpRevoke:
		r.dispatchRevoke(sqe)

	case sys.OpMapBuffer:
		r.dispatchMapBuffer(sqe)

	case sys.OpRegisterBuffer:
		r.dispatchRegisterBuffer(sqe)

	case sys.OpCancel:
		r.dispatchCancel(sqe)

	default:
		r.postCQE(errCQE(sqe.UserData, sys.ErrInvalidArgument))
	}
}

func okCQE(userData, value uint64) sys.CQE {
	var c sys.CQE
	c.UserData = userData
	c.SetSuccess(value)
	return c
}

func errCQE(userData uint64, code sys.ErrorCode) sys.CQE {
	var c sys.CQE
	c.UserData = userData
	c.SetError(code)
	return c
}

// codeOf reduces any error this core produces to its ErrorCode
// for posting into a CQE (spec.md §7: errors propagate outward, then get
// echoed as the tagged payload).
func codeOf(err error) sys.ErrorCode { return sys.CodeOf(err) }

// userPath reads a path string of sqe.Len bytes (taken as-is, NUL bytes
// included) from user memory at virtual address sqe.Off, validating the
// range via C1 first
// (spec.md §4.4 "If the operation references raw user memory
// (unregistered), validate via C1").
func (r *Ring) userPath(sqe sys.SQE) (string, error) {
	addr := addrspace.VirtAddr(sqe.Off)
	if err := addrspace.ValidateUserRange(addr, uint64(sqe.Len)); err != nil {
		return "", err
	}
	buf := make([]byte, sqe.Len)
	if err := r.addr.CopyFromUser(buf, r.ownerCR3, addr); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *Ring) dispatchOpen(sqe sys.SQE) {
	path, err := r.userPath(sqe)
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	f := r.files.openOrCreate(path)
	rights := capability.Read | capability.Write | capability.Seek | capability.Close | capability.Dup
	id := r.caps.Install(capability.KindFile, rights, f)
	r.postCQE(okCQE(sqe.UserData, uint64(id)))
}

// ioTarget resolves where an SQE's payload lives: either a registered
// buffer slot (validated against the pool) or raw user memory (validated
// via C1), per spec.md §4.4's "If the operation references a registered
// buffer... else validate via C1".
func (r *Ring) ioTarget(sqe sys.SQE) (addrspace.VirtAddr, func(), error) {
	if sqe.Flags&sqeFixedBuffer != 0 {
		addr, err := r.buffers.Lookup(sqe.BufIndex, sqe.Off, uint64(sqe.Len))
		if err != nil {
			return 0, nil, err
		}
		if err := r.buffers.Pin(sqe.BufIndex); err != nil {
			return 0, nil, err
		}
		return addr, func() { r.buffers.Unpin(sqe.BufIndex) }, nil
	}
	addr := addrspace.VirtAddr(sqe.Off)
	if err := addrspace.ValidateUserRange(addr, uint64(sqe.Len)); err != nil {
		return 0, nil, err
	}
	return addr, func() {}, nil
}

// dispatchReadWrite implements Read/Write as the async bridge's I/O
// future (spec.md §4.5): a completion token is registered and the actual
// transfer is deferred to the executor, so this core exercises the same
// "no CQE yet" path a genuinely slow device would take, even though the
// simulated file never actually blocks.
func (r *Ring) dispatchReadWrite(sqe sys.SQE, isRead bool) {
	_, _, referent, err := r.caps.Lookup(capability.ID(sqe.CapabilityID), capability.KindFile,
		requiredRightsFor(isRead))
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	f := referent.(*file)

	addr, unpin, err := r.ioTarget(sqe)
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}

	tok := &executor.Token{UserData: sqe.UserData, ProcessID: r.ownerPID, TraceID: executor.NewTraceID()}
	r.exec.Pending.Register(tok)

	// sqe.Off already served as the addressing field above (either a
	// registered-buffer offset folded into addr by ioTarget, or the raw
	// user virtual address itself); a file-level position is outside
	// this core's wire format, so every transfer runs against the file's
	// single implicit cursor at 0, stream-style.
	length := sqe.Len

	r.exec.Spawn(func() {
		defer unpin()
		if _, ok := r.exec.Pending.Take(sqe.UserData); !ok {
			return // cancelled before it ran
		}
		if isRead {
			r.completeRead(tok, f, addr, length)
		} else {
			r.completeWrite(tok, f, addr, length)
		}
	})
}

func requiredRightsFor(isRead bool) capability.Rights {
	if isRead {
		return capability.Read
	}
	return capability.Write
}

func (r *Ring) completeRead(tok *executor.Token, f *file, addr addrspace.VirtAddr, length uint32) {
	buf := make([]byte, length)
	n := f.readAt(buf, 0)
	if err := r.addr.CopyToUser(r.ownerCR3, addr, buf[:n]); err != nil {
		r.postCQE(errCQE(tok.UserData, codeOf(err)))
		return
	}
	r.postCQE(okCQE(tok.UserData, uint64(n)))
}

func (r *Ring) completeWrite(tok *executor.Token, f *file, addr addrspace.VirtAddr, length uint32) {
	buf := make([]byte, length)
	if err := r.addr.CopyFromUser(buf, r.ownerCR3, addr); err != nil {
		r.postCQE(errCQE(tok.UserData, codeOf(err)))
		return
	}
	n := f.writeAt(buf, 0)
	r.postCQE(okCQE(tok.UserData, uint64(n)))
}

func (r *Ring) dispatchClose(sqe sys.SQE) {
	err := r.caps.Revoke(capability.ID(sqe.CapabilityID))
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	r.postCQE(okCQE(sqe.UserData, 0))
}

func (r *Ring) dispatchDup(sqe sys.SQE) {
	newID, err := r.caps.Duplicate(capability.ID(sqe.CapabilityID), capability.Rights(sqe.OpFlags))
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	r.postCQE(okCQE(sqe.UserData, uint64(newID)))
}

func (r *Ring) dispatchRevoke(sqe sys.SQE) {
	if err := r.caps.Revoke(capability.ID(sqe.CapabilityID)); err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	r.postCQE(okCQE(sqe.UserData, 0))
}

// dispatchMapBuffer creates a fresh anonymous buffer mapped at the
// requested user virtual address and installs a KindBuffer capability
// over it, ready for a subsequent RegisterBuffer SQE.
func (r *Ring) dispatchMapBuffer(sqe sys.SQE) {
	addr := addrspace.VirtAddr(sqe.Off)
	if err := addrspace.ValidateUserRange(addr, uint64(sqe.Len)); err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	page := addr.AlignDown(addrspace.PageSize)
	pages := (uint64(sqe.Len) + addrspace.PageSize - 1) / addrspace.PageSize
	for i := uint64(0); i < pages; i++ {
		frame, err := r.frames.AllocateFrame()
		if err != nil {
			r.postCQE(errCQE(sqe.UserData, codeOf(err)))
			return
		}
		virt, _ := page.AddChecked(i * addrspace.PageSize)
		if err := r.addr.Map(r.ownerCR3, virt, frame, addrspace.EntryFlags{
			Present: true, Writable: true, UserAccessible: true,
		}); err != nil {
			r.postCQE(errCQE(sqe.UserData, codeOf(err)))
			return
		}
	}
	id := r.caps.Install(capability.KindBuffer, capability.Map|capability.Register|capability.Dup, bufferDescriptor{
		base: addr, length: uint64(sqe.Len),
	})
	r.postCQE(okCQE(sqe.UserData, uint64(id)))
}

// bufferDescriptor is the referent a MapBuffer capability carries:
// everything RegisterBuffer needs to add it to the pool.
type bufferDescriptor struct {
	base   addrspace.VirtAddr
	length uint64
}

func (r *Ring) dispatchRegisterBuffer(sqe sys.SQE) {
	_, _, referent, err := r.caps.Lookup(capability.ID(sqe.CapabilityID), capability.KindBuffer, capability.Register)
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	desc := referent.(bufferDescriptor)
	idx, err := r.buffers.Register(desc.base, desc.length)
	if err != nil {
		r.postCQE(errCQE(sqe.UserData, codeOf(err)))
		return
	}
	r.postCQE(okCQE(sqe.UserData, uint64(idx)))
}

// dispatchCancel implements spec.md §4.5's Cancel SQE: look up the
// pending token by its target user_data; if still outstanding, remove it
// and post Cancelled, otherwise post NotFound.
func (r *Ring) dispatchCancel(sqe sys.SQE) {
	target := sqe.Off
	if tok, ok := r.exec.Pending.Take(target); ok {
		tok.Waker = nil
		r.postCQE(okCQE(sqe.UserData, 0))
		r.postCQE(errCQE(target, sys.ErrCancelled))
		return
	}
	r.postCQE(errCQE(sqe.UserData, sys.ErrNotFound))
}
