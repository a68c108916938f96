package ioring

import "github.com/okernel/vkernel/internal/sys"

// Probe advertises which opcodes and ring features this build supports,
// the same contract as the teacher's probe.go (Ring.Probe/SupportsOp/
// HasFeature), generalized from a kernel ioctl result to this core's own
// closed opcode set.
type Probe struct {
	lastOp Op
	supported map[Op]bool
	flags uint64
}

type Op = sys.Op

// supportedOps is every opcode dispatch.go's switch actually handles.
// Kept as an explicit table rather than derived from the switch itself
// so Probe can be asked about without invoking dispatch.
var supportedOps = []Op{
	sys.OpNop, sys.OpRead, sys.OpWrite, sys.OpOpen, sys.OpClose,
	sys.OpDup, sys.OpRevoke, sys.OpMapBuffer, sys.OpRegisterBuffer, sys.OpCancel,
}

// Probe returns this ring's feature/opcode advertisement.
func (r *Ring) Probe() *Probe {
	p := &Probe{supported: map[Op]bool{}, flags: r.flags}
	for _, op := range supportedOps {
		p.supported[op] = true
		if op > p.lastOp {
			p.lastOp = op
		}
	}
	return p
}

// SupportsOp reports whether op is handled by this core's dispatcher.
func (p *Probe) SupportsOp(op Op) bool {
	return p.supported[op]
}

// LastOp returns the highest opcode value this build recognizes.
func (p *Probe) LastOp() Op { return p.lastOp }

// HasSQPoll reports whether this ring was set up with SQPOLL requested.
func (p *Probe) HasSQPoll() bool {
	return p.flags&sys.SetupSQPoll != 0
}
