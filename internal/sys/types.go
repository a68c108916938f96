package sys

import "fmt"

// SQE is the 64-byte submission queue entry described by spec.md §6.
// Field order and sizes are chosen so Go's natural alignment reproduces
// the wire offsets exactly; TestSQELayout in this package's tests asserts
// them the way TestPerCPUOffsets pins cpu.PerCPU's offsets.
type SQE struct {
	Opcode       Op     // 0
	Flags        uint8  // 1
	IoprioResv   uint16 // 2
	BufIndex     uint32 // 4
	CapabilityID uint64 // 8
	Off          uint64 // 16
	Len          uint32 // 24
	OpFlags      uint32 // 28
	UserData     uint64 // 32
	Reserved     [24]byte
}

const SQESize = 64

// Reset clears the SQE to its zero value. Called by the ring before
// handing a fresh slot to a user, and by the kernel-owned copy in the
// dispatcher before fields are ever inspected.
func (s *SQE) Reset() {
	*s = SQE{}
}

// CQE is the 32-byte completion queue entry described by spec.md §6.
type CQE struct {
	UserData uint64 // 0
	Tag      CQETag // 8
	pad      [7]byte
	Payload  [16]byte // 16
}

const CQESize = 32

// CQETag distinguishes a successful result from an error discriminant.
type CQETag uint8

const (
	TagOk  CQETag = 0
	TagErr CQETag = 1
)

// SetSuccess encodes a non-negative success value (bytes transferred, a
// new capability id, …) into the payload.
func (c *CQE) SetSuccess(value uint64) {
	c.Tag = TagOk
	putUint64(c.Payload[0:8], value)
}

// SuccessValue decodes the success payload. Only meaningful when Tag == TagOk.
func (c *CQE) SuccessValue() uint64 {
	return getUint64(c.Payload[0:8])
}

// SetError encodes a typed error into the payload.
func (c *CQE) SetError(code ErrorCode) {
	c.Tag = TagErr
	putUint64(c.Payload[0:8], uint64(code))
}

// Error decodes the error payload. Only meaningful when Tag == TagErr.
func (c *CQE) Error() ErrorCode {
	return ErrorCode(getUint64(c.Payload[0:8]))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Timespec mirrors __kernel_timespec. No SQE field or opcode in this core
// reads it.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// ErrorCode is the closed, enumerated error taxonomy from spec.md §6.
// There is no errno: every internal layer returns one of these, wrapped
// in a *SyscallError, and the dispatcher echoes the code into a CQE.
type ErrorCode uint32

const (
	ErrNone ErrorCode = iota
	ErrInvalidArgument
	ErrOutOfMemory
	ErrPermissionDenied
	ErrNotFound
	ErrBusy
	ErrInterrupted
	ErrIoError
	ErrWouldBlock
	ErrBrokenPipe
	ErrInvalidCapability
	ErrInsufficientRights
	ErrWrongCapabilityType
	ErrCapabilityRevoked
	ErrQueueFull
	ErrBufferNotRegistered
	ErrInvalidBufferIndex
	ErrBadAddress
	ErrNotImplemented
	ErrCancelled
)

var errorNames = [...]string{
	ErrNone:                "none",
	ErrInvalidArgument:     "invalid argument",
	ErrOutOfMemory:         "out of memory",
	ErrPermissionDenied:    "permission denied",
	ErrNotFound:            "not found",
	ErrBusy:                "busy",
	ErrInterrupted:         "interrupted",
	ErrIoError:             "i/o error",
	ErrWouldBlock:          "would block",
	ErrBrokenPipe:          "broken pipe",
	ErrInvalidCapability:   "invalid capability",
	ErrInsufficientRights:  "insufficient rights",
	ErrWrongCapabilityType: "wrong capability type",
	ErrCapabilityRevoked:   "capability revoked",
	ErrQueueFull:           "queue full",
	ErrBufferNotRegistered: "buffer not registered",
	ErrInvalidBufferIndex:  "invalid buffer index",
	ErrBadAddress:          "bad address",
	ErrNotImplemented:      "not implemented",
	ErrCancelled:           "cancelled",
}

func (e ErrorCode) String() string {
	if int(e) < len(errorNames) && errorNames[e] != "" {
		return errorNames[e]
	}
	return fmt.Sprintf("error(%d)", uint32(e))
}

// SyscallError is the typed value carried by every internal Result and
// echoed into a CQE's error payload. Never an errno.
type SyscallError struct {
	Code ErrorCode
	// Cause, if non-nil, is the lower-layer error this one was lifted
	// from (spec.md §7: "errors propagate outward in layers").
	Cause error
}

func (e *SyscallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *SyscallError) Unwrap() error {
	return e.Cause
}

// NewError builds a SyscallError with no lower-layer cause.
func NewError(code ErrorCode) *SyscallError {
	return &SyscallError{Code: code}
}

// WrapError lifts a lower-layer error into the named code, per the
// layering rule in spec.md §7.
func WrapError(code ErrorCode, cause error) *SyscallError {
	return &SyscallError{Code: code, Cause: cause}
}

// CodeOf extracts the ErrorCode from any error produced by this core,
// defaulting to IoError for foreign errors (e.g. a raw mmap failure that
// never passed through WrapError).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var se *SyscallError
	if ok := asSyscallError(err, &se); ok {
		return se.Code
	}
	return ErrIoError
}

func asSyscallError(err error, target **SyscallError) bool {
	for err != nil {
		if se, ok := err.(*SyscallError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
