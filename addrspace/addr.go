// Package addrspace implements C1: per-process address-space management —
// 4-level page tables, kernel-half sharing, and the validated user-pointer
// primitives every other component in this core must go through to touch
// user memory. Grounded on the teacher's mmap/pointer-arithmetic idiom in
// ring.go, generalized from "one shared-memory ring" to "an arbitrary
// process address space".
package addrspace

import (
	"fmt"

	"github.com/okernel/vkernel/internal/sys"
)

// PageSize is the unit of mapping; spec.md §3.
const PageSize = 4096

// PhysAddr and VirtAddr are distinguished newtypes over a 64-bit machine
// word. They never convert implicitly — every crossing is an explicit
// function call, matching spec.md §3's "do not convert implicitly".
type PhysAddr uint64
type VirtAddr uint64

// IsAligned reports whether a is a multiple of n, which must be a power of two.
func (a PhysAddr) IsAligned(n uint64) bool { return uint64(a)&(n-1) == 0 }
func (a VirtAddr) IsAligned(n uint64) bool { return uint64(a)&(n-1) == 0 }

// AlignDown rounds a down to the nearest multiple of n (power of two).
func (a VirtAddr) AlignDown(n uint64) VirtAddr { return VirtAddr(uint64(a) &^ (n - 1)) }

// AlignUp rounds a up to the nearest multiple of n (power of two).
func (a VirtAddr) AlignUp(n uint64) VirtAddr {
	return VirtAddr((uint64(a) + n - 1) &^ (n - 1))
}

// AddChecked returns a+n, failing on overflow of the 64-bit word.
func (a VirtAddr) AddChecked(n uint64) (VirtAddr, bool) {
	sum := uint64(a) + n
	if sum < uint64(a) {
		return 0, false
	}
	return VirtAddr(sum), true
}

// Page-table boundary constants, spec.md §3 "address-space layout".
const (
	UserMax   VirtAddr = 0x0000_7FFF_FFFF_FFFF
	KernelMin VirtAddr = 0xFFFF_8000_0000_0000
)

// IsUserAddress implements spec.md §4.1: a < 0x0000_8000_0000_0000.
func IsUserAddress(a VirtAddr) bool {
	return uint64(a) < 0x0000_8000_0000_0000
}

// canonicalTopMask covers bits 47..63 (17 bits).
const canonicalTopMask = 0x1FFFF

// IsCanonical implements the x86_64 canonical-address rule: bits 47..63
// must equal the sign extension of bit 47 — i.e. the top 17 bits are
// either all zero or all one.
func IsCanonical(a VirtAddr) bool {
	top := uint64(a) >> 47
	return top == 0 || top == canonicalTopMask
}

// IsUserRange implements spec.md §4.1's is_user_range: empty ranges are
// always valid; non-empty ranges must not overflow and must stay below
// the user/kernel boundary end-to-end.
func IsUserRange(a VirtAddr, n uint64) bool {
	if n == 0 {
		return true
	}
	if !IsUserAddress(a) {
		return false
	}
	end, ok := a.AddChecked(n - 1)
	if !ok {
		return false
	}
	return IsUserAddress(end)
}

// MaxSingleTransfer is the policy cap on a single write/read length
// (spec.md §4.1: "lengths above a policy cap … are rejected").
const MaxSingleTransfer = 1 << 20 // 1 MiB

// ValidateUserRange applies both the overflow/boundary check and the
// per-operation size cap, returning a typed error ready to echo into a CQE.
func ValidateUserRange(a VirtAddr, n uint64) error {
	if n > MaxSingleTransfer {
		return sys.WrapError(sys.ErrInvalidArgument,
			fmt.Errorf("length %d exceeds policy cap %d", n, MaxSingleTransfer))
	}
	if !IsUserRange(a, n) {
		return sys.NewError(sys.ErrBadAddress)
	}
	return nil
}
