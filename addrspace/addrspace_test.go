package addrspace

import (
	"testing"

	"github.com/okernel/vkernel/internal/sys"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *BitmapAllocator) {
	t.Helper()
	mem := NewBitmapAllocator(256)
	m, err := NewManager(mem)
	require.NoError(t, err)
	return m, mem
}

// TestP1UserKernelBoundary is property P1 from spec.md §8.
func TestP1UserKernelBoundary(t *testing.T) {
	require.True(t, IsUserAddress(0))
	require.True(t, IsUserAddress(VirtAddr(0x0000_7FFF_FFFF_FFFF)))
	require.False(t, IsUserAddress(VirtAddr(0x0000_8000_0000_0000)))
	require.False(t, IsUserAddress(KernelMin))
}

// TestP2KernelHalfShared is property P2: every process's CR3 upper half
// equals the global kernel PML4's.
func TestP2KernelHalfShared(t *testing.T) {
	m, mem := newTestManager(t)
	frame, err := mem.AllocateFrame()
	require.NoError(t, err)
	require.NoError(t, m.MapKernel(KernelMin, frame, EntryFlags{Present: true, Writable: true}))

	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)
	require.True(t, m.KernelUpperHalfEqual(cr3))
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, mem := newTestManager(t)
	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)

	frame, err := mem.AllocateFrame()
	require.NoError(t, err)

	virt := VirtAddr(0x1000)
	require.NoError(t, m.Map(cr3, virt, frame, EntryFlags{Present: true, Writable: true, UserAccessible: true}))

	got, flags, err := m.Translate(cr3, virt)
	require.NoError(t, err)
	require.Equal(t, frame, got)
	require.True(t, flags.UserAccessible)

	require.NoError(t, m.Unmap(cr3, virt))
	_, _, err = m.Translate(cr3, virt)
	require.Error(t, err)
}

func TestCopyFromUserRejectsUnmapped(t *testing.T) {
	m, _ := newTestManager(t)
	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)

	buf := make([]byte, 16)
	err = m.CopyFromUser(buf, cr3, VirtAddr(0x2000))
	require.Error(t, err)
	require.Equal(t, sys.ErrBadAddress, sys.CodeOf(err))
}

// TestB1BoundaryOverflow is boundary behavior B1 from spec.md §8.
func TestB1BoundaryOverflow(t *testing.T) {
	m, mem := newTestManager(t)
	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)

	base := VirtAddr(0x0000_7FFF_FFFF_F000)
	frame, err := mem.AllocateFrame()
	require.NoError(t, err)
	require.NoError(t, m.Map(cr3, base, frame, EntryFlags{Present: true, Writable: true, UserAccessible: true}))

	buf := make([]byte, 0x1000)
	require.NoError(t, m.CopyFromUser(buf, cr3, base))

	tooLong := make([]byte, 0x1001)
	err = m.CopyFromUser(tooLong, cr3, base)
	require.Error(t, err)
	require.Equal(t, sys.ErrBadAddress, sys.CodeOf(err))
}

// TestB2KernelPointerRejected is boundary behavior B2.
func TestB2KernelPointerRejected(t *testing.T) {
	m, _ := newTestManager(t)
	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)

	buf := make([]byte, 1)
	err = m.CopyFromUser(buf, cr3, KernelMin)
	require.Error(t, err)
	require.Equal(t, sys.ErrBadAddress, sys.CodeOf(err))
}

func TestCopyToUserRequiresWritable(t *testing.T) {
	m, mem := newTestManager(t)
	cr3, err := m.CreateUserPageTable()
	require.NoError(t, err)

	frame, err := mem.AllocateFrame()
	require.NoError(t, err)
	virt := VirtAddr(0x3000)
	require.NoError(t, m.Map(cr3, virt, frame, EntryFlags{Present: true, Writable: false, UserAccessible: true}))

	err = m.CopyToUser(cr3, virt, []byte("hi"))
	require.Error(t, err)

	require.NoError(t, m.Unmap(cr3, virt))
	require.NoError(t, m.Map(cr3, virt, frame, EntryFlags{Present: true, Writable: true, UserAccessible: true}))
	require.NoError(t, m.CopyToUser(cr3, virt, []byte("hi")))

	out := make([]byte, 2)
	require.NoError(t, m.CopyFromUser(out, cr3, virt))
	require.Equal(t, "hi", string(out))
}
