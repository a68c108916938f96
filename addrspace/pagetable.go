package addrspace

import (
	"sync"

	"github.com/okernel/vkernel/internal/sys"
)

// entriesPerTable is 512 on x86_64 (4 KiB page / 8-byte entry).
const entriesPerTable = 512

// EntryFlags mirrors the x86_64 page-table entry flag bits this core cares
// about (spec.md §3: "present, writable, user_accessible, no_execute, …").
type EntryFlags struct {
	Present        bool
	Writable       bool
	UserAccessible bool
	NoExecute      bool
}

// entry is one slot of a page-table level.
type entry struct {
	frame PhysAddr
	flags EntryFlags
}

// table is one level of the 4-level hierarchy (PML4/PDPT/PD/PT). It is
// addressed by its own PhysAddr in a Manager's table registry — this
// stands in for "a table lives at a physical frame", the physical frame
// never appearing as raw bytes since nothing in this core parses page
// tables byte-by-byte.
type table struct {
	entries [entriesPerTable]entry
}

// FrameAllocator is the external collaborator named in spec.md §1: "a
// physical-frame allocator (yields 4 KiB frames on demand)". This core
// only ever consumes this interface; a real kernel would back it with
// the boot-time memory map, a test harness backs it with BitmapAllocator.
type FrameAllocator interface {
	AllocateFrame() (PhysAddr, error)
	FreeFrame(PhysAddr) error
}

// PhysicalMemory is a FrameAllocator that can also hand back the live
// backing bytes of a frame it issued — the "physical RAM" CopyFromUser/
// CopyToUser ultimately read and write. Real hardware has no such
// interface (memory is just addressable); this core's user-copy
// primitives need it because they simulate the MMU in software.
type PhysicalMemory interface {
	FrameAllocator
	ReadFrame(PhysAddr) []byte
}

// BitmapAllocator is a PhysicalMemory over a fixed-size simulated
// physical memory pool, for tests and the demo kernel.
type BitmapAllocator struct {
	mu       sync.Mutex
	used     []bool
	nextHint int
	ram      []byte
}

// NewBitmapAllocator creates an allocator that can yield up to
// frameCount distinct 4 KiB frames, backed by a single simulated RAM pool.
func NewBitmapAllocator(frameCount int) *BitmapAllocator {
	return &BitmapAllocator{
		used: make([]bool, frameCount),
		ram:  make([]byte, frameCount*PageSize),
	}
}

// ReadFrame returns the live backing slice for frame (PageSize bytes).
func (b *BitmapAllocator) ReadFrame(frame PhysAddr) []byte {
	idx := int(frame) / PageSize
	return b.ram[idx*PageSize : (idx+1)*PageSize]
}

func (b *BitmapAllocator) AllocateFrame() (PhysAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(b.used); i++ {
		idx := (b.nextHint + i) % len(b.used)
		if !b.used[idx] {
			b.used[idx] = true
			b.nextHint = idx + 1
			return PhysAddr(idx * PageSize), nil
		}
	}
	return 0, sys.NewError(sys.ErrOutOfMemory)
}

func (b *BitmapAllocator) FreeFrame(f PhysAddr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := int(f) / PageSize
	if idx < 0 || idx >= len(b.used) || !b.used[idx] {
		return sys.NewError(sys.ErrInvalidArgument)
	}
	b.used[idx] = false
	return nil
}

// Manager owns the global kernel PML4 and the registry of live tables.
// It is the shared service every per-process AddressSpace walks through;
// the kernel half is identical across processes by construction (spec.md
// §3 invariant: "kernel entries 256..511 of PML4 are shared by reference").
type Manager struct {
	mu         sync.Mutex
	mem        PhysicalMemory
	tables     map[PhysAddr]*table
	kernelRoot PhysAddr
}

// NewManager allocates the canonical kernel PML4 (upper half only; the
// caller is expected to populate kernel mappings via MapKernel before any
// user page table is created from it).
func NewManager(mem PhysicalMemory) (*Manager, error) {
	m := &Manager{mem: mem, tables: map[PhysAddr]*table{}}
	root, err := m.allocTable()
	if err != nil {
		return nil, err
	}
	m.kernelRoot = root
	return m, nil
}

func (m *Manager) allocTable() (PhysAddr, error) {
	frame, err := m.mem.AllocateFrame()
	if err != nil {
		return 0, sys.WrapError(sys.ErrOutOfMemory, err)
	}
	m.tables[frame] = &table{}
	return frame, nil
}

// MapKernel installs a kernel-half mapping, visible from every process's
// address space since it is written directly into the shared kernel PML4
// entries (256..511) before any per-process table is forked from it.
func (m *Manager) MapKernel(virt VirtAddr, phys PhysAddr, flags EntryFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsUserAddress(virt) {
		return sys.NewError(sys.ErrInvalidArgument)
	}
	return m.mapIn(m.kernelRoot, virt, phys, flags)
}

// CreateUserPageTable implements spec.md §4.1: allocate a fresh top-level
// table, copy the 256 upper-half entries from the kernel PML4 by
// reference (same PhysAddr, so later kernel mappings are visible to
// every process without per-process propagation), and zero the lower half.
func (m *Manager) CreateUserPageTable() (PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.allocTable()
	if err != nil {
		return 0, err
	}
	kernel := m.tables[m.kernelRoot]
	user := m.tables[root]
	for i := 256; i < entriesPerTable; i++ {
		user.entries[i] = kernel.entries[i]
	}
	return root, nil
}

// pageTableIndices returns the PML4/PDPT/PD indices and the PT index for virt.
func pageTableIndices(virt VirtAddr) [4]int {
	v := uint64(virt)
	return [4]int{
		int((v >> 39) & 0x1FF), // PML4
		int((v >> 30) & 0x1FF), // PDPT
		int((v >> 21) & 0x1FF), // PD
		int((v >> 12) & 0x1FF), // PT
	}
}

// Map walks cr3's tables, allocating intermediate levels on demand, and
// installs a leaf mapping virt -> phys with the given flags. The caller
// must hold the owning process's page-table lock (spec.md §4.1).
func (m *Manager) Map(cr3 PhysAddr, virt VirtAddr, phys PhysAddr, flags EntryFlags) error {
	if !virt.IsAligned(PageSize) || !phys.IsAligned(PageSize) {
		return sys.NewError(sys.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapIn(cr3, virt, phys, flags)
}

func (m *Manager) mapIn(cr3 PhysAddr, virt VirtAddr, phys PhysAddr, flags EntryFlags) error {
	idx := pageTableIndices(virt)
	cur := cr3
	for level := 0; level < 3; level++ {
		t, ok := m.tables[cur]
		if !ok {
			return sys.WrapError(sys.ErrBadAddress, errTableMissing)
		}
		e := &t.entries[idx[level]]
		if !e.flags.Present {
			child, err := m.allocTable()
			if err != nil {
				return err
			}
			e.frame = child
			e.flags = EntryFlags{Present: true, Writable: true, UserAccessible: flags.UserAccessible}
		}
		cur = e.frame
	}
	leaf := m.tables[cur]
	leaf.entries[idx[3]] = entry{frame: phys, flags: flags}
	return nil
}

// Unmap clears the leaf entry for virt. It frees no frames other than
// possibly now-empty intermediate tables (spec.md §4.1); the caller is
// responsible for returning the physical frame itself to the allocator.
func (m *Manager) Unmap(cr3 PhysAddr, virt VirtAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := pageTableIndices(virt)
	path := [3]*table{}
	pathFrames := [3]PhysAddr{}
	cur := cr3
	for level := 0; level < 3; level++ {
		t, ok := m.tables[cur]
		if !ok {
			return sys.NewError(sys.ErrNotFound)
		}
		path[level] = t
		pathFrames[level] = cur
		e := &t.entries[idx[level]]
		if !e.flags.Present {
			return sys.NewError(sys.ErrNotFound)
		}
		cur = e.frame
	}
	leaf := m.tables[cur]
	if !leaf.entries[idx[3]].flags.Present {
		return sys.NewError(sys.ErrNotFound)
	}
	leaf.entries[idx[3]] = entry{}

	// Free now-empty intermediate tables, innermost first.
	childFrame := cur
	for level := 2; level >= 0; level-- {
		if !tableEmpty(m.tables[childFrame]) {
			break
		}
		delete(m.tables, childFrame)
		m.mem.FreeFrame(childFrame)
		path[level].entries[idx[level]] = entry{}
		childFrame = pathFrames[level]
	}
	return nil
}

func tableEmpty(t *table) bool {
	for _, e := range t.entries {
		if e.flags.Present {
			return false
		}
	}
	return true
}

// Translate walks cr3 for virt, returning the mapped frame and the
// effective flags, or ErrBadAddress if any level is not present.
func (m *Manager) Translate(cr3 PhysAddr, virt VirtAddr) (PhysAddr, EntryFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := pageTableIndices(virt)
	cur := cr3
	for level := 0; level < 3; level++ {
		t, ok := m.tables[cur]
		if !ok {
			return 0, EntryFlags{}, sys.NewError(sys.ErrBadAddress)
		}
		e := t.entries[idx[level]]
		if !e.flags.Present {
			return 0, EntryFlags{}, sys.NewError(sys.ErrBadAddress)
		}
		cur = e.frame
	}
	leaf := m.tables[cur]
	e := leaf.entries[idx[3]]
	if !e.flags.Present {
		return 0, EntryFlags{}, sys.NewError(sys.ErrBadAddress)
	}
	return e.frame, e.flags, nil
}

// KernelUpperHalfEqual implements the testable property P2: for every
// process, CR3's upper half equals the global kernel PML4's upper half.
func (m *Manager) KernelUpperHalfEqual(cr3 PhysAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kernel := m.tables[m.kernelRoot]
	user, ok := m.tables[cr3]
	if !ok {
		return false
	}
	for i := 256; i < entriesPerTable; i++ {
		if user.entries[i] != kernel.entries[i] {
			return false
		}
	}
	return true
}

var errTableMissing = sys.NewError(sys.ErrNotFound)
