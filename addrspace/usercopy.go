package addrspace

import "github.com/okernel/vkernel/internal/sys"

// CopyFromUser implements spec.md §4.1: succeeds only if every byte of
// src..src+len(dst) is currently mapped in cr3 with U/S=1 (user
// accessible). This is the only path by which kernel code may read user
// memory — no other function in this core dereferences a user VirtAddr.
func (m *Manager) CopyFromUser(dst []byte, cr3 PhysAddr, src VirtAddr) error {
	return m.copyUser(dst, cr3, src, false)
}

// CopyToUser implements spec.md §4.1: succeeds only if every byte of the
// user range is mapped with U/S=1 and W/R=1 (writable).
func (m *Manager) CopyToUser(cr3 PhysAddr, dst VirtAddr, src []byte) error {
	return m.copyUserWrite(cr3, dst, src)
}

// copyUser walks the mapping page by page, since a multi-byte range may
// span page boundaries with different underlying frames.
func (m *Manager) copyUser(dst []byte, cr3 PhysAddr, src VirtAddr, write bool) error {
	n := uint64(len(dst))
	if err := ValidateUserRange(src, n); err != nil {
		return err
	}

	remaining := dst
	cur := src
	for len(remaining) > 0 {
		pageBase := cur.AlignDown(PageSize)
		offset := uint64(cur) - uint64(pageBase)
		chunk := PageSize - offset
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}

		frame, flags, err := m.Translate(cr3, pageBase)
		if err != nil {
			return sys.NewError(sys.ErrBadAddress)
		}
		if !flags.Present || !flags.UserAccessible {
			return sys.NewError(sys.ErrBadAddress)
		}
		if write && !flags.Writable {
			return sys.NewError(sys.ErrBadAddress)
		}

		page := m.mem.ReadFrame(frame)
		copy(remaining[:chunk], page[offset:offset+chunk])

		remaining = remaining[chunk:]
		cur = pageBase + VirtAddr(PageSize)
	}
	return nil
}

func (m *Manager) copyUserWrite(cr3 PhysAddr, dst VirtAddr, src []byte) error {
	n := uint64(len(src))
	if err := ValidateUserRange(dst, n); err != nil {
		return err
	}

	remaining := src
	cur := dst
	for len(remaining) > 0 {
		pageBase := cur.AlignDown(PageSize)
		offset := uint64(cur) - uint64(pageBase)
		chunk := PageSize - offset
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}

		frame, flags, err := m.Translate(cr3, pageBase)
		if err != nil {
			return sys.NewError(sys.ErrBadAddress)
		}
		if !flags.Present || !flags.UserAccessible || !flags.Writable {
			return sys.NewError(sys.ErrBadAddress)
		}

		page := m.mem.ReadFrame(frame)
		copy(page[offset:offset+chunk], remaining[:chunk])

		remaining = remaining[chunk:]
		cur = pageBase + VirtAddr(PageSize)
	}
	return nil
}
