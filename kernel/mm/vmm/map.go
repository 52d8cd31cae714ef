package vmm

import (
	"helios/kernel"
	"helios/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in this address space. Missing intermediate tables are allocated on
// the fly using the configured frame allocator. Re-mapping an already mapped
// page simply overwrites the leaf entry, so calling Map twice with identical
// arguments is idempotent.
func (m *Manager) Map(page mm.Page, frame mm.Frame, prot MProtect) *kernel.Error {
	return m.mapWithFlags(page, frame, prot.Attributes())
}

// MapRange maps the physical region [frame, frame + pages(size)) starting at
// the supplied virtual page. The size is rounded up to the page granularity.
func (m *Manager) MapRange(page mm.Page, frame mm.Frame, size uintptr, prot MProtect) *kernel.Error {
	flags := prot.Attributes()
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift

	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.mapWithFlags(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// mapWithFlags installs a leaf entry with explicit attribute flags.
func (m *Manager) mapWithFlags(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	m.mu.Acquire()
	m.cfg.DisableInterrupts()
	err := m.mapLocked(page.Address(), frame, flags, pageLevels-1)
	m.cfg.EnableInterrupts()
	m.mu.Release()

	return err
}

// mapLocked walks the tables for virtAddr down to lastLevel and installs
// (frame, flags) there, creating and zeroing intermediate tables as needed.
// Passing a lastLevel above the leaf installs a huge-page entry.
func (m *Manager) mapLocked(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag, lastLevel uint8) *kernel.Error {
	var err *kernel.Error

	m.walk(virtAddr, lastLevel, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is map the
		// frame in place and flush the TLB entry for the page.
		if pteLevel == lastLevel {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			m.cfg.FlushTLBEntry(virtAddr)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a physical frame for
		// it and clear its contents through the direct map.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = m.cfg.FrameAllocator(); err != nil {
				return false
			}

			kernel.Memset(uintptr(m.DirectMap(newTableFrame.Address())), 0, mm.PageSize)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapDirectWindow populates the direct-map window for the first size bytes of
// physical memory using 2MiB pages. It must run before any code dereferences
// a DirectMap pointer on real hardware; the window is mapped global,
// writable and non-executable.
func (m *Manager) MapDirectWindow(size uintptr) *kernel.Error {
	size = (size + largePageSize - 1) & ^(largePageSize - 1)
	flags := FlagPresent | FlagRW | FlagGlobal | FlagNoExecute | FlagHugePage

	m.mu.Acquire()
	m.cfg.DisableInterrupts()
	defer func() {
		m.cfg.EnableInterrupts()
		m.mu.Release()
	}()

	// Level 2 entries cover largePageSize each.
	for off := uintptr(0); off < size; off += largePageSize {
		virtAddr := m.cfg.DirectMapOffset + off
		frame := mm.FrameFromAddress(mm.PhysicalAddress(off))
		if err := m.mapLocked(virtAddr, frame, flags, pageLevels-2); err != nil {
			return err
		}
	}

	return nil
}

// Unmap marks the entry for the supplied page as not present and flushes its
// TLB entry. The leaf entry keeps its frame bits and no table level is ever
// reclaimed.
func (m *Manager) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	m.mu.Acquire()
	m.cfg.DisableInterrupts()

	m.walk(page.Address(), pageLevels-1, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			m.cfg.FlushTLBEntry(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping.
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	m.cfg.EnableInterrupts()
	m.mu.Release()

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the address is not mapped. Huge
// page mappings (including the direct-map window) resolve like any other.
func (m *Manager) Translate(virtAddr uintptr) (mm.PhysicalAddress, *kernel.Error) {
	var (
		err      *kernel.Error
		physAddr mm.PhysicalAddress
	)

	m.mu.Acquire()
	defer m.mu.Release()

	m.walk(virtAddr, pageLevels-1, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + mm.PhysicalAddress(PageOffset(virtAddr))
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			physAddr = pte.Frame().Address() + mm.PhysicalAddress(virtAddr&(largePageSize-1))
			return false
		}

		return true
	})

	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
