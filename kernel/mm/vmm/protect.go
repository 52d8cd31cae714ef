package vmm

import (
	"helios/kernel"
	"helios/kernel/mm"
)

// Protect rewrites the attribute bits of every leaf entry in the virtual
// range [virtAddr, virtAddr+size) to match the supplied permissions. The
// frame bits of each entry are preserved.
//
// Touching a page that was never mapped is a caller error but does not
// panic: missing intermediate tables are created on the fly and the leaf
// entry receives the new attributes with a zero frame, exactly as if the
// caller had protected an anonymous mapping.
func (m *Manager) Protect(virtAddr, size uintptr, prot MProtect) *kernel.Error {
	flags := prot.Attributes()
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift

	m.mu.Acquire()
	m.cfg.DisableInterrupts()
	defer func() {
		m.cfg.EnableInterrupts()
		m.mu.Release()
	}()

	for ; pageCount > 0; pageCount, virtAddr = pageCount-1, virtAddr+mm.PageSize {
		if err := m.protectPage(virtAddr, flags); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) protectPage(virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	m.walk(virtAddr, pageLevels-1, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.SetAttributes(flags)
			m.cfg.FlushTLBEntry(virtAddr)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

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
