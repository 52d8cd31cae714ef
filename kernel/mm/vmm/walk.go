package vmm

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and a pointer to the page table
// entry for that level. If the function returns false, the walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk visits the page table entry chain for the given virtual address from
// the root table down to lastLevel (inclusive), calling walkFn with the entry
// at each level. Whether a non-final entry can be descended into is walkFn's
// responsibility; walk itself blindly follows the frame stored in it.
func (m *Manager) walk(virtAddr uintptr, lastLevel uint8, walkFn pageTableWalker) {
	tableFrame := m.root

	for level := uint8(0); level <= lastLevel; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &m.tableAt(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
