package vmm

const (
	// pageLevels indicates the number of page-table levels supported by
	// the architecture.
	pageLevels = 4

	// tableEntryCount is the number of entries in a table at every level.
	tableEntryCount = 512

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this particular
	// architecture, bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// largePageSize is the size of a level-2 (2MiB) mapping. The direct
	// map window is built out of large pages to keep its table footprint
	// small.
	largePageSize = uintptr(1 << 21)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to extract each page
	// table index component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when an entry maps a 2MiB page instead of
	// pointing to a next-level table.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached translation
	// for this page when the page tables are switched.
	FlagGlobal

	// FlagNoExecute indicates that a page contains non-executable data.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// pteAttributeMask selects every attribute bit of an entry, leaving the frame
// address bits out. Protect rewrites only these bits.
const pteAttributeMask = ^ptePhysPageMask
