// Package bootinfo defines the boot ABI between the firmware loader and the
// kernel. The loader populates a BootInfo structure and passes a pointer to it
// to the kernel entrypoint; its contents are only guaranteed to remain valid
// until the physical memory allocator has been initialized.
package bootinfo

// MemoryType defines the type of a MemoryDescriptor.
type MemoryType uint32

const (
	// MemUsable indicates conventional memory that is available for use.
	MemUsable MemoryType = iota + 1

	// MemBootReclaimable indicates memory holding boot-services code or
	// data that can be reclaimed once the kernel owns the machine.
	MemBootReclaimable

	// MemACPIReclaimable indicates a memory region that holds ACPI tables
	// which can be reused after the kernel has consumed them.
	MemACPIReclaimable

	// MemMMIO indicates a memory-mapped device region.
	MemMMIO

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemBootReclaimable:
		return "boot services (reclaimable)"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemMMIO:
		return "MMIO"
	default:
		return "reserved"
	}
}

// IsAvailable returns true if the region described by this type can seed the
// physical allocator free lists.
func (t MemoryType) IsAvailable() bool {
	return t == MemUsable || t == MemBootReclaimable
}

// MemoryDescriptor describes one contiguous physical memory region as
// reported by the firmware. Addresses are expected but not guaranteed to be
// page-aligned.
type MemoryDescriptor struct {
	// The physical address where this memory region begins.
	PhysAddress uint64

	// The length of the memory region in pages.
	PageCount uint64

	// The type of this region.
	Type MemoryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryDescriptor) bool

// BootInfo describes the machine state handed over by the boot loader.
type BootInfo struct {
	// MemoryMap lists the physical memory regions of the machine in
	// ascending physical address order.
	MemoryMap []MemoryDescriptor

	// TotalMemorySize holds the loader-computed total amount of physical
	// memory in bytes. It is reported back by the memory statistics and
	// not used for allocation decisions.
	TotalMemorySize uint64

	// KernelBase is the virtual address the kernel image is linked at.
	KernelBase uintptr

	// Frame-buffer parameters. VramBase is a physical address that must be
	// mapped before the first pixel can be drawn.
	VramBase     uint64
	VramStride   uint32
	ScreenWidth  uint32
	ScreenHeight uint32
}

// VisitMemRegions invokes the supplied visitor for each memory region in the
// boot memory map. Regions with an unknown type are presented as MemReserved;
// the visitor receives a copy, so the loader-owned map is never modified.
func (bi *BootInfo) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range bi.MemoryMap {
		region := bi.MemoryMap[i]
		if region.Type >= memUnknown {
			region.Type = MemReserved
		}

		if !visitor(&region) {
			return
		}
	}
}
