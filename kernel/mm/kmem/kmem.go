// Package kmem is the kernel-facing entry point of the memory subsystem. A
// Manager owns the bootstrap frame allocator, the page-table manager and the
// slab allocator and routes every allocation to the cheapest layer that can
// serve it: small fixed-size requests go to the slabs, everything else is
// carved at page granularity and reached through the direct-map window.
package kmem

import (
	"sync/atomic"
	"unsafe"

	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
	"helios/kernel/mm/vmm"
)

// poisonByte fills freed blocks so use-after-free reads surface as a
// recognizable pattern instead of stale data.
const poisonByte = 0xCC

// bytesPerPixel is fixed by the loader, which always negotiates a 32bpp
// frame-buffer mode.
const bytesPerPixel = 4

var errMissingBootInfo = &kernel.Error{Module: "kmem", Message: "Config.BootInfo must be provided"}

// Config carries the boot parameters and arch hooks needed to bring up the
// memory subsystem.
type Config struct {
	// BootInfo is the machine description handed over by the loader. Its
	// memory map seeds the frame allocator.
	BootInfo *bootinfo.BootInfo

	// DirectMapOffset is the virtual base of the direct-map window.
	DirectMapOffset uintptr

	// Arch hooks forwarded to the page-table manager; each defaults to a
	// no-op when nil.
	FlushTLBEntry     func(virtAddr uintptr)
	DisableInterrupts func()
	EnableInterrupts  func()
}

// Manager composes the three allocation layers behind a single facade. Its
// methods are safe for concurrent use; each layer carries its own
// synchronization.
type Manager struct {
	frames pmm.Allocator
	pages  *vmm.Manager
	blocks *slab.Allocator

	directMapOffset uintptr

	// leakedSize accumulates the bytes of page-granularity blocks released
	// through ZFree. The bootstrap allocator cannot take memory back, so
	// such blocks are gone until reboot and only show up in statistics.
	leakedSize uint64

	vramBase     uint64
	vramStride   uint32
	screenHeight uint32
}

// NewManager brings up the memory subsystem: it seeds the frame allocator
// from the boot memory map, creates the kernel address space, establishes the
// direct-map window over all of physical memory and prepares the slab caches.
func NewManager(cfg Config) (*Manager, *kernel.Error) {
	if cfg.BootInfo == nil {
		return nil, errMissingBootInfo
	}

	m := &Manager{
		directMapOffset: cfg.DirectMapOffset,
		vramBase:        cfg.BootInfo.VramBase,
		vramStride:      cfg.BootInfo.VramStride,
		screenHeight:    cfg.BootInfo.ScreenHeight,
	}
	m.frames.Init(cfg.BootInfo)

	pages, err := vmm.NewManager(vmm.Config{
		FrameAllocator:    m.frames.AllocFrame,
		DirectMapOffset:   cfg.DirectMapOffset,
		FlushTLBEntry:     cfg.FlushTLBEntry,
		DisableInterrupts: cfg.DisableInterrupts,
		EnableInterrupts:  cfg.EnableInterrupts,
	})
	if err != nil {
		return nil, err
	}
	m.pages = pages

	if err = m.pages.MapDirectWindow(uintptr(cfg.BootInfo.TotalMemorySize)); err != nil {
		return nil, err
	}

	m.blocks = slab.New(m.allocSlabPage, cfg.DirectMapOffset)
	return m, nil
}

// allocSlabPage feeds the slab layer with zeroed pages carved from the
// bootstrap allocator.
func (m *Manager) allocSlabPage() (mm.PhysicalAddress, *kernel.Error) {
	layout, _ := mm.NewLayout(mm.PageSize, mm.PageSize)

	pa, err := m.frames.Alloc(layout)
	if err != nil {
		return 0, err
	}

	kernel.Memset(uintptr(m.pages.DirectMap(pa)), 0, mm.PageSize)
	return pa, nil
}

// ZAlloc allocates a zeroed block satisfying the layout and returns its
// virtual address inside the direct-map window. Layouts within the slab class
// range are served lock-free; larger ones fall back to whole pages from the
// bootstrap allocator.
func (m *Manager) ZAlloc(layout mm.Layout) (unsafe.Pointer, *kernel.Error) {
	addr, err := m.blocks.Alloc(layout)
	switch err {
	case nil:
		kernel.Memset(addr, 0, layout.EffectiveSize())
		return unsafe.Pointer(addr), nil
	case mm.ErrUnsupported:
		ptr, perr := m.AllocPages(layout)
		if perr != nil {
			return nil, perr
		}
		kernel.Memset(uintptr(ptr), 0, layout.RoundUpToPage())
		return ptr, nil
	default:
		return nil, err
	}
}

// ZFree releases a block obtained from ZAlloc, poisoning its contents first.
// The layout must equal the one passed to ZAlloc. Blocks too large for the
// slab classes cannot be reclaimed; they are poisoned, counted as leaked and
// the call still succeeds.
func (m *Manager) ZFree(ptr unsafe.Pointer, layout mm.Layout) *kernel.Error {
	if ptr == nil {
		return mm.ErrInvalidArgument
	}

	addr := uintptr(ptr)
	kernel.Memset(addr, poisonByte, layout.EffectiveSize())

	err := m.blocks.Free(addr, layout)
	if err == mm.ErrUnsupported {
		atomic.AddUint64(&m.leakedSize, uint64(layout.RoundUpToPage()))
		return nil
	}

	return err
}

// AllocPages reserves layout.RoundUpToPage() bytes of page-aligned physical
// memory and returns its direct-map alias. The contents are not zeroed.
func (m *Manager) AllocPages(layout mm.Layout) (unsafe.Pointer, *kernel.Error) {
	pa, err := m.frames.Alloc(layout)
	if err != nil {
		return nil, err
	}

	return m.pages.DirectMap(pa), nil
}

// AllocLowPage reserves one physical page below the real-mode ceiling and
// returns its page number.
func (m *Manager) AllocLowPage() (uint8, *kernel.Error) {
	return m.frames.AllocLowPage()
}

// DirectMap returns the virtual alias of a physical address inside the
// direct-map window.
func (m *Manager) DirectMap(pa mm.PhysicalAddress) unsafe.Pointer {
	return m.pages.DirectMap(pa)
}

// RootFrame exposes the frame of the kernel address space's top-most table so
// the arch layer can activate it.
func (m *Manager) RootFrame() mm.Frame {
	return m.pages.RootFrame()
}

// Map establishes a virtual-to-physical mapping with the requested
// protection.
func (m *Manager) Map(page mm.Page, frame mm.Frame, prot vmm.MProtect) *kernel.Error {
	return m.pages.Map(page, frame, prot)
}

// MapRange maps size bytes of physically contiguous memory starting at the
// supplied page/frame pair.
func (m *Manager) MapRange(page mm.Page, frame mm.Frame, size uintptr, prot vmm.MProtect) *kernel.Error {
	return m.pages.MapRange(page, frame, size, prot)
}

// Unmap removes the mapping for a virtual page.
func (m *Manager) Unmap(page mm.Page) *kernel.Error {
	return m.pages.Unmap(page)
}

// Protect rewrites the protection bits of an existing mapped range.
func (m *Manager) Protect(virtAddr, size uintptr, prot vmm.MProtect) *kernel.Error {
	return m.pages.Protect(virtAddr, size, prot)
}

// Translate resolves a virtual address to the physical address it maps to.
func (m *Manager) Translate(virtAddr uintptr) (mm.PhysicalAddress, *kernel.Error) {
	return m.pages.Translate(virtAddr)
}

// MapFrameBuffer maps the loader-reported frame buffer read-write and
// non-executable and returns its virtual base address. The frame buffer
// lives in MMIO space above physical RAM, so its direct-map alias does not
// collide with the huge pages covering the RAM window. Callers must invoke
// it before the first pixel is drawn.
func (m *Manager) MapFrameBuffer() (uintptr, *kernel.Error) {
	if m.vramBase == 0 {
		return 0, mm.ErrUnsupported
	}

	size := uintptr(m.vramStride) * uintptr(m.screenHeight) * bytesPerPixel
	virtAddr := m.directMapOffset + uintptr(m.vramBase)

	err := m.pages.MapRange(
		mm.PageFromAddress(virtAddr),
		mm.FrameFromAddress(mm.PhysicalAddress(m.vramBase)),
		size,
		vmm.ProtRead|vmm.ProtWrite,
	)
	if err != nil {
		return 0, err
	}

	return virtAddr, nil
}

// Stats is a point-in-time snapshot of the memory subsystem.
type Stats struct {
	// TotalSize and ReservedSize reflect the boot memory map.
	TotalSize    uintptr
	ReservedSize uintptr

	// PageFreeSize counts bytes still available in the bootstrap free
	// pairs; SlabFreeSize counts bytes sitting on the slab free lists.
	PageFreeSize uintptr
	SlabFreeSize uintptr

	// LeakedSize counts bytes released through ZFree that no layer could
	// take back.
	LeakedSize uintptr

	// Classes reports a (blockSize, used, total) triple per slab class.
	Classes []slab.ClassStat
}

// Statistics captures the current allocator state. The snapshot is not
// atomic across layers; concurrent allocations may skew individual counters
// against each other.
func (m *Manager) Statistics() Stats {
	classes := m.blocks.Statistics()

	return Stats{
		TotalSize:    m.frames.TotalMemorySize(),
		ReservedSize: m.frames.ReservedMemorySize(),
		PageFreeSize: m.frames.FreeMemorySize(),
		SlabFreeSize: m.blocks.FreeMemorySize(),
		LeakedSize:   uintptr(atomic.LoadUint64(&m.leakedSize)),
		Classes:      classes[:],
	}
}

// PrintStatistics dumps the allocator state to the kernel console, listing
// the slab classes in rows of four.
func (m *Manager) PrintStatistics() {
	st := m.Statistics()

	kfmt.Printf("[kmem] total: %dKb, reserved: %dKb, free: %dKb, leaked: %dKb\n",
		st.TotalSize/1024, st.ReservedSize/1024,
		(st.PageFreeSize+st.SlabFreeSize)/1024, st.LeakedSize/1024)

	for i, class := range st.Classes {
		kfmt.Printf("%6d: %6d / %6d", class.BlockSize, class.UsedCount, class.TotalCount)
		if i%4 == 3 {
			kfmt.Printf("\n")
		} else {
			kfmt.Printf("   ")
		}
	}
}
