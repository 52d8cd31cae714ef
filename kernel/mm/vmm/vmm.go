// Package vmm maintains the multi-level page tables that map virtual to
// physical addresses and provides the direct-map window that lets kernel code
// dereference arbitrary physical memory without a dedicated mapping.
//
// Page tables are reached through the direct map rather than through a
// recursive self-mapping: every table is an ordinary array of entries living
// in a frame obtained from the physical allocator, addressed via plain
// pointer arithmetic. Tables are created lazily during walks and are never
// torn down; Unmap only clears present bits.
package vmm

import (
	"unsafe"

	"helios/kernel"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to manipulate a virtual
	// memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "virtual address is covered by a huge page mapping"}
	errMissingFrameAlloc = &kernel.Error{Module: "vmm", Message: "config does not provide a frame allocator"}
)

// pageTable overlays one page-table level stored in a physical frame.
type pageTable [tableEntryCount]pageTableEntry

// Config carries the collaborator hooks a Manager needs. FrameAllocator is
// mandatory; the remaining hooks default to no-ops so the package can be
// exercised without the arch layer (the boot code installs the real TLB and
// interrupt primitives).
type Config struct {
	// FrameAllocator provides backing frames for new page-table levels.
	FrameAllocator mm.FrameAllocatorFn

	// DirectMapOffset is the fixed offset between a physical address and
	// its virtual alias inside the direct-map window.
	DirectMapOffset uintptr

	// FlushTLBEntry invalidates the cached translation for a single
	// virtual address after its entry changed.
	FlushTLBEntry func(virtAddr uintptr)

	// DisableInterrupts/EnableInterrupts bracket table mutations so a
	// local interrupt handler can never observe a half-written walk.
	DisableInterrupts func()
	EnableInterrupts  func()
}

// Manager owns one address space: a root table frame plus the configuration
// used to reach and grow the table hierarchy. All mutating operations are
// serialized by an internal spinlock, which also covers concurrent map and
// protect calls from different cores.
type Manager struct {
	mu  sync.Spinlock
	cfg Config

	// root holds the frame of the top-most (level 4) table.
	root mm.Frame
}

// NewManager allocates and zeroes a root table frame and returns a Manager
// for the new address space.
func NewManager(cfg Config) (*Manager, *kernel.Error) {
	if cfg.FrameAllocator == nil {
		return nil, errMissingFrameAlloc
	}
	if cfg.FlushTLBEntry == nil {
		cfg.FlushTLBEntry = func(uintptr) {}
	}
	if cfg.DisableInterrupts == nil {
		cfg.DisableInterrupts = func() {}
	}
	if cfg.EnableInterrupts == nil {
		cfg.EnableInterrupts = func() {}
	}

	m := &Manager{cfg: cfg}

	rootFrame, err := cfg.FrameAllocator()
	if err != nil {
		return nil, err
	}
	m.root = rootFrame
	kernel.Memset(uintptr(m.DirectMap(rootFrame.Address())), 0, mm.PageSize)

	return m, nil
}

// RootFrame returns the frame holding the top-most table of this address
// space. The arch layer loads it into the MMU when activating the space.
func (m *Manager) RootFrame() mm.Frame {
	return m.root
}

// DirectMap returns a pointer through which the supplied physical address can
// be dereferenced by kernel code. It is pure pointer arithmetic; no table
// walk takes place. The window it relies on is established by
// MapDirectWindow at boot.
func (m *Manager) DirectMap(pa mm.PhysicalAddress) unsafe.Pointer {
	return unsafe.Pointer(uintptr(pa) + m.cfg.DirectMapOffset)
}

// tableAt overlays a pageTable on the frame that holds it.
func (m *Manager) tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(m.DirectMap(frame.Address()))
}
