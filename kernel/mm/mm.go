// Package mm defines the address and frame types shared by every layer of the
// memory subsystem together with the allocation error taxonomy.
package mm

import (
	"math"

	"helios/kernel"
)

// Allocation and deallocation errors shared by all allocator backends. They
// are declared once here so that callers can match them by identity
// regardless of which backend produced them.
var (
	// ErrOutOfMemory is returned when no backend can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrInvalidArgument is returned for malformed layouts or foreign pointers.
	ErrInvalidArgument = &kernel.Error{Module: "mm", Message: "invalid argument"}

	// ErrUnsupported is returned by the slab layer when a layout exceeds
	// the largest block class. It signals the caller to fall back to the
	// page-granularity allocator and never surfaces past the facade.
	ErrUnsupported = &kernel.Error{Module: "mm", Message: "layout not supported by any slab class"}

	// ErrUnexpected indicates an internal invariant violation and should
	// be treated as fatal by the caller.
	ErrUnexpected = &kernel.Error{Module: "mm", Message: "internal allocator invariant violated"}
)

// PhysicalAddress identifies a byte offset in physical memory. It carries no
// aliasing rules of its own; it becomes dereferencable only once mapped or
// accessed through the direct map. The zero value is reserved to mean
// "absent" in slots that pack addresses together with other state.
type PhysicalAddress uintptr

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysicalAddress {
	return PhysicalAddress(f << PageShift)
}

// FrameFromAddress returns the Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses; in the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr PhysicalAddress) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames. The
// virtual memory layer uses it to obtain backing frames for new page-table
// levels.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses; in the latter case, the input address will be rounded down to
// the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}
