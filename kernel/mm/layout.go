package mm

import "helios/kernel"

// Layout describes the size and alignment requirements of an allocation
// request.
type Layout struct {
	size  uintptr
	align uintptr
}

// NewLayout validates the supplied size/alignment pair and returns the
// corresponding Layout. A zero size or a non-power-of-two alignment yields
// ErrInvalidArgument.
func NewLayout(size, align uintptr) (Layout, *kernel.Error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return Layout{}, ErrInvalidArgument
	}

	return Layout{size: size, align: align}, nil
}

// LayoutForSize returns a Layout for a request with no alignment requirement
// beyond the pointer size.
func LayoutForSize(size uintptr) (Layout, *kernel.Error) {
	return NewLayout(size, 1<<PointerShift)
}

// Size returns the request size in bytes.
func (l Layout) Size() uintptr {
	return l.size
}

// Align returns the request alignment in bytes.
func (l Layout) Align() uintptr {
	return l.align
}

// EffectiveSize returns the block size needed to satisfy both the size and
// the alignment of this layout. Serving a request from a block whose size is
// a multiple of EffectiveSize guarantees the alignment as long as the backing
// region itself is at least that aligned.
func (l Layout) EffectiveSize() uintptr {
	if l.align > l.size {
		return l.align
	}
	return l.size
}

// RoundUpToPage returns the layout size rounded up to the next multiple of
// the system page size.
func (l Layout) RoundUpToPage() uintptr {
	return (l.size + PageSize - 1) & ^(PageSize - 1)
}
