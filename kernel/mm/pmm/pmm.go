// Package pmm implements the bootstrap physical frame allocator. It consumes
// the firmware memory map once at boot and hands out raw physical page ranges
// to the rest of the memory subsystem. Memory handed out by this allocator is
// never returned; fragmentation of the free-pair list is monotonic and
// accepted, since the slab layer absorbs all high-frequency traffic.
package pmm

import (
	"math/bits"
	"sync/atomic"

	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

const (
	// maxFreePairs bounds the number of distinct free runs the allocator
	// can track. Firmware memory maps on the targeted machines carry a few
	// dozen entries; 1024 leaves ample headroom.
	maxFreePairs = 1024

	// lowPageCeiling is the first page number past the usable real-mode
	// address range (0xA0 pages = 640KiB). Pages below it are tracked by a
	// dedicated bitmap for drivers that need DMA-visible buffers.
	lowPageCeiling = 0xA0

	// lowBitmapWords is sized for 256 page bits, covering lowPageCeiling.
	lowBitmapWords = 8
)

var errLowMemExhausted = &kernel.Error{Module: "pmm", Message: "no free pages below the real-mode ceiling"}

// FreePair tracks a single contiguous run of free physical memory. The run
// shrinks from the front as frames are carved off; a zero size marks a
// logically absent entry.
type FreePair struct {
	Base mm.PhysicalAddress
	Size uintptr
}

// Allocator is the bootstrap source of physical memory. It must be
// initialized from the firmware memory map before any other memory subsystem
// component.
type Allocator struct {
	mu sync.Spinlock

	pairs    [maxFreePairs]FreePair
	numPairs int

	totalMemorySize    uintptr
	reservedMemorySize uintptr

	// lowBitmap tracks free pages below lowPageCeiling; bit set = free.
	// It is mutated lock-free as AllocLowPage may run in interrupt context.
	lowBitmap [lowBitmapWords]uint32
}

// Init consumes the boot memory map. Usable memory above the real-mode
// ceiling seeds the free-pair list, usable pages below it seed the low
// bitmap, and everything else counts towards the reserved memory size.
// Descriptor contents are copied; the map may be discarded afterwards.
func (alloc *Allocator) Init(info *bootinfo.BootInfo) {
	var freeSize uintptr

	info.VisitMemRegions(func(region *bootinfo.MemoryDescriptor) bool {
		if !region.Type.IsAvailable() {
			return true
		}

		base := mm.PhysicalAddress(region.PhysAddress)
		size := uintptr(region.PageCount) << mm.PageShift
		if size == 0 {
			return true
		}

		// Pages below the real-mode ceiling feed the low bitmap and are
		// withheld from the free-pair list so the two allocators can
		// never hand out the same page.
		if lowLimit := mm.PhysicalAddress(lowPageCeiling << mm.PageShift); base < lowLimit {
			carve := uintptr(lowLimit - base)
			if carve > size {
				carve = size
			}

			for page := uintptr(mm.FrameFromAddress(base)); page < uintptr(mm.FrameFromAddress(base+mm.PhysicalAddress(carve))); page++ {
				alloc.lowBitmap[page>>5] |= 1 << (page & 31)
			}

			base += mm.PhysicalAddress(carve)
			size -= carve
			freeSize += carve
			if size == 0 {
				return true
			}
		}

		if alloc.numPairs == maxFreePairs {
			return true
		}

		alloc.pairs[alloc.numPairs] = FreePair{Base: base, Size: size}
		alloc.numPairs++
		freeSize += size

		return true
	})

	// Page 0 holds the real-mode IVT and is never handed out.
	alloc.lowBitmap[0] &^= 1

	alloc.totalMemorySize = uintptr(info.TotalMemorySize)
	alloc.reservedMemorySize = alloc.totalMemorySize - freeSize

	alloc.printMemoryMap(info)
}

// Alloc rounds the layout size up to the page granularity and carves the
// result off the front of the first free pair large enough to satisfy it. It
// returns ErrOutOfMemory when no pair is large enough; free pairs are never
// merged or compacted.
func (alloc *Allocator) Alloc(layout mm.Layout) (mm.PhysicalAddress, *kernel.Error) {
	size := layout.RoundUpToPage()
	if size == 0 {
		return 0, mm.ErrInvalidArgument
	}

	alloc.mu.Acquire()
	for i := 0; i < alloc.numPairs; i++ {
		pair := &alloc.pairs[i]
		if pair.Size < size {
			continue
		}

		base := pair.Base
		pair.Base += mm.PhysicalAddress(size)
		pair.Size -= size
		alloc.mu.Release()
		return base, nil
	}
	alloc.mu.Release()

	return 0, mm.ErrOutOfMemory
}

// AllocFrame reserves a single physical frame. It satisfies mm.FrameAllocatorFn
// and is the allocation primitive used for new page-table levels.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	layout, _ := mm.NewLayout(mm.PageSize, mm.PageSize)

	addr, err := alloc.Alloc(layout)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// AllocLowPage reserves one physical page below the real-mode ceiling and
// returns its page number. The implementation is a lock-free
// bit-test-and-clear so it is safe to call from interrupt context, which is
// where legacy DMA buffer setup tends to happen.
func (alloc *Allocator) AllocLowPage() (uint8, *kernel.Error) {
	for word := 0; word < lowBitmapWords; word++ {
		for {
			val := atomic.LoadUint32(&alloc.lowBitmap[word])
			if val == 0 {
				break
			}

			bit := uint(bits.TrailingZeros32(val))
			if atomic.CompareAndSwapUint32(&alloc.lowBitmap[word], val, val&^(1<<bit)) {
				return uint8(word<<5) + uint8(bit), nil
			}
		}
	}

	return 0, errLowMemExhausted
}

// FreeMemorySize returns the number of bytes still available in the free-pair
// list.
func (alloc *Allocator) FreeMemorySize() uintptr {
	var total uintptr

	alloc.mu.Acquire()
	for i := 0; i < alloc.numPairs; i++ {
		total += alloc.pairs[i].Size
	}
	alloc.mu.Release()

	return total
}

// ReservedMemorySize returns the number of bytes the firmware map declared
// unusable.
func (alloc *Allocator) ReservedMemorySize() uintptr {
	return alloc.reservedMemorySize
}

// TotalMemorySize returns the loader-reported total physical memory size.
func (alloc *Allocator) TotalMemorySize() uintptr {
	return alloc.totalMemorySize
}

// printMemoryMap dumps the firmware memory map to the kernel console.
func (alloc *Allocator) printMemoryMap(info *bootinfo.BootInfo) {
	kfmt.Printf("[pmm] system memory map:\n")
	info.VisitMemRegions(func(region *bootinfo.MemoryDescriptor) bool {
		length := region.PageCount << mm.PageShift
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+length, length, region.Type.String())
		return true
	})
	kfmt.Printf("[pmm] free: %dKb, reserved: %dKb\n",
		uint64((alloc.totalMemorySize-alloc.reservedMemorySize)/1024),
		uint64(alloc.reservedMemorySize/1024))
}
