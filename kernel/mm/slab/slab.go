// Package slab implements a lock-free, size-segregated allocator that serves
// small fixed-size kernel allocations in O(1). Alloc and Free never block and
// never disable interrupts, so they are safe to call from any context
// including interrupt handlers.
//
// Each size class keeps its free blocks on an intrusive stack: a free block
// stores the physical address of its successor in its own first word. The
// stack head packs a 48-bit physical address together with a 16-bit
// generation counter into a single atomic word; the counter advances on every
// successful push and pop, which defuses the ABA hazard of a bare-pointer
// compare-and-swap stack.
//
// Blocks live inside whole pages obtained from the page-granularity
// allocator and are addressed through the direct map. A block freed into a
// class stays in that class forever; pages are never returned.
package slab

import (
	"sync/atomic"
	"unsafe"

	"helios/kernel"
	"helios/kernel/mm"
)

// blockSizes enumerates the supported block classes in ascending order.
var blockSizes = [...]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}

const (
	// headGenBits is the width of the generation counter packed into the
	// low bits of a free-list head word. The remaining 48 bits hold a
	// physical address, which therefore must stay below 1<<48.
	headGenBits = 16
	headGenMask = (1 << headGenBits) - 1
)

// PageAllocFn reserves one zeroed, page-aligned physical page for a class
// that ran out of free blocks.
type PageAllocFn func() (mm.PhysicalAddress, *kernel.Error)

// SizeClassFor returns the index of the smallest class able to satisfy the
// layout, or ErrUnsupported if the layout exceeds the largest block size.
// Both the slab path and the facade fallback decision share this function.
func SizeClassFor(layout mm.Layout) (int, *kernel.Error) {
	size := layout.EffectiveSize()
	if size == 0 {
		return 0, mm.ErrInvalidArgument
	}

	for i, blockSize := range blockSizes {
		if size <= blockSize {
			return i, nil
		}
	}

	return 0, mm.ErrUnsupported
}

// ClassStat describes the state of one size class.
type ClassStat struct {
	BlockSize  uintptr
	UsedCount  uintptr
	TotalCount uintptr
}

// cache tracks the free blocks of a single size class.
type cache struct {
	// head packs (physical address << 16) | generation. A zero address
	// marks an empty list.
	head       uint64
	totalCount uint64
	freeCount  uint64

	blockSize uintptr
}

// Allocator is a size-segregated slab allocator front-end over a
// page-granularity allocation primitive.
type Allocator struct {
	caches [len(blockSizes)]cache

	allocPage PageAllocFn

	// directMapOffset converts between the physical block addresses kept
	// on the free lists and the virtual addresses handed to callers. It
	// must be page-aligned or block alignment guarantees break.
	directMapOffset uintptr
}

// New initializes an Allocator that expands its classes through allocPage and
// reaches blocks through the direct-map window at directMapOffset.
func New(allocPage PageAllocFn, directMapOffset uintptr) *Allocator {
	a := &Allocator{allocPage: allocPage, directMapOffset: directMapOffset}
	for i := range a.caches {
		a.caches[i].blockSize = blockSizes[i]
	}

	return a
}

// Alloc reserves one block from the smallest class that fits the layout and
// returns its virtual address. It reports ErrUnsupported for layouts larger
// than the largest class so the caller can fall back to the page allocator,
// and ErrOutOfMemory if a required class expansion fails.
func (a *Allocator) Alloc(layout mm.Layout) (uintptr, *kernel.Error) {
	classIndex, err := SizeClassFor(layout)
	if err != nil {
		return 0, err
	}

	return a.caches[classIndex].pop(a)
}

// Free pushes a block previously returned by Alloc back onto its class free
// list. The same layout that produced the block must be supplied so the
// block rejoins the class it was carved for.
func (a *Allocator) Free(addr uintptr, layout mm.Layout) *kernel.Error {
	classIndex, err := SizeClassFor(layout)
	if err != nil {
		return err
	}

	if addr == 0 || addr < a.directMapOffset {
		return mm.ErrInvalidArgument
	}

	a.caches[classIndex].push(a, mm.PhysicalAddress(addr-a.directMapOffset))
	return nil
}

// FreeMemorySize returns the total number of bytes currently sitting on the
// class free lists.
func (a *Allocator) FreeMemorySize() uintptr {
	var total uintptr
	for i := range a.caches {
		c := &a.caches[i]
		total += uintptr(atomic.LoadUint64(&c.freeCount)) * c.blockSize
	}

	return total
}

// Statistics reports a (blockSize, used, total) triple for every class.
func (a *Allocator) Statistics() [len(blockSizes)]ClassStat {
	var stats [len(blockSizes)]ClassStat
	for i := range a.caches {
		c := &a.caches[i]
		total := uintptr(atomic.LoadUint64(&c.totalCount))
		free := uintptr(atomic.LoadUint64(&c.freeCount))
		stats[i] = ClassStat{
			BlockSize:  c.blockSize,
			UsedCount:  total - free,
			TotalCount: total,
		}
	}

	return stats
}

// blockWord returns the first word of the block at the given physical
// address, which doubles as the intrusive free-list link while the block is
// free.
func (a *Allocator) blockWord(pa mm.PhysicalAddress) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(pa) + a.directMapOffset))
}

// pop removes the head block from the free list using the classic lock-free
// stack pop, expanding the class with a fresh page when the list is empty.
func (c *cache) pop(a *Allocator) (uintptr, *kernel.Error) {
	for {
		head := atomic.LoadUint64(&c.head)
		pa := mm.PhysicalAddress(head >> headGenBits)
		if pa == 0 {
			if err := c.expand(a); err != nil {
				return 0, err
			}
			continue
		}

		next := atomic.LoadUint64(a.blockWord(pa))
		newHead := next<<headGenBits | (head+1)&headGenMask
		if atomic.CompareAndSwapUint64(&c.head, head, newHead) {
			atomic.AddUint64(&c.freeCount, ^uint64(0))
			return uintptr(pa) + a.directMapOffset, nil
		}
	}
}

// push adds the block at pa to the free list via the matching CAS loop.
func (c *cache) push(a *Allocator, pa mm.PhysicalAddress) {
	for {
		head := atomic.LoadUint64(&c.head)
		atomic.StoreUint64(a.blockWord(pa), head>>headGenBits)

		newHead := uint64(pa)<<headGenBits | (head+1)&headGenMask
		if atomic.CompareAndSwapUint64(&c.head, head, newHead) {
			atomic.AddUint64(&c.freeCount, 1)
			return
		}
	}
}

// expand carves one fresh page into blocks and pushes each of them onto the
// free list. Two expansions racing on the same empty class may both allocate
// a page; the loser's blocks simply enlarge the class, which costs memory
// but not correctness.
func (c *cache) expand(a *Allocator) *kernel.Error {
	blob, err := a.allocPage()
	if err != nil {
		return err
	}

	entryCount := mm.PageSize / c.blockSize
	for i := uintptr(0); i < entryCount; i++ {
		c.push(a, blob+mm.PhysicalAddress(i*c.blockSize))
	}
	atomic.AddUint64(&c.totalCount, uint64(entryCount))

	return nil
}
