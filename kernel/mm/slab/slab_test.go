package slab

import (
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios/kernel"
	"helios/kernel/mm"
)

// testPageSource backs the allocator with a page-aligned byte buffer.
// Physical addresses are page offsets into the buffer and the direct-map
// offset is the buffer base, mirroring how the real direct map window works.
type testPageSource struct {
	mu    sync.Mutex
	buf   []byte
	base  uintptr
	next  uintptr
	limit uintptr
}

func newTestPageSource(pages int) *testPageSource {
	size := uintptr(pages) << mm.PageShift
	buf := make([]byte, size+mm.PageSize)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)

	// Skip page 0 so a zero physical address always means "absent".
	return &testPageSource{buf: buf, base: base, next: mm.PageSize, limit: size}
}

func (s *testPageSource) allocPage() (mm.PhysicalAddress, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.limit {
		return 0, mm.ErrOutOfMemory
	}

	pa := s.next
	s.next += mm.PageSize
	return mm.PhysicalAddress(pa), nil
}

func newTestAllocator(t *testing.T, pages int) (*Allocator, *testPageSource) {
	t.Helper()
	src := newTestPageSource(pages)
	return New(src.allocPage, src.base), src
}

func layoutForSize(t *testing.T, size uintptr) mm.Layout {
	t.Helper()
	layout, err := mm.LayoutForSize(size)
	require.Nil(t, err)
	return layout
}

func TestSizeClassFor(t *testing.T) {
	for _, spec := range []struct {
		size, align uintptr
		expClass    int
	}{
		{1, 1, 0},
		{16, 8, 0},
		{17, 8, 1},
		{32, 8, 1},
		{100, 8, 3},
		{2048, 8, 7},
		{8, 256, 4}, // alignment dominates
	} {
		layout, err := mm.NewLayout(spec.size, spec.align)
		require.Nil(t, err)

		class, cerr := SizeClassFor(layout)
		require.Nil(t, cerr, "size %d align %d", spec.size, spec.align)
		assert.Equal(t, spec.expClass, class, "size %d align %d", spec.size, spec.align)
	}

	layout := layoutForSize(t, 2049)
	_, err := SizeClassFor(layout)
	assert.Equal(t, mm.ErrUnsupported, err)
}

func TestSizeClassMonotonicity(t *testing.T) {
	prevClass := 0
	for size := uintptr(1); size <= 2048; size++ {
		class, err := SizeClassFor(layoutForSize(t, size))
		require.Nil(t, err)
		require.GreaterOrEqual(t, class, prevClass, "size %d", size)
		require.GreaterOrEqual(t, blockSizes[class], size)
		prevClass = class
	}
}

func TestAllocExpandsEmptyClass(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	layout := layoutForSize(t, 32)
	addr, err := a.Alloc(layout)
	require.Nil(t, err)
	require.NotZero(t, addr)

	stats := a.Statistics()
	expTotal := mm.PageSize / 32
	assert.Equal(t, expTotal, stats[1].TotalCount, "the 32-byte class must gain one page worth of blocks")
	assert.Equal(t, uintptr(1), stats[1].UsedCount)

	// All other classes stay untouched.
	for i, stat := range stats {
		if i == 1 {
			continue
		}
		assert.Zero(t, stat.TotalCount, "class %d", i)
	}
}

func TestAllocAlignment(t *testing.T) {
	a, _ := newTestAllocator(t, 64)

	for _, blockSize := range blockSizes {
		layout, err := mm.NewLayout(blockSize, blockSize)
		require.Nil(t, err)

		addr, aerr := a.Alloc(layout)
		require.Nil(t, aerr)
		assert.Zerof(t, addr%blockSize, "block of size %d not aligned: 0x%x", blockSize, addr)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	layout := layoutForSize(t, 64)
	addr, err := a.Alloc(layout)
	require.Nil(t, err)

	require.Nil(t, a.Free(addr, layout))

	// The freed block must be reusable; LIFO order makes it the very
	// next block handed out.
	again, err := a.Alloc(layout)
	require.Nil(t, err)
	assert.Equal(t, addr, again)
}

func TestAllocDisjointRanges(t *testing.T) {
	a, _ := newTestAllocator(t, 64)

	layout := layoutForSize(t, 128)
	var addrs []uintptr
	for i := 0; i < 300; i++ {
		addr, err := a.Alloc(layout)
		require.Nil(t, err)
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for i := 1; i < len(addrs); i++ {
		require.GreaterOrEqual(t, addrs[i], addrs[i-1]+128, "blocks %d and %d overlap", i-1, i)
	}
}

func TestFreeValidation(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	layout := layoutForSize(t, 64)
	assert.Equal(t, mm.ErrInvalidArgument, a.Free(0, layout))

	huge := layoutForSize(t, 4096)
	assert.Equal(t, mm.ErrUnsupported, a.Free(a.directMapOffset+mm.PageSize, huge))
}

func TestAllocOutOfMemory(t *testing.T) {
	src := newTestPageSource(4)
	src.next = src.limit // exhaust the page source up front
	a := New(src.allocPage, src.base)

	_, err := a.Alloc(layoutForSize(t, 64))
	assert.Equal(t, mm.ErrOutOfMemory, err)
}

func TestFreeMemorySize(t *testing.T) {
	a, _ := newTestAllocator(t, 16)

	layout := layoutForSize(t, 256)
	addr, err := a.Alloc(layout)
	require.Nil(t, err)

	perPage := mm.PageSize / 256
	assert.Equal(t, (perPage-1)*256, a.FreeMemorySize())

	require.Nil(t, a.Free(addr, layout))
	assert.Equal(t, perPage*256, a.FreeMemorySize())
}

func TestConcurrentAllocDistinct(t *testing.T) {
	const (
		workers        = 2
		allocsPerTask  = 10000
		blockSize      = 64
		expectedBlocks = workers * allocsPerTask
	)

	a, _ := newTestAllocator(t, 2048)
	layout := layoutForSize(t, blockSize)

	var wg sync.WaitGroup
	results := make([][]uintptr, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			addrs := make([]uintptr, 0, allocsPerTask)
			for i := 0; i < allocsPerTask; i++ {
				addr, err := a.Alloc(layout)
				if err != nil {
					t.Errorf("[worker %d] alloc %d failed: %v", worker, i, err)
					return
				}
				addrs = append(addrs, addr)
			}
			results[worker] = addrs
		}(worker)
	}
	wg.Wait()

	seen := make(map[uintptr]bool, expectedBlocks)
	for worker := 0; worker < workers; worker++ {
		for _, addr := range results[worker] {
			require.Falsef(t, seen[addr], "address 0x%x handed out twice", addr)
			seen[addr] = true
		}
	}
	require.Len(t, seen, expectedBlocks)
}

func TestConcurrentAllocFreeChurn(t *testing.T) {
	a, _ := newTestAllocator(t, 256)
	layout := layoutForSize(t, 64)

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held := make([]uintptr, 0, 64)
			for i := 0; i < 5000; i++ {
				addr, err := a.Alloc(layout)
				if err != nil {
					t.Errorf("alloc failed: %v", err)
					return
				}
				held = append(held, addr)
				if len(held) == cap(held) {
					for _, h := range held {
						if ferr := a.Free(h, layout); ferr != nil {
							t.Errorf("free failed: %v", ferr)
							return
						}
					}
					held = held[:0]
				}
			}
			for _, h := range held {
				if ferr := a.Free(h, layout); ferr != nil {
					t.Errorf("free failed: %v", ferr)
				}
			}
		}()
	}
	wg.Wait()

	stats := a.Statistics()
	assert.Zero(t, stats[2].UsedCount, "every block must be back on the free list")
}
