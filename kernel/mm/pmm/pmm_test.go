package pmm

import (
	"sync"
	"testing"

	"helios/bootinfo"
	"helios/kernel/mm"
)

func testBootInfo() *bootinfo.BootInfo {
	// One 16MiB usable region at 1MiB plus some reserved and low regions.
	return &bootinfo.BootInfo{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysAddress: 0x0, PageCount: 0x9F, Type: bootinfo.MemUsable},
			{PhysAddress: 0x9F000, PageCount: 1, Type: bootinfo.MemReserved},
			{PhysAddress: 0x100000, PageCount: 0x1000, Type: bootinfo.MemUsable},
			{PhysAddress: 0x2000000, PageCount: 0x100, Type: bootinfo.MemMMIO},
		},
		TotalMemorySize: 0x9F000 + 0x1000 + 0x1000000 + 0x100000,
	}
}

func TestAllocCarvesFromRegionFront(t *testing.T) {
	var alloc Allocator
	alloc.Init(&bootinfo.BootInfo{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysAddress: 0x100000, PageCount: 0x1000, Type: bootinfo.MemUsable},
		},
		TotalMemorySize: 0x1000000,
	})

	layout, err := mm.LayoutForSize(4096)
	if err != nil {
		t.Fatal(err)
	}

	addr, allocErr := alloc.Alloc(layout)
	if allocErr != nil {
		t.Fatal(allocErr)
	}

	if addr < 0x100000 || addr >= 0x101000 {
		t.Fatalf("expected allocation inside [0x100000, 0x101000); got 0x%x", uintptr(addr))
	}

	if exp, got := mm.PhysicalAddress(0x101000), alloc.pairs[0].Base; got != exp {
		t.Errorf("expected free pair base to advance to 0x%x; got 0x%x", uintptr(exp), uintptr(got))
	}

	if exp, got := uintptr(0x1000000-0x1000), alloc.pairs[0].Size; got != exp {
		t.Errorf("expected free pair size to shrink to 0x%x; got 0x%x", exp, got)
	}
}

func TestAllocRoundsUpToPageGranularity(t *testing.T) {
	var alloc Allocator
	alloc.Init(testBootInfo())

	layout, err := mm.LayoutForSize(1)
	if err != nil {
		t.Fatal(err)
	}

	before := alloc.FreeMemorySize()
	if _, allocErr := alloc.Alloc(layout); allocErr != nil {
		t.Fatal(allocErr)
	}

	if exp, got := before-mm.PageSize, alloc.FreeMemorySize(); got != exp {
		t.Errorf("expected free size %d after carving one page; got %d", exp, got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	var alloc Allocator
	alloc.Init(&bootinfo.BootInfo{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysAddress: 0x100000, PageCount: 4, Type: bootinfo.MemUsable},
		},
		TotalMemorySize: 4 * uint64(mm.PageSize),
	})

	layout, _ := mm.LayoutForSize(mm.PageSize)
	seen := make(map[mm.PhysicalAddress]bool)
	for i := 0; i < 4; i++ {
		addr, err := alloc.Alloc(layout)
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("[alloc %d] address 0x%x returned twice", i, uintptr(addr))
		}
		seen[addr] = true
	}

	if _, err := alloc.Alloc(layout); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory once the free pairs are consumed; got %v", err)
	}

	if got := alloc.FreeMemorySize(); got != 0 {
		t.Fatalf("expected free size 0 after exhaustion; got %d", got)
	}
}

func TestAllocSkipsSmallPairs(t *testing.T) {
	var alloc Allocator
	alloc.Init(&bootinfo.BootInfo{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysAddress: 0x100000, PageCount: 1, Type: bootinfo.MemUsable},
			{PhysAddress: 0x200000, PageCount: 16, Type: bootinfo.MemUsable},
		},
		TotalMemorySize: 17 * uint64(mm.PageSize),
	})

	layout, _ := mm.LayoutForSize(4 * mm.PageSize)
	addr, err := alloc.Alloc(layout)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x200000 {
		t.Fatalf("expected allocation from the second pair at 0x200000; got 0x%x", uintptr(addr))
	}
}

func TestReservedMemoryAccounting(t *testing.T) {
	var alloc Allocator
	info := testBootInfo()
	alloc.Init(info)

	free := uintptr(0x9F000 + 0x1000000)
	if exp, got := uintptr(info.TotalMemorySize)-free, alloc.ReservedMemorySize(); got != exp {
		t.Errorf("expected reserved size %d; got %d", exp, got)
	}

	if exp, got := uintptr(info.TotalMemorySize), alloc.TotalMemorySize(); got != exp {
		t.Errorf("expected total size %d; got %d", exp, got)
	}
}

func TestAllocFrame(t *testing.T) {
	var alloc Allocator
	alloc.Init(testBootInfo())

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if got := uintptr(frame.Address()) & (mm.PageSize - 1); got != 0 {
		t.Errorf("expected frame address to be page-aligned; got offset %d", got)
	}
}

func TestAllocLowPage(t *testing.T) {
	var alloc Allocator
	alloc.Init(testBootInfo())

	seen := make(map[uint8]bool)
	for {
		page, err := alloc.AllocLowPage()
		if err != nil {
			break
		}
		if page == 0 {
			t.Fatal("page 0 must never be handed out")
		}
		if page >= lowPageCeiling {
			t.Fatalf("expected page below 0x%x; got 0x%x", lowPageCeiling, page)
		}
		if seen[page] {
			t.Fatalf("page 0x%x returned twice", page)
		}
		seen[page] = true
	}

	// The test boot map marks pages 1..0x9E as usable low memory.
	if exp := 0x9E; len(seen) != exp {
		t.Fatalf("expected %d distinct low pages; got %d", exp, len(seen))
	}
}

func TestAllocLowPageConcurrent(t *testing.T) {
	var alloc Allocator
	alloc.Init(testBootInfo())

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[uint8]int)
	)

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				page, err := alloc.AllocLowPage()
				if err != nil {
					return
				}
				mu.Lock()
				results[page]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for page, count := range results {
		if count != 1 {
			t.Errorf("page 0x%x handed out %d times", page, count)
		}
	}
	if exp := 0x9E; len(results) != exp {
		t.Fatalf("expected %d distinct low pages; got %d", exp, len(results))
	}
}
