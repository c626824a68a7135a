package bud

import (
	"testing"

	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

func smallAlloc() (*Allocator, *zpf.FrameTable) {
	ft := zpf.Init([]zpf.Region{{Kind: zpf.ZoneNormal, Pages: 64}})
	return New(ft), ft
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, ft := smallAlloc()
	z := ft.Zones[zpf.ZoneNormal]
	before := z.FreePages()

	pfn, err := a.Alloc(0, ZoneNormal)
	if err != kerr.SUCCESS {
		t.Fatalf("Alloc: %v", err)
	}
	if ft.Frame(pfn).State != zpf.StateAllocated {
		t.Fatal("frame not marked allocated")
	}
	if err := a.Free(pfn, 0); err != kerr.SUCCESS {
		t.Fatalf("Free: %v", err)
	}
	if z.FreePages() != before {
		t.Fatalf("FreePages after round trip = %d, want %d", z.FreePages(), before)
	}
}

func TestAllocSplitsLargerOrder(t *testing.T) {
	a, ft := smallAlloc()
	z := ft.Zones[zpf.ZoneNormal]

	pfn, err := a.Alloc(2, ZoneNormal) // 4 pages
	if err != kerr.SUCCESS {
		t.Fatalf("Alloc: %v", err)
	}
	if pfn%4 != 0 {
		t.Fatalf("run not aligned: pfn=%d", pfn)
	}
	// splitting order 6 (64 pages) down to order 2 should have left
	// buddies at orders 2,3,4,5 on their respective free lists.
	for k := 2; k <= 5; k++ {
		if z.FreeListLen(k) == 0 {
			t.Fatalf("expected a free run at order %d after split", k)
		}
	}
}

func TestFreeCoalescesBuddies(t *testing.T) {
	a, ft := smallAlloc()
	z := ft.Zones[zpf.ZoneNormal]

	p0, _ := a.Alloc(0, ZoneNormal)
	p1, _ := a.Alloc(0, ZoneNormal)
	// the allocator hands out the lowest available pfn first, so the
	// first two single-page allocations are buddies (pfn 0 and 1).
	if p0^1 != p1 {
		t.Fatalf("expected p0,p1 to be buddies, got %d,%d", p0, p1)
	}
	a.Free(p0, 0)
	a.Free(p1, 0)
	if z.FreeListLen(0) != 0 {
		t.Fatalf("order-0 list should be empty after coalescing, got %d", z.FreeListLen(0))
	}
	// the merged order-1 run keeps coalescing with the buddies split off
	// by the first Alloc until the zone is one order-6 run again.
	if z.FreeListLen(6) != 1 {
		t.Fatalf("expected one coalesced order-6 run, got %d", z.FreeListLen(6))
	}
}

func TestBadOrder(t *testing.T) {
	a, _ := smallAlloc()
	if _, err := a.Alloc(zpf.MaxOrder+1, ZoneNormal); err != kerr.ErrBadOrder {
		t.Fatalf("Alloc(MaxOrder+1) = %v, want BadOrder", err)
	}
}

func TestNoMemory(t *testing.T) {
	a, ft := smallAlloc()
	z := ft.Zones[zpf.ZoneNormal]
	// drain the zone down near its min watermark by allocating large runs.
	var got []uint64
	for {
		pfn, err := a.Alloc(5, ZoneNormal) // 32 pages
		if err != kerr.SUCCESS {
			break
		}
		got = append(got, pfn)
	}
	if z.FreePages() > z.WatermarkMin {
		t.Fatalf("should have stopped near watermark, free=%d min=%d", z.FreePages(), z.WatermarkMin)
	}
	if _, err := a.Alloc(5, ZoneNormal); err != kerr.ErrNoMemory {
		t.Fatalf("Alloc at exhaustion = %v, want NoMemory", err)
	}
	if _, err := a.Alloc(5, ZoneNormal|Atomic); err != kerr.SUCCESS && err != kerr.ErrAtomicStarved {
		t.Fatalf("unexpected atomic result: %v", err)
	}
}
