// Package bud implements the buddy page allocator: power-of-two page
// runs carved out of a zpf.Zone, split down on allocation and
// coalesced back into larger runs on free. Each zone keeps one free
// list per order, threaded through the frame table by index.
package bud

import (
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

// Flags selects a zone and whether the request may dip below the
// zone's low watermark.
type Flags uint32

const (
	ZoneDMA Flags = 1 << iota
	ZoneNormal
	ZoneHigh
	ZoneMovable
	Atomic
	// NoReclaim fails with NoMemory instead of invoking the Reclaim
	// hook. The VMM fault path sets it because it performs its own
	// eviction under the address-space lock; letting bud re-enter that
	// lock through Reclaim would deadlock.
	NoReclaim
)

func zoneKindFor(flags Flags) zpf.ZoneKind {
	switch {
	case flags&ZoneDMA != 0:
		return zpf.ZoneDMA
	case flags&ZoneHigh != 0:
		return zpf.ZoneHighmem
	case flags&ZoneMovable != 0:
		return zpf.ZoneMovable
	default:
		return zpf.ZoneNormal
	}
}

// Allocator is the buddy allocator over one FrameTable's zones.
type Allocator struct {
	ft *zpf.FrameTable
	// Reclaim, if set, is invoked when a normal (non-atomic) request
	// would otherwise fail below the zone's min watermark. It should
	// attempt to free at least one page and report whether it made
	// progress; internal/dps wires its page-replacement reclaim loop
	// in here to avoid a bud->dps->bud import cycle.
	Reclaim func(z *zpf.Zone) bool
}

// New returns an allocator over ft.
func New(ft *zpf.FrameTable) *Allocator {
	return &Allocator{ft: ft}
}

// buddyIdx returns the buddy frame-table index for idx at order.
func buddyIdx(idx uint32, order int) uint32 {
	return idx ^ (uint32(1) << uint(order))
}

// Alloc returns the first pfn of a run of 2^order pages from the zone
// selected by flags.
func (a *Allocator) Alloc(order int, flags Flags) (uint64, kerr.Err_t) {
	if order < 0 || order > zpf.MaxOrder {
		return 0, kerr.ErrBadOrder
	}
	kind := zoneKindFor(flags)
	z := a.ft.Zones[kind]
	if z == nil {
		return 0, kerr.ErrBadZone
	}

	z.Lock()
	pfn, ok := a.allocLocked(z, order, flags)
	z.Unlock()
	if ok {
		return pfn, kerr.SUCCESS
	}

	atomic := flags&Atomic != 0
	if atomic {
		return 0, kerr.ErrAtomicStarved
	}
	if flags&NoReclaim != 0 {
		return 0, kerr.ErrNoMemory
	}
	if a.Reclaim != nil && a.Reclaim(z) {
		z.Lock()
		pfn, ok = a.allocLocked(z, order, flags)
		z.Unlock()
		if ok {
			return pfn, kerr.SUCCESS
		}
	}
	return 0, kerr.ErrNoMemory
}

// allocLocked must be called with z locked. Atomic requests ignore the
// watermarks and are refused only once the zone has no free pages;
// normal requests stop at min and rely on the caller's reclaim retry. The request is
// satisfied from the smallest sufficient order, splitting down as
// needed.
func (a *Allocator) allocLocked(z *zpf.Zone, order int, flags Flags) (uint64, bool) {
	atomic := flags&Atomic != 0
	if !atomic && z.FreePagesLocked() <= z.WatermarkMin {
		return 0, false
	}
	if atomic && z.FreePagesLocked() == 0 {
		return 0, false
	}

	found := -1
	for k := order; k <= zpf.MaxOrder; k++ {
		if z.FreeListLen(k) > 0 {
			found = k
			break
		}
	}
	if found == -1 {
		return 0, false
	}

	idx := z.FreeListHead(found)
	a.ft.FreeListRemove(z, found, idx)
	z.AdjustFreeLen(found, -1)

	// split the run down to the requested order, re-inserting the
	// upper half of each split at the next-lower order.
	for k := found; k > order; k-- {
		half := uint32(1) << uint(k-1)
		buddy := idx + half
		a.ft.FreeListPush(z, k-1, buddy)
		z.AdjustFreeLen(k-1, 1)
		a.ft.Frame(uint64(buddy)).Order = k - 1
	}

	f := a.ft.Frame(uint64(idx))
	f.State = zpf.StateAllocated
	f.Order = order
	f.RefCount = 1
	f.Dirty = false
	f.Referenced = false
	return uint64(idx), true
}

// Free returns a run of 2^order pages to its zone, coalescing with
// its buddy repeatedly while the buddy is itself free at the same
// order, up to MaxOrder.
func (a *Allocator) Free(pfn uint64, order int) kerr.Err_t {
	if order < 0 || order > zpf.MaxOrder {
		return kerr.ErrBadOrder
	}
	z := a.ft.ZoneOf(pfn)
	idx := uint32(pfn)

	f := a.ft.Frame(pfn)
	if f.State != zpf.StateAllocated {
		panic("bud: double free")
	}

	z.Lock()
	defer z.Unlock()

	f.State = zpf.StateFree
	f.Owner = nil

	mergedOrder := order
	for k := order; k < zpf.MaxOrder; k++ {
		bidx := buddyIdx(idx, k)
		if bidx < uint32(z.Start) || bidx >= uint32(z.End) {
			break
		}
		bf := a.ft.Frame(uint64(bidx))
		if bf.State != zpf.StateFree || bf.Order != k {
			break
		}
		// merge: remove buddy from its free list, advance to the
		// lower-numbered pfn as the coalesced run's head.
		a.ft.FreeListRemove(z, k, bidx)
		z.AdjustFreeLen(k, -1)
		if bidx < idx {
			idx = bidx
		}
		mergedOrder = k + 1
	}

	a.ft.Frame(uint64(idx)).Order = mergedOrder
	a.ft.FreeListPush(z, mergedOrder, idx)
	z.AdjustFreeLen(mergedOrder, 1)
	return kerr.SUCCESS
}
