// Package vmm implements the per-process virtual memory manager: an
// ordered, disjoint list of regions over an address space, mmap/
// munmap/mprotect/brk, a one-slot last-hit cache, the page-fault
// handler, and copy-on-write fork. One mutex guards the region list
// and the page-table state together; nothing here sleeps while
// holding it except for swap I/O on the fault path.
package vmm

import (
	"sort"
	"sync"

	"github.com/corekernel-os/corekernel/internal/bud"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/stats"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

// Prot is a region's protection bits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Flags selects mapping kind at mmap time.
type Flags uint8

const (
	FlagFixed Flags = 1 << iota
	FlagShared
	FlagGrowsdown
)

// Backing names what a region's pages come from.
type Backing int

const (
	BackingAnon Backing = iota
	BackingFile
)

// PTE is one page-table entry. Kept as a struct rather than a packed
// bitfield for everyday in-memory use; EncodeSwapPTE/DecodeSwapPTE
// below hold the literal bit layout a swapped-out entry round-trips
// through (e.g. for consistency checks against a swap file's slot
// bitmap).
type PTE struct {
	Present  bool
	Writable bool
	User     bool
	COW      bool
	WasCOW   bool
	Dirty    bool
	Accessed bool
	PFN      uint64

	// Swap is set instead of PFN when Present is false and the entry
	// represents a swapped-out page.
	Swap     bool
	SwapFile uint8
	SwapIdx  uint64
}

// EncodeSwapPTE packs a swap-slot reference into its raw 64-bit form:
// bit0=1, bits[11:7]=file index, bits[47:12]=page index.
func EncodeSwapPTE(file uint8, idx uint64) uint64 {
	return uint64(1) | (uint64(file&0x1f) << 7) | ((idx & 0xfffffffff) << 12)
}

// DecodeSwapPTE unpacks a raw PTE word produced by EncodeSwapPTE. ok is
// false if bit0 isn't set (not a swap entry).
func DecodeSwapPTE(raw uint64) (file uint8, idx uint64, ok bool) {
	if raw&1 == 0 {
		return 0, 0, false
	}
	file = uint8((raw >> 7) & 0x1f)
	idx = (raw >> 12) & 0xfffffffff
	return file, idx, true
}

// Region is one contiguous mapping: a VMA.
type Region struct {
	Start, End uint64 // [Start, End), page-aligned
	Prot       Prot
	Flags      Flags
	Backing    Backing
	FileOffset uint64

	// ptes is sparse: only faulted-in pages have an entry.
	ptes map[uint64]*PTE
}

func (r *Region) contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

func (r *Region) pte(addr uint64) *PTE {
	if r.ptes == nil {
		return nil
	}
	return r.ptes[addr&^uint64(PageMask)]
}

func (r *Region) setPTE(addr uint64, p *PTE) {
	if r.ptes == nil {
		r.ptes = make(map[uint64]*PTE)
	}
	r.ptes[addr&^uint64(PageMask)] = p
}

const PageSize = zpf.PageSize
const PageMask = PageSize - 1

// Swapper is the narrow slice of internal/dps.Manager's API the VMM
// needs to perform real swap I/O, accepted as an interface so vmm
// never imports dps. dps does not import vmm either: the Reclaim-hook
// wiring in cmd/kcoreboot hands AddressSpace.EvictPage to
// dps.Manager.Evict.
type Swapper interface {
	WriteOut(pageBytes []byte) (file uint8, idx uint64, err kerr.Err_t)
	ReadIn(file uint8, idx uint64, dst []byte) kerr.Err_t
	FreeSlot(file uint8, idx uint64)
	Track(pfn uint64)
	Untrack(pfn uint64)
	Access(pfn uint64)
	PickVictim() (uint64, bool)
}

func pageRoundDown(v uint64) uint64 { return v &^ uint64(PageMask) }
func pageRoundUp(v uint64) uint64   { return (v + PageMask) &^ uint64(PageMask) }

// Accounting mirrors the address-space-wide counters kept alongside
// the region list.
type Accounting struct {
	TotalVM, DataVM, ExecVM, StackVM uint64
	AnonRSS, FileRSS, ShmemRSS       uint64
}

// FaultStats counts how each kind of fault was resolved, readable at
// any time from any CPU.
type FaultStats struct {
	MinorFaults stats.Counter_t
	MajorFaults stats.Counter_t
	CowCopies   stats.Counter_t
}

// AddressSpace is one process's virtual mappings: an ordered, disjoint
// region list with a one-slot lookup cache, guarded by a single mmap
// lock serializing region mutation and page-table updates together.
type AddressSpace struct {
	mu        sync.Mutex
	regions   []*Region // kept sorted by Start
	lastHit   *Region
	MmapBase  uint64
	Acct      Accounting
	Stats     FaultStats
	bd        *bud.Allocator
	ft        *zpf.FrameTable
	sw        Swapper
	brkBase   uint64
	brk       uint64
	heap      *Region
	dead      bool
	pagingOps uint64 // count of COW page duplications, for test observability
}

// asLimit caps how many address spaces may be live at once. A
// process-wide singleton; each New/Clone takes one slot and Teardown
// gives it back.
var asLimit = limits.NewAtomic(limits.DefaultMaxAddressSpaces)

// SetAddressSpaceLimit replaces the global address-space ceiling, for
// tests that exercise exhaustion with small numbers.
func SetAddressSpaceLimit(l *limits.Atomic) { asLimit = l }

// New returns an empty address space with its mmap region starting at
// mmapBase. It fails with NOMEM once the system-wide address-space
// ceiling is exhausted.
func New(bd *bud.Allocator, ft *zpf.FrameTable, mmapBase uint64) (*AddressSpace, kerr.Err_t) {
	if !asLimit.Take() {
		return nil, kerr.NOMEM
	}
	return &AddressSpace{bd: bd, ft: ft, MmapBase: pageRoundUp(mmapBase)}, kerr.SUCCESS
}

// SetSwapper attaches the demand-paging/swap manager backing this
// address space's major faults and reclaim. Optional: without one,
// pages are never tracked for replacement and swap-in faults fail
// with NotMapped.
func (as *AddressSpace) SetSwapper(sw Swapper) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.sw = sw
}

// FindRegion returns the region containing addr, or nil. Checks the
// one-slot cache first.
func (as *AddressSpace) FindRegion(addr uint64) *Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findRegionLocked(addr)
}

func (as *AddressSpace) findRegionLocked(addr uint64) *Region {
	if as.lastHit != nil && as.lastHit.contains(addr) {
		return as.lastHit
	}
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End > addr })
	if i < len(as.regions) && as.regions[i].contains(addr) {
		as.lastHit = as.regions[i]
		return as.regions[i]
	}
	return nil
}

// overlaps reports whether [start,end) intersects any existing region.
func (as *AddressSpace) overlapsLocked(start, end uint64) bool {
	for _, r := range as.regions {
		if start < r.End && end > r.Start {
			return true
		}
	}
	return false
}

// firstGapLocked finds the lowest address >= from where a run of len
// bytes fits without overlapping any region, for non-FIXED mmap.
func (as *AddressSpace) firstGapLocked(from uint64, length uint64) uint64 {
	cand := from
	for {
		ok := true
		for _, r := range as.regions {
			if cand < r.End && cand+length > r.Start {
				cand = r.End
				ok = false
				break
			}
		}
		if ok {
			return cand
		}
	}
}

// Mmap creates a new mapping. addr is honored exactly when flags has
// FlagFixed; otherwise the first sufficient gap at or above MmapBase
// is chosen.
func (as *AddressSpace) Mmap(addr, length uint64, prot Prot, flags Flags, backing Backing, offset uint64) (uint64, kerr.Err_t) {
	if length == 0 {
		return 0, kerr.ErrOverlap
	}
	if flags&FlagFixed != 0 && addr&PageMask != 0 {
		return 0, kerr.ErrBadAlignment
	}
	length = pageRoundUp(length)

	as.mu.Lock()
	defer as.mu.Unlock()

	var start uint64
	if flags&FlagFixed != 0 {
		if as.overlapsLocked(addr, addr+length) {
			as.unmapLocked(addr, length)
		}
		start = addr
	} else {
		start = as.firstGapLocked(as.MmapBase, length)
	}

	r := &Region{Start: start, End: start + length, Prot: prot, Flags: flags, Backing: backing, FileOffset: offset}
	as.insertLocked(r)
	as.acctInsertLocked(r)
	return start, kerr.SUCCESS
}

func (as *AddressSpace) insertLocked(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= r.Start })
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	as.lastHit = nil
}

func (as *AddressSpace) removeLocked(i int) {
	as.regions = append(as.regions[:i], as.regions[i+1:]...)
	as.lastHit = nil
}

func (as *AddressSpace) acctInsertLocked(r *Region) {
	n := r.End - r.Start
	as.Acct.TotalVM += n
	if r.Prot&ProtExec != 0 {
		as.Acct.ExecVM += n
	} else if r.Flags&FlagGrowsdown != 0 {
		as.Acct.StackVM += n
	} else {
		as.Acct.DataVM += n
	}
}

func (as *AddressSpace) acctRemoveLocked(r *Region, removedBytes uint64) {
	as.Acct.TotalVM -= removedBytes
	if r.Prot&ProtExec != 0 {
		as.Acct.ExecVM -= removedBytes
	} else if r.Flags&FlagGrowsdown != 0 {
		as.Acct.StackVM -= removedBytes
	} else {
		as.Acct.DataVM -= removedBytes
	}
}

// Munmap removes, trims, or splits every region intersecting
// [addr,addr+length).
func (as *AddressSpace) Munmap(addr, length uint64) kerr.Err_t {
	if length == 0 {
		return kerr.ErrOverlap
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapLocked(addr, length)
	return kerr.SUCCESS
}

func (as *AddressSpace) unmapLocked(addr, length uint64) {
	start, end := pageRoundDown(addr), pageRoundUp(addr+length)
	var next []*Region
	for _, r := range as.regions {
		if end <= r.Start || start >= r.End {
			next = append(next, r)
			continue
		}
		overlapStart, overlapEnd := maxU64(start, r.Start), minU64(end, r.End)
		as.acctRemoveLocked(r, overlapEnd-overlapStart)
		as.freePagesInRange(r, overlapStart, overlapEnd)

		switch {
		case overlapStart <= r.Start && overlapEnd >= r.End:
			// fully covered: drop.
		case overlapStart <= r.Start:
			// trim the front off.
			r.Start = overlapEnd
			next = append(next, r)
		case overlapEnd >= r.End:
			// trim the tail off.
			r.End = overlapStart
			next = append(next, r)
		default:
			// split into two; resident pages above the hole move to
			// the tail.
			tail := &Region{Start: overlapEnd, End: r.End, Prot: r.Prot, Flags: r.Flags, Backing: r.Backing, FileOffset: r.FileOffset}
			for a, pte := range r.ptes {
				if a >= overlapEnd {
					tail.setPTE(a, pte)
					delete(r.ptes, a)
				}
			}
			r.End = overlapStart
			next = append(next, r, tail)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Start < next[j].Start })
	as.regions = next
	as.lastHit = nil
}

func (as *AddressSpace) freePagesInRange(r *Region, start, end uint64) {
	for addr := start; addr < end; addr += PageSize {
		pte := r.pte(addr)
		if pte == nil {
			continue
		}
		delete(r.ptes, addr)
		if pte.Swap && as.sw != nil {
			as.sw.FreeSlot(pte.SwapFile, pte.SwapIdx)
			continue
		}
		if !pte.Present {
			continue
		}
		if as.sw != nil {
			as.sw.Untrack(pte.PFN)
		}
		if as.ft.Refdown(pte.PFN) {
			as.bd.Free(pte.PFN, 0)
		}
		as.bumpRSSLocked(r, -1)
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Mprotect rewrites protection over [addr,addr+length), splitting
// regions at the boundary as needed, and downgrades any already-
// mapped PTEs in range.
func (as *AddressSpace) Mprotect(addr, length uint64, prot Prot) kerr.Err_t {
	if addr&PageMask != 0 {
		return kerr.ErrBadAlignment
	}
	start, end := addr, pageRoundUp(addr+length)

	as.mu.Lock()
	defer as.mu.Unlock()

	as.splitAtLocked(start)
	as.splitAtLocked(end)

	for _, r := range as.regions {
		if r.Start >= start && r.End <= end {
			r.Prot = prot
			for _, pte := range r.ptes {
				if pte.Present {
					pte.Writable = prot&ProtWrite != 0
				}
			}
		}
	}
	as.lastHit = nil
	return kerr.SUCCESS
}

// SetBrkBase establishes where the heap starts, normally just past the
// loaded program image. Must be called before the first Brk.
func (as *AddressSpace) SetBrkBase(base uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.brkBase = pageRoundUp(base)
	as.brk = as.brkBase
}

// Brk moves the program break to newBrk, growing or shrinking the heap
// region behind it. newBrk == 0 queries the current break without
// changing it.
func (as *AddressSpace) Brk(newBrk uint64) (uint64, kerr.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if newBrk == 0 {
		return as.brk, kerr.SUCCESS
	}
	if newBrk < as.brkBase {
		return as.brk, kerr.INVALID
	}
	oldEnd, newEnd := pageRoundUp(as.brk), pageRoundUp(newBrk)
	switch {
	case newEnd > oldEnd:
		if as.overlapsLocked(oldEnd, newEnd) {
			return as.brk, kerr.ErrOverlap
		}
		if as.heap == nil {
			as.heap = &Region{Start: oldEnd, End: newEnd, Prot: ProtRead | ProtWrite, Backing: BackingAnon}
			as.insertLocked(as.heap)
			as.acctInsertLocked(as.heap)
		} else {
			as.heap.End = newEnd
			as.Acct.TotalVM += newEnd - oldEnd
			as.Acct.DataVM += newEnd - oldEnd
		}
	case newEnd < oldEnd:
		as.unmapLocked(newEnd, oldEnd-newEnd)
		if as.heap != nil && newEnd <= as.heap.Start {
			as.heap = nil
		}
	}
	as.brk = newBrk
	return as.brk, kerr.SUCCESS
}

// splitAtLocked splits whichever region straddles addr into two, so
// later range operations never need partial-region logic.
func (as *AddressSpace) splitAtLocked(addr uint64) {
	for i, r := range as.regions {
		if addr > r.Start && addr < r.End {
			tail := &Region{Start: addr, End: r.End, Prot: r.Prot, Flags: r.Flags, Backing: r.Backing, FileOffset: r.FileOffset + (addr - r.Start)}
			for a, pte := range r.ptes {
				if a >= addr {
					tail.setPTE(a, pte)
					delete(r.ptes, a)
				}
			}
			r.End = addr
			as.regions = append(as.regions, nil)
			copy(as.regions[i+2:], as.regions[i+1:])
			as.regions[i+1] = tail
			return
		}
	}
}

// Fault resolves a page fault at addr. write/user mirror the trap
// error code's bits; it returns Segv on an unmapped or protection-
// violating access.
func (as *AddressSpace) Fault(addr uint64, write, user bool) kerr.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.findRegionLocked(addr)
	if r == nil {
		return kerr.ErrSegv
	}
	if write && r.Prot&ProtWrite == 0 {
		return kerr.ErrSegv
	}

	pte := r.pte(addr)
	if pte != nil && pte.Present {
		if as.sw != nil {
			as.sw.Access(pte.PFN)
		}
		if write && pte.COW {
			return as.cowDuplicateLocked(r, addr, pte)
		}
		if write {
			pte.Dirty = true
			as.ft.Frame(pte.PFN).Dirty = true
		}
		return kerr.SUCCESS // benign: concurrent fault already resolved it
	}
	if pte != nil && pte.Swap {
		return as.majorFaultLocked(r, addr, pte)
	}
	return as.minorFaultLocked(r, addr, write)
}

// allocFrameLocked obtains one frame for the fault path, evicting this
// address space's own pages under memory pressure. bud's Reclaim hook
// is bypassed because it re-enters the address-space lock already held
// here.
func (as *AddressSpace) allocFrameLocked() (uint64, kerr.Err_t) {
	for {
		pfn, err := as.bd.Alloc(0, bud.ZoneNormal|bud.NoReclaim)
		if err == kerr.SUCCESS {
			return pfn, kerr.SUCCESS
		}
		if err != kerr.ErrNoMemory || as.sw == nil {
			return 0, err
		}
		victim, ok := as.sw.PickVictim()
		if !ok {
			return 0, kerr.ErrNoMemory
		}
		if !as.evictLocked(victim) {
			// not one of ours, or still shared: put it back and give up
			// rather than walking someone else's page tables.
			as.sw.Track(victim)
			return 0, kerr.ErrNoMemory
		}
	}
}

func (as *AddressSpace) minorFaultLocked(r *Region, addr uint64, write bool) kerr.Err_t {
	pfn, err := as.allocFrameLocked()
	if err != kerr.SUCCESS {
		return err
	}
	page := as.ft.PageBytes(pfn)
	for i := range page {
		page[i] = 0
	}
	pte := &PTE{Present: true, User: true, PFN: pfn, Writable: r.Prot&ProtWrite != 0, Dirty: write}
	as.ft.Frame(pfn).Dirty = write
	r.setPTE(addr, pte)
	as.bumpRSSLocked(r, 1)
	if as.sw != nil {
		as.sw.Track(pfn)
	}
	as.Stats.MinorFaults.Inc()
	return kerr.SUCCESS
}

// majorFaultLocked resolves a fault on a PTE holding a swap entry: a
// frame is allocated, the slot's contents are read back into it, and
// the slot is released.
func (as *AddressSpace) majorFaultLocked(r *Region, addr uint64, pte *PTE) kerr.Err_t {
	if as.sw == nil {
		return kerr.ErrNotMapped
	}
	pfn, err := as.allocFrameLocked()
	if err != kerr.SUCCESS {
		return err
	}
	if rerr := as.sw.ReadIn(pte.SwapFile, pte.SwapIdx, as.ft.PageBytes(pfn)); rerr != kerr.SUCCESS {
		as.bd.Free(pfn, 0)
		return rerr
	}
	pte.Present = true
	pte.Swap = false
	pte.PFN = pfn
	pte.Writable = r.Prot&ProtWrite != 0
	// the slot was freed on read-in, so memory now holds the only
	// copy: the page must be written out again if it is ever evicted.
	pte.Dirty = true
	as.ft.Frame(pfn).Dirty = true
	as.bumpRSSLocked(r, 1)
	as.sw.Track(pfn)
	as.Stats.MajorFaults.Inc()
	return kerr.SUCCESS
}

// cowDuplicateLocked resolves a write fault on a COW page: if the
// frame is singly referenced it's simply reclaimed writable in place;
// otherwise the page is copied and the copy is mapped writable, with
// the original's refcount dropped.
func (as *AddressSpace) cowDuplicateLocked(r *Region, addr uint64, pte *PTE) kerr.Err_t {
	f := as.ft.Frame(pte.PFN)
	if f.RefCount == 1 {
		pte.COW = false
		pte.Writable = true
		pte.Dirty = true
		f.Dirty = true
		return kerr.SUCCESS
	}
	newPfn, err := as.allocFrameLocked()
	if err != kerr.SUCCESS {
		return err
	}
	copy(as.ft.PageBytes(newPfn), as.ft.PageBytes(pte.PFN))
	if as.ft.Refdown(pte.PFN) {
		as.bd.Free(pte.PFN, 0)
	}
	pte.PFN = newPfn
	pte.COW = false
	pte.Writable = true
	pte.Dirty = true
	as.ft.Frame(newPfn).Dirty = true
	as.pagingOps++
	as.Stats.CowCopies.Inc()
	return kerr.SUCCESS
}

// bumpRSSLocked adjusts the region's RSS accounting bucket by
// deltaPages pages (negative to shrink).
func (as *AddressSpace) bumpRSSLocked(r *Region, deltaPages int64) {
	n := uint64(deltaPages) * PageSize
	if deltaPages < 0 {
		n = uint64(-deltaPages) * PageSize
	}
	dec := deltaPages < 0
	adjust := func(field *uint64) {
		if dec {
			*field -= n
		} else {
			*field += n
		}
	}
	switch {
	case r.Flags&FlagShared != 0:
		adjust(&as.Acct.ShmemRSS)
	case r.Backing == BackingFile:
		adjust(&as.Acct.FileRSS)
	default:
		adjust(&as.Acct.AnonRSS)
	}
}

// PagingOps returns how many COW page duplications this address space
// has performed, used by tests to check the "exactly one copy" COW
// property.
func (as *AddressSpace) PagingOps() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pagingOps
}

// Clone creates a child address space sharing every writable,
// non-shared region's frames COW: both parent and child PTEs are
// downgraded to read-only+COW, and the frame's refcount is bumped once
// per additional mapping. It fails with NOMEM once the system-wide
// address-space ceiling is exhausted.
func (as *AddressSpace) Clone() (*AddressSpace, kerr.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child, err := New(as.bd, as.ft, as.MmapBase)
	if err != kerr.SUCCESS {
		return nil, err
	}
	child.Acct = as.Acct
	child.brkBase = as.brkBase
	child.brk = as.brk
	for _, r := range as.regions {
		cr := &Region{Start: r.Start, End: r.End, Prot: r.Prot, Flags: r.Flags, Backing: r.Backing, FileOffset: r.FileOffset}
		if r == as.heap {
			child.heap = cr
		}
		shared := r.Flags&FlagShared != 0
		for addr, pte := range r.ptes {
			cp := *pte
			if pte.Present {
				if !shared && r.Prot&ProtWrite != 0 {
					pte.COW = true
					pte.Writable = false
					cp.COW = true
					cp.Writable = false
				}
				// the child maps the frame too, shared or not; its
				// teardown will drop this reference.
				as.ft.Refup(pte.PFN)
			}
			cr.setPTE(addr, &cp)
		}
		child.insertLocked(cr)
	}
	return child, kerr.SUCCESS
}

// Teardown releases every mapped frame's reference and gives the
// address-space ceiling slot back, for process exit. Idempotent.
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.dead {
		return
	}
	as.dead = true
	for _, r := range as.regions {
		for _, pte := range r.ptes {
			if pte.Swap && as.sw != nil {
				as.sw.FreeSlot(pte.SwapFile, pte.SwapIdx)
				continue
			}
			if !pte.Present {
				continue
			}
			if as.sw != nil {
				as.sw.Untrack(pte.PFN)
			}
			if as.ft.Refdown(pte.PFN) {
				as.bd.Free(pte.PFN, 0)
			}
		}
	}
	as.regions = nil
	as.lastHit = nil
	asLimit.Give()
}

// EvictPage reclaims pfn on behalf of a dps.Manager-driven replacement
// pass: it locates the region and virtual address still mapping pfn
// and, if the address space holds the frame's only reference, takes
// the page away — a dirty page is first written to a swap slot and
// its PTE rewritten as a swap entry; a clean page is simply dropped,
// so the next touch zero-fills it again. Shared and still-COW frames
// are skipped: evicting a page another address space also maps would
// require a reverse mapping this kernel doesn't keep. It reports
// whether it reclaimed a page, matching the signature
// dps.Manager.Evict expects.
func (as *AddressSpace) EvictPage(pfn uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.evictLocked(pfn)
}

func (as *AddressSpace) evictLocked(pfn uint64) bool {
	if as.ft.Frame(pfn).RefCount != 1 || as.sw == nil {
		return false
	}
	for _, r := range as.regions {
		for addr, pte := range r.ptes {
			if !pte.Present || pte.PFN != pfn {
				continue
			}
			if pte.Dirty {
				file, idx, err := as.sw.WriteOut(as.ft.PageBytes(pfn))
				if err != kerr.SUCCESS {
					return false
				}
				r.ptes[addr] = &PTE{Swap: true, SwapFile: file, SwapIdx: idx}
			} else {
				delete(r.ptes, addr)
			}
			as.sw.Untrack(pfn)
			as.ft.Refdown(pfn)
			as.bd.Free(pfn, 0)
			as.bumpRSSLocked(r, -1)
			return true
		}
	}
	return false
}

// Regions returns a snapshot of the current region list, sorted by
// start address, for diagnostics and tests.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Region, len(as.regions))
	for i, r := range as.regions {
		out[i] = *r
	}
	return out
}
