package vmm

import (
	"path/filepath"
	"testing"

	"github.com/corekernel-os/corekernel/internal/bud"
	"github.com/corekernel-os/corekernel/internal/dps"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

func fixture() *AddressSpace {
	ft := zpf.Init([]zpf.Region{{Kind: zpf.ZoneNormal, Pages: 1024}})
	bd := bud.New(ft)
	as, _ := New(bd, ft, 0x10000)
	return as
}

func TestMmapThenMunmapRestoresRegionSet(t *testing.T) {
	as := fixture()
	addr, err := as.Mmap(0, 3*PageSize, ProtRead|ProtWrite, 0, BackingAnon, 0)
	if err != kerr.SUCCESS {
		t.Fatalf("Mmap: %v", err)
	}
	if len(as.Regions()) != 1 {
		t.Fatalf("expected 1 region, got %d", len(as.Regions()))
	}
	if err := as.Munmap(addr, 3*PageSize); err != kerr.SUCCESS {
		t.Fatalf("Munmap: %v", err)
	}
	if len(as.Regions()) != 0 {
		t.Fatalf("expected 0 regions after munmap, got %d", len(as.Regions()))
	}
}

func TestMmapZeroLenRejected(t *testing.T) {
	as := fixture()
	if _, err := as.Mmap(0, 0, ProtRead, 0, BackingAnon, 0); err != kerr.ErrOverlap {
		t.Fatalf("Mmap(len=0) = %v, want ErrOverlap", err)
	}
}

func TestMmapFixedUnalignedRejected(t *testing.T) {
	as := fixture()
	if _, err := as.Mmap(0x1001, PageSize, ProtRead, FlagFixed, BackingAnon, 0); err != kerr.ErrBadAlignment {
		t.Fatalf("Mmap(unaligned FIXED) = %v, want ErrBadAlignment", err)
	}
}

func TestFindRegionBoundary(t *testing.T) {
	as := fixture()
	addr, _ := as.Mmap(0, 2*PageSize, ProtRead, FlagFixed, BackingAnon, 0)
	if r := as.FindRegion(addr); r == nil {
		t.Fatal("expected hit at region start")
	}
	if r := as.FindRegion(addr + 2*PageSize); r != nil {
		t.Fatal("addr == region.end must miss")
	}
	if r := as.FindRegion(addr + 2*PageSize - 1); r == nil {
		t.Fatal("last byte of region must hit")
	}
}

func TestMunmapSplitsRegion(t *testing.T) {
	as := fixture()
	addr, _ := as.Mmap(0x20000, 4*PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)
	// unmap the middle two pages, leaving a page at each end.
	if err := as.Munmap(addr+PageSize, 2*PageSize); err != kerr.SUCCESS {
		t.Fatalf("Munmap: %v", err)
	}
	regs := as.Regions()
	if len(regs) != 2 {
		t.Fatalf("expected 2 regions after middle unmap, got %d", len(regs))
	}
	if regs[0].End-regs[0].Start != PageSize || regs[1].End-regs[1].Start != PageSize {
		t.Fatalf("unexpected region sizes: %+v", regs)
	}
}

func TestMinorFaultThenCOWFork(t *testing.T) {
	as := fixture()
	addr, _ := as.Mmap(0x30000, PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)

	if err := as.Fault(addr, true, true); err != kerr.SUCCESS {
		t.Fatalf("minor fault: %v", err)
	}
	page := as.FindRegion(addr).pte(addr)
	pageBytes := as.ft.PageBytes(page.PFN)
	pageBytes[0] = 0xAA

	child, cerr := as.Clone()
	if cerr != kerr.SUCCESS {
		t.Fatalf("Clone: %v", cerr)
	}

	// both sides should now see the COW page with the parent's write.
	childPTE := child.FindRegion(addr).pte(addr)
	if childPTE.PFN != page.PFN {
		t.Fatal("child should share parent's frame before any write")
	}
	if as.ft.PageBytes(childPTE.PFN)[0] != 0xAA {
		t.Fatal("child must see parent's pre-fork write")
	}

	// parent writes again: triggers COW duplication since refcount > 1.
	if err := as.Fault(addr, true, true); err != kerr.SUCCESS {
		t.Fatalf("cow fault: %v", err)
	}
	if as.PagingOps() != 1 {
		t.Fatalf("PagingOps = %d, want exactly 1", as.PagingOps())
	}
	parentPTE := as.FindRegion(addr).pte(addr)
	as.ft.PageBytes(parentPTE.PFN)[0] = 0xBB

	if as.ft.PageBytes(childPTE.PFN)[0] != 0xAA {
		t.Fatal("child's page must be unaffected by parent's post-fork write")
	}
	if as.ft.PageBytes(parentPTE.PFN)[0] != 0xBB {
		t.Fatal("parent must see its own post-fork write")
	}
}

func TestFaultOnUnmappedIsSegv(t *testing.T) {
	as := fixture()
	if err := as.Fault(0xdeadb000, false, true); err != kerr.ErrSegv {
		t.Fatalf("Fault(unmapped) = %v, want ErrSegv", err)
	}
}

func TestFaultWriteToReadOnlyIsSegv(t *testing.T) {
	as := fixture()
	addr, _ := as.Mmap(0x40000, PageSize, ProtRead, FlagFixed, BackingAnon, 0)
	if err := as.Fault(addr, true, true); err != kerr.ErrSegv {
		t.Fatalf("Fault(write, read-only) = %v, want ErrSegv", err)
	}
}

func TestEvictThenMajorFaultRoundTrip(t *testing.T) {
	as := fixture()
	mgr := dps.NewManager()
	if _, err := mgr.AddSwapFile(filepath.Join(t.TempDir(), "swap0"), 10, 16); err != nil {
		t.Fatalf("AddSwapFile: %v", err)
	}
	as.SetSwapper(mgr)

	addr, _ := as.Mmap(0x50000, PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)
	if err := as.Fault(addr, true, true); err != kerr.SUCCESS {
		t.Fatalf("minor fault: %v", err)
	}
	pte := as.FindRegion(addr).pte(addr)
	as.ft.PageBytes(pte.PFN)[0] = 0x77
	pfn := pte.PFN

	if !as.EvictPage(pfn) {
		t.Fatal("EvictPage should have reclaimed the page")
	}
	evicted := as.FindRegion(addr).pte(addr)
	if evicted.Present || !evicted.Swap {
		t.Fatalf("after eviction, pte = %+v, want non-present swap entry", evicted)
	}

	if err := as.Fault(addr, false, true); err != kerr.SUCCESS {
		t.Fatalf("major fault: %v", err)
	}
	refaulted := as.FindRegion(addr).pte(addr)
	if !refaulted.Present {
		t.Fatal("major fault should have made the page present again")
	}
	if as.ft.PageBytes(refaulted.PFN)[0] != 0x77 {
		t.Fatal("major fault must restore the page's swapped-out contents")
	}
}

func TestEvictCleanPageSkipsSwapWrite(t *testing.T) {
	as := fixture()
	mgr := dps.NewManager()
	if _, err := mgr.AddSwapFile(filepath.Join(t.TempDir(), "swap0"), 10, 16); err != nil {
		t.Fatalf("AddSwapFile: %v", err)
	}
	as.SetSwapper(mgr)

	// a read fault maps a zero page that is never written: clean.
	addr, _ := as.Mmap(0x58000, PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)
	if err := as.Fault(addr, false, true); err != kerr.SUCCESS {
		t.Fatalf("minor fault: %v", err)
	}
	pfn := as.FindRegion(addr).pte(addr).PFN

	if !as.EvictPage(pfn) {
		t.Fatal("EvictPage should have reclaimed the clean page")
	}
	if got := mgr.SwapOuts.Get(); got != 0 {
		t.Fatalf("SwapOuts after clean eviction = %d, want 0", got)
	}
	if pte := as.FindRegion(addr).pte(addr); pte != nil {
		t.Fatalf("clean evicted pte = %+v, want dropped entirely", pte)
	}

	// the next touch zero-fills again, no major fault involved.
	if err := as.Fault(addr, false, true); err != kerr.SUCCESS {
		t.Fatalf("refault: %v", err)
	}
	if as.Stats.MajorFaults.Get() != 0 {
		t.Fatal("refault of a clean-evicted page must be a minor fault")
	}
}

func TestBrkGrowAndShrink(t *testing.T) {
	as := fixture()
	as.SetBrkBase(0x60000)

	cur, err := as.Brk(0)
	if err != kerr.SUCCESS || cur != 0x60000 {
		t.Fatalf("Brk(0) = (%#x,%v), want (0x60000,SUCCESS)", cur, err)
	}

	if _, err := as.Brk(0x60000 + 3*PageSize); err != kerr.SUCCESS {
		t.Fatalf("Brk grow: %v", err)
	}
	if r := as.FindRegion(0x60000 + PageSize); r == nil {
		t.Fatal("grown heap must be mapped")
	}
	if err := as.Fault(0x60000+PageSize, true, true); err != kerr.SUCCESS {
		t.Fatalf("fault in heap: %v", err)
	}

	if _, err := as.Brk(0x60000 + PageSize); err != kerr.SUCCESS {
		t.Fatalf("Brk shrink: %v", err)
	}
	if r := as.FindRegion(0x60000 + 2*PageSize); r != nil {
		t.Fatal("shrunk heap pages must be unmapped")
	}

	if _, err := as.Brk(0x50000); err != kerr.INVALID {
		t.Fatalf("Brk below base = %v, want INVALID", err)
	}
}

func TestCloneSharedFramesFreedExactlyOnce(t *testing.T) {
	as := fixture()
	z := as.ft.Zones[zpf.ZoneNormal]
	before := z.FreePages()

	// a read-only region is shared outright on fork, no COW involved.
	addr, _ := as.Mmap(0x70000, PageSize, ProtRead, FlagFixed, BackingAnon, 0)
	if err := as.Fault(addr, false, true); err != kerr.SUCCESS {
		t.Fatalf("minor fault: %v", err)
	}
	child, cerr := as.Clone()
	if cerr != kerr.SUCCESS {
		t.Fatalf("Clone: %v", cerr)
	}
	if as.ft.Frame(as.FindRegion(addr).pte(addr).PFN).RefCount != 2 {
		t.Fatal("shared frame must hold one reference per mapping")
	}

	child.Teardown()
	as.Teardown()
	if z.FreePages() != before {
		t.Fatalf("FreePages after double teardown = %d, want %d", z.FreePages(), before)
	}
}

func TestMunmapAfterFaultThenTeardown(t *testing.T) {
	as := fixture()
	z := as.ft.Zones[zpf.ZoneNormal]
	before := z.FreePages()

	addr, _ := as.Mmap(0x80000, 2*PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)
	if err := as.Fault(addr, true, true); err != kerr.SUCCESS {
		t.Fatalf("fault: %v", err)
	}
	if err := as.Munmap(addr, PageSize); err != kerr.SUCCESS {
		t.Fatalf("Munmap: %v", err)
	}
	as.Teardown() // must not double-free the already-unmapped page
	if z.FreePages() != before {
		t.Fatalf("FreePages = %d, want %d", z.FreePages(), before)
	}
}

func TestSwapPressureRoundTrip(t *testing.T) {
	// 4 frames of usable memory, a 16-page swap file, 8 distinct pages
	// touched: the second half of the touches must push the first half
	// out to swap, and rereads must fault everything back intact.
	ft := zpf.Init([]zpf.Region{{Kind: zpf.ZoneNormal, Pages: 4}})
	bd := bud.New(ft)
	as, _ := New(bd, ft, 0x10000)
	mgr := dps.NewManager()
	if _, err := mgr.AddSwapFile(filepath.Join(t.TempDir(), "swap0"), 10, 16); err != nil {
		t.Fatalf("AddSwapFile: %v", err)
	}
	as.SetSwapper(mgr)

	const npages = 8
	addr, err := as.Mmap(0x100000, npages*PageSize, ProtRead|ProtWrite, FlagFixed, BackingAnon, 0)
	if err != kerr.SUCCESS {
		t.Fatalf("Mmap: %v", err)
	}
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*PageSize
		if err := as.Fault(va, true, true); err != kerr.SUCCESS {
			t.Fatalf("fault page %d: %v", i, err)
		}
		pte := as.FindRegion(va).pte(va)
		as.ft.PageBytes(pte.PFN)[0] = byte(0x40 + i)
	}
	if got := mgr.SwapOuts.Get(); got != 4 {
		t.Fatalf("SwapOuts after touching 8 pages on 4 frames = %d, want 4", got)
	}

	majorsBefore := as.Stats.MajorFaults.Get()
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*PageSize
		pte := as.FindRegion(va).pte(va)
		if !pte.Present {
			if err := as.Fault(va, false, true); err != kerr.SUCCESS {
				t.Fatalf("refault page %d: %v", i, err)
			}
			pte = as.FindRegion(va).pte(va)
		}
		if got := as.ft.PageBytes(pte.PFN)[0]; got != byte(0x40+i) {
			t.Fatalf("page %d reread = %#x, want %#x", i, got, 0x40+i)
		}
	}
	if as.Stats.MajorFaults.Get() == majorsBefore {
		t.Fatal("rereads should have taken at least one major fault")
	}
}

func TestNewFailsPastAddressSpaceLimit(t *testing.T) {
	SetAddressSpaceLimit(limits.NewAtomic(1))
	t.Cleanup(func() { SetAddressSpaceLimit(limits.NewAtomic(limits.DefaultMaxAddressSpaces)) })

	ft := zpf.Init([]zpf.Region{{Kind: zpf.ZoneNormal, Pages: 64}})
	bd := bud.New(ft)
	as, err := New(bd, ft, 0x10000)
	if err != kerr.SUCCESS {
		t.Fatalf("first New under limit: %v", err)
	}
	if _, err := New(bd, ft, 0x10000); err != kerr.NOMEM {
		t.Fatalf("New past limit = %v, want NOMEM", err)
	}
	if _, err := as.Clone(); err != kerr.NOMEM {
		t.Fatalf("Clone past limit = %v, want NOMEM", err)
	}
	as.Teardown()
	if _, err := New(bd, ft, 0x10000); err != kerr.SUCCESS {
		t.Fatalf("New after Teardown gave the slot back = %v, want SUCCESS", err)
	}
}

func TestEncodeDecodeSwapPTE(t *testing.T) {
	raw := EncodeSwapPTE(17, 123456)
	file, idx, ok := DecodeSwapPTE(raw)
	if !ok || file != 17 || idx != 123456 {
		t.Fatalf("round trip = (%d,%d,%v), want (17,123456,true)", file, idx, ok)
	}
	if raw&1 != 1 {
		t.Fatal("bit0 must be set on a swap entry")
	}
}
