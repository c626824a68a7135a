// Package dps implements demand paging and swap: replacement-list
// bookkeeping (active/inactive, LRU/Clock/FIFO victim selection),
// swap-file-backed slot allocation, and the pressure thresholds that
// decide how aggressively to reclaim.
//
// Swap I/O talks to raw file descriptors through golang.org/x/sys/unix
// (unix.Open + unix.Pread/Pwrite at page-aligned offsets) rather than
// a buffered os.File: a swap device is a block range, not a stream,
// and every transfer is exactly one page.
package dps

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/stats"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

// Policy selects how PickVictim chooses among tracked pages.
type Policy int

const (
	PolicyLRU Policy = iota
	PolicyClock
	PolicyFIFO
	// PolicyRandom is accepted but selects victims the same way LRU
	// does; true random selection buys nothing over LRU here and
	// would make eviction tests nondeterministic.
	PolicyRandom
)

// trackedPage is one frame under replacement control.
type trackedPage struct {
	pfn        uint64
	accessTime time.Time
	referenced bool
	inactive   bool
}

// SwapFile is one backing store for swapped-out pages, with a bitmap
// tracking which of its slots are occupied.
type SwapFile struct {
	fd       int
	priority int
	npages   int
	bitmap   []byte
	mu       sync.Mutex
}

func (f *SwapFile) testBit(i int) bool { return f.bitmap[i/8]&(1<<uint(i%8)) != 0 }
func (f *SwapFile) setBit(i int)       { f.bitmap[i/8] |= 1 << uint(i%8) }
func (f *SwapFile) clearBit(i int)     { f.bitmap[i/8] &^= 1 << uint(i%8) }

// Manager owns the swap files and the active/inactive replacement
// lists for one kernel instance.
type Manager struct {
	mu    sync.Mutex
	files []*SwapFile

	policy            Policy
	active, inactive  []trackedPage
	byPFN             map[uint64]int // pfn -> index into active, or -(index+1) into inactive
	clockHand         int

	HighThreshold float64 // aggressive reclaim below this free fraction
	LowThreshold  float64 // gentle reclaim below this free fraction

	// slotLimit caps occupied swap slots across all files: one slot is
	// taken per write-out and given back when the slot is read in or
	// explicitly freed.
	slotLimit *limits.Atomic

	SwapOuts stats.Counter_t
	SwapIns  stats.Counter_t
}

const (
	DefaultHighThreshold = 0.05
	DefaultLowThreshold  = 0.10
	AggressiveBudget     = 16
	GentleBudget         = 4
)

// NewManager returns a Manager with the default pressure thresholds
// and an LRU policy.
func NewManager() *Manager {
	return &Manager{
		byPFN:         make(map[uint64]int),
		policy:        PolicyLRU,
		HighThreshold: DefaultHighThreshold,
		LowThreshold:  DefaultLowThreshold,
		slotLimit:     limits.NewAtomic(limits.DefaultMaxSwapSlots),
	}
}

// SetSlotLimit replaces the occupied-swap-slot ceiling, for tests that
// exercise exhaustion with small numbers.
func (m *Manager) SetSlotLimit(l *limits.Atomic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slotLimit = l
}

// SetPolicy selects the victim-selection policy. PolicyClock's hand
// persists across calls.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// AddSwapFile opens (creating if necessary) a backing file of the
// given size in pages and registers it at the given priority (higher
// picked first).
func (m *Manager) AddSwapFile(path string, priority, pages int) (*SwapFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(pages)*zpf.PageSize); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sf := &SwapFile{fd: fd, priority: priority, npages: pages, bitmap: make([]byte, (pages+7)/8)}
	m.mu.Lock()
	m.files = append(m.files, sf)
	m.mu.Unlock()
	return sf, nil
}

// Track adds pfn to the active replacement list.
func (m *Manager) Track(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append(m.active, trackedPage{pfn: pfn, accessTime: time.Now(), referenced: true})
	m.byPFN[pfn] = len(m.active) - 1
}

// Untrack removes pfn from replacement control, e.g. on munmap/free.
func (m *Manager) Untrack(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(pfn)
}

func (m *Manager) removeLocked(pfn uint64) {
	enc, ok := m.byPFN[pfn]
	if !ok {
		return
	}
	if enc >= 0 {
		m.active = removeAt(m.active, enc)
		m.reindexLocked()
	} else {
		idx := -enc - 1
		m.inactive = removeAt(m.inactive, idx)
		m.reindexLocked()
	}
	delete(m.byPFN, pfn)
}

func removeAt(s []trackedPage, i int) []trackedPage {
	return append(s[:i], s[i+1:]...)
}

// reindexLocked rebuilds byPFN after a slice mutation; tracked-list
// sizes in this kernel are small enough that this is cheap.
func (m *Manager) reindexLocked() {
	for i, p := range m.active {
		m.byPFN[p.pfn] = i
	}
	for i, p := range m.inactive {
		m.byPFN[p.pfn] = -(i + 1)
	}
}

// Access records a reference to pfn, used by LRU (refresh accessTime)
// and Clock (set the referenced bit).
func (m *Manager) Access(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc, ok := m.byPFN[pfn]
	if !ok {
		return
	}
	if enc >= 0 {
		m.active[enc].accessTime = time.Now()
		m.active[enc].referenced = true
	} else {
		idx := -enc - 1
		m.inactive[idx].accessTime = time.Now()
		m.inactive[idx].referenced = true
	}
}

// PickVictim removes and returns a victim pfn per the configured
// policy: LRU prefers inactive's oldest access time, falling
// back to active; Clock walks the combined list clearing referenced
// bits until it finds one already clear; FIFO takes inactive's head.
func (m *Manager) PickVictim() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.policy {
	case PolicyFIFO:
		return m.pickFIFOLocked()
	case PolicyClock:
		return m.pickClockLocked()
	default:
		return m.pickLRULocked()
	}
}

func (m *Manager) pickLRULocked() (uint64, bool) {
	if v, ok := m.oldestLocked(m.inactive); ok {
		m.removeLocked(v)
		return v, true
	}
	if v, ok := m.oldestLocked(m.active); ok {
		m.removeLocked(v)
		return v, true
	}
	return 0, false
}

func (m *Manager) oldestLocked(list []trackedPage) (uint64, bool) {
	if len(list) == 0 {
		return 0, false
	}
	best := list[0]
	for _, p := range list[1:] {
		if p.accessTime.Before(best.accessTime) {
			best = p
		}
	}
	return best.pfn, true
}

func (m *Manager) pickFIFOLocked() (uint64, bool) {
	if len(m.inactive) == 0 {
		return 0, false
	}
	v := m.inactive[0].pfn
	m.removeLocked(v)
	return v, true
}

func (m *Manager) pickClockLocked() (uint64, bool) {
	combined := append(append([]trackedPage{}, m.inactive...), m.active...)
	n := len(combined)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < 2*n; i++ {
		p := combined[m.clockHand%n]
		if p.referenced {
			p.referenced = false
			combined[m.clockHand%n] = p
			m.setReferencedLocked(p.pfn, false)
			m.clockHand++
			continue
		}
		m.clockHand++
		m.removeLocked(p.pfn)
		return p.pfn, true
	}
	return 0, false
}

func (m *Manager) setReferencedLocked(pfn uint64, v bool) {
	enc, ok := m.byPFN[pfn]
	if !ok {
		return
	}
	if enc >= 0 {
		m.active[enc].referenced = v
	} else {
		m.inactive[-enc-1].referenced = v
	}
}

// Demote moves pfn from the active list to the inactive list,
// becoming a reclaim candidate.
func (m *Manager) Demote(pfn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc, ok := m.byPFN[pfn]
	if !ok || enc < 0 {
		return
	}
	p := m.active[enc]
	m.active = removeAt(m.active, enc)
	p.inactive = true
	m.inactive = append(m.inactive, p)
	m.reindexLocked()
}

// WriteOut allocates a slot on the highest-priority swap file with
// room and writes pageBytes into it, returning the encoded location.
func (m *Manager) WriteOut(pageBytes []byte) (file uint8, idx uint64, err kerr.Err_t) {
	if !m.slotLimit.Take() {
		return 0, 0, kerr.ErrSwapFull
	}
	m.mu.Lock()
	sf, slot := m.allocSlotLocked()
	m.mu.Unlock()
	if sf == nil {
		m.slotLimit.Give()
		return 0, 0, kerr.ErrSwapFull
	}
	if _, werr := unix.Pwrite(sf.fd, pageBytes, int64(slot)*zpf.PageSize); werr != nil {
		sf.mu.Lock()
		sf.clearBit(slot)
		sf.mu.Unlock()
		m.slotLimit.Give()
		return 0, 0, kerr.ErrIoError
	}
	m.SwapOuts.Inc()
	return uint8(m.fileIndex(sf)), uint64(slot), kerr.SUCCESS
}

func (m *Manager) fileIndex(target *SwapFile) int {
	for i, f := range m.files {
		if f == target {
			return i
		}
	}
	return -1
}

func (m *Manager) allocSlotLocked() (*SwapFile, int) {
	var best *SwapFile
	for _, f := range m.files {
		if best == nil || f.priority > best.priority {
			f.mu.Lock()
			hasRoom := false
			for i := 0; i < f.npages; i++ {
				if !f.testBit(i) {
					hasRoom = true
					break
				}
			}
			f.mu.Unlock()
			if hasRoom {
				best = f
			}
		}
	}
	if best == nil {
		return nil, 0
	}
	best.mu.Lock()
	defer best.mu.Unlock()
	for i := 0; i < best.npages; i++ {
		if !best.testBit(i) {
			best.setBit(i)
			return best, i
		}
	}
	return nil, 0
}

// ReadIn reads the slot (file,idx) into dst and frees the slot.
func (m *Manager) ReadIn(file uint8, idx uint64, dst []byte) kerr.Err_t {
	m.mu.Lock()
	if int(file) >= len(m.files) {
		m.mu.Unlock()
		return kerr.ErrCorruptedSwap
	}
	sf := m.files[file]
	m.mu.Unlock()

	sf.mu.Lock()
	if int(idx) >= sf.npages || !sf.testBit(int(idx)) {
		sf.mu.Unlock()
		return kerr.ErrCorruptedSwap
	}
	sf.mu.Unlock()

	if _, err := unix.Pread(sf.fd, dst, int64(idx)*zpf.PageSize); err != nil {
		return kerr.ErrIoError
	}
	sf.mu.Lock()
	sf.clearBit(int(idx))
	sf.mu.Unlock()
	m.slotLimit.Give()
	m.SwapIns.Inc()
	return kerr.SUCCESS
}

// FreeSlot releases a slot without reading it (used when a swapped
// page's region is unmapped before it's ever faulted back in).
func (m *Manager) FreeSlot(file uint8, idx uint64) {
	m.mu.Lock()
	if int(file) >= len(m.files) {
		m.mu.Unlock()
		return
	}
	sf := m.files[file]
	m.mu.Unlock()
	freed := false
	sf.mu.Lock()
	if int(idx) < sf.npages && sf.testBit(int(idx)) {
		sf.clearBit(int(idx))
		freed = true
	}
	sf.mu.Unlock()
	if freed {
		m.slotLimit.Give()
	}
}

// PressureLevel classifies how urgently z needs reclaim.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureGentle
	PressureAggressive
)

// Pressure reports z's reclaim urgency and the page budget to reclaim
// this pass.
func (m *Manager) Pressure(z *zpf.Zone) (PressureLevel, int) {
	total := z.Total()
	if total == 0 {
		return PressureNone, 0
	}
	frac := float64(z.FreePages()) / float64(total)
	switch {
	case frac <= m.HighThreshold:
		return PressureAggressive, AggressiveBudget
	case frac <= m.LowThreshold:
		return PressureGentle, GentleBudget
	default:
		return PressureNone, 0
	}
}

// Evict picks one victim and hands it to evictFn, which must write the
// frame out (if dirty) and rewrite its owner's page table, returning
// whether it made progress. This is the shape internal/bud's
// Allocator.Reclaim hook expects; the caller (e.g. cmd/kcoreboot's
// boot harness, which knows about every live address space) closes
// over its address spaces to implement evictFn.
func (m *Manager) Evict(evictFn func(pfn uint64) bool) bool {
	pfn, ok := m.PickVictim()
	if !ok {
		return false
	}
	if !evictFn(pfn) {
		// the owner refused (shared frame, write-out failure): put the
		// page back under replacement control so it isn't lost.
		m.Track(pfn)
		return false
	}
	return true
}
