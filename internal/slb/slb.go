// Package slb implements the slab object allocator: fixed-size
// objects carved out of pages obtained from internal/bud, with a
// per-CPU magazine in front of a shared, locked slab pool. A hosted
// process has no way to ask which CPU it is on, so magazine shards
// are selected by an atomic round-robin counter; that keeps alloc/
// free from contending on a single lock without requiring real CPU
// affinity.
package slb

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/corekernel-os/corekernel/internal/bud"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

const cacheLine = 64

// slabList identifies which of a cache's three slab lists a slab
// belongs to; membership must always match the slab's in-use count.
type slabList int

const (
	listFull slabList = iota
	listPartial
	listEmpty
)

type slab struct {
	pfn      uint64
	capacity int
	inUse    int
	freeHead uint32 // offset within page bytes of first free object; nilOffset = none
	color    int
	start    int // byte offset of object 0, after coloring
	which    slabList

	// ctorDone marks slots whose constructor has already run: the
	// constructor fires once per object lifetime, not on every alloc
	// of a recycled slot.
	ctorDone []bool
}

// slotIndex maps an object's byte offset to its slot number.
func (s *slab) slotIndex(off uint32, objSize int) int {
	return (int(off) - s.start) / objSize
}

const nilOffset = ^uint32(0)

// Cache is a named kind of fixed-size object.
type Cache struct {
	Name     string
	ObjSize  int
	Align    int
	Ctor     func([]byte)
	bd       *bud.Allocator
	ft       *zpf.FrameTable

	mu       sync.Mutex
	full     []*slab
	partial  []*slab
	empty    []*slab
	colorNext int
	colorMax  int
	objPerSlab int

	shardCounter uint64
	magazines    []*magazine
	batchCount   int
	limit        int

	AllocCount counter
	FreeCount  counter
}

// counter is a tiny local counter, kept unexported; tests read it
// through Get.
type counter struct{ n int64 }

func (c *counter) inc()      { atomic.AddInt64(&c.n, 1) }
func (c *counter) Get() int64 { return atomic.LoadInt64(&c.n) }

type magazine struct {
	mu   sync.Mutex
	objs [][]byte
}

const defaultShards = 8
const defaultBatch = 8
const defaultLimit = 16

// Create builds a new cache. size must fit at most half a page.
func Create(name string, size, align int, ctor func([]byte), bd *bud.Allocator, ft *zpf.FrameTable) (*Cache, kerr.Err_t) {
	if size <= 0 || size > zpf.PageSize/2 {
		return nil, kerr.INVALID
	}
	if align <= 0 {
		align = 8
	}
	objSize := roundup(size, align)
	objPerSlab := zpf.PageSize / objSize
	if objPerSlab < 1 {
		return nil, kerr.INVALID
	}
	colorMax := (zpf.PageSize - objPerSlab*objSize) / cacheLine
	if colorMax < 1 {
		colorMax = 1
	}
	c := &Cache{
		Name: name, ObjSize: objSize, Align: align, Ctor: ctor,
		bd: bd, ft: ft,
		objPerSlab: objPerSlab,
		colorMax:   colorMax,
		batchCount: defaultBatch,
		limit:      defaultLimit,
	}
	c.magazines = make([]*magazine, defaultShards)
	for i := range c.magazines {
		c.magazines[i] = &magazine{}
	}
	return c, kerr.SUCCESS
}

func roundup(v, b int) int {
	return ((v + b - 1) / b) * b
}

func (c *Cache) shard() *magazine {
	i := atomic.AddUint64(&c.shardCounter, 1)
	return c.magazines[int(i)%len(c.magazines)]
}

// Alloc pops an object from a per-CPU (shard) magazine, refilling
// from the shared slab lists under the cache lock when the magazine
// is empty.
func (c *Cache) Alloc() ([]byte, kerr.Err_t) {
	m := c.shard()
	m.mu.Lock()
	if len(m.objs) > 0 {
		obj := m.objs[len(m.objs)-1]
		m.objs = m.objs[:len(m.objs)-1]
		m.mu.Unlock()
		c.AllocCount.inc()
		return obj, kerr.SUCCESS
	}
	m.mu.Unlock()

	refilled, err := c.refill(c.batchCount)
	if err != kerr.SUCCESS {
		return nil, err
	}
	m.mu.Lock()
	m.objs = append(m.objs, refilled...)
	if len(m.objs) == 0 {
		m.mu.Unlock()
		return nil, kerr.NOMEM
	}
	obj := m.objs[len(m.objs)-1]
	m.objs = m.objs[:len(m.objs)-1]
	m.mu.Unlock()
	c.AllocCount.inc()
	return obj, kerr.SUCCESS
}

// Free pushes obj back into a per-CPU magazine; when the magazine
// grows past its limit, half its contents drain back to the shared
// slabs.
func (c *Cache) Free(obj []byte) {
	m := c.shard()
	m.mu.Lock()
	m.objs = append(m.objs, obj)
	if len(m.objs) > c.limit {
		drain := m.objs[:c.limit/2]
		m.objs = append([][]byte{}, m.objs[c.limit/2:]...)
		m.mu.Unlock()
		c.drain(drain)
	} else {
		m.mu.Unlock()
	}
	c.FreeCount.inc()
}

// refill obtains up to n fresh objects from partial/empty slabs under
// the cache lock, creating a new slab from bud when none are
// available.
func (c *Cache) refill(n int) ([][]byte, kerr.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for len(out) < n {
		s := c.pickSlabLocked()
		if s == nil {
			pfn, err := c.bd.Alloc(0, bud.ZoneNormal)
			if err != kerr.SUCCESS {
				break
			}
			s = c.newSlabLocked(pfn)
		}
		for len(out) < n && s.inUse < s.capacity {
			off := c.popFreeLocked(s)
			obj := c.ft.PageBytes(s.pfn)[off : off+uint32(c.ObjSize)]
			if c.Ctor != nil {
				if slot := s.slotIndex(off, c.ObjSize); !s.ctorDone[slot] {
					c.Ctor(obj)
					s.ctorDone[slot] = true
				}
			}
			out = append(out, obj)
		}
		c.reclassifyLocked(s)
	}
	return out, kerr.SUCCESS
}

// drain returns freed objects to their owning slabs under the cache
// lock, moving each slab between full/partial/empty as its in-use
// count changes.
func (c *Cache) drain(objs [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range objs {
		s, off := c.ownerOfLocked(obj)
		if s == nil {
			panic("slb: free of object from unknown slab")
		}
		c.pushFreeLocked(s, off)
		c.reclassifyLocked(s)
	}
}

// ownerOfLocked finds the slab whose page backs obj and the object's
// byte offset within it, by checking whether obj's first byte falls
// inside each candidate slab's page. Cache sizes in this kernel are
// small enough that a linear scan over its slabs is cheap; a bigger
// allocator would instead stash the pfn in an object header.
func (c *Cache) ownerOfLocked(obj []byte) (*slab, uint32) {
	objAddr := uintptr(unsafe.Pointer(&obj[0]))
	try := func(list []*slab) (*slab, uint32) {
		for _, s := range list {
			base := c.ft.PageBytes(s.pfn)
			baseAddr := uintptr(unsafe.Pointer(&base[0]))
			if objAddr >= baseAddr && objAddr < baseAddr+zpf.PageSize {
				return s, uint32(objAddr - baseAddr)
			}
		}
		return nil, 0
	}
	if s, off := try(c.full); s != nil {
		return s, off
	}
	if s, off := try(c.partial); s != nil {
		return s, off
	}
	if s, off := try(c.empty); s != nil {
		return s, off
	}
	return nil, 0
}

func (c *Cache) newSlabLocked(pfn uint64) *slab {
	color := c.colorNext * cacheLine
	c.colorNext = (c.colorNext + 1) % c.colorMax
	s := &slab{pfn: pfn, capacity: c.objPerSlab, color: color, which: listEmpty}
	s.ctorDone = make([]bool, s.capacity)
	c.threadFreelistLocked(s)
	c.empty = append(c.empty, s)
	return s
}

// threadFreelistLocked links every object in the slab onto an
// intrusive freelist of byte offsets, writing the "next" pointer into
// the first 4 bytes of each free object.
func (c *Cache) threadFreelistLocked(s *slab) {
	page := c.ft.PageBytes(s.pfn)
	start := s.color
	if start+s.capacity*c.ObjSize > zpf.PageSize {
		start = 0
	}
	s.start = start
	var head uint32 = nilOffset
	for i := s.capacity - 1; i >= 0; i-- {
		off := uint32(start + i*c.ObjSize)
		writeNext(page[off:], head)
		head = off
	}
	s.freeHead = head
}

func writeNext(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func readNext(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (c *Cache) popFreeLocked(s *slab) uint32 {
	off := s.freeHead
	page := c.ft.PageBytes(s.pfn)
	s.freeHead = readNext(page[off:])
	s.inUse++
	return off
}

func (c *Cache) pushFreeLocked(s *slab, off uint32) {
	page := c.ft.PageBytes(s.pfn)
	writeNext(page[off:], s.freeHead)
	s.freeHead = off
	s.inUse--
}

func (c *Cache) pickSlabLocked() *slab {
	if len(c.partial) > 0 {
		return c.partial[len(c.partial)-1]
	}
	if len(c.empty) > 0 {
		return c.empty[len(c.empty)-1]
	}
	return nil
}

// reclassifyLocked moves s between the full/partial/empty lists to
// match its in-use count.
func (c *Cache) reclassifyLocked(s *slab) {
	c.removeFromListLocked(s)
	switch {
	case s.inUse == s.capacity:
		s.which = listFull
		c.full = append(c.full, s)
	case s.inUse == 0:
		s.which = listEmpty
		c.empty = append(c.empty, s)
	default:
		s.which = listPartial
		c.partial = append(c.partial, s)
	}
}

func (c *Cache) removeFromListLocked(s *slab) {
	rm := func(list []*slab) []*slab {
		for i, e := range list {
			if e == s {
				return append(list[:i], list[i+1:]...)
			}
		}
		return list
	}
	switch s.which {
	case listFull:
		c.full = rm(c.full)
	case listPartial:
		c.partial = rm(c.partial)
	case listEmpty:
		c.empty = rm(c.empty)
	}
}

// Flush drains every per-shard magazine back into the shared slab
// pool. Real cache-shrink implementations do this before reclaiming
// pages, since an object sitting in a magazine looks allocated from
// the slab's point of view.
func (c *Cache) Flush() {
	for _, m := range c.magazines {
		m.mu.Lock()
		objs := m.objs
		m.objs = nil
		m.mu.Unlock()
		if len(objs) > 0 {
			c.drain(objs)
		}
	}
}

// Shrink flushes outstanding magazines, then destroys all now-empty
// slabs, returning their pages to bud.
func (c *Cache) Shrink() {
	c.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.empty {
		c.bd.Free(s.pfn, 0)
	}
	c.empty = nil
}

// Stats reports total slabs on each list.
func (c *Cache) Stats() (full, partial, empty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.full), len(c.partial), len(c.empty)
}
