// Package hashtable implements a sharded hash table with a lock-free
// Get, used by the IPC layer for the channel-name registry: many CPUs
// look channels up concurrently on the send-to-channel fast path, and
// only channel create/remove take the per-bucket write lock.
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key     string
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) len() int {
	b.RLock()
	defer b.RUnlock()
	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

// Pair_t is a key/value tuple returned by Elems.
type Pair_t struct {
	Key   string
	Value interface{}
}

func (b *bucket_t) elems() []Pair_t {
	b.RLock()
	defer b.RUnlock()
	p := make([]Pair_t, 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

// Hashtable_t maps string keys (channel/queue names) to arbitrary
// values. It is safe for concurrent use; Get never blocks on a
// concurrent Set/Del to a different key in the same bucket.
type Hashtable_t struct {
	table    []*bucket_t
	maxchain int
}

// MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash(size int) *Hashtable_t {
	if size <= 0 {
		panic("bad hashtable size")
	}
	ht := &Hashtable_t{table: make([]*bucket_t, size), maxchain: 1}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

// String renders the bucket contents, for debugging.
func (ht *Hashtable_t) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first; e != nil; e = loadptr(&e.next) {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += "\n"
		}
	}
	return s
}

// Size returns the total number of elements stored.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Elems returns all key/value pairs currently stored.
func (ht *Hashtable_t) Elems() []Pair_t {
	p := make([]Pair_t, 0)
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// Get looks up key and returns its value.
func (ht *Hashtable_t) Get(key string) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts a key/value pair. It returns false without modifying
// the table if the key already exists.
func (ht *Hashtable_t) Set(key string, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t) {
		if last == nil {
			n := &elem_t{key: key, value: value, keyHash: kh, next: b.first}
			storeptr(&b.first, n)
		} else {
			n := &elem_t{key: key, value: value, keyHash: kh, next: last.next}
			storeptr(&last.next, n)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
		if kh < e.keyHash {
			add(last)
			return value, true
		}
		last = e
	}
	add(last)
	return value, true
}

// Del removes key from the table. It is a no-op if key is absent.
func (ht *Hashtable_t) Del(key string) bool {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return true
		}
		last = e
	}
	return false
}

// Iter applies f to each key/value pair until f returns true.
func (ht *Hashtable_t) Iter(f func(string, interface{}) bool) bool {
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				b.RUnlock()
				return true
			}
		}
		b.RUnlock()
	}
	return false
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem_t)(p)
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func khash(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return 2654435761 * h
}
