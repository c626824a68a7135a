package proc

import (
	"sync"

	"github.com/corekernel-os/corekernel/internal/kerr"
)

// Resource is anything a file descriptor can name: a queue, a channel
// subscription, eventually a real file once a filesystem exists above
// this core. Dup returns an independent reference to the same
// underlying resource rather than sharing the descriptor struct.
type Resource interface {
	Dup() Resource
	Close() kerr.Err_t
}

type fd struct {
	res   Resource
	perms int
}

// FD permission bits.
const (
	FDRead    = 0x1
	FDWrite   = 0x2
	FDCloexec = 0x4
)

// FDTable is one process's open-descriptor table.
type FDTable struct {
	mu      sync.Mutex
	next    int
	entries map[int]*fd
}

// NewFDTable returns an empty descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{entries: make(map[int]*fd)}
}

// Install adds res under a fresh descriptor number and returns it.
func (t *FDTable) Install(res Resource, perms int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.entries[n] = &fd{res: res, perms: perms}
	return n
}

// Get looks up a descriptor.
func (t *FDTable) Get(n int) (Resource, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[n]
	if !ok {
		return nil, 0, false
	}
	return e.res, e.perms, true
}

// Close removes and closes one descriptor.
func (t *FDTable) Close(n int) kerr.Err_t {
	t.mu.Lock()
	e, ok := t.entries[n]
	if !ok {
		t.mu.Unlock()
		return kerr.INVALID
	}
	delete(t.entries, n)
	t.mu.Unlock()
	return e.res.Close()
}

// CloseAll closes every descriptor, for process exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int]*fd)
	t.mu.Unlock()
	for _, e := range entries {
		e.res.Close()
	}
}

// Clone deep-copies the table, calling Dup on every resource so the
// child holds an independent reference while still naming the same
// underlying object.
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &FDTable{next: t.next, entries: make(map[int]*fd, len(t.entries))}
	for n, e := range t.entries {
		nt.entries[n] = &fd{res: e.res.Dup(), perms: e.perms}
	}
	return nt
}
