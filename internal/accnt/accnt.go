// Package accnt accumulates per-task CPU-time accounting, the data
// backing the rusage-shaped status a parent reads back from waitpid.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corekernel-os/corekernel/internal/util"
)

// Accnt_t accumulates user and system nanoseconds consumed by one
// task. The embedded mutex lets Fetch take a consistent snapshot while
// Utadd/Systadd keep running lock-free on the scheduling hot path.
type Accnt_t struct {
	UserNs int64
	SysNs  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.UserNs, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.SysNs, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Finish adds the time elapsed since since to system time, finalizing
// accounting for work done with interrupts disabled.
func (a *Accnt_t) Finish(since int64) {
	a.Systadd(a.Now() - since)
}

// Add merges another accounting record into this one (used when a
// zombie's usage is folded into its parent on reap).
func (a *Accnt_t) Add(n *Accnt_t) {
	n.mu.Lock()
	du, ds := n.UserNs, n.SysNs
	n.mu.Unlock()

	a.mu.Lock()
	a.UserNs += du
	a.SysNs += ds
	a.mu.Unlock()
}

// Rusage is a snapshot of accumulated usage in the {sec,usec} pairs a
// waitpid-style rusage structure uses.
type Rusage struct {
	UserSec, UserUsec int64
	SysSec, SysUsec   int64
}

// Fetch returns a consistent snapshot of the accounting record.
func (a *Accnt_t) Fetch() Rusage {
	a.mu.Lock()
	u, s := a.UserNs, a.SysNs
	a.mu.Unlock()
	return toRusage(u, s)
}

func toRusage(userNs, sysNs int64) Rusage {
	totv := func(nano int64) (int64, int64) {
		return nano / 1e9, (nano % 1e9) / 1000
	}
	var r Rusage
	r.UserSec, r.UserUsec = totv(userNs)
	r.SysSec, r.SysUsec = totv(sysNs)
	return r
}

// ToBytes encodes a Rusage as four little-endian 64-bit words
// (user-sec, user-usec, sys-sec, sys-usec), the wire shape copied to
// user space by waitpid.
func (r Rusage) ToBytes() []byte {
	buf := make([]byte, 4*8)
	util.Writen(buf, 8, 0, int(r.UserSec))
	util.Writen(buf, 8, 8, int(r.UserUsec))
	util.Writen(buf, 8, 16, int(r.SysSec))
	util.Writen(buf, 8, 24, int(r.SysUsec))
	return buf
}
