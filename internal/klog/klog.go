// Package klog is the kernel's diagnostic log: a small ring buffer of
// recent messages (so a panic handler can dump recent history) plus a
// rate limiter that suppresses a warning once it has already fired
// for the same message, preventing a tight retry loop from flooding
// the log.
package klog

import (
	"fmt"
	"sync"
	"time"
)

// Record is one log entry.
type Record struct {
	When time.Time
	Sev  Severity
	Msg  string
}

// Severity classifies a log record.
type Severity int

const (
	Info Severity = iota
	Warn
	Crit
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Crit:
		return "CRIT"
	default:
		return "?"
	}
}

// Ring is a fixed-capacity, overwrite-oldest log buffer. head and tail
// are monotonically increasing counts, applied modulo capacity only on
// access.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	head int // next write position (monotonic)
	tail int // oldest retained position (monotonic)
	cap  int
}

// NewRing allocates a ring that retains at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("bad ring capacity")
	}
	return &Ring{buf: make([]Record, capacity), cap: capacity}
}

// Full reports whether the ring holds capacity records, so the next
// Push evicts the oldest one.
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head-r.tail == r.cap
}

// Push appends a record, evicting the oldest one if the ring is full.
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.head % r.cap
	r.buf[idx] = rec
	r.head++
	if r.head-r.tail > r.cap {
		r.tail = r.head - r.cap
	}
}

// Drain returns all retained records, oldest first, without clearing
// the ring.
func (r *Ring) Drain() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.head - r.tail
	out := make([]Record, 0, n)
	for i := r.tail; i < r.head; i++ {
		out = append(out, r.buf[i%r.cap])
	}
	return out
}

// Kernel is the process-wide log sink: a ring plus a sink func (stdout
// by default, swappable for tests).
type Kernel struct {
	ring *Ring
	sink func(string)
	dc   *DistinctLimiter
}

// New constructs a Kernel log with the given ring capacity.
func New(capacity int) *Kernel {
	return &Kernel{
		ring: NewRing(capacity),
		sink: func(s string) { fmt.Print(s) },
		dc:   NewDistinctLimiter(),
	}
}

// SetSink overrides where formatted records are printed (tests use
// this to capture output instead of writing to stdout).
func (k *Kernel) SetSink(f func(string)) {
	k.sink = f
}

// Logf records and prints a message at the given severity.
func (k *Kernel) Logf(sev Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	k.ring.Push(Record{When: time.Now(), Sev: sev, Msg: msg})
	k.sink(fmt.Sprintf("[%s] %s\n", sev, msg))
}

// Ring exposes the underlying ring for dumping on panic.
func (k *Kernel) Ring() *Ring { return k.ring }

// WarnOnce logs a Warn-severity message only the first time this
// exact message is seen, suppressing subsequent repeats. It returns
// true if the message was actually emitted.
func (k *Kernel) WarnOnce(msg string) bool {
	if !k.dc.Distinct(msg) {
		return false
	}
	k.Logf(Warn, "%s", msg)
	return true
}

// DistinctLimiter tracks which message strings have already fired, so
// a warning is emitted only the first time each distinct message is
// seen.
type DistinctLimiter struct {
	mu  sync.Mutex
	did map[string]bool
}

// NewDistinctLimiter returns an empty limiter.
func NewDistinctLimiter() *DistinctLimiter {
	return &DistinctLimiter{did: make(map[string]bool)}
}

// Distinct reports whether msg has not been seen before, and records
// it as seen.
func (dc *DistinctLimiter) Distinct(msg string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.did[msg] {
		return false
	}
	dc.did[msg] = true
	return true
}

// Len reports how many distinct messages have been recorded.
func (dc *DistinctLimiter) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.did)
}
