// Package stats provides compile-gated counters used to instrument the
// allocator and paging hot paths without any cost when disabled.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Enabled toggles whether Counter_t/Cycles_t operations have any
// effect. It is a constant so the disabled branch is eliminated
// entirely at compile time.
const Enabled = true

// Counter_t is a monotonically increasing statistic.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cycles_t accumulates elapsed wall-clock nanoseconds for a repeated
// operation. A hosted process has no privileged access to a raw cycle
// counter, so this measures nanoseconds via time.Now() deltas.
type Cycles_t int64

// Add adds the nanoseconds elapsed since start.
func (c *Cycles_t) Add(start time.Time) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(time.Since(start)))
	}
}

// Get returns the accumulated nanoseconds.
func (c *Cycles_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// String renders every Counter_t/Cycles_t field of st into a
// human-readable report, for kernel subsystem dumps.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + "ns: " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
