package klog

import (
	"strings"
	"testing"
)

func TestRingEviction(t *testing.T) {
	r := NewRing(2)
	r.Push(Record{Msg: "a"})
	r.Push(Record{Msg: "b"})
	r.Push(Record{Msg: "c"})
	got := r.Drain()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Msg != "b" || got[1].Msg != "c" {
		t.Fatalf("got %+v", got)
	}
	if !r.Full() {
		t.Fatal("want full")
	}
}

func TestKernelLogfAndSink(t *testing.T) {
	var out strings.Builder
	k := New(8)
	k.SetSink(func(s string) { out.WriteString(s) })
	k.Logf(Crit, "page %d corrupt", 7)
	if !strings.Contains(out.String(), "page 7 corrupt") {
		t.Fatalf("sink missing message: %q", out.String())
	}
	if len(k.Ring().Drain()) != 1 {
		t.Fatal("expected one ring record")
	}
}

func TestWarnOnce(t *testing.T) {
	var count int
	k := New(8)
	k.SetSink(func(string) { count++ })
	for i := 0; i < 5; i++ {
		k.WarnOnce("reclaim found no victim")
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	k.WarnOnce("a different warning")
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
