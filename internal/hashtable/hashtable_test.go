package hashtable

import (
	"sync"
	"testing"
)

func TestSetGetDel(t *testing.T) {
	ht := MkHash(4)
	if _, ok := ht.Get("foo"); ok {
		t.Fatal("unexpected hit")
	}
	if v, inserted := ht.Set("foo", 1); !inserted || v != 1 {
		t.Fatalf("Set = %v, %v", v, inserted)
	}
	if _, inserted := ht.Set("foo", 2); inserted {
		t.Fatal("should not re-insert existing key")
	}
	v, ok := ht.Get("foo")
	if !ok || v != 1 {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	if !ht.Del("foo") {
		t.Fatal("Del should succeed")
	}
	if _, ok := ht.Get("foo"); ok {
		t.Fatal("still present after Del")
	}
}

func TestConcurrentSetGet(t *testing.T) {
	ht := MkHash(16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ht.Set(string(rune('a'+i%26))+string(rune(i)), i)
		}(i)
	}
	wg.Wait()
	if ht.Size() == 0 {
		t.Fatal("expected entries")
	}
}

func TestIter(t *testing.T) {
	ht := MkHash(4)
	ht.Set("a", 1)
	ht.Set("b", 2)
	seen := map[string]bool{}
	ht.Iter(func(k string, v interface{}) bool {
		seen[k] = true
		return false
	})
	if len(seen) != 2 {
		t.Fatalf("saw %v", seen)
	}
}
