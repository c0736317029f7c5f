package cache

import "testing"

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLRU[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a present")
	}
	c.Add("c", 3) // evicts b (a was touched)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatalf("c: got %v %v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("len: got %d", c.Len())
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("purge: got %d", c.Len())
	}
}

func TestNopNeverStores(t *testing.T) {
	var c Cache[string, int] = Nop[string, int]{}
	c.Add("a", 1)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("nop cache returned a value")
	}
}
