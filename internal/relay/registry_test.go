package relay

import "testing"

func TestRegistryAddReplacesAndReturnsPrevious(t *testing.T) {
	r := newRegistry()
	a := &Connection{fd: 5, id: "a"}
	b := &Connection{fd: 5, id: "b"}

	if prev := r.Add(a); prev != nil {
		t.Fatalf("expected no previous occupant, got %v", prev)
	}
	prev := r.Add(b)
	if prev != a {
		t.Fatal("Add should return the connection previously occupying the same fd")
	}
	got, ok := r.Get(5)
	if !ok || got != b {
		t.Fatal("Get should return the most recently added connection for a reused fd")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := newRegistry()
	r.Add(&Connection{fd: 1})
	r.Remove(1)
	r.Remove(1) // must not panic
	if _, ok := r.Get(1); ok {
		t.Fatal("Get should report absence after Remove")
	}
}

func TestRegistryZeroFDIsAValidKey(t *testing.T) {
	// Go maps distinguish a present zero value from absence, so fd 0
	// needs no bias, unlike the original's pointer-keyed map.
	r := newRegistry()
	r.Add(&Connection{fd: 0, id: "zero"})
	c, ok := r.Get(0)
	if !ok || c.id != "zero" {
		t.Fatal("fd 0 should be usable as a registry key")
	}
}
