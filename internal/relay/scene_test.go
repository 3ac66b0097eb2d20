package relay

import "testing"

func TestSceneRegistryGetOrCreate(t *testing.T) {
	r := newSceneRegistry()
	s1 := r.getOrCreate("http://example/a", "A", 1)
	s2 := r.getOrCreate("http://example/a", "A", 2)
	if s1 != s2 {
		t.Fatal("getOrCreate must return the same scene for the same URL")
	}
	if len(s1.members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(s1.members))
	}

	byID, ok := r.findByID(s1.id)
	if !ok || byID != s1 {
		t.Fatal("scene should be findable by its assigned id")
	}
}

func TestSceneRegistryLeaveDestroysEmptyScene(t *testing.T) {
	r := newSceneRegistry()
	s := r.getOrCreate("http://example/a", "A", 1)
	r.leave(s, 1)

	if _, ok := r.findByURL("http://example/a"); ok {
		t.Fatal("an empty scene should be removed from the URL map")
	}
	if _, ok := r.findByID(s.id); ok {
		t.Fatal("an empty scene should be removed from the ID map")
	}
}

func TestSceneIDsStartAt0x20000(t *testing.T) {
	r := newSceneRegistry()
	s := r.getOrCreate("http://example/a", "A", 1)
	if s.id != "00020000" {
		t.Fatalf("scene id = %s, want 00020000", s.id)
	}
}

func TestRequestIDsStartAt0x10000(t *testing.T) {
	c := newRequestIDCounter()
	if got := c.next8(); got != "00010000" {
		t.Fatalf("first request id = %s, want 00010000", got)
	}
	if got := c.next8(); got != "00010001" {
		t.Fatalf("second request id = %s, want 00010001", got)
	}
}
