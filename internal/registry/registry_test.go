package registry

import "testing"

func TestScopeRestoresModifiedValue(t *testing.T) {
	backend := NewMapBackend()
	backend.Set("a", "original")

	s := Open(backend)
	defer s.Close()

	if err := s.Set("a", "modified"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if v, _, _ := backend.Get("a"); v != "modified" {
		t.Fatalf("backend value = %q, want modified", v)
	}

	s.Restore()

	v, exists, _ := backend.Get("a")
	if !exists || v != "original" {
		t.Errorf("after Restore(): value = %q, exists = %v, want original/true", v, exists)
	}
}

func TestScopeRestoresNewKeyAsDeleted(t *testing.T) {
	backend := NewMapBackend()

	s := Open(backend)
	defer s.Close()

	if err := s.Set("new-key", "value"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	s.Restore()

	if _, exists, _ := backend.Get("new-key"); exists {
		t.Error("expected new-key to be deleted after Restore(), but it still exists")
	}
}

func TestScopeOnlyRemembersFirstTouch(t *testing.T) {
	backend := NewMapBackend()
	backend.Set("a", "original")

	s := Open(backend)
	defer s.Close()

	s.Set("a", "first-change")
	s.Set("a", "second-change")
	s.Restore()

	v, _, _ := backend.Get("a")
	if v != "original" {
		t.Errorf("value after Restore() = %q, want original", v)
	}
}

func TestScopeDeleteReportsExistence(t *testing.T) {
	backend := NewMapBackend()
	backend.Set("present", "x")

	s := Open(backend)
	defer s.Close()

	existed, err := s.Delete("present")
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if !existed {
		t.Error("Delete() on a present key reported existed = false")
	}

	existed, err = s.Delete("absent")
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if existed {
		t.Error("Delete() on an absent key reported existed = true")
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	backend := NewMapBackend()
	s := Open(backend)
	defer s.Close()

	s.Set("a", "x")
	s.Restore()
	s.Restore()

	if _, exists, _ := backend.Get("a"); exists {
		t.Error("expected key to remain deleted after a second Restore()")
	}
}
