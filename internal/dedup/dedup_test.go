package dedup

import "testing"

func TestSet_Add(t *testing.T) {
	s := NewSet(10)
	if !s.Add("a") {
		t.Error("Add(a) = false on first add, want true")
	}
	if s.Add("a") {
		t.Error("Add(a) = true on second add, want false")
	}
	if !s.Add("b") {
		t.Error("Add(b) = false, want true")
	}
	if got := s.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if !s.Contains("a") || s.Contains("z") {
		t.Error("Contains() reports wrong membership")
	}
}

func TestSet_Bounded(t *testing.T) {
	s := NewSet(2)
	s.Add("a")
	s.Add("b")
	s.Add("c")

	if got := s.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if !s.Contains("c") {
		t.Error("most recent id was evicted")
	}
}

func TestSet_Remove(t *testing.T) {
	s := NewSet(10)
	s.Add("a")
	s.Remove("a")
	s.Remove("missing")

	if s.Contains("a") {
		t.Error("Contains(a) = true after Remove")
	}
	if got := s.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if !s.Add("a") {
		t.Error("Add(a) = false after Remove, want true")
	}
}
