package eavesdrop

import "testing"

func TestSetAddContainsRemove(t *testing.T) {
	s := NewSet()
	if s.Contains(":1.42") {
		t.Fatal("new set should be empty")
	}
	s.Add(":1.42")
	if !s.Contains(":1.42") {
		t.Fatal("expected name to be tracked after Add")
	}
	s.Add(":1.42")
	if s.Len() != 1 {
		t.Fatal("Add must be idempotent")
	}
	if !s.Remove(":1.42") {
		t.Fatal("expected Remove to report a removal occurred")
	}
	if s.Contains(":1.42") {
		t.Fatal("name should no longer be tracked")
	}
	if s.Remove(":1.42") {
		t.Fatal("Remove of an absent name must report false")
	}
}

func TestSetByteExactComparison(t *testing.T) {
	s := NewSet()
	s.Add(":1.42")
	if s.Contains(":1.420") {
		t.Fatal("names must be compared byte-exact, not as a prefix")
	}
}
