package session

import "testing"

func TestSerialMapTrackResolve(t *testing.T) {
	m := newSerialMap()
	m.track(42, 7)

	original, ok := m.resolve(42)
	if !ok || original != 7 {
		t.Fatalf("expected resolve(42) = (7, true), got (%d, %v)", original, ok)
	}

	if _, ok := m.resolve(42); ok {
		t.Fatal("resolve must forget the mapping after a successful lookup")
	}
}

func TestSerialMapResolveUntrackedIsFalse(t *testing.T) {
	m := newSerialMap()
	if _, ok := m.resolve(99); ok {
		t.Fatal("resolve of a serial never tracked must report false")
	}
}
