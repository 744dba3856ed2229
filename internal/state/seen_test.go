package state

import (
	"fmt"
	"testing"
	"time"

	"delta-relay/pkg/types"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint("S1", "ARCUSD", 1, nil)
	if a != Fingerprint("S1", "ARCUSD", 1, nil) {
		t.Error("same inputs should fingerprint identically")
	}
	if a != Fingerprint("S1", "arcusd", 1, nil) {
		t.Error("symbol case should not change the fingerprint")
	}
	if a == Fingerprint("S1", "ARCUSD", 2, nil) {
		t.Error("seq should change the fingerprint")
	}

	legs := []types.TPLeg{{LimitPrice: "2.1", Size: 30}}
	withOrders := Fingerprint("S1", "ARCUSD", 2, legs)
	if withOrders == Fingerprint("S1", "ARCUSD", 2, nil) {
		t.Error("orders payload should change the fingerprint")
	}
	changed := []types.TPLeg{{LimitPrice: "2.2", Size: 30}}
	if withOrders == Fingerprint("S1", "ARCUSD", 2, changed) {
		t.Error("a changed leg should change the fingerprint")
	}
}

func TestAdmitDeduplicates(t *testing.T) {
	t.Parallel()
	s := NewSeen(time.Minute, 300, 200)

	fp := Fingerprint("S1", "ARCUSD", 0, nil)
	if !s.Admit(fp) {
		t.Fatal("first admit should be new")
	}
	if s.Admit(fp) {
		t.Error("second admit inside the TTL should be a duplicate")
	}
}

func TestAdmitExpires(t *testing.T) {
	t.Parallel()
	s := NewSeen(10*time.Millisecond, 300, 200)

	fp := Fingerprint("S1", "ARCUSD", 0, nil)
	s.Admit(fp)
	time.Sleep(20 * time.Millisecond)

	if !s.Admit(fp) {
		t.Error("fingerprint should be fresh again after the TTL")
	}
}

func TestAdmitEvictsPastCap(t *testing.T) {
	t.Parallel()
	s := NewSeen(time.Minute, 5, 3)

	for i := 0; i < 6; i++ {
		s.Admit(fmt.Sprintf("fp-%d", i))
	}

	if n := s.Len(); n != 3 {
		t.Errorf("Len = %d, want trim to 3", n)
	}
	// The newest fingerprints survive; the oldest are gone.
	if s.Admit("fp-5") {
		t.Error("newest fingerprint should still be present")
	}
	if !s.Admit("fp-0") {
		t.Error("oldest fingerprint should have been evicted")
	}
}

func TestSeenSweep(t *testing.T) {
	t.Parallel()
	s := NewSeen(10*time.Millisecond, 300, 200)

	s.Admit("a")
	s.Admit("b")
	time.Sleep(20 * time.Millisecond)
	s.Admit("c")

	if n := s.Sweep(time.Now()); n != 2 {
		t.Errorf("swept %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if got := s.Snapshot(); len(got) != 1 {
		t.Errorf("snapshot = %v", got)
	}
}
