package metrics

import (
	"testing"
	"time"
)

func TestPacketRingKbps(t *testing.T) {
	var r PacketRing
	if got := r.KilobitsPerSecond(); got != 0 {
		t.Fatalf("empty ring: got %v, want 0", got)
	}

	start := time.Unix(0, 0)
	r.Push(start, 125) // 1000 bits
	if got := r.KilobitsPerSecond(); got != 0 {
		t.Fatalf("single sample (zero-span window): got %v, want 0", got)
	}

	r.Push(start.Add(1000*time.Millisecond), 125)
	got := r.KilobitsPerSecond()
	want := 8.0 * 250 / 1000 // 2 kbps over a 1000ms span
	if got != want {
		t.Fatalf("kbps = %v, want %v", got, want)
	}
}

func TestPacketRingIgnoresZeroSizeEntries(t *testing.T) {
	var r PacketRing
	start := time.Unix(0, 0)
	r.Push(start, 0)
	r.Push(start.Add(time.Second), 0)
	if got := r.KilobitsPerSecond(); got != 0 {
		t.Fatalf("zero-size entries should be ignored: got %v", got)
	}
}

func TestSmootherAlphaOneTracksInstant(t *testing.T) {
	s := NewSmoother(1)
	s.Observe(10)
	if got := s.Value(); got != 10 {
		t.Fatalf("alpha=1 first sample: got %v, want 10", got)
	}
	s.Observe(20)
	if got := s.Value(); got != 20 {
		t.Fatalf("alpha=1 should track instant value: got %v, want 20", got)
	}
}

func TestSmootherAlphaZeroNeverChangesAfterFirstSample(t *testing.T) {
	s := NewSmoother(0)
	s.Observe(5)
	if got := s.Value(); got != 5 {
		t.Fatalf("first sample bypasses the filter: got %v, want 5", got)
	}
	s.Observe(500)
	if got := s.Value(); got != 5 {
		t.Fatalf("alpha=0 must never change after the first sample: got %v, want 5", got)
	}
}

func TestSmootherReTriggersBelowEpsilon(t *testing.T) {
	s := NewSmoother(0.1)
	s.Observe(1)
	// Drive the smoothed value below epsilon via repeated near-zero
	// samples, then confirm the next observation is taken directly
	// rather than blended — the documented edge case (spec.md §9).
	for i := 0; i < 200; i++ {
		s.Observe(0)
		if s.Value() < epsilon {
			break
		}
	}
	if s.Value() >= epsilon {
		t.Fatalf("setup failed: smoothed value never dropped below epsilon")
	}
	s.Observe(42)
	if got := s.Value(); got != 42 {
		t.Fatalf("re-trigger below epsilon should bypass the filter: got %v, want 42", got)
	}
}
