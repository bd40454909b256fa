// Package metrics implements spec.md §4.3: the fixed-size bandwidth
// rings, RTT/packet-loss smoothing, and the ambient Prometheus/gopsutil
// exporters that sit outside the core but observe it.
package metrics

import "time"

// ringSize is the fixed capacity spec.md §3 gives the PacketInfo ring.
const ringSize = 60

type packetSample struct {
	at   time.Time
	size int
	set  bool
}

// PacketRing is a fixed-capacity ring of (timestamp, size) samples used
// to estimate throughput, per spec.md §4.3.
type PacketRing struct {
	samples [ringSize]packetSample
	next    int
}

// Push records one packet observation, overwriting the oldest sample
// once the ring is full.
func (r *PacketRing) Push(at time.Time, size int) {
	r.samples[r.next] = packetSample{at: at, size: size, set: true}
	r.next = (r.next + 1) % ringSize
}

// KilobitsPerSecond computes throughput over the window currently held
// in the ring: 8·Σsize / span_ms, ignoring zero-size entries and
// returning 0 for an empty or zero-span window (spec.md §4.3).
func (r *PacketRing) KilobitsPerSecond() float64 {
	var start, end time.Time
	var bytesSent int
	haveSpan := false
	for _, s := range r.samples {
		if !s.set || s.size == 0 {
			continue
		}
		if start.IsZero() || s.at.Before(start) {
			start = s.at
		}
		if s.at.After(end) {
			end = s.at
		}
		bytesSent += s.size
		haveSpan = true
	}
	if !haveSpan || !end.After(start) {
		return 0
	}
	millis := float64(end.Sub(start)) / float64(time.Millisecond)
	if millis <= 0 {
		return 0
	}
	return float64(bytesSent*8) / millis
}

// Smoother applies the EWMA used for sent_kbps, received_kbps, and rtt
// alike: `smoothed += (instant - smoothed) * alpha`, with a first
// non-zero sample bypassing the filter.
//
// Per spec.md §9's "smoothing edge case", this deliberately re-triggers
// the first-sample bypass whenever the smoothed value drifts back below
// machine epsilon, not only on the very first sample — preserving
// original_source/rechannel/src/network_info.rs's actual behavior
// (`self.sent_kbps == 0.0 || self.sent_kbps < f32::EPSILON`) rather than
// the arguably-intended "first sample only" semantics.
type Smoother struct {
	alpha float64
	value float64
}

// epsilon mirrors Rust's f32::EPSILON; the smoothed values here are
// float64 but the source system's behavior is reproduced using the
// same threshold it used.
const epsilon = 1.1920929e-7

// NewSmoother returns a Smoother with the given alpha in [0, 1].
func NewSmoother(alpha float64) *Smoother {
	return &Smoother{alpha: alpha}
}

// Observe folds one instantaneous sample into the smoothed value and
// returns the updated value.
func (s *Smoother) Observe(instant float64) float64 {
	if s.value == 0 || s.value < epsilon {
		s.value = instant
	} else {
		s.value += (instant - s.value) * s.alpha
	}
	return s.value
}

// Value returns the current smoothed value without observing a new
// sample.
func (s *Smoother) Value() float64 { return s.value }
