package ncrypto

const ReplayWindowSize = 256

// ReplayWindow is a sliding set of recently seen 64-bit sequence numbers,
// used to reject duplicate or stale encrypted packets. It is grounded on
// the same gap/duplicate-detection idea as a per-connection sequence
// generator, but instead of generating sequences it rejects ones already
// consumed.
//
// Not safe for concurrent use — callers (the session layer) are single
// threaded per spec.
type ReplayWindow struct {
	mostRecent uint64
	received   [ReplayWindowSize]uint64
	set        [ReplayWindowSize]bool
}

// NewReplayWindow returns an empty window that has not yet seen any
// sequence number.
func NewReplayWindow() *ReplayWindow {
	rw := &ReplayWindow{}
	for i := range rw.received {
		rw.received[i] = ^uint64(0)
	}
	return rw
}

// Already reports whether seq falls below the window (stale) or has
// already been recorded (a replay). It does not mutate the window —
// call Record once the packet has otherwise passed validation.
func (rw *ReplayWindow) Already(seq uint64) bool {
	if rw.mostRecent >= ReplayWindowSize && seq+ReplayWindowSize <= rw.mostRecent {
		return true // too old, outside the window
	}
	slot := seq % ReplayWindowSize
	return rw.set[slot] && rw.received[slot] == seq
}

// Record marks seq as seen and advances the window if seq is the new
// high-water mark.
func (rw *ReplayWindow) Record(seq uint64) {
	slot := seq % ReplayWindowSize
	rw.received[slot] = seq
	rw.set[slot] = true
	if seq > rw.mostRecent {
		rw.mostRecent = seq
	}
}
