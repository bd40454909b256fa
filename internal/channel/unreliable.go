package channel

import "time"

// Unreliable implements spec.md §4.2.3: drains its send queue into the
// next outgoing packet and retains no per-message state beyond that
// packet boundary.
type Unreliable struct {
	id  uint8
	cfg UnreliableConfig

	pending []([]byte)
	recv    [][]byte
}

// NewUnreliable returns an Unreliable channel with the given id and config.
func NewUnreliable(id uint8, cfg UnreliableConfig) *Unreliable {
	return &Unreliable{id: id, cfg: cfg}
}

func (u *Unreliable) ID() uint8        { return u.id }
func (u *Unreliable) Variant() Variant { return VariantUnreliable }
func (u *Unreliable) FatalError() error { return nil }
func (u *Unreliable) CanSend() bool     { return true }

// QueueSend enqueues payload for the next outgoing packet. Too-large
// messages are dropped (spec.md §4.2.3 "sender records a warning"),
// reported here as ErrOversizedMessage rather than a fatal channel
// error.
func (u *Unreliable) QueueSend(payload []byte) error {
	if len(payload) > u.cfg.MaxMessageSize {
		return ErrOversizedMessage
	}
	u.pending = append(u.pending, payload)
	return nil
}

// CollectFrame drains as many pending messages as fit in budget,
// dropping (not retaining) any that do not fit this packet.
func (u *Unreliable) CollectFrame(now time.Time, budget int, seq uint16) (ChannelFrame, int, bool) {
	if len(u.pending) == 0 {
		return ChannelFrame{}, 0, false
	}
	var taken [][]byte
	used := 0
	const perMessageOverhead = 2
	i := 0
	for ; i < len(u.pending); i++ {
		cost := perMessageOverhead + len(u.pending[i])
		if used+cost > budget {
			break
		}
		used += cost
		taken = append(taken, u.pending[i])
	}
	// Whatever didn't fit this packet is dropped, per the channel's
	// "no per-message state beyond one packet" invariant.
	u.pending = nil
	if len(taken) == 0 {
		return ChannelFrame{}, 0, false
	}
	payload, err := encodeUnreliableMessages(taken)
	if err != nil {
		return ChannelFrame{}, 0, false
	}
	return ChannelFrame{ID: u.id, Variant: VariantUnreliable, Payload: payload}, used, true
}

// OnPacketAcked is a no-op: unreliable delivery retains no per-packet
// state to free.
func (u *Unreliable) OnPacketAcked(seq uint16) {}

// HandleFrame delivers every message in the frame immediately,
// unordered, with no gap-filling.
func (u *Unreliable) HandleFrame(payload []byte, now time.Time) error {
	msgs, err := decodeUnreliableMessages(payload)
	if err != nil {
		return nil
	}
	u.recv = append(u.recv, msgs...)
	return nil
}

// ReceiveMessage dequeues the next delivered message, in arrival order.
func (u *Unreliable) ReceiveMessage() ([]byte, bool) {
	if len(u.recv) == 0 {
		return nil, false
	}
	m := u.recv[0]
	u.recv = u.recv[1:]
	return m, true
}
