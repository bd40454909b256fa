package channel

import "time"

type reliableOutMsg struct {
	id       uint16
	payload  []byte
	everSent bool
	sentAt   time.Time
}

// Reliable implements spec.md §4.2.2: FIFO, at-most-once delivery,
// retransmitting unacked messages until they are acked or the send
// queue overflows.
type Reliable struct {
	id  uint8
	cfg ReliableConfig

	nextMessageID uint16
	sendQueue     []reliableOutMsg
	packetToIDs   map[uint16][]uint16

	nextExpectedID uint16
	recvBuf        map[uint16][]byte

	fatalErr error
}

// NewReliable returns a Reliable channel with the given id and config.
func NewReliable(id uint8, cfg ReliableConfig) *Reliable {
	return &Reliable{
		id:          id,
		cfg:         cfg,
		packetToIDs: make(map[uint16][]uint16),
		recvBuf:     make(map[uint16][]byte),
	}
}

func (r *Reliable) ID() uint8        { return r.id }
func (r *Reliable) Variant() Variant { return VariantReliable }
func (r *Reliable) FatalError() error { return r.fatalErr }

// QueueSend enqueues payload with a strictly monotonic message id
// (spec.md §3 MessageBuffer invariant).
func (r *Reliable) QueueSend(payload []byte) error {
	if len(payload) > r.cfg.MaxMessageSize {
		return ErrOversizedMessage
	}
	if len(r.sendQueue) >= r.cfg.SendQueueSize {
		r.fatalErr = ErrSendQueueFull
		return ErrSendQueueFull
	}
	id := r.nextMessageID
	r.nextMessageID++
	r.sendQueue = append(r.sendQueue, reliableOutMsg{id: id, payload: payload})
	return nil
}

// CanSend reports whether the send queue has room for one more message.
func (r *Reliable) CanSend() bool {
	return len(r.sendQueue) < r.cfg.SendQueueSize
}

// CollectFrame gathers never-sent or stale-unacked messages, in
// ascending id order, up to budget bytes (spec.md §4.2.2
// get_packets_to_send steps 1–3).
func (r *Reliable) CollectFrame(now time.Time, budget int, seq uint16) (ChannelFrame, int, bool) {
	if len(r.sendQueue) == 0 {
		return ChannelFrame{}, 0, false
	}
	var pending []reliableOutMsg
	used := 0
	const perMessageOverhead = 2 + 2 // message id + Bytes16 length prefix
	for i := range r.sendQueue {
		m := &r.sendQueue[i]
		if m.everSent && now.Sub(m.sentAt) < r.cfg.ResendTime {
			continue
		}
		cost := perMessageOverhead + len(m.payload)
		if used+cost > budget {
			break
		}
		used += cost
		pending = append(pending, *m)
		m.everSent = true
		m.sentAt = now
	}
	if len(pending) == 0 {
		return ChannelFrame{}, 0, false
	}
	payload, err := encodeReliableMessages(pending)
	if err != nil {
		return ChannelFrame{}, 0, false
	}
	ids := make([]uint16, len(pending))
	for i, m := range pending {
		ids[i] = m.id
	}
	r.packetToIDs[seq] = ids
	return ChannelFrame{ID: r.id, Variant: VariantReliable, Payload: payload}, used, true
}

// OnPacketAcked frees every message the acked packet carried.
func (r *Reliable) OnPacketAcked(seq uint16) {
	ids, ok := r.packetToIDs[seq]
	if !ok {
		return
	}
	delete(r.packetToIDs, seq)
	for _, id := range ids {
		for i := range r.sendQueue {
			if r.sendQueue[i].id == id {
				r.sendQueue = append(r.sendQueue[:i], r.sendQueue[i+1:]...)
				break
			}
		}
	}
}

// HandleFrame decodes incoming reliable messages into the receive
// window, dropping anything already delivered.
func (r *Reliable) HandleFrame(payload []byte, now time.Time) error {
	msgs, err := decodeReliableMessages(payload)
	if err != nil {
		return nil // malformed frame: drop silently, per spec.md §7
	}
	for _, m := range msgs {
		if m.id < r.nextExpectedID {
			continue
		}
		if _, dup := r.recvBuf[m.id]; dup {
			continue
		}
		if len(r.recvBuf) >= r.cfg.SendQueueSize {
			r.fatalErr = ErrReceiveQueueFull
			return ErrReceiveQueueFull
		}
		r.recvBuf[m.id] = m.payload
	}
	return nil
}

// ReceiveMessage returns the next in-order message, blocking (by
// returning ok=false) until any gap before it is filled.
func (r *Reliable) ReceiveMessage() ([]byte, bool) {
	payload, ok := r.recvBuf[r.nextExpectedID]
	if !ok {
		return nil, false
	}
	delete(r.recvBuf, r.nextExpectedID)
	r.nextExpectedID++
	return payload, true
}
