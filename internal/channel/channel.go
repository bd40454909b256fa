package channel

import "time"

// Channel is the behavior shared by the Reliable, Unreliable, and Block
// variants, as driven by the RemoteConnection aggregator (spec.md
// §4.2.6). Implementations are single-threaded: every method is only
// ever called from the owning connection's own Update/GetPacketsToSend
// call, per spec.md §5.
type Channel interface {
	ID() uint8
	Variant() Variant

	// QueueSend enqueues payload for delivery. Returns a channel error
	// (never a disconnect) on a full queue or an oversized message.
	QueueSend(payload []byte) error

	// CanSend reports whether QueueSend would currently succeed.
	CanSend() bool

	// CollectFrame asks the channel to emit its contribution to the
	// packet currently being built (tagged with the packet's own
	// sequence number, for resend/ack bookkeeping), consuming no more
	// than budget bytes. Returns ok=false if it has nothing to send.
	CollectFrame(now time.Time, budget int, seq uint16) (frame ChannelFrame, used int, ok bool)

	// OnPacketAcked notifies the channel that the peer has acked the
	// packet that carried seq-tagged frames from this channel.
	OnPacketAcked(seq uint16)

	// HandleFrame processes one incoming ChannelFrame payload.
	HandleFrame(payload []byte, now time.Time) error

	// ReceiveMessage dequeues the next delivered message, in delivery
	// order for this channel.
	ReceiveMessage() ([]byte, bool)

	// FatalError reports a terminal condition (e.g. SendQueueFull) that
	// should promote to a connection-level disconnect.
	FatalError() error
}
