package channel

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/metrics"
	"github.com/packetloop/netcode/internal/session"
)

type sentEntry struct {
	seq    uint16
	set    bool
	acked  bool
	sentAt time.Time
	size   int
}

type recvEntry struct {
	seq uint16
	set bool
}

// RemoteConnection owns all channels and ack bookkeeping for one peer,
// per spec.md §4.2.6.
type RemoteConnection struct {
	cfg    Config
	logger zerolog.Logger

	channels    []Channel
	channelByID map[uint8]Channel

	nextSeq uint16
	sentBuf []sentEntry

	recvBuf        []recvEntry
	recvHighest    uint16
	haveRecv       bool

	reassembler *Reassembler
	estimator   *metrics.Estimator

	lastReceived time.Time
	haveLastRecv bool

	fatalErr error
}

// NewRemoteConnection builds a RemoteConnection from cfg, constructing
// one Channel implementation per entry in cfg.Channels.
func NewRemoteConnection(cfg Config, logger zerolog.Logger) *RemoteConnection {
	rc := &RemoteConnection{
		cfg:         cfg,
		logger:      logger.With().Str("component", "channel.connection").Logger(),
		channelByID: make(map[uint8]Channel, len(cfg.Channels)),
		sentBuf:     make([]sentEntry, cfg.SentPacketsBufferSize),
		recvBuf:     make([]recvEntry, cfg.ReceivedPacketsBufferSize),
		reassembler: NewReassembler(cfg.Fragment.ReassemblyBufferSize),
		estimator:   metrics.NewEstimator(cfg.MeasureSmoothingFactor),
	}
	for _, cc := range cfg.Channels {
		var ch Channel
		switch cc.Variant {
		case VariantReliable:
			ch = NewReliable(cc.ID, cc.Reliable)
		case VariantUnreliable:
			ch = NewUnreliable(cc.ID, cc.Unreliable)
		case VariantBlock:
			ch = NewBlock(cc.ID, cc.Block)
		default:
			continue
		}
		rc.channels = append(rc.channels, ch)
		rc.channelByID[cc.ID] = ch
	}
	return rc
}

func seqLess(a, b uint16) bool { return int16(a-b) < 0 }

// Update advances timers, drops the connection if it has gone quiet
// longer than KeepAliveTimeout or any channel reports a fatal error,
// and refreshes the bandwidth/RTT estimators (spec.md §4.2.6 update(dt)).
func (rc *RemoteConnection) Update(now time.Time) error {
	if rc.fatalErr != nil {
		return rc.fatalErr
	}
	if rc.haveLastRecv && now.Sub(rc.lastReceived) > rc.cfg.KeepAliveTimeout {
		rc.fatalErr = fmt.Errorf("channel: keep-alive timeout")
		return rc.fatalErr
	}
	for _, ch := range rc.channels {
		if err := ch.FatalError(); err != nil {
			rc.fatalErr = err
			return err
		}
	}
	rc.estimator.Update()
	return nil
}

// FatalError reports the connection's terminal condition, if any. The
// caller (the owning session/server) is responsible for mapping it to a
// DisconnectReason via channel.DisconnectReasonFor and tearing down.
func (rc *RemoteConnection) FatalError() error { return rc.fatalErr }

// DisconnectReasonFor maps a fatal error returned from Update/FatalError
// to the closed disconnect-reason enum.
func DisconnectReasonFor(err error) session.DisconnectReason { return promote(err) }

func (rc *RemoteConnection) receivedSet(seq uint16) bool {
	e := rc.recvBuf[seq%uint16(len(rc.recvBuf))]
	return e.set && e.seq == seq
}

func (rc *RemoteConnection) markReceived(seq uint16) {
	rc.recvBuf[seq%uint16(len(rc.recvBuf))] = recvEntry{seq: seq, set: true}
}

func (rc *RemoteConnection) computeAckBitfield() uint32 {
	if !rc.haveRecv {
		return 0
	}
	var bits uint32
	for i := uint16(0); i < 32; i++ {
		s := rc.recvHighest - 1 - i
		if rc.receivedSet(s) {
			bits |= 1 << i
		}
	}
	return bits
}

// GetPacketsToSend builds the outgoing channel-layer datagrams for this
// tick: one packet sequence, each channel's contribution in id order up
// to the packet budget, stamped with the latest ack/bitfield, and
// fragmented if the result exceeds FragmentAbove (spec.md §4.2.6
// get_packets_to_send). A tick with no channel data yields an ack-only
// packet at most once per HeartbeatTime.
func (rc *RemoteConnection) GetPacketsToSend(now time.Time) ([][]byte, error) {
	const headerOverhead = 64
	budget := rc.cfg.MaxPacketSize - headerOverhead
	if budget <= 0 {
		budget = rc.cfg.MaxPacketSize
	}

	seq := rc.nextSeq
	rc.nextSeq++

	var frames []ChannelFrame
	used := 0
	for _, ch := range rc.channels {
		frame, n, ok := ch.CollectFrame(now, budget-used, seq)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		used += n
	}
	if len(frames) == 0 {
		// With no channel data, still send an ack-only packet once
		// HeartbeatTime has passed since the previous packet, so the peer
		// learns what arrived; with nothing received there is nothing to ack.
		prev := rc.sentBuf[(seq-1)%uint16(len(rc.sentBuf))]
		sentRecently := prev.set && prev.seq == seq-1 && now.Sub(prev.sentAt) < rc.cfg.HeartbeatTime
		if !rc.haveRecv || sentRecently {
			rc.nextSeq-- // nothing to send this tick; don't burn a sequence number
			return nil, nil
		}
	}

	pf := &PacketFrame{
		Sequence: seq,
		Ack:      uint32(rc.recvHighest),
		AckBits:  rc.computeAckBitfield(),
		Channels: frames,
	}
	raw, err := pf.Encode()
	if err != nil {
		return nil, err
	}

	rc.sentBuf[seq%uint16(len(rc.sentBuf))] = sentEntry{seq: seq, set: true, sentAt: now, size: len(raw)}
	rc.estimator.RecordSent(now, len(raw))

	if len(raw) > rc.cfg.Fragment.FragmentAbove {
		return splitFragments(seq, raw, rc.cfg.Fragment.FragmentSize)
	}
	return [][]byte{wrapWhole(raw)}, nil
}

// HandleIncomingDatagram processes one channel-layer datagram (the
// decrypted payload of a session Payload packet), which may be a whole
// packet or one fragment of one.
func (rc *RemoteConnection) HandleIncomingDatagram(data []byte, now time.Time) error {
	whole, reassembled, complete, err := parseIncoming(data, rc.reassembler, now)
	if err != nil {
		rc.logger.Debug().Err(err).Msg("dropping malformed datagram")
		return nil
	}
	if !complete {
		return nil
	}
	raw := whole
	if raw == nil {
		raw = reassembled
	}

	frame, err := DecodePacketFrame(raw)
	if err != nil {
		rc.logger.Debug().Err(err).Msg("dropping malformed packet frame")
		return nil
	}

	if rc.receivedSet(frame.Sequence) {
		return nil // duplicate whole packet, already processed
	}
	rc.markReceived(frame.Sequence)
	if !rc.haveRecv || seqLess(rc.recvHighest, frame.Sequence) {
		rc.recvHighest = frame.Sequence
		rc.haveRecv = true
	}
	rc.estimator.RecordReceived(now, len(raw))
	rc.lastReceived = now
	rc.haveLastRecv = true

	rc.processAck(frame.Ack, frame.AckBits, now)

	for _, cf := range frame.Channels {
		ch, ok := rc.channelByID[cf.ID]
		if !ok {
			rc.fatalErr = ErrUnknownChannel
			return ErrUnknownChannel
		}
		if cf.Variant != ch.Variant() {
			rc.fatalErr = ErrUnknownChannel
			return ErrUnknownChannel
		}
		if err := ch.HandleFrame(cf.Payload, now); err != nil {
			rc.fatalErr = err
			return err
		}
	}
	return nil
}

// processAck marks sent packets acked by the peer, feeds RTT samples,
// notifies channels, and updates the smoothed packet-loss estimate.
func (rc *RemoteConnection) processAck(ack uint32, bits uint32, now time.Time) {
	ackSeq := uint16(ack)
	acked := []uint16{ackSeq}
	for i := uint16(0); i < 32; i++ {
		if bits&(1<<i) != 0 {
			acked = append(acked, ackSeq-1-i)
		}
	}
	for _, s := range acked {
		e := &rc.sentBuf[s%uint16(len(rc.sentBuf))]
		if !e.set || e.seq != s || e.acked {
			continue
		}
		e.acked = true
		rc.estimator.RecordRTT(now.Sub(e.sentAt))
		for _, ch := range rc.channels {
			ch.OnPacketAcked(s)
		}
	}

	threshold := ackSeq - 32
	var lost, total int
	for _, e := range rc.sentBuf {
		if !e.set {
			continue
		}
		if seqLess(e.seq, threshold) {
			total++
			if !e.acked {
				lost++
			}
		}
	}
	if total > 0 {
		rc.estimator.RecordPacketLoss(float64(lost) / float64(total))
	}
}

// SendMessage enqueues payload on the given channel.
func (rc *RemoteConnection) SendMessage(channelID uint8, payload []byte) error {
	ch, ok := rc.channelByID[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	return ch.QueueSend(payload)
}

// ReceiveMessage dequeues the next delivered message on the given
// channel.
func (rc *RemoteConnection) ReceiveMessage(channelID uint8) ([]byte, bool) {
	ch, ok := rc.channelByID[channelID]
	if !ok {
		return nil, false
	}
	return ch.ReceiveMessage()
}

// CanSendMessage reports whether the given channel currently has room
// to accept another QueueSend.
func (rc *RemoteConnection) CanSendMessage(channelID uint8) bool {
	ch, ok := rc.channelByID[channelID]
	if !ok {
		return false
	}
	return ch.CanSend()
}

// NetworkInfo returns the connection's current RTT/bandwidth/packet-loss
// snapshot (spec.md §6 `network_info`).
func (rc *RemoteConnection) NetworkInfo() metrics.NetworkInfo {
	return rc.estimator.Snapshot()
}
