package channel

import (
	"fmt"

	"github.com/packetloop/netcode/internal/wire"
)

// ChannelFrame is one channel's contribution to a packet: its id, a
// variant discriminator (validated against the locally configured
// channel, catching a misconfigured peer), and the variant-specific
// payload.
type ChannelFrame struct {
	ID      uint8
	Variant Variant
	Payload []byte
}

// PacketFrame is the per-connection frame spec.md §4.2.1 describes:
// a 16-bit packet sequence, a 32-bit ack + 32-bit ack-bitfield (covering
// the 32 packets preceding ack), and the channel frames it carries.
type PacketFrame struct {
	Sequence uint16
	Ack      uint32
	AckBits  uint32
	Channels []ChannelFrame
}

// Encode serializes a PacketFrame, the decrypted payload of a session
// Payload packet.
func (f *PacketFrame) Encode() ([]byte, error) {
	w := wire.NewWriter(16)
	w.U16(f.Sequence)
	w.U32(f.Ack)
	w.U32(f.AckBits)
	w.U8(uint8(len(f.Channels)))
	for _, cf := range f.Channels {
		w.U8(cf.ID)
		w.U8(uint8(cf.Variant))
		if err := w.Bytes16(cf.Payload); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// DecodePacketFrame parses bytes produced by Encode.
func DecodePacketFrame(data []byte) (*PacketFrame, error) {
	r := wire.NewReader(data)
	seq, err := r.U16()
	if err != nil {
		return nil, fmt.Errorf("channel: short packet frame: %w", err)
	}
	ack, err := r.U32()
	if err != nil {
		return nil, err
	}
	ackBits, err := r.U32()
	if err != nil {
		return nil, err
	}
	count, err := r.U8()
	if err != nil {
		return nil, err
	}
	f := &PacketFrame{Sequence: seq, Ack: ack, AckBits: ackBits}
	for i := uint8(0); i < count; i++ {
		id, err := r.U8()
		if err != nil {
			return nil, err
		}
		variant, err := r.U8()
		if err != nil {
			return nil, err
		}
		payload, err := r.Bytes16()
		if err != nil {
			return nil, err
		}
		f.Channels = append(f.Channels, ChannelFrame{ID: id, Variant: Variant(variant), Payload: payload})
	}
	return f, nil
}

// --- reliable channel wire payload: a list of (message_id, message) ---

func encodeReliableMessages(msgs []reliableOutMsg) ([]byte, error) {
	w := wire.NewWriter(32)
	w.U16(uint16(len(msgs)))
	for _, m := range msgs {
		w.U16(m.id)
		if err := w.Bytes16(m.payload); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

type decodedReliableMsg struct {
	id      uint16
	payload []byte
}

func decodeReliableMessages(data []byte) ([]decodedReliableMsg, error) {
	r := wire.NewReader(data)
	count, err := r.U16()
	if err != nil {
		return nil, err
	}
	out := make([]decodedReliableMsg, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := r.U16()
		if err != nil {
			return nil, err
		}
		payload, err := r.Bytes16()
		if err != nil {
			return nil, err
		}
		out = append(out, decodedReliableMsg{id: id, payload: payload})
	}
	return out, nil
}

// --- unreliable channel wire payload: a list of messages, no ids ---

func encodeUnreliableMessages(msgs [][]byte) ([]byte, error) {
	w := wire.NewWriter(32)
	w.U16(uint16(len(msgs)))
	for _, m := range msgs {
		if err := w.Bytes16(m); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func decodeUnreliableMessages(data []byte) ([][]byte, error) {
	r := wire.NewReader(data)
	count, err := r.U16()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		payload, err := r.Bytes16()
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// --- block channel wire payload: a list of slices ---

type blockSlice struct {
	blockID    uint16
	sliceCount uint16
	sliceIndex uint16
	data       []byte
}

func encodeBlockSlices(slices []blockSlice) ([]byte, error) {
	w := wire.NewWriter(32)
	w.U16(uint16(len(slices)))
	for _, s := range slices {
		w.U16(s.blockID)
		w.U16(s.sliceCount)
		w.U16(s.sliceIndex)
		if err := w.Bytes16(s.data); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func decodeBlockSlices(data []byte) ([]blockSlice, error) {
	r := wire.NewReader(data)
	count, err := r.U16()
	if err != nil {
		return nil, err
	}
	out := make([]blockSlice, 0, count)
	for i := uint16(0); i < count; i++ {
		blockID, err := r.U16()
		if err != nil {
			return nil, err
		}
		sliceCount, err := r.U16()
		if err != nil {
			return nil, err
		}
		sliceIndex, err := r.U16()
		if err != nil {
			return nil, err
		}
		sdata, err := r.Bytes16()
		if err != nil {
			return nil, err
		}
		out = append(out, blockSlice{blockID: blockID, sliceCount: sliceCount, sliceIndex: sliceIndex, data: sdata})
	}
	return out, nil
}
