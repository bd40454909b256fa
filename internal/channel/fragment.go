package channel

import (
	"fmt"
	"time"
)

// Packet-level fragmentation (spec.md §4.2.5), independent of the block
// channel: any outgoing channel-layer packet whose serialized size
// exceeds FragmentAbove is split into ≤ 256 fragments, each carrying
// (packet_id, fragment_id, fragment_count). A leading tag byte
// distinguishes a whole (unfragmented) packet from a fragment, since
// both travel as the decrypted payload of a session Payload packet.
const (
	tagWhole    byte = 0
	tagFragment byte = 1
)

func wrapWhole(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = tagWhole
	copy(out[1:], data)
	return out
}

// splitFragments divides data into chunks of at most fragSize bytes,
// each prefixed with the fragment tag and header. Returns an error if
// the packet would need more than 256 fragments (the wire format's
// ceiling, fragment_id being one byte).
func splitFragments(packetID uint16, data []byte, fragSize int) ([][]byte, error) {
	if fragSize <= 0 {
		return nil, fmt.Errorf("channel: invalid fragment size %d", fragSize)
	}
	count := (len(data) + fragSize - 1) / fragSize
	if count == 0 {
		count = 1
	}
	if count > 256 {
		return nil, ErrFragmentOverflow
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragSize
		end := start + fragSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		frame := make([]byte, 0, 5+len(chunk))
		frame = append(frame, tagFragment)
		frame = append(frame, byte(packetID), byte(packetID>>8))
		frame = append(frame, byte(i))
		frame = append(frame, byte(count-1))
		frame = append(frame, chunk...)
		out = append(out, frame)
	}
	return out, nil
}

// parseIncoming strips the leading tag, returning (wholePacketFrameBytes, nil, true, nil)
// for a whole packet, (nil, reassembledBytes, true, nil) for a fragment that completes
// reassembly, or (nil, nil, false, nil) for a fragment that has not yet completed it.
func parseIncoming(data []byte, ra *Reassembler, now time.Time) (whole []byte, reassembled []byte, complete bool, err error) {
	if len(data) < 1 {
		return nil, nil, false, fmt.Errorf("channel: empty datagram")
	}
	switch data[0] {
	case tagWhole:
		return data[1:], nil, true, nil
	case tagFragment:
		if len(data) < 5 {
			return nil, nil, false, fmt.Errorf("channel: short fragment header")
		}
		packetID := uint16(data[1]) | uint16(data[2])<<8
		fragID := data[3]
		fragCount := data[4] + 1
		chunk := data[5:]
		out, ok := ra.Add(uint32(packetID), fragID, fragCount, chunk, now)
		if !ok {
			return nil, nil, false, nil
		}
		return nil, out, true, nil
	default:
		return nil, nil, false, fmt.Errorf("channel: unknown fragment tag %d", data[0])
	}
}

type fragEntry struct {
	key      uint32
	used     bool
	fragCnt  uint8
	received []bool
	data     [][]byte
	got      int
	touched  time.Time
}

// Reassembler is the bounded, LRU-evicting ring spec.md §3/§4.2.5
// describes for packet-level fragments ("a packet-id present for
// longer than the reassembly window is evicted; its partial payload is
// discarded").
type Reassembler struct {
	entries []fragEntry
	index   map[uint32]int
}

// NewReassembler returns a Reassembler with the given number of slots.
func NewReassembler(size int) *Reassembler {
	return &Reassembler{entries: make([]fragEntry, size), index: make(map[uint32]int, size)}
}

func (ra *Reassembler) slotFor(key uint32, fragCount uint8, now time.Time) *fragEntry {
	if idx, ok := ra.index[key]; ok {
		return &ra.entries[idx]
	}
	freeIdx := -1
	for i := range ra.entries {
		if !ra.entries[i].used {
			freeIdx = i
			break
		}
	}
	if freeIdx == -1 {
		oldest := 0
		for i := 1; i < len(ra.entries); i++ {
			if ra.entries[i].touched.Before(ra.entries[oldest].touched) {
				oldest = i
			}
		}
		delete(ra.index, ra.entries[oldest].key)
		freeIdx = oldest
	}
	ra.entries[freeIdx] = fragEntry{
		key:      key,
		used:     true,
		fragCnt:  fragCount,
		received: make([]bool, fragCount),
		data:     make([][]byte, fragCount),
		touched:  now,
	}
	ra.index[key] = freeIdx
	return &ra.entries[freeIdx]
}

// Add records one fragment, returning the reassembled payload once
// every fragment for key has arrived.
func (ra *Reassembler) Add(key uint32, fragID, fragCount uint8, chunk []byte, now time.Time) ([]byte, bool) {
	e := ra.slotFor(key, fragCount, now)
	e.touched = now
	if int(fragID) >= len(e.data) {
		return nil, false
	}
	if !e.received[fragID] {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		e.received[fragID] = true
		e.data[fragID] = cp
		e.got++
	}
	if e.got != int(e.fragCnt) {
		return nil, false
	}
	total := 0
	for _, d := range e.data {
		total += len(d)
	}
	full := make([]byte, 0, total)
	for _, d := range e.data {
		full = append(full, d...)
	}
	delete(ra.index, key)
	*e = fragEntry{}
	return full, true
}
