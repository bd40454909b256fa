package channel

import "time"

type blockQueueItem struct {
	id   uint16
	data []byte
}

type blockOut struct {
	id     uint16
	slices [][]byte
	acked  []bool
	sentAt []time.Time
}

type blockIn struct {
	id       uint16
	count    uint16
	received []bool
	data     [][]byte
	got      int
}

// Block implements spec.md §4.2.4: a single in-progress block is
// fragmented into fixed-size slices and retransmitted until every
// slice is acked; a block is either fully delivered or the connection
// terminates (never surfaced partially).
type Block struct {
	id  uint8
	cfg BlockConfig

	nextBlockID uint16
	queue       []blockQueueItem
	inProgress  *blockOut
	packetSlices map[uint16][][2]uint16 // seq -> [(blockID, sliceIndex), ...]

	resendTime time.Duration

	recvCurrent         *blockIn
	recvReady           [][]byte
	hasDelivered        bool
	lastDeliveredBlock  uint16

	fatalErr error
}

// NewBlock returns a Block channel with the given id and config.
func NewBlock(id uint8, cfg BlockConfig) *Block {
	resend := 300 * time.Millisecond
	return &Block{
		id:           id,
		cfg:          cfg,
		packetSlices: make(map[uint16][][2]uint16),
		resendTime:   resend,
	}
}

func (b *Block) ID() uint8         { return b.id }
func (b *Block) Variant() Variant  { return VariantBlock }
func (b *Block) FatalError() error { return b.fatalErr }

// CanSend reports whether the block queue (including any in-progress
// block) has room for one more whole block.
func (b *Block) CanSend() bool {
	n := len(b.queue)
	if b.inProgress != nil {
		n++
	}
	return n < b.cfg.SendQueueSize
}

// QueueSend enqueues a whole block message; it will be sliced and sent
// once it becomes the in-progress block.
func (b *Block) QueueSend(payload []byte) error {
	if !b.CanSend() {
		b.fatalErr = ErrSendQueueFull
		return ErrSendQueueFull
	}
	id := b.nextBlockID
	b.nextBlockID++
	b.queue = append(b.queue, blockQueueItem{id: id, data: payload})
	return nil
}

func sliceBlock(data []byte, sliceSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(data); off += sliceSize {
		end := off + sliceSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

func (b *Block) promote() {
	if b.inProgress != nil || len(b.queue) == 0 {
		return
	}
	item := b.queue[0]
	b.queue = b.queue[1:]
	slices := sliceBlock(item.data, b.cfg.SliceSize)
	b.inProgress = &blockOut{
		id:     item.id,
		slices: slices,
		acked:  make([]bool, len(slices)),
		sentAt: make([]time.Time, len(slices)),
	}
}

// CollectFrame emits unacked-or-stale slices of the in-progress block,
// promoting the next queued block once the current one is fully acked.
func (b *Block) CollectFrame(now time.Time, budget int, seq uint16) (ChannelFrame, int, bool) {
	b.promote()
	if b.inProgress == nil {
		return ChannelFrame{}, 0, false
	}
	blk := b.inProgress
	var taken []blockSlice
	var refs [][2]uint16
	used := 0
	const perSliceOverhead = 2 + 2 + 2 + 2
	for i, s := range blk.slices {
		if blk.acked[i] {
			continue
		}
		if !blk.sentAt[i].IsZero() && now.Sub(blk.sentAt[i]) < b.resendTime {
			continue
		}
		cost := perSliceOverhead + len(s)
		if used+cost > budget {
			break
		}
		used += cost
		taken = append(taken, blockSlice{
			blockID:    blk.id,
			sliceCount: uint16(len(blk.slices)),
			sliceIndex: uint16(i),
			data:       s,
		})
		refs = append(refs, [2]uint16{blk.id, uint16(i)})
		blk.sentAt[i] = now
	}
	if len(taken) == 0 {
		return ChannelFrame{}, 0, false
	}
	payload, err := encodeBlockSlices(taken)
	if err != nil {
		return ChannelFrame{}, 0, false
	}
	b.packetSlices[seq] = refs
	return ChannelFrame{ID: b.id, Variant: VariantBlock, Payload: payload}, used, true
}

// OnPacketAcked marks the acked packet's slices as delivered and, once
// every slice of the in-progress block is acked, frees it so the next
// queued block can start.
func (b *Block) OnPacketAcked(seq uint16) {
	refs, ok := b.packetSlices[seq]
	if !ok {
		return
	}
	delete(b.packetSlices, seq)
	if b.inProgress == nil {
		return
	}
	for _, ref := range refs {
		if ref[0] != b.inProgress.id {
			continue
		}
		idx := int(ref[1])
		if idx < len(b.inProgress.acked) {
			b.inProgress.acked[idx] = true
		}
	}
	for _, acked := range b.inProgress.acked {
		if !acked {
			return
		}
	}
	b.inProgress = nil
}

// HandleFrame accumulates incoming slices, delivering the completed
// block (byte-for-byte, spec.md §8) once every slice has arrived.
func (b *Block) HandleFrame(payload []byte, now time.Time) error {
	slices, err := decodeBlockSlices(payload)
	if err != nil {
		return nil
	}
	for _, s := range slices {
		if b.hasDelivered && s.blockID <= b.lastDeliveredBlock {
			continue // stale retransmit of an already-delivered block
		}
		if b.recvCurrent == nil || b.recvCurrent.id != s.blockID {
			b.recvCurrent = &blockIn{
				id:       s.blockID,
				count:    s.sliceCount,
				received: make([]bool, s.sliceCount),
				data:     make([][]byte, s.sliceCount),
			}
		}
		if int(s.sliceIndex) >= len(b.recvCurrent.data) {
			b.fatalErr = ErrFragmentOverflow
			return ErrFragmentOverflow
		}
		if !b.recvCurrent.received[s.sliceIndex] {
			b.recvCurrent.received[s.sliceIndex] = true
			b.recvCurrent.data[s.sliceIndex] = s.data
			b.recvCurrent.got++
		}
		if b.recvCurrent.got == int(b.recvCurrent.count) {
			total := 0
			for _, d := range b.recvCurrent.data {
				total += len(d)
			}
			full := make([]byte, 0, total)
			for _, d := range b.recvCurrent.data {
				full = append(full, d...)
			}
			b.recvReady = append(b.recvReady, full)
			b.hasDelivered = true
			b.lastDeliveredBlock = b.recvCurrent.id
			b.recvCurrent = nil
		}
	}
	return nil
}

// ReceiveMessage dequeues the next fully delivered block.
func (b *Block) ReceiveMessage() ([]byte, bool) {
	if len(b.recvReady) == 0 {
		return nil, false
	}
	m := b.recvReady[0]
	b.recvReady = b.recvReady[1:]
	return m, true
}
