package channel

import "time"

// Variant is one of the three channel kinds spec.md §3 defines.
type Variant uint8

const (
	VariantReliable Variant = iota
	VariantUnreliable
	VariantBlock
)

func (v Variant) String() string {
	switch v {
	case VariantReliable:
		return "reliable"
	case VariantUnreliable:
		return "unreliable"
	case VariantBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ReliableConfig configures a Reliable channel.
type ReliableConfig struct {
	SendQueueSize  int           // message_send_queue_size, default 1024
	ResendTime     time.Duration // default 300ms
	MaxMessageSize int           // default 4096
}

// UnreliableConfig configures an Unreliable channel.
type UnreliableConfig struct {
	MaxMessageSize int // default 4096
}

// BlockConfig configures a Block channel.
type BlockConfig struct {
	SliceSize     int // default fragment_size (NETCODE_MAX_PAYLOAD_BYTES - 40)
	SendQueueSize int // number of whole blocks that may be queued awaiting their turn
}

// ChannelConfig is one entry of the ordered `channels_config` list
// spec.md §6 and §10 (supplemented features) describe: SPEC_FULL keeps
// the original's `Vec<ChannelConfig>` shape, allowing more than one
// channel of the same variant, rather than a fixed three-channel
// layout.
type ChannelConfig struct {
	ID         uint8
	Variant    Variant
	Reliable   ReliableConfig
	Unreliable UnreliableConfig
	Block      BlockConfig
}

// FragmentConfig mirrors original_source/renet's FragmentConfig: packet-
// level fragmentation is sized off the transport's max payload, not the
// channel layer.
type FragmentConfig struct {
	FragmentAbove          int // default NETCODE_MAX_PAYLOAD_BYTES - 40
	FragmentSize           int // default NETCODE_MAX_PAYLOAD_BYTES - 40
	ReassemblyBufferSize   int // default 256
	MaxFragmentsPerPacket  int // 256, a wire-format ceiling (fragment_id is one byte)
}

// Config is the per-connection configuration spec.md §6 enumerates,
// matching original_source/renet's `RenetConnectionConfig`
// (original_source/renet/src/lib.rs).
type Config struct {
	MaxPacketSize              int
	SentPacketsBufferSize      int
	ReceivedPacketsBufferSize  int
	MeasureSmoothingFactor     float64
	HeartbeatTime              time.Duration
	KeepAliveTimeout           time.Duration
	Channels                   []ChannelConfig
	Fragment                   FragmentConfig
}

// netcodeMaxPayloadBytes mirrors renetcode's NETCODE_MAX_PAYLOAD_BYTES,
// the basis for the default fragment threshold/size.
const netcodeMaxPayloadBytes = 1200

// DefaultConfig returns the spec.md defaults, with the original's
// three-channel default layout (Reliable, Unreliable, Block at ids
// 0, 1, 2).
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:             16 * 1024,
		SentPacketsBufferSize:     256,
		ReceivedPacketsBufferSize: 256,
		MeasureSmoothingFactor:    0.1,
		HeartbeatTime:             100 * time.Millisecond,
		KeepAliveTimeout:          3 * time.Second,
		Channels:                  DefaultChannels(),
		Fragment: FragmentConfig{
			FragmentAbove:         netcodeMaxPayloadBytes - 40,
			FragmentSize:          netcodeMaxPayloadBytes - 40,
			ReassemblyBufferSize:  256,
			MaxFragmentsPerPacket: 256,
		},
	}
}

// DefaultChannels returns the original's default channel layout: one
// reliable channel (id 0), one unreliable channel (id 1), one block
// channel (id 2).
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{
			ID:      0,
			Variant: VariantReliable,
			Reliable: ReliableConfig{
				SendQueueSize:  1024,
				ResendTime:     300 * time.Millisecond,
				MaxMessageSize: 4096,
			},
		},
		{
			ID:      1,
			Variant: VariantUnreliable,
			Unreliable: UnreliableConfig{
				MaxMessageSize: 4096,
			},
		},
		{
			ID:      2,
			Variant: VariantBlock,
			Block: BlockConfig{
				SliceSize:     netcodeMaxPayloadBytes - 40,
				SendQueueSize: 8,
			},
		},
	}
}
