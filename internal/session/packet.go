// Package session implements spec.md §4.1: connection tokens, the
// challenge/response handshake, per-client encryption state, keepalives,
// denial rules, and disconnect propagation.
package session

import (
	"encoding/binary"
	"fmt"

	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/wire"
)

// PacketType tags every session-level wire packet (spec.md §4.1).
type PacketType uint8

const (
	PacketConnectionRequest PacketType = iota
	PacketConnectionDenied
	PacketChallenge
	PacketChallengeResponse
	PacketKeepAlive
	PacketPayload
	PacketDisconnect
)

func (t PacketType) String() string {
	switch t {
	case PacketConnectionRequest:
		return "ConnectionRequest"
	case PacketConnectionDenied:
		return "ConnectionDenied"
	case PacketChallenge:
		return "Challenge"
	case PacketChallengeResponse:
		return "ChallengeResponse"
	case PacketKeepAlive:
		return "KeepAlive"
	case PacketPayload:
		return "Payload"
	case PacketDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// DenyReason distinguishes why a ConnectionRequest was refused.
type DenyReason uint8

const (
	DenyInvalidToken DenyReason = iota
	DenyTokenExpired
	DenyProtocolMismatch
	DenyServerFull
	DenyAlreadyConnected
)

// DisconnectReason is the closed enum of terminal reasons spec.md §7
// requires, shared by the session and channel layers (a fatal channel
// error is "promoted" to one of these).
type DisconnectReason uint8

const (
	DisconnectedByClient DisconnectReason = iota
	DisconnectedByServer
	DisconnectedTimeout
	DisconnectedSendQueueFull
	DisconnectedReceiveQueueFull
	DisconnectedBlockInProgress
	DisconnectedFragmentOverflow
	DisconnectedUnknownChannel
	DisconnectedOversizedMessage
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectedByClient:
		return "disconnected_by_client"
	case DisconnectedByServer:
		return "disconnected_by_server"
	case DisconnectedTimeout:
		return "timeout"
	case DisconnectedSendQueueFull:
		return "send_queue_full"
	case DisconnectedReceiveQueueFull:
		return "receive_queue_full"
	case DisconnectedBlockInProgress:
		return "block_in_progress"
	case DisconnectedFragmentOverflow:
		return "fragment_overflow"
	case DisconnectedUnknownChannel:
		return "unknown_channel"
	case DisconnectedOversizedMessage:
		return "oversized_message"
	default:
		return "unknown"
	}
}

// EncodeConnectionRequest builds the one unencrypted packet type: the
// opaque, self-authenticating token blob travels as-is.
func EncodeConnectionRequest(tokenBytes []byte) ([]byte, error) {
	w := wire.NewWriter(1 + 2 + len(tokenBytes))
	w.U8(uint8(PacketConnectionRequest))
	if err := w.Bytes16(tokenBytes); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeConnectionRequest extracts the token bytes from a ConnectionRequest
// packet. Returns an error if the packet is not well-formed —
// callers must treat that as "drop silently" per spec.md §4.1.
func DecodeConnectionRequest(data []byte) ([]byte, error) {
	r := wire.NewReader(data)
	pt, err := r.U8()
	if err != nil {
		return nil, err
	}
	if PacketType(pt) != PacketConnectionRequest {
		return nil, fmt.Errorf("session: not a ConnectionRequest packet")
	}
	return r.Bytes16()
}

// PeekType returns the packet type byte without otherwise interpreting
// the datagram, so the caller can decide whether to route it through
// the unencrypted or encrypted decode path.
func PeekType(data []byte) (PacketType, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("session: empty datagram")
	}
	return PacketType(data[0]), nil
}

// associatedData binds the protocol id and packet type into the AEAD
// tag, so a ciphertext cannot be replayed as a different packet type or
// under a different protocol.
func associatedData(protocolID uint64, pt PacketType) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[:8], protocolID)
	buf[8] = byte(pt)
	return buf
}

// EncodeEncrypted seals plaintext (a type-specific payload) under key
// using seq as the nonce, and frames it with the leading type byte and
// sequence spec.md §4.1 requires on every encrypted packet.
func EncodeEncrypted(pt PacketType, key ncrypto.Key, seq uint64, protocolID uint64, plaintext []byte) ([]byte, error) {
	ciphertext, err := ncrypto.Seal(key, seq, associatedData(protocolID, pt), plaintext)
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter(9 + len(ciphertext))
	w.U8(uint8(pt))
	w.U64(seq)
	w.Raw(ciphertext)
	return w.Bytes(), nil
}

// DecodeEncrypted opens an EncodeEncrypted packet. The returned seq must
// be checked against the receiver's replay window by the caller before
// the plaintext is trusted.
func DecodeEncrypted(data []byte, key ncrypto.Key, protocolID uint64) (pt PacketType, seq uint64, plaintext []byte, err error) {
	r := wire.NewReader(data)
	rawType, err := r.U8()
	if err != nil {
		return 0, 0, nil, err
	}
	pt = PacketType(rawType)
	seq, err = r.U64()
	if err != nil {
		return 0, 0, nil, err
	}
	ciphertext := r.Rest()
	plaintext, err = ncrypto.Open(key, seq, associatedData(protocolID, pt), ciphertext)
	if err != nil {
		return 0, 0, nil, err
	}
	return pt, seq, plaintext, nil
}

// --- type-specific plaintext payloads ---

// EncodeConnectionDenied serializes the deny reason.
func EncodeConnectionDenied(reason DenyReason) []byte {
	return []byte{byte(reason)}
}

func DecodeConnectionDenied(plaintext []byte) (DenyReason, error) {
	if len(plaintext) < 1 {
		return 0, fmt.Errorf("session: empty ConnectionDenied payload")
	}
	return DenyReason(plaintext[0]), nil
}

// EncodeNoncePayload/DecodeNoncePayload carry the single nonce of both
// the Challenge and the ChallengeResponse packet: the
// server picks a random value, the client must echo the decrypted value
// back (spec.md §4.1 item 3/4).
func EncodeNoncePayload(nonce uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, nonce)
	return buf
}

func DecodeNoncePayload(plaintext []byte) (uint64, error) {
	if len(plaintext) < 8 {
		return 0, fmt.Errorf("session: short nonce payload")
	}
	return binary.LittleEndian.Uint64(plaintext), nil
}

// EncodeKeepAlive carries the assigned ConnectionId and slot (spec.md
// §4.1 item 5).
func EncodeKeepAlive(connectionID uint64, slot uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[:8], connectionID)
	binary.LittleEndian.PutUint32(buf[8:], slot)
	return buf
}

func DecodeKeepAlive(plaintext []byte) (connectionID uint64, slot uint32, err error) {
	if len(plaintext) < 12 {
		return 0, 0, fmt.Errorf("session: short KeepAlive payload")
	}
	return binary.LittleEndian.Uint64(plaintext[:8]), binary.LittleEndian.Uint32(plaintext[8:]), nil
}

// EncodeDisconnect/DecodeDisconnect carry the teardown reason.
func EncodeDisconnect(reason DisconnectReason) []byte {
	return []byte{byte(reason)}
}

func DecodeDisconnect(plaintext []byte) (DisconnectReason, error) {
	if len(plaintext) < 1 {
		return 0, fmt.Errorf("session: empty Disconnect payload")
	}
	return DisconnectReason(plaintext[0]), nil
}
