package session

import (
	"time"

	"github.com/packetloop/netcode/internal/ncrypto"
)

// State is one of the six session states spec.md §4.1 names.
type State uint8

const (
	StateDisconnected State = iota
	StateSendingConnectionRequest
	StateSendingChallengeResponse
	StateConnected
	StateConnectionDenied
	StateConnectionTimedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSendingConnectionRequest:
		return "sending_connection_request"
	case StateSendingChallengeResponse:
		return "sending_challenge_response"
	case StateConnected:
		return "connected"
	case StateConnectionDenied:
		return "connection_denied"
	case StateConnectionTimedOut:
		return "connection_timed_out"
	default:
		return "unknown"
	}
}

// Config is the session-layer configuration spec.md §6 enumerates under
// "Session config": max_clients, protocol_id, server_addr, private_key,
// plus the timing knobs §4.1 names.
type Config struct {
	ProtocolID     uint64
	MaxClients     int
	ServerAddr     string
	PrivateKey     ncrypto.Key // authority key; server-side only
	TimeoutSeconds int32
	HeartbeatTime  time.Duration
	RequestRate    time.Duration // fixed-rate ConnectionRequest/ChallengeResponse retransmission, ~10Hz
}

// DefaultConfig returns the spec.md defaults: 5s timeout, 100ms
// heartbeat, ~10Hz handshake retransmission.
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: 5,
		HeartbeatTime:  100 * time.Millisecond,
		RequestRate:    100 * time.Millisecond,
	}
}

// Session is the per-(client, server) state spec.md §3 describes:
// current state, last-received/last-sent timestamps, the directional
// key pair, the remote endpoint, a replay window, and a keepalive
// timer. Client (one instance) and Server (one per slot) each hold one
// of these.
type Session struct {
	State        State
	RemoteAddr   string
	ClientKey    ncrypto.Key
	ServerKey    ncrypto.Key
	ConnectionID uint64

	LastReceived time.Time
	LastSent     time.Time

	SendSeq uint64
	Replay  *ncrypto.ReplayWindow

	DenyReason       DenyReason
	DisconnectReason DisconnectReason
}

func newSession() Session {
	return Session{Replay: ncrypto.NewReplayWindow()}
}

// timedOut reports whether no packet has been received within
// timeoutSeconds of now.
func (s *Session) timedOut(now time.Time, timeoutSeconds int32) bool {
	if s.LastReceived.IsZero() {
		return false
	}
	return now.Sub(s.LastReceived) > time.Duration(timeoutSeconds)*time.Second
}

// ActionKind tags the disposition session.ProcessIncoming (client or
// server) returns for one incoming datagram, per spec.md §4.1's
// "Output contract".
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionReply
	ActionPayload
	ActionConnected
	ActionDisconnected
)

// Action is the result of processing one incoming datagram.
type Action struct {
	Kind         ActionKind
	Reply        []byte // set when Kind == ActionReply: datagram to send back to the sender
	Payload      []byte // set when Kind == ActionPayload: decrypted channel-layer bytes
	ConnectionID uint64
	UserData     [256]byte // set when Kind == ActionConnected
	Reason       DisconnectReason
}

// Outgoing pairs a destination address with a datagram, the shape
// Server.Tick and Client.Tick emit (spec.md §4.1 "tick(now) → iterator
// of (addr, datagram)").
type Outgoing struct {
	Addr string
	Data []byte
}
