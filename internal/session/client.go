package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/token"
)

// numDisconnectPackets is how many Disconnect packets are flushed
// back-to-back on teardown, best-effort on a lossy link (spec.md §6
// "Wire-level invariants").
const numDisconnectPackets = 5

// Client drives the client-side half of spec.md §4.1's state machine:
// Disconnected → SendingConnectionRequest → SendingChallengeResponse →
// Connected, terminating in ConnectionDenied or ConnectionTimedOut.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	sess Session

	tokenBytes     []byte
	tokenExpire    time.Time
	challengeNonce uint64

	startTime     time.Time
	lastAttempt   time.Time
	disconnecting bool
}

// NewClient builds a Client ready to Start a handshake using the given
// authority-issued token. view must be the ClientView decoded from the
// same tokenBytes (token.DecodePublic).
func NewClient(cfg Config, logger zerolog.Logger, tokenBytes []byte, view *token.ClientView) *Client {
	if len(view.ServerAddresses) == 0 {
		panic("session: client token carries no server addresses")
	}
	sess := newSession()
	sess.RemoteAddr = view.ServerAddresses[0]
	sess.ClientKey = view.ClientKey
	sess.ServerKey = view.ServerKey
	if cfg.ProtocolID == 0 {
		cfg.ProtocolID = view.ProtocolID
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = view.TimeoutSeconds
	}
	return &Client{
		cfg:         cfg,
		logger:      logger.With().Str("component", "session.client").Logger(),
		sess:        sess,
		tokenBytes:  tokenBytes,
		tokenExpire: view.ExpireTime,
	}
}

// Start transitions the client into SendingConnectionRequest. The
// first Tick call will then emit the initial ConnectionRequest.
func (c *Client) Start(now time.Time) {
	c.sess.State = StateSendingConnectionRequest
	c.startTime = now
	c.lastAttempt = time.Time{}
}

// State reports the client's current state.
func (c *Client) State() State { return c.sess.State }

// ConnectionID reports the id assigned once Connected; zero beforehand.
func (c *Client) ConnectionID() uint64 { return c.sess.ConnectionID }

// RemoteAddr reports the server address this client is handshaking
// with or connected to.
func (c *Client) RemoteAddr() string { return c.sess.RemoteAddr }

// Disconnected reports the terminal disconnect reason once the client
// has left the Connected state via a Disconnect, or zero-value
// (DisconnectedByClient) if still connected/connecting.
func (c *Client) Disconnected() DisconnectReason { return c.sess.DisconnectReason }

// connectionRequestPacket builds the (always identical, until the
// token changes) ConnectionRequest datagram.
func (c *Client) connectionRequestPacket() ([]byte, error) {
	return EncodeConnectionRequest(c.tokenBytes)
}

func (c *Client) encryptToServer(pt PacketType, plaintext []byte) ([]byte, error) {
	seq := c.sess.SendSeq
	c.sess.SendSeq++
	return EncodeEncrypted(pt, c.sess.ClientKey, seq, c.cfg.ProtocolID, plaintext)
}

// Tick advances the client's timers and returns the datagrams (if any)
// that should be sent to the server this tick: handshake retransmits,
// keepalives, or the flood of Disconnect packets on teardown.
func (c *Client) Tick(now time.Time) ([]Outgoing, error) {
	var out []Outgoing
	send := func(data []byte) {
		out = append(out, Outgoing{Addr: c.sess.RemoteAddr, Data: data})
		c.sess.LastSent = now
	}

	switch c.sess.State {
	case StateSendingConnectionRequest:
		if now.After(c.tokenExpire) || now.Sub(c.startTime) > time.Duration(c.cfg.TimeoutSeconds)*time.Second {
			c.sess.State = StateConnectionTimedOut
			return out, nil
		}
		if c.lastAttempt.IsZero() || now.Sub(c.lastAttempt) >= c.cfg.RequestRate {
			pkt, err := c.connectionRequestPacket()
			if err != nil {
				return nil, err
			}
			send(pkt)
			c.lastAttempt = now
		}

	case StateSendingChallengeResponse:
		if now.Sub(c.startTime) > time.Duration(c.cfg.TimeoutSeconds)*time.Second {
			c.sess.State = StateConnectionTimedOut
			return out, nil
		}
		if c.lastAttempt.IsZero() || now.Sub(c.lastAttempt) >= c.cfg.RequestRate {
			pkt, err := c.encryptToServer(PacketChallengeResponse, EncodeNoncePayload(c.challengeNonce))
			if err != nil {
				return nil, err
			}
			send(pkt)
			c.lastAttempt = now
		}

	case StateConnected:
		if c.sess.timedOut(now, c.cfg.TimeoutSeconds) {
			c.sess.State = StateConnectionTimedOut
			c.sess.DisconnectReason = DisconnectedTimeout
			return out, nil
		}
		if c.sess.LastSent.IsZero() || now.Sub(c.sess.LastSent) >= c.cfg.HeartbeatTime {
			pkt, err := c.encryptToServer(PacketKeepAlive, EncodeKeepAlive(c.sess.ConnectionID, 0))
			if err != nil {
				return nil, err
			}
			send(pkt)
		}
	}

	return out, nil
}

// ProcessIncoming handles one datagram received from the server,
// updating state and returning the Action the caller should act on.
// Datagrams from any address other than the session's server are
// ignored.
func (c *Client) ProcessIncoming(data []byte, fromAddr string, now time.Time) (Action, error) {
	if fromAddr != c.sess.RemoteAddr {
		return Action{}, nil
	}
	pt, err := PeekType(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed datagram")
		return Action{}, nil
	}
	if pt == PacketConnectionRequest {
		// Clients never receive a ConnectionRequest; drop.
		return Action{}, nil
	}

	pt, seq, plaintext, err := DecodeEncrypted(data, c.sess.ServerKey, c.cfg.ProtocolID)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping undecryptable datagram")
		return Action{}, nil
	}
	if c.sess.Replay.Already(seq) {
		c.logger.Debug().Uint64("seq", seq).Msg("dropping replayed datagram")
		return Action{}, nil
	}

	switch pt {
	case PacketConnectionDenied:
		reason, err := DecodeConnectionDenied(plaintext)
		if err != nil {
			return Action{}, nil
		}
		c.sess.Replay.Record(seq)
		c.sess.State = StateConnectionDenied
		c.sess.DenyReason = reason
		return Action{}, nil

	case PacketChallenge:
		if c.sess.State != StateSendingConnectionRequest {
			return Action{}, nil
		}
		nonce, err := DecodeNoncePayload(plaintext)
		if err != nil {
			return Action{}, nil
		}
		c.sess.Replay.Record(seq)
		c.challengeNonce = nonce
		c.sess.State = StateSendingChallengeResponse
		c.lastAttempt = time.Time{}
		c.startTime = now
		return Action{}, nil

	case PacketKeepAlive:
		connID, _, err := DecodeKeepAlive(plaintext)
		if err != nil {
			return Action{}, nil
		}
		c.sess.Replay.Record(seq)
		c.sess.LastReceived = now
		if c.sess.State == StateSendingChallengeResponse {
			c.sess.State = StateConnected
			c.sess.ConnectionID = connID
		}
		return Action{}, nil

	case PacketPayload:
		if c.sess.State != StateConnected {
			return Action{}, nil
		}
		c.sess.Replay.Record(seq)
		c.sess.LastReceived = now
		return Action{Kind: ActionPayload, Payload: plaintext}, nil

	case PacketDisconnect:
		reason, err := DecodeDisconnect(plaintext)
		if err != nil {
			return Action{}, nil
		}
		c.sess.Replay.Record(seq)
		c.sess.State = StateDisconnected
		c.sess.DisconnectReason = reason
		return Action{Kind: ActionDisconnected, Reason: reason}, nil

	default:
		return Action{}, fmt.Errorf("session: client received unexpected packet type %s", pt)
	}
}

// SendPayload encrypts application/channel-layer bytes for transmission
// to the server. Valid only once Connected.
func (c *Client) SendPayload(bytes []byte) ([]byte, error) {
	if c.sess.State != StateConnected {
		return nil, fmt.Errorf("session: cannot send payload in state %s", c.sess.State)
	}
	return c.encryptToServer(PacketPayload, bytes)
}

// Disconnect initiates client-side teardown: it floods numDisconnectPackets
// Disconnect packets (best-effort, the link may be lossy) and marks the
// session terminal with DisconnectedByClient.
func (c *Client) Disconnect(now time.Time) []Outgoing {
	if c.sess.State == StateDisconnected || c.sess.State == StateConnectionDenied || c.sess.State == StateConnectionTimedOut {
		return nil
	}
	out := make([]Outgoing, 0, numDisconnectPackets)
	for i := 0; i < numDisconnectPackets; i++ {
		pkt, err := c.encryptToServer(PacketDisconnect, EncodeDisconnect(DisconnectedByClient))
		if err != nil {
			break
		}
		out = append(out, Outgoing{Addr: c.sess.RemoteAddr, Data: pkt})
	}
	c.sess.State = StateDisconnected
	c.sess.DisconnectReason = DisconnectedByClient
	return out
}
