package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/token"
)

// randomNonce is the default Challenge-nonce source: a fresh random
// 64-bit value per handshake.
func randomNonce() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

type slot struct {
	used           bool
	sess           Session
	challengeNonce uint64
	userData       [token.UserDataSize]byte
}

// Server multiplexes up to cfg.MaxClients sessions, keyed internally by
// remote address and externally by the ConnectionId it assigns on
// success (spec.md §9 "sibling references": the channel-layer
// multiplexer keys its own table by the same id).
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	consumed *token.ConsumedSet

	slots  []slot
	byAddr map[string]int
	nextID uint64

	events EventQueue

	challengeNonceSource func() uint64
}

// NewServer builds a Server bound to cfg.PrivateKey for token
// decryption. challengeNonceSource supplies the random nonce embedded
// in each Challenge packet; tests may inject a deterministic one.
func NewServer(cfg Config, logger zerolog.Logger, challengeNonceSource func() uint64) *Server {
	if challengeNonceSource == nil {
		challengeNonceSource = randomNonce
	}
	return &Server{
		cfg:                  cfg,
		logger:               logger.With().Str("component", "session.server").Logger(),
		consumed:             token.NewConsumedSet(),
		slots:                make([]slot, cfg.MaxClients),
		byAddr:               make(map[string]int, cfg.MaxClients),
		nextID:               1,
		challengeNonceSource: challengeNonceSource,
	}
}

func (s *Server) encryptToClient(sl *slot, pt PacketType, plaintext []byte) ([]byte, error) {
	seq := sl.sess.SendSeq
	sl.sess.SendSeq++
	return EncodeEncrypted(pt, sl.sess.ServerKey, seq, s.cfg.ProtocolID, plaintext)
}

func (s *Server) allocateSlot() (int, bool) {
	for i := range s.slots {
		if !s.slots[i].used {
			return i, true
		}
	}
	return 0, false
}

func (s *Server) denyReply(serverKey ncrypto.Key, fromAddr string, reason DenyReason) Outgoing {
	pkt, err := EncodeEncrypted(PacketConnectionDenied, serverKey, 0, s.cfg.ProtocolID, EncodeConnectionDenied(reason))
	if err != nil {
		return Outgoing{}
	}
	return Outgoing{Addr: fromAddr, Data: pkt}
}

// handleConnectionRequest implements spec.md §4.1's five-step server
// algorithm.
func (s *Server) handleConnectionRequest(data []byte, fromAddr string, now time.Time) (Action, []Outgoing) {
	tokenBytes, err := DecodeConnectionRequest(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed connection request")
		return Action{}, nil
	}

	tok, err := token.Decode(tokenBytes, s.cfg.PrivateKey, now)
	switch err {
	case nil:
		// fall through to validation below
	case token.ErrExpired:
		return Action{}, []Outgoing{s.denyReply(tok.ServerKey, fromAddr, DenyTokenExpired)}
	default:
		s.logger.Debug().Err(err).Msg("dropping undecryptable connection request")
		return Action{}, nil
	}

	if tok.ProtocolID != s.cfg.ProtocolID {
		return Action{}, []Outgoing{s.denyReply(tok.ServerKey, fromAddr, DenyProtocolMismatch)}
	}

	// Step 3: an existing slot for this address is a continuation —
	// re-send the Challenge rather than allocating a new slot.
	if idx, ok := s.byAddr[fromAddr]; ok {
		sl := &s.slots[idx]
		if sl.sess.State == StateConnected {
			return Action{}, []Outgoing{s.denyReply(tok.ServerKey, fromAddr, DenyAlreadyConnected)}
		}
		return Action{}, []Outgoing{s.resendChallenge(sl)}
	}

	if !s.consumed.TryConsume(tok.Nonce, tok.ExpireTime) {
		s.logger.Debug().Uint64("nonce", tok.Nonce).Msg("dropping replayed connect token")
		return Action{}, nil
	}

	idx, ok := s.allocateSlot()
	if !ok {
		return Action{}, []Outgoing{s.denyReply(tok.ServerKey, fromAddr, DenyServerFull)}
	}

	sl := &s.slots[idx]
	*sl = slot{
		used:     true,
		sess:     newSession(),
		userData: tok.UserData,
	}
	sl.sess.RemoteAddr = fromAddr
	sl.sess.ClientKey = tok.ClientKey
	sl.sess.ServerKey = tok.ServerKey
	sl.sess.State = StateSendingChallengeResponse
	sl.sess.LastReceived = now
	sl.challengeNonce = s.challengeNonceSource()
	s.byAddr[fromAddr] = idx

	pkt, err := s.encryptToClient(sl, PacketChallenge, EncodeNoncePayload(sl.challengeNonce))
	if err != nil {
		return Action{}, nil
	}
	return Action{}, []Outgoing{{Addr: fromAddr, Data: pkt}}
}

func (s *Server) resendChallenge(sl *slot) Outgoing {
	pkt, err := s.encryptToClient(sl, PacketChallenge, EncodeNoncePayload(sl.challengeNonce))
	if err != nil {
		return Outgoing{}
	}
	return Outgoing{Addr: sl.sess.RemoteAddr, Data: pkt}
}

// ProcessIncoming handles one datagram from fromAddr.
func (s *Server) ProcessIncoming(data []byte, fromAddr string, now time.Time) (Action, []Outgoing, error) {
	pt, err := PeekType(data)
	if err != nil {
		return Action{}, nil, nil
	}
	if pt == PacketConnectionRequest {
		action, out := s.handleConnectionRequest(data, fromAddr, now)
		return action, out, nil
	}

	idx, ok := s.byAddr[fromAddr]
	if !ok {
		return Action{}, nil, nil // unknown sender, drop
	}
	sl := &s.slots[idx]

	pt, seq, plaintext, err := DecodeEncrypted(data, sl.sess.ClientKey, s.cfg.ProtocolID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping undecryptable datagram")
		return Action{}, nil, nil
	}
	if sl.sess.Replay.Already(seq) {
		s.logger.Debug().Uint64("seq", seq).Msg("dropping replayed datagram")
		return Action{}, nil, nil
	}

	switch pt {
	case PacketChallengeResponse:
		if sl.sess.State != StateSendingChallengeResponse {
			return Action{}, nil, nil
		}
		nonce, err := DecodeNoncePayload(plaintext)
		if err != nil || nonce != sl.challengeNonce {
			return Action{}, nil, nil
		}
		sl.sess.Replay.Record(seq)
		sl.sess.LastReceived = now
		sl.sess.State = StateConnected
		sl.sess.ConnectionID = s.nextID
		s.nextID++
		s.events.push(Event{Kind: EventClientConnected, ConnectionID: sl.sess.ConnectionID, UserData: sl.userData})

		pkt, err := s.encryptToClient(sl, PacketKeepAlive, EncodeKeepAlive(sl.sess.ConnectionID, 0))
		if err != nil {
			return Action{Kind: ActionConnected, ConnectionID: sl.sess.ConnectionID, UserData: sl.userData}, nil, nil
		}
		return Action{Kind: ActionConnected, ConnectionID: sl.sess.ConnectionID, UserData: sl.userData},
			[]Outgoing{{Addr: fromAddr, Data: pkt}}, nil

	case PacketKeepAlive:
		if sl.sess.State != StateConnected {
			return Action{}, nil, nil
		}
		sl.sess.Replay.Record(seq)
		sl.sess.LastReceived = now
		return Action{}, nil, nil

	case PacketPayload:
		if sl.sess.State != StateConnected {
			return Action{}, nil, nil
		}
		sl.sess.Replay.Record(seq)
		sl.sess.LastReceived = now
		return Action{Kind: ActionPayload, ConnectionID: sl.sess.ConnectionID, Payload: plaintext}, nil, nil

	case PacketDisconnect:
		reason, err := DecodeDisconnect(plaintext)
		if err != nil {
			return Action{}, nil, nil
		}
		sl.sess.Replay.Record(seq)
		connID := sl.sess.ConnectionID
		s.releaseSlot(idx, reason)
		return Action{Kind: ActionDisconnected, ConnectionID: connID, Reason: reason}, nil, nil

	default:
		return Action{}, nil, fmt.Errorf("session: server received unexpected packet type %s", pt)
	}
}

// releaseSlot tears down slot idx, surfacing ClientDisconnected if it
// had reached Connected.
func (s *Server) releaseSlot(idx int, reason DisconnectReason) {
	sl := &s.slots[idx]
	wasConnected := sl.sess.State == StateConnected
	connID := sl.sess.ConnectionID
	delete(s.byAddr, sl.sess.RemoteAddr)
	if wasConnected {
		s.events.push(Event{Kind: EventClientDisconnected, ConnectionID: connID, Reason: reason})
	}
	*sl = slot{}
}

// Tick advances every slot's timers, emitting keepalives and expiring
// timed-out sessions (spec.md §4.1 Connected-state keepalive rule).
// It also sweeps the consumed-token set.
func (s *Server) Tick(now time.Time) []Outgoing {
	s.consumed.Sweep(now)
	var out []Outgoing
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.used || sl.sess.State != StateConnected {
			continue
		}
		if sl.sess.timedOut(now, s.cfg.TimeoutSeconds) {
			connID := sl.sess.ConnectionID
			delete(s.byAddr, sl.sess.RemoteAddr)
			s.events.push(Event{Kind: EventClientDisconnected, ConnectionID: connID, Reason: DisconnectedTimeout})
			*sl = slot{}
			continue
		}
		if sl.sess.LastSent.IsZero() || now.Sub(sl.sess.LastSent) >= s.cfg.HeartbeatTime {
			pkt, err := s.encryptToClient(sl, PacketKeepAlive, EncodeKeepAlive(sl.sess.ConnectionID, 0))
			if err == nil {
				out = append(out, Outgoing{Addr: sl.sess.RemoteAddr, Data: pkt})
				sl.sess.LastSent = now
			}
		}
	}
	return out
}

// GeneratePayloadPacket encrypts bytes for delivery to the client
// holding connID. Returns an error if connID is not connected.
func (s *Server) GeneratePayloadPacket(connID uint64, bytes []byte) (Outgoing, error) {
	sl, ok := s.findByConnectionID(connID)
	if !ok {
		return Outgoing{}, fmt.Errorf("session: no connected client with id %d", connID)
	}
	pkt, err := s.encryptToClient(sl, PacketPayload, bytes)
	if err != nil {
		return Outgoing{}, err
	}
	sl.sess.LastSent = time.Now()
	return Outgoing{Addr: sl.sess.RemoteAddr, Data: pkt}, nil
}

func (s *Server) findByConnectionID(connID uint64) (*slot, bool) {
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].sess.ConnectionID == connID && s.slots[i].sess.State == StateConnected {
			return &s.slots[i], true
		}
	}
	return nil, false
}

// Disconnect tears down one connection, flooding numDisconnectPackets
// Disconnect packets to the client and surfacing ClientDisconnected
// immediately.
func (s *Server) Disconnect(connID uint64, reason DisconnectReason) []Outgoing {
	sl, ok := s.findByConnectionID(connID)
	if !ok {
		return nil
	}
	out := make([]Outgoing, 0, numDisconnectPackets)
	for i := 0; i < numDisconnectPackets; i++ {
		pkt, err := s.encryptToClient(sl, PacketDisconnect, EncodeDisconnect(reason))
		if err != nil {
			break
		}
		out = append(out, Outgoing{Addr: sl.sess.RemoteAddr, Data: pkt})
	}
	idx := -1
	for i := range s.slots {
		if &s.slots[i] == sl {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.releaseSlot(idx, reason)
	}
	return out
}

// DisconnectAll tears down every connected client (supplements spec.md
// §6's per-client disconnect with `RenetServer::disconnect_clients`,
// used for graceful shutdown).
func (s *Server) DisconnectAll(reason DisconnectReason) []Outgoing {
	var out []Outgoing
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].sess.State == StateConnected {
			out = append(out, s.Disconnect(s.slots[i].sess.ConnectionID, reason)...)
		}
	}
	return out
}

// Events drains queued ClientConnected/ClientDisconnected events.
func (s *Server) Events() []Event { return s.events.Drain() }

// HasClients reports whether any slot currently holds a connected
// client.
func (s *Server) HasClients() bool {
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].sess.State == StateConnected {
			return true
		}
	}
	return false
}

// ClientCount reports how many slots are currently connected.
func (s *Server) ClientCount() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].sess.State == StateConnected {
			n++
		}
	}
	return n
}
