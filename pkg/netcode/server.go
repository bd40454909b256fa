package netcode

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/channel"
	"github.com/packetloop/netcode/internal/metrics"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/pkg/transport"
)

// Server is the application-facing server half of spec.md §6: it owns
// the session multiplexer and one RemoteConnection per connected
// client, and drains/fills a Transport each Update.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	sess      *session.Server
	transport transport.Transport

	conns   map[uint64]*channel.RemoteConnection
	metrics *metrics.EnhancedMetrics
}

// NewServer builds a Server. challengeNonceSource may be nil to use a
// crypto/rand-backed default; tests inject a deterministic one.
func NewServer(cfg Config, logger zerolog.Logger, tr transport.Transport, challengeNonceSource func() uint64) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "netcode.server").Logger(),
		sess:      session.NewServer(cfg.Session, logger, challengeNonceSource),
		transport: tr,
		conns:     make(map[uint64]*channel.RemoteConnection),
	}
}

// SetMetrics attaches the ambient metrics sink this Server reports
// connection and per-message traffic into. Optional: a Server with no
// metrics attached behaves identically, just unobserved.
func (s *Server) SetMetrics(m *metrics.EnhancedMetrics) {
	s.metrics = m
}

func (s *Server) send(out session.Outgoing) {
	if out.Data == nil {
		return
	}
	if err := s.transport.Send(out.Addr, out.Data); err != nil {
		s.logger.Debug().Err(err).Str("addr", out.Addr).Msg("failed to send datagram")
	}
}

func (s *Server) sendAll(outs []session.Outgoing) {
	for _, out := range outs {
		s.send(out)
	}
}

// Update drains all currently queued inbound datagrams, advances the
// session and channel layers' timers, and flushes outgoing packets to
// the transport. This is the server's single per-tick entry point
// (spec.md §6 `update(dt)` + `get_packets_to_send()`/`send_packets()`
// folded into one call, since the transport boundary here is push-based
// rather than iterator-based).
func (s *Server) Update(now time.Time) {
	s.drainInbound(now)
	s.sendAll(s.sess.Tick(now))
	s.updateConnections(now)
	s.flushConnections(now)
}

func (s *Server) drainInbound(now time.Time) {
	for {
		select {
		case dg, ok := <-s.transport.Inbound():
			if !ok {
				return
			}
			s.handleDatagram(dg, now)
		default:
			return
		}
	}
}

func (s *Server) handleDatagram(dg transport.Datagram, now time.Time) {
	action, outs, err := s.sess.ProcessIncoming(dg.Data, dg.Addr, now)
	if err != nil {
		s.logger.Debug().Err(err).Msg("session processing error")
	}
	s.sendAll(outs)

	switch action.Kind {
	case session.ActionConnected:
		s.conns[action.ConnectionID] = channel.NewRemoteConnection(s.cfg.Channel, s.logger)
		if s.metrics != nil {
			s.metrics.AddConnection(connIDKey(action.ConnectionID), dg.Addr)
		}
	case session.ActionPayload:
		if rc, ok := s.conns[action.ConnectionID]; ok {
			if err := rc.HandleIncomingDatagram(action.Payload, now); err != nil {
				s.logger.Debug().Err(err).Uint64("connection_id", action.ConnectionID).Msg("channel layer rejected datagram")
			}
		}
	case session.ActionDisconnected:
		delete(s.conns, action.ConnectionID)
		if s.metrics != nil {
			s.metrics.RemoveConnection(connIDKey(action.ConnectionID))
		}
	}
}

// connIDKey renders a connection id the way EnhancedMetrics' tracker
// keys its per-connection map.
func connIDKey(connID uint64) string {
	return strconv.FormatUint(connID, 10)
}

func (s *Server) updateConnections(now time.Time) {
	for connID, rc := range s.conns {
		if err := rc.Update(now); err != nil {
			reason := channel.DisconnectReasonFor(err)
			s.sendAll(s.sess.Disconnect(connID, reason))
			delete(s.conns, connID)
			if s.metrics != nil {
				s.metrics.RemoveConnection(connIDKey(connID))
			}
		}
	}
}

func (s *Server) flushConnections(now time.Time) {
	for connID, rc := range s.conns {
		packets, err := rc.GetPacketsToSend(now)
		if err != nil {
			s.logger.Debug().Err(err).Uint64("connection_id", connID).Msg("failed to build outgoing packets")
			continue
		}
		for _, p := range packets {
			out, err := s.sess.GeneratePayloadPacket(connID, p)
			if err != nil {
				continue
			}
			s.send(out)
		}
	}
}

// SendMessage enqueues payload on channelID for delivery to connID.
func (s *Server) SendMessage(connID uint64, channelID uint8, payload []byte) error {
	rc, ok := s.conns[connID]
	if !ok {
		return channel.ErrUnknownChannel
	}
	if err := rc.SendMessage(channelID, payload); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.UpdateConnectionMessage(connIDKey(connID), true, len(payload))
	}
	return nil
}

// ReceiveMessage dequeues the next delivered message for connID on
// channelID.
func (s *Server) ReceiveMessage(connID uint64, channelID uint8) ([]byte, bool) {
	rc, ok := s.conns[connID]
	if !ok {
		return nil, false
	}
	payload, ok := rc.ReceiveMessage(channelID)
	if ok && s.metrics != nil {
		s.metrics.UpdateConnectionMessage(connIDKey(connID), false, len(payload))
	}
	return payload, ok
}

// CanSendMessage reports backpressure for connID on channelID.
func (s *Server) CanSendMessage(connID uint64, channelID uint8) bool {
	rc, ok := s.conns[connID]
	if !ok {
		return false
	}
	return rc.CanSendMessage(channelID)
}

// BroadcastMessage enqueues payload on channelID for every connected
// client.
func (s *Server) BroadcastMessage(channelID uint8, payload []byte) {
	for connID, rc := range s.conns {
		if err := rc.SendMessage(channelID, payload); err == nil && s.metrics != nil {
			s.metrics.UpdateConnectionMessage(connIDKey(connID), true, len(payload))
		}
	}
}

// BroadcastMessageExcept enqueues payload on channelID for every
// connected client other than exceptConnID.
func (s *Server) BroadcastMessageExcept(exceptConnID uint64, channelID uint8, payload []byte) {
	for connID, rc := range s.conns {
		if connID == exceptConnID {
			continue
		}
		if err := rc.SendMessage(channelID, payload); err == nil && s.metrics != nil {
			s.metrics.UpdateConnectionMessage(connIDKey(connID), true, len(payload))
		}
	}
}

// Disconnect tears down one client's session and channel state.
func (s *Server) Disconnect(connID uint64, reason session.DisconnectReason) {
	s.sendAll(s.sess.Disconnect(connID, reason))
	delete(s.conns, connID)
	if s.metrics != nil {
		s.metrics.RemoveConnection(connIDKey(connID))
	}
}

// DisconnectAll tears down every connected client.
func (s *Server) DisconnectAll(reason session.DisconnectReason) {
	s.sendAll(s.sess.DisconnectAll(reason))
	if s.metrics != nil {
		for connID := range s.conns {
			s.metrics.RemoveConnection(connIDKey(connID))
		}
	}
	s.conns = make(map[uint64]*channel.RemoteConnection)
}

// NetworkInfo reports the bandwidth/RTT/packet-loss snapshot for connID.
func (s *Server) NetworkInfo(connID uint64) (metrics.NetworkInfo, bool) {
	rc, ok := s.conns[connID]
	if !ok {
		return metrics.NetworkInfo{}, false
	}
	return rc.NetworkInfo(), true
}

// NetworkInfoSnapshot reports the bandwidth/RTT/packet-loss snapshot
// for every currently connected client, keyed by connection id — the
// shape internal/monitor streams to dashboard viewers.
func (s *Server) NetworkInfoSnapshot() map[uint64]metrics.NetworkInfo {
	out := make(map[uint64]metrics.NetworkInfo, len(s.conns))
	for connID, rc := range s.conns {
		out[connID] = rc.NetworkInfo()
	}
	return out
}

// Events drains queued ClientConnected/ClientDisconnected events.
func (s *Server) Events() []session.Event { return s.sess.Events() }

// HasClients reports whether any client is currently connected.
func (s *Server) HasClients() bool { return s.sess.HasClients() }

// ClientCount reports how many clients are currently connected.
func (s *Server) ClientCount() int { return s.sess.ClientCount() }
