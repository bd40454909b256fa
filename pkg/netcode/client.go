package netcode

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/channel"
	"github.com/packetloop/netcode/internal/metrics"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/internal/token"
	"github.com/packetloop/netcode/pkg/transport"
)

// Client is the application-facing client half of spec.md §6.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	sess      *session.Client
	transport transport.Transport

	rc *channel.RemoteConnection
}

// NewClient builds a Client from a token minted by the out-of-band
// authority (cmd/tokenserver). tokenBytes is the opaque blob the
// application received; it is decoded twice — once here (the
// client-readable public section, via token.DecodePublic) to learn the
// server address and session keys, and once more by the server (the
// sealed private section, via token.Decode) when it arrives in the
// ConnectionRequest.
func NewClient(cfg Config, logger zerolog.Logger, tr transport.Transport, tokenBytes []byte) (*Client, error) {
	view, err := token.DecodePublic(tokenBytes)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With().Str("component", "netcode.client").Logger(),
		sess:      session.NewClient(cfg.Session, logger, tokenBytes, view),
		transport: tr,
	}, nil
}

// Start begins the handshake.
func (c *Client) Start(now time.Time) { c.sess.Start(now) }

// State reports the client's current session state.
func (c *Client) State() session.State { return c.sess.State() }

// ConnectionID reports the id assigned once connected; zero beforehand.
func (c *Client) ConnectionID() uint64 { return c.sess.ConnectionID() }

// Disconnected reports the terminal disconnect reason, if any.
func (c *Client) Disconnected() session.DisconnectReason { return c.sess.Disconnected() }

func (c *Client) send(out session.Outgoing) {
	if out.Data == nil {
		return
	}
	if err := c.transport.Send(out.Addr, out.Data); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send datagram")
	}
}

func (c *Client) sendAll(outs []session.Outgoing) {
	for _, out := range outs {
		c.send(out)
	}
}

// Update drains inbound datagrams, advances the handshake/connected
// state machine and, once connected, the channel layer, and flushes
// outgoing packets to the transport.
func (c *Client) Update(now time.Time) error {
	c.drainInbound(now)

	out, err := c.sess.Tick(now)
	if err != nil {
		return err
	}
	c.sendAll(out)

	if c.rc == nil {
		return nil
	}
	if err := c.rc.Update(now); err != nil {
		c.sendAll(c.sess.Disconnect(now))
		c.rc = nil
		return nil
	}
	packets, err := c.rc.GetPacketsToSend(now)
	if err != nil {
		return err
	}
	for _, p := range packets {
		pkt, err := c.sess.SendPayload(p)
		if err != nil {
			continue
		}
		c.send(session.Outgoing{Addr: c.sess.RemoteAddr(), Data: pkt})
	}
	return nil
}

func (c *Client) drainInbound(now time.Time) {
	for {
		select {
		case dg, ok := <-c.transport.Inbound():
			if !ok {
				return
			}
			c.handleDatagram(dg, now)
		default:
			return
		}
	}
}

func (c *Client) handleDatagram(dg transport.Datagram, now time.Time) {
	action, err := c.sess.ProcessIncoming(dg.Data, dg.Addr, now)
	if err != nil {
		c.logger.Debug().Err(err).Msg("session processing error")
		return
	}
	switch action.Kind {
	case session.ActionPayload:
		if c.rc == nil {
			c.rc = channel.NewRemoteConnection(c.cfg.Channel, c.logger)
		}
		if err := c.rc.HandleIncomingDatagram(action.Payload, now); err != nil {
			c.logger.Debug().Err(err).Msg("channel layer rejected datagram")
		}
	case session.ActionDisconnected:
		c.rc = nil
	}
}

// SendMessage enqueues payload on channelID.
func (c *Client) SendMessage(channelID uint8, payload []byte) error {
	if c.rc == nil {
		return channel.ErrUnknownChannel
	}
	return c.rc.SendMessage(channelID, payload)
}

// ReceiveMessage dequeues the next delivered message on channelID.
func (c *Client) ReceiveMessage(channelID uint8) ([]byte, bool) {
	if c.rc == nil {
		return nil, false
	}
	return c.rc.ReceiveMessage(channelID)
}

// CanSendMessage reports backpressure on channelID.
func (c *Client) CanSendMessage(channelID uint8) bool {
	if c.rc == nil {
		return false
	}
	return c.rc.CanSendMessage(channelID)
}

// Disconnect initiates client-side teardown.
func (c *Client) Disconnect(now time.Time) {
	c.sendAll(c.sess.Disconnect(now))
	c.rc = nil
}

// NetworkInfo reports the bandwidth/RTT/packet-loss snapshot for this
// connection, or the zero value before a channel connection exists.
func (c *Client) NetworkInfo() metrics.NetworkInfo {
	if c.rc == nil {
		return metrics.NetworkInfo{}
	}
	return c.rc.NetworkInfo()
}
