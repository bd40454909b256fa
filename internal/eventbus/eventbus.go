// Package eventbus republishes the server-side session lifecycle events
// spec.md §9 surfaces through a FIFO (internal/session.Event) onto NATS,
// for operators who want connect/disconnect fan-out outside the process
// itself — a dashboard, an audit log, a matchmaking service. It is
// optional: a nil or disconnected Publisher is a safe no-op, since the
// core protocol never depends on it.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/metrics"
	"github.com/packetloop/netcode/internal/session"
)

// Config configures the NATS connection backing a Publisher.
type Config struct {
	URL             string
	Subject         string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig returns sane reconnect behavior for a sidecar that
// should ride out a restart of the NATS server without operator
// intervention.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		Subject:         "netcode.events",
		MaxReconnects:   -1, // retry forever
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// ClientEvent is the JSON shape published for both connect and
// disconnect: Reason is only meaningful (and only present) on a
// disconnect.
type ClientEvent struct {
	Kind         string `json:"kind"`
	ConnectionID uint64 `json:"connection_id"`
	Reason       string `json:"reason,omitempty"`
	Time         int64  `json:"time"`
}

// Publisher republishes session.Event values onto a NATS subject as
// JSON. A nil *Publisher (what Connect returns for an empty URL) is a
// valid no-op publisher (PublishAll and Close return without doing
// anything), so callers don't need to special-case a disabled eventbus.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Connect dials NATS per cfg. Returns (nil, nil) if cfg.URL is empty —
// the caller asked for no eventbus, not an error. m may be nil if the
// caller has no Prometheus metrics to report connection state into.
func Connect(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	logger = logger.With().Str("component", "eventbus").Logger()

	p := &Publisher{subject: cfg.Subject, logger: logger, metrics: m}
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from NATS")
			}
			if p.metrics != nil {
				p.metrics.SetNATSConnected(false)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
			if p.metrics != nil {
				p.metrics.SetNATSConnected(true)
				p.metrics.IncrementNATSReconnects()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	p.conn = conn
	if p.metrics != nil {
		p.metrics.SetNATSConnected(true)
	}
	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("connected to NATS")
	return p, nil
}

// PublishAll republishes every drained session event. Errors are logged
// and otherwise swallowed: a lost event-bus message must never affect
// the session layer that produced it.
func (p *Publisher) PublishAll(events []session.Event, now time.Time) {
	if p == nil {
		return
	}
	for _, e := range events {
		start := time.Now()
		if err := p.publish(e, now); err != nil {
			p.logger.Warn().Err(err).Msg("failed to publish event")
			continue
		}
		if p.metrics != nil {
			p.metrics.IncrementNATSMessages()
			p.metrics.RecordNATSLatency(time.Since(start))
		}
	}
}

func (p *Publisher) publish(e session.Event, now time.Time) error {
	ev := ClientEvent{ConnectionID: e.ConnectionID, Time: now.Unix()}
	switch e.Kind {
	case session.EventClientConnected:
		ev.Kind = "client_connected"
	case session.EventClientDisconnected:
		ev.Kind = "client_disconnected"
		ev.Reason = e.Reason.String()
	default:
		return fmt.Errorf("eventbus: unknown event kind %d", e.Kind)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	return p.conn.Publish(p.subject, data)
}

// Close flushes and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
