// Package netcode is the public application boundary spec.md §6
// describes: it ties the session layer (internal/session) and the
// channel layer (internal/channel) together behind a transport
// (pkg/transport), and exposes the operations an embedding application
// actually calls — send/receive/broadcast, update(dt), disconnect,
// network_info, events.
package netcode

import (
	"github.com/packetloop/netcode/internal/channel"
	"github.com/packetloop/netcode/internal/session"
)

// Config bundles the session and channel configuration an application
// supplies when constructing a Client or Server. Both sides of a
// connection must agree on Channel (spec.md §3 "A channel's
// configuration is immutable after creation and must match on both
// endpoints").
type Config struct {
	Session session.Config
	Channel channel.Config
}

// DefaultConfig returns the spec.md §6 defaults for both layers.
func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Channel: channel.DefaultConfig(),
	}
}
