// Package channel implements spec.md §4.2: reliable-ordered, unreliable,
// and block channels, per-connection packet fragmentation, and the
// RemoteConnection aggregator that owns them for one peer.
package channel

import (
	"errors"

	"github.com/packetloop/netcode/internal/session"
)

// Channel errors, the taxonomy spec.md §7 names for this layer.
var (
	ErrSendQueueFull    = errors.New("channel: send queue full")
	ErrReceiveQueueFull = errors.New("channel: receive queue full")
	ErrBlockInProgress  = errors.New("channel: block already in progress")
	ErrFragmentOverflow = errors.New("channel: fragment overflow")
	ErrUnknownChannel   = errors.New("channel: unknown channel id")
	ErrOversizedMessage = errors.New("channel: oversized message")
)

// promote maps a fatal channel error to the disconnect reason the
// connection surfaces when it tears down the session (spec.md §7
// "each channel/session error above may be promoted to a disconnect
// reason").
func promote(err error) session.DisconnectReason {
	switch err {
	case ErrSendQueueFull:
		return session.DisconnectedSendQueueFull
	case ErrReceiveQueueFull:
		return session.DisconnectedReceiveQueueFull
	case ErrBlockInProgress:
		return session.DisconnectedBlockInProgress
	case ErrFragmentOverflow:
		return session.DisconnectedFragmentOverflow
	case ErrUnknownChannel:
		return session.DisconnectedUnknownChannel
	case ErrOversizedMessage:
		return session.DisconnectedOversizedMessage
	default:
		return session.DisconnectedByServer
	}
}
