// Package transport provides the out-of-scope "external collaborator"
// spec.md §6 describes: the thing that actually moves datagrams. The
// core never imports this package; cmd/ binaries wire a Transport
// implementation to pkg/netcode.
package transport

import "errors"

// Transport errors, the taxonomy spec.md §7 names under "Transport
// errors": the in-memory queues between the core and the transport
// collaborator have broken.
var (
	ErrSenderDisconnected   = errors.New("transport: sender disconnected")
	ErrReceiverDisconnected = errors.New("transport: receiver disconnected")
)

// Datagram is one (remote_address, bytes) pair, the unit spec.md §6
// says the core exchanges with its transport.
type Datagram struct {
	Addr string
	Data []byte
}

// Transport is the boundary the core consumes and produces datagrams
// through. Implementations must preserve message boundaries and may
// drop, duplicate, or reorder (spec.md §6 "Transport boundary").
type Transport interface {
	// Send queues data for delivery to addr. Returns ErrSenderDisconnected
	// if the transport has been closed.
	Send(addr string, data []byte) error

	// Inbound returns the channel of datagrams arriving from the network.
	// UDPTransport closes it when its read loop stops; MockTransport
	// leaves it open after Close.
	Inbound() <-chan Datagram

	// LocalAddr reports the address this transport is bound to.
	LocalAddr() string

	// Close releases any underlying resources (sockets, goroutines).
	Close() error
}
