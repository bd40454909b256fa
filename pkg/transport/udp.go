package transport

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// maxDatagramSize bounds a single read, matching spec.md §6's
// max_packet_size default headroom (16 KiB) plus slack for fragment
// headers.
const maxDatagramSize = 17 * 1024

// UDPTransport is a real net.UDPConn-backed Transport, structured like
// renet's udp_transport helper (original_source/renet/src/lib.rs): one
// read goroutine feeding an inbound channel, one write path draining
// straight to the socket. This is the only package in this repository
// allowed to own goroutines that touch the network.
type UDPTransport struct {
	conn    *net.UDPConn
	logger  zerolog.Logger
	inbound chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPTransport binds a UDP socket at addr (host:port, or ":0" for an
// ephemeral client port) and starts its read loop.
func NewUDPTransport(addr string, logger zerolog.Logger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	t := &UDPTransport{
		conn:    conn,
		logger:  logger.With().Str("component", "transport.udp").Str("local_addr", conn.LocalAddr().String()).Logger(),
		inbound: make(chan Datagram, 1024),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Debug().Err(err).Msg("udp read loop stopping")
			}
			close(t.inbound)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbound <- Datagram{Addr: from.String(), Data: data}:
		case <-t.closed:
			close(t.inbound)
			return
		}
	}
}

// Send writes data to addr over the bound socket.
func (t *UDPTransport) Send(addr string, data []byte) error {
	select {
	case <-t.closed:
		return ErrSenderDisconnected
	default:
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(data, udpAddr)
	return err
}

// Inbound returns the channel of received datagrams.
func (t *UDPTransport) Inbound() <-chan Datagram { return t.inbound }

// LocalAddr reports the bound local address.
func (t *UDPTransport) LocalAddr() string { return t.conn.LocalAddr().String() }

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
