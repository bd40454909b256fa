package netcode

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/internal/token"
	"github.com/packetloop/netcode/pkg/transport"
)

const testProtocolID = 0xfeed5eed

var discard = zerolog.New(io.Discard)

var nonceCounter uint64

func nextNonce() uint64 {
	nonceCounter++
	return nonceCounter
}

func newHarness(t *testing.T, net *transport.MockNetwork, maxClients int) (*Server, string) {
	t.Helper()
	serverAddr := "server"
	serverTr := net.NewEndpoint(serverAddr)

	authorityKey, err := ncrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Session.ProtocolID = testProtocolID
	cfg.Session.MaxClients = maxClients
	cfg.Session.ServerAddr = serverAddr
	cfg.Session.PrivateKey = authorityKey

	srv := NewServer(cfg, discard, serverTr, func() uint64 { return 42 })
	return srv, serverAddr
}

// newConnectedClient mints a token, constructs a Client against a fresh
// MockTransport endpoint, and starts the handshake.
func newConnectedClient(t *testing.T, net *transport.MockNetwork, authorityKey ncrypto.Key, serverAddr, clientAddr string, now time.Time) *Client {
	t.Helper()
	clientKey, err := ncrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := ncrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	tok := &token.ConnectToken{
		ProtocolID:      testProtocolID,
		Nonce:           nextNonce(),
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  5,
		ServerAddresses: []string{serverAddr},
		ClientKey:       clientKey,
		ServerKey:       serverKey,
	}
	tokenBytes, err := token.Encode(tok, authorityKey)
	if err != nil {
		t.Fatal(err)
	}

	clientTr := net.NewEndpoint(clientAddr)
	cfg := DefaultConfig()
	cfg.Session.ProtocolID = testProtocolID

	c, err := NewClient(cfg, discard, clientTr, tokenBytes)
	if err != nil {
		t.Fatal(err)
	}
	c.Start(now)
	return c
}

// tickAll advances every participant's clock by step and calls Update,
// up to maxIterations times, stopping early once until() reports true.
func tickAll(now *time.Time, step time.Duration, maxIterations int, until func() bool, updates ...func(time.Time)) bool {
	for i := 0; i < maxIterations; i++ {
		*now = now.Add(step)
		for _, u := range updates {
			u(*now)
		}
		if until != nil && until() {
			return true
		}
	}
	return until == nil || until()
}

func TestScenarioReliableThroughLoss(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{DropProbability: 0.5})
	srv, serverAddr := newHarness(t, net, 4)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	cl := newConnectedClient(t, net, authorityKey, serverAddr, "client", now)

	ok := tickAll(&now, 20*time.Millisecond, 5000, func() bool {
		return cl.State() == session.StateConnected && srv.HasClients()
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })
	if !ok {
		t.Fatalf("handshake did not complete under 50%% loss")
	}

	var connID uint64
	for _, ev := range srv.Events() {
		if ev.Kind == session.EventClientConnected {
			connID = ev.ConnectionID
		}
	}
	if connID == 0 {
		t.Fatalf("server never recorded ClientConnected")
	}

	const channelID = 0
	for i := 0; i < 100; i++ {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(i))
		if err := srv.SendMessage(connID, channelID, buf); err != nil {
			t.Fatalf("queue message %d: %v", i, err)
		}
	}

	received := make([][]byte, 0, 100)
	tickAll(&now, 20*time.Millisecond, 20000, func() bool {
		for {
			msg, ok := cl.ReceiveMessage(channelID)
			if !ok {
				break
			}
			received = append(received, msg)
		}
		return len(received) >= 100
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	if len(received) != 100 {
		t.Fatalf("expected 100 messages, got %d", len(received))
	}
	for i, msg := range received {
		want := uint32(i)
		if got := binary.LittleEndian.Uint32(msg); got != want {
			t.Fatalf("message %d out of order: got value %d", i, got)
		}
	}
}

func TestScenarioBlockTransfer(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{DropProbability: 0.1})
	srv, serverAddr := newHarness(t, net, 4)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	cl := newConnectedClient(t, net, authorityKey, serverAddr, "client", now)

	tickAll(&now, 20*time.Millisecond, 5000, func() bool {
		return cl.State() == session.StateConnected && srv.HasClients()
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	var connID uint64
	for _, ev := range srv.Events() {
		if ev.Kind == session.EventClientConnected {
			connID = ev.ConnectionID
		}
	}

	payload := bytes.Repeat([]byte{0xAB}, 2500)
	const blockChannelID = 2
	if err := srv.SendMessage(connID, blockChannelID, payload); err != nil {
		t.Fatal(err)
	}

	var got []byte
	tickAll(&now, 20*time.Millisecond, 20000, func() bool {
		if msg, ok := cl.ReceiveMessage(blockChannelID); ok {
			got = msg
			return true
		}
		return false
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	if !bytes.Equal(got, payload) {
		t.Fatalf("block payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestScenarioServerInitiatedDisconnect(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{})
	srv, serverAddr := newHarness(t, net, 4)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	cl := newConnectedClient(t, net, authorityKey, serverAddr, "client", now)

	tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		return cl.State() == session.StateConnected && srv.HasClients()
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	events := srv.Events()
	if len(events) != 1 || events[0].Kind != session.EventClientConnected {
		t.Fatalf("expected one ClientConnected event, got %v", events)
	}
	connID := events[0].ConnectionID

	srv.Disconnect(connID, session.DisconnectedByServer)

	tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		return cl.Disconnected() == session.DisconnectedByServer
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	if cl.Disconnected() != session.DisconnectedByServer {
		t.Fatalf("client did not observe DisconnectedByServer, got %v", cl.Disconnected())
	}
}

func TestScenarioClientInitiatedDisconnect(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{})
	srv, serverAddr := newHarness(t, net, 4)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	cl := newConnectedClient(t, net, authorityKey, serverAddr, "client", now)

	tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		return cl.State() == session.StateConnected && srv.HasClients()
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	cl.Disconnect(now)
	if cl.Disconnected() != session.DisconnectedByClient {
		t.Fatalf("client-side disconnect reason = %v, want DisconnectedByClient", cl.Disconnected())
	}

	ok := tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		for _, ev := range srv.Events() {
			if ev.Kind == session.EventClientDisconnected && ev.Reason == session.DisconnectedByClient {
				return true
			}
		}
		return false
	}, srv.Update)
	if !ok {
		t.Fatalf("server never observed ClientDisconnected{DisconnectedByClient}")
	}
}

func TestScenarioMultiClientWithLoss(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{DropProbability: 0.1})
	const numClients = 8
	srv, serverAddr := newHarness(t, net, numClients)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	clients := make([]*Client, numClients)
	for i := 0; i < numClients; i++ {
		addr := "client" + string(rune('0'+i))
		clients[i] = newConnectedClient(t, net, authorityKey, serverAddr, addr, now)
	}

	updates := make([]func(time.Time), 0, numClients+1)
	updates = append(updates, srv.Update)
	for _, c := range clients {
		c := c
		updates = append(updates, func(n time.Time) { _ = c.Update(n) })
	}

	allConnected := func() bool {
		if srv.ClientCount() != numClients {
			return false
		}
		for _, c := range clients {
			if c.State() != session.StateConnected {
				return false
			}
		}
		return true
	}
	if !tickAll(&now, 20*time.Millisecond, 5000, allConnected, updates...) {
		t.Fatalf("not all %d clients connected", numClients)
	}

	payload := bytes.Repeat([]byte{0xCD}, 2500)
	const blockChannelID = 2
	for i := 0; i < 32; i++ {
		srv.BroadcastMessage(blockChannelID, payload)
		tickAll(&now, 100*time.Millisecond, 200, func() bool {
			for _, c := range clients {
				if _, ok := peekLatest(c, blockChannelID); !ok {
					return false
				}
			}
			return true
		}, updates...)
		for _, c := range clients {
			drainAll(c, blockChannelID)
		}
	}

	for _, c := range clients {
		c.Disconnect(now)
	}
	tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		return !srv.HasClients()
	}, updates...)

	if srv.HasClients() {
		t.Fatalf("server still reports clients after all disconnected")
	}
}

// peekLatest dequeues one message on channelID, if any has arrived.
func peekLatest(c *Client, channelID uint8) ([]byte, bool) {
	return c.ReceiveMessage(channelID)
}

func drainAll(c *Client, channelID uint8) {
	for {
		if _, ok := c.ReceiveMessage(channelID); !ok {
			return
		}
	}
}

// TestScenarioReplayRejection forces the medium to duplicate every
// datagram (spec.md §8 scenario 6: "a captured Payload replayed after
// its sequence number has been observed is dropped"). The session
// layer's replay window must reject the second copy of each encrypted
// packet, so the channel layer only ever sees each message once.
func TestScenarioReplayRejection(t *testing.T) {
	net := transport.NewMockNetwork(transport.MockNetworkConfig{DuplicateProbability: 1})
	srv, serverAddr := newHarness(t, net, 4)

	now := time.Now()
	authorityKey := srv.cfg.Session.PrivateKey
	cl := newConnectedClient(t, net, authorityKey, serverAddr, "client", now)

	tickAll(&now, 20*time.Millisecond, 2000, func() bool {
		return cl.State() == session.StateConnected && srv.HasClients()
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	var connID uint64
	for _, ev := range srv.Events() {
		if ev.Kind == session.EventClientConnected {
			connID = ev.ConnectionID
		}
	}

	if err := srv.SendMessage(connID, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	tickAll(&now, 20*time.Millisecond, 200, func() bool {
		_, ok := cl.ReceiveMessage(0)
		return ok
	}, srv.Update, func(n time.Time) { _ = cl.Update(n) })

	if _, ok := cl.ReceiveMessage(0); ok {
		t.Fatalf("duplicate delivery of the same message: replay window did not reject it")
	}
}
