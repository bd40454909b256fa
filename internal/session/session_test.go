package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/token"
)

const testProtocolID = uint64(0xfeedbead)

func discardLogger() zerolog.Logger { return zerolog.Nop() }

func buildConnectToken(t *testing.T, serverAddr string, nonce uint64) (tokenBytes []byte, authorityKey ncrypto.Key) {
	t.Helper()
	authorityKey, err := ncrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	clientKey, _ := ncrypto.GenerateKey()
	serverKey, _ := ncrypto.GenerateKey()
	now := time.Now()
	tok := &token.ConnectToken{
		ProtocolID:      testProtocolID,
		Nonce:           nonce,
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  5,
		ServerAddresses: []string{serverAddr},
		ClientKey:       clientKey,
		ServerKey:       serverKey,
	}
	data, err := token.Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data, authorityKey
}

func newTestServer(t *testing.T, authorityKey ncrypto.Key) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProtocolID = testProtocolID
	cfg.MaxClients = 4
	cfg.PrivateKey = authorityKey
	return NewServer(cfg, discardLogger(), func() uint64 { return 777 })
}

func newTestClient(t *testing.T, tokenBytes []byte) *Client {
	t.Helper()
	view, err := token.DecodePublic(tokenBytes)
	if err != nil {
		t.Fatalf("DecodePublic: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ProtocolID = testProtocolID
	return NewClient(cfg, discardLogger(), tokenBytes, view)
}

// driveHandshake pumps client Tick / server ProcessIncoming / client
// ProcessIncoming until the client reaches Connected, failing the test
// after a generous number of rounds.
func driveHandshake(t *testing.T, c *Client, s *Server, serverAddr, clientAddr string, now time.Time) time.Time {
	t.Helper()
	c.Start(now)
	for i := 0; i < 10 && c.State() != StateConnected; i++ {
		now = now.Add(50 * time.Millisecond)
		outs, err := c.Tick(now)
		if err != nil {
			t.Fatalf("client Tick: %v", err)
		}
		for _, out := range outs {
			action, replies, err := s.ProcessIncoming(out.Data, clientAddr, now)
			if err != nil {
				t.Fatalf("server ProcessIncoming: %v", err)
			}
			_ = action
			for _, reply := range replies {
				if _, err := c.ProcessIncoming(reply.Data, serverAddr, now); err != nil {
					t.Fatalf("client ProcessIncoming: %v", err)
				}
			}
		}
	}
	if c.State() != StateConnected {
		t.Fatalf("client never reached Connected, stuck in %s", c.State())
	}
	return now
}

func TestHandshakeReachesConnected(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	tokenBytes, authorityKey := buildConnectToken(t, serverAddr, 1)

	s := newTestServer(t, authorityKey)
	c := newTestClient(t, tokenBytes)

	driveHandshake(t, c, s, serverAddr, clientAddr, time.Now())

	if s.ClientCount() != 1 {
		t.Fatalf("server ClientCount = %d, want 1", s.ClientCount())
	}
	events := s.Events()
	if len(events) != 1 || events[0].Kind != EventClientConnected {
		t.Fatalf("server events = %+v, want one EventClientConnected", events)
	}
	if c.ConnectionID() == 0 {
		t.Fatal("client ConnectionID should be non-zero once connected")
	}
}

func TestPayloadRoundTripAfterHandshake(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	tokenBytes, authorityKey := buildConnectToken(t, serverAddr, 1)

	s := newTestServer(t, authorityKey)
	c := newTestClient(t, tokenBytes)
	now := driveHandshake(t, c, s, serverAddr, clientAddr, time.Now())
	s.Events() // drain the connect event

	payload := []byte("hello server")
	pkt, err := c.SendPayload(payload)
	if err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	action, _, err := s.ProcessIncoming(pkt, clientAddr, now)
	if err != nil {
		t.Fatalf("server ProcessIncoming: %v", err)
	}
	if action.Kind != ActionPayload || string(action.Payload) != string(payload) {
		t.Fatalf("server action = %+v, want ActionPayload %q", action, payload)
	}

	out, err := s.GeneratePayloadPacket(c.ConnectionID(), []byte("hello client"))
	if err != nil {
		t.Fatalf("GeneratePayloadPacket: %v", err)
	}
	caction, err := c.ProcessIncoming(out.Data, serverAddr, now)
	if err != nil {
		t.Fatalf("client ProcessIncoming: %v", err)
	}
	if caction.Kind != ActionPayload || string(caction.Payload) != "hello client" {
		t.Fatalf("client action = %+v", caction)
	}
}

func TestServerDeniesWrongProtocolID(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	authorityKey, _ := ncrypto.GenerateKey()
	clientKey, _ := ncrypto.GenerateKey()
	serverKey, _ := ncrypto.GenerateKey()
	now := time.Now()
	tok := &token.ConnectToken{
		ProtocolID:      testProtocolID + 1, // mismatched on purpose
		Nonce:           1,
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  5,
		ServerAddresses: []string{serverAddr},
		ClientKey:       clientKey,
		ServerKey:       serverKey,
	}
	tokenBytes, err := token.Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	s := newTestServer(t, authorityKey)
	req, err := EncodeConnectionRequest(tokenBytes)
	if err != nil {
		t.Fatalf("EncodeConnectionRequest: %v", err)
	}
	action, replies, err := s.ProcessIncoming(req, clientAddr, now)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if action.Kind != ActionNone || len(replies) != 1 {
		t.Fatalf("expected exactly one deny reply, got action=%+v replies=%d", action, len(replies))
	}
	pt, _, plaintext, err := DecodeEncrypted(replies[0].Data, serverKey, testProtocolID)
	if err != nil {
		t.Fatalf("DecodeEncrypted: %v", err)
	}
	if pt != PacketConnectionDenied {
		t.Fatalf("reply packet type = %s, want ConnectionDenied", pt)
	}
	reason, err := DecodeConnectionDenied(plaintext)
	if err != nil {
		t.Fatalf("DecodeConnectionDenied: %v", err)
	}
	if reason != DenyProtocolMismatch {
		t.Fatalf("deny reason = %v, want DenyProtocolMismatch", reason)
	}
}

func TestServerRejectsFullSlotTable(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	authorityKey, _ := ncrypto.GenerateKey()
	cfg := DefaultConfig()
	cfg.ProtocolID = testProtocolID
	cfg.MaxClients = 1
	cfg.PrivateKey = authorityKey
	s := NewServer(cfg, discardLogger(), func() uint64 { return 1 })

	tokenBytes1, _ := buildConnectTokenWithKey(t, authorityKey, serverAddr, 1)
	c1 := newTestClient(t, tokenBytes1)
	now := driveHandshake(t, c1, s, serverAddr, "127.0.0.1:50001", time.Now())

	tokenBytes2, _ := buildConnectTokenWithKey(t, authorityKey, serverAddr, 2)
	req2, err := EncodeConnectionRequest(tokenBytes2)
	if err != nil {
		t.Fatalf("EncodeConnectionRequest: %v", err)
	}
	view2, err := token.DecodePublic(tokenBytes2)
	if err != nil {
		t.Fatalf("DecodePublic: %v", err)
	}
	action, replies, err := s.ProcessIncoming(req2, "127.0.0.1:50002", now)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if action.Kind != ActionNone || len(replies) != 1 {
		t.Fatalf("expected a deny reply for the full server, got action=%+v replies=%d", action, len(replies))
	}
	_, _, plaintext, err := DecodeEncrypted(replies[0].Data, view2.ServerKey, testProtocolID)
	if err != nil {
		t.Fatalf("DecodeEncrypted: %v", err)
	}
	reason, err := DecodeConnectionDenied(plaintext)
	if err != nil {
		t.Fatalf("DecodeConnectionDenied: %v", err)
	}
	if reason != DenyServerFull {
		t.Fatalf("deny reason = %v, want DenyServerFull", reason)
	}
}

// buildConnectTokenWithKey is like buildConnectToken but reuses a caller
// supplied authority key, so multiple tokens can target the same server.
func buildConnectTokenWithKey(t *testing.T, authorityKey ncrypto.Key, serverAddr string, nonce uint64) ([]byte, ncrypto.Key) {
	t.Helper()
	clientKey, _ := ncrypto.GenerateKey()
	serverKey, _ := ncrypto.GenerateKey()
	now := time.Now()
	tok := &token.ConnectToken{
		ProtocolID:      testProtocolID,
		Nonce:           nonce,
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  5,
		ServerAddresses: []string{serverAddr},
		ClientKey:       clientKey,
		ServerKey:       serverKey,
	}
	data, err := token.Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data, authorityKey
}

func TestClientDisconnectTriggersServerEvent(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	tokenBytes, authorityKey := buildConnectToken(t, serverAddr, 1)

	s := newTestServer(t, authorityKey)
	c := newTestClient(t, tokenBytes)
	now := driveHandshake(t, c, s, serverAddr, clientAddr, time.Now())
	s.Events()

	outs := c.Disconnect(now)
	if len(outs) == 0 {
		t.Fatal("Disconnect should flood at least one Disconnect packet")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("client state = %s, want disconnected", c.State())
	}

	action, _, err := s.ProcessIncoming(outs[0].Data, clientAddr, now)
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if action.Kind != ActionDisconnected || action.Reason != DisconnectedByClient {
		t.Fatalf("server action = %+v, want ActionDisconnected/DisconnectedByClient", action)
	}
	events := s.Events()
	if len(events) != 1 || events[0].Kind != EventClientDisconnected {
		t.Fatalf("server events = %+v, want one EventClientDisconnected", events)
	}
	if s.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0 after disconnect", s.ClientCount())
	}
}

func TestServerTicksOutIdleClient(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	tokenBytes, authorityKey := buildConnectToken(t, serverAddr, 1)

	s := newTestServer(t, authorityKey)
	c := newTestClient(t, tokenBytes)
	now := driveHandshake(t, c, s, serverAddr, clientAddr, time.Now())
	s.Events()

	future := now.Add(10 * time.Second) // past the 5s timeout with no traffic
	s.Tick(future)
	events := s.Events()
	if len(events) != 1 || events[0].Kind != EventClientDisconnected || events[0].Reason != DisconnectedTimeout {
		t.Fatalf("events = %+v, want one timeout disconnect", events)
	}
	if s.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0 after timeout sweep", s.ClientCount())
	}
}

func TestReplayedDatagramIsDropped(t *testing.T) {
	serverAddr := "127.0.0.1:40000"
	clientAddr := "127.0.0.1:50000"
	tokenBytes, authorityKey := buildConnectToken(t, serverAddr, 1)

	s := newTestServer(t, authorityKey)
	c := newTestClient(t, tokenBytes)
	now := driveHandshake(t, c, s, serverAddr, clientAddr, time.Now())
	s.Events()

	pkt, err := c.SendPayload([]byte("once"))
	if err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	action1, _, err := s.ProcessIncoming(pkt, clientAddr, now)
	if err != nil || action1.Kind != ActionPayload {
		t.Fatalf("first delivery failed: action=%+v err=%v", action1, err)
	}
	action2, _, err := s.ProcessIncoming(pkt, clientAddr, now)
	if err != nil {
		t.Fatalf("ProcessIncoming (replay): %v", err)
	}
	if action2.Kind != ActionNone {
		t.Fatalf("replayed datagram should be dropped, got action=%+v", action2)
	}
}
