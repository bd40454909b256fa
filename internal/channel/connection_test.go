package channel

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	reliableID   = 0
	unreliableID = 1
	blockID      = 2
)

func newPair() (*RemoteConnection, *RemoteConnection) {
	cfg := DefaultConfig()
	a := NewRemoteConnection(cfg, zerolog.Nop())
	b := NewRemoteConnection(cfg, zerolog.Nop())
	return a, b
}

// pump drives one tick of a's outgoing packets into b, so a and b can
// stand in for the client and server sides of one connection.
func pump(t *testing.T, from, to *RemoteConnection, now time.Time) {
	t.Helper()
	packets, err := from.GetPacketsToSend(now)
	if err != nil {
		t.Fatalf("GetPacketsToSend: %v", err)
	}
	for _, p := range packets {
		if err := to.HandleIncomingDatagram(p, now); err != nil {
			t.Fatalf("HandleIncomingDatagram: %v", err)
		}
	}
}

func TestReliableChannelDeliversInOrder(t *testing.T) {
	a, b := newPair()
	now := time.Now()

	if err := a.SendMessage(reliableID, []byte("one")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := a.SendMessage(reliableID, []byte("two")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Millisecond)
		pump(t, a, b, now)
		pump(t, b, a, now) // acks flow back
	}

	first, ok := b.ReceiveMessage(reliableID)
	if !ok || string(first) != "one" {
		t.Fatalf("first message = %q, %v", first, ok)
	}
	second, ok := b.ReceiveMessage(reliableID)
	if !ok || string(second) != "two" {
		t.Fatalf("second message = %q, %v", second, ok)
	}
	if _, ok := b.ReceiveMessage(reliableID); ok {
		t.Fatal("expected no third message")
	}
}

func TestReliableChannelResendsUntilAcked(t *testing.T) {
	a, b := newPair()
	now := time.Now()

	if err := a.SendMessage(reliableID, []byte("retry me")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// First send, but drop it on the wire (never delivered to b).
	if _, err := a.GetPacketsToSend(now); err != nil {
		t.Fatalf("GetPacketsToSend: %v", err)
	}

	// Advance past ResendTime (300ms default) without having acked
	// anything; the reliable channel must resend the same message.
	now = now.Add(350 * time.Millisecond)
	packets, err := a.GetPacketsToSend(now)
	if err != nil {
		t.Fatalf("GetPacketsToSend: %v", err)
	}
	if len(packets) == 0 {
		t.Fatal("expected a resend after ResendTime elapsed")
	}
	for _, p := range packets {
		if err := b.HandleIncomingDatagram(p, now); err != nil {
			t.Fatalf("HandleIncomingDatagram: %v", err)
		}
	}
	msg, ok := b.ReceiveMessage(reliableID)
	if !ok || string(msg) != "retry me" {
		t.Fatalf("resent message = %q, %v", msg, ok)
	}
}

func TestUnreliableChannelBestEffort(t *testing.T) {
	a, b := newPair()
	now := time.Now()

	if err := a.SendMessage(unreliableID, []byte("fire and forget")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	pump(t, a, b, now)

	msg, ok := b.ReceiveMessage(unreliableID)
	if !ok || string(msg) != "fire and forget" {
		t.Fatalf("message = %q, %v", msg, ok)
	}

	// Nothing queued: a subsequent tick sends no packet for this channel.
	packets, err := a.GetPacketsToSend(now.Add(10 * time.Millisecond))
	if err != nil {
		t.Fatalf("GetPacketsToSend: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no packets with nothing queued, got %d", len(packets))
	}
}

func TestBlockChannelReassemblesMultiSliceBlock(t *testing.T) {
	a, b := newPair()
	now := time.Now()

	block := make([]byte, 4000) // larger than one slice
	for i := range block {
		block[i] = byte(i)
	}
	if err := a.SendMessage(blockID, block); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for i := 0; i < 10; i++ {
		now = now.Add(10 * time.Millisecond)
		pump(t, a, b, now)
		pump(t, b, a, now)
	}

	got, ok := b.ReceiveMessage(blockID)
	if !ok {
		t.Fatal("expected the block to be fully reassembled and delivered")
	}
	if len(got) != len(block) {
		t.Fatalf("reassembled block length = %d, want %d", len(got), len(block))
	}
	for i := range got {
		if got[i] != block[i] {
			t.Fatalf("reassembled block differs at byte %d", i)
		}
	}
}

func TestUnknownChannelIsRejected(t *testing.T) {
	a, _ := newPair()
	if err := a.SendMessage(99, []byte("nope")); err != ErrUnknownChannel {
		t.Fatalf("SendMessage on unknown channel = %v, want ErrUnknownChannel", err)
	}
	if _, ok := a.ReceiveMessage(99); ok {
		t.Fatal("ReceiveMessage on unknown channel should report false")
	}
	if a.CanSendMessage(99) {
		t.Fatal("CanSendMessage on unknown channel should be false")
	}
}

func TestKeepAliveTimeoutIsFatal(t *testing.T) {
	a, b := newPair()
	now := time.Now()
	if err := b.Update(now); err != nil {
		t.Fatalf("Update before any traffic should not be fatal: %v", err)
	}

	// One real datagram sets b's last-received clock ticking.
	if err := a.SendMessage(unreliableID, []byte("ping")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	pump(t, a, b, now)
	if _, ok := b.ReceiveMessage(unreliableID); !ok {
		t.Fatal("expected the ping to be delivered")
	}

	future := now.Add(b.cfg.KeepAliveTimeout + time.Second)
	if err := b.Update(future); err == nil {
		t.Fatal("expected a keep-alive timeout error")
	}
	if b.FatalError() == nil {
		t.Fatal("FatalError should report the timeout after Update")
	}
}
