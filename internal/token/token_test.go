package token

import (
	"testing"
	"time"

	"github.com/packetloop/netcode/internal/ncrypto"
)

func buildToken(now time.Time) *ConnectToken {
	t := &ConnectToken{
		ProtocolID:      0xfeed5eed,
		Nonce:           7,
		CreateTime:      now,
		ExpireTime:      now.Add(30 * time.Second),
		TimeoutSeconds:  5,
		ServerAddresses: []string{"127.0.0.1:40000", "10.0.0.1:40000"},
	}
	clientKey, _ := ncrypto.GenerateKey()
	serverKey, _ := ncrypto.GenerateKey()
	t.ClientKey = clientKey
	t.ServerKey = serverKey
	copy(t.UserData[:], "hello")
	return t
}

func TestEncodeDecodePublicRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := buildToken(now)
	authorityKey, _ := ncrypto.GenerateKey()

	data, err := Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	view, err := DecodePublic(data)
	if err != nil {
		t.Fatalf("DecodePublic: %v", err)
	}
	if view.ProtocolID != tok.ProtocolID {
		t.Fatalf("protocol id = %v, want %v", view.ProtocolID, tok.ProtocolID)
	}
	if view.ClientKey != tok.ClientKey || view.ServerKey != tok.ServerKey {
		t.Fatalf("keys did not round-trip through the public section")
	}
	if len(view.ServerAddresses) != 2 || view.ServerAddresses[0] != "127.0.0.1:40000" {
		t.Fatalf("server addresses did not round-trip: %v", view.ServerAddresses)
	}
}

func TestDecodeRejectsWrongAuthorityKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := buildToken(now)
	authorityKey, _ := ncrypto.GenerateKey()
	wrongKey, _ := ncrypto.GenerateKey()

	data, err := Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(data, wrongKey, now); err == nil {
		t.Fatalf("expected Decode with the wrong authority key to fail")
	}
}

func TestDecodeRoundTripAndUserData(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := buildToken(now)
	authorityKey, _ := ncrypto.GenerateKey()

	data, err := Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data, authorityKey, now)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ClientKey != tok.ClientKey || got.ServerKey != tok.ServerKey {
		t.Fatalf("keys did not round-trip through the sealed section")
	}
	if got.UserData != tok.UserData {
		t.Fatalf("user data did not round-trip")
	}
	if len(got.ServerAddresses) != 2 {
		t.Fatalf("server addresses did not round-trip through the sealed section: %v", got.ServerAddresses)
	}
}

func TestDecodeExpiredStillReturnsKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := buildToken(now)
	authorityKey, _ := ncrypto.GenerateKey()

	data, err := Encode(tok, authorityKey)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	past := now.Add(time.Hour)
	got, err := Decode(data, authorityKey, past)
	if err != ErrExpired {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if got == nil || got.ClientKey != tok.ClientKey {
		t.Fatalf("expired token must still return its decrypted keys for the ConnectionDenied reply")
	}
}

func TestEncodeRejectsTooManyServerAddresses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := buildToken(now)
	for i := 0; i < MaxServerAddresses+1; i++ {
		tok.ServerAddresses = append(tok.ServerAddresses, "127.0.0.1:1")
	}
	authorityKey, _ := ncrypto.GenerateKey()

	if _, err := Encode(tok, authorityKey); err != ErrTooManyAddrs {
		t.Fatalf("err = %v, want ErrTooManyAddrs", err)
	}
}
