// Package token implements the opaque ConnectToken credential described
// in spec.md §3 and §6: an out-of-band authority (here, cmd/tokenserver)
// mints one per connection attempt; the session layer only ever
// consumes it.
package token

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/wire"
)

// MaxServerAddresses bounds how many candidate server addresses a token
// may carry, keeping the wire size fixed-ish and bounded per the
// "bounded memory" design note (spec.md §9).
const MaxServerAddresses = 8

// UserDataSize is the fixed size of the opaque application user-data
// blob carried in every token (spec.md §6 "token user-data field").
const UserDataSize = 256

var (
	ErrExpired       = fmt.Errorf("token: expired")
	ErrMalformed     = fmt.Errorf("token: malformed")
	ErrTooManyAddrs  = fmt.Errorf("token: too many server addresses")
	ErrUserDataSize  = fmt.Errorf("token: user data must be %d bytes", UserDataSize)
	ErrDecryptFailed = ncrypto.ErrDecryptionFailed
)

// ConnectToken is the credential spec.md §3 describes: single-use by
// construction (the authority never mints the same Nonce twice),
// carrying the protocol id, expiry, a directional key pair, a user-data
// blob, and the servers the client may attempt to reach.
type ConnectToken struct {
	ProtocolID      uint64
	Nonce           uint64 // authority-assigned, unique; also the replay marker
	CreateTime      time.Time
	ExpireTime      time.Time
	TimeoutSeconds  int32
	ServerAddresses []string
	ClientKey       ncrypto.Key // client → server
	ServerKey       ncrypto.Key // server → client
	UserData        [UserDataSize]byte
}

// Expired reports whether the token's expiry has passed as of now.
func (t *ConnectToken) Expired(now time.Time) bool {
	return now.After(t.ExpireTime)
}

// privatePayload serializes the fields only the issuing authority and
// the server are meant to see.
func (t *ConnectToken) privatePayload() ([]byte, error) {
	if len(t.ServerAddresses) > MaxServerAddresses {
		return nil, ErrTooManyAddrs
	}
	w := wire.NewWriter(64 + UserDataSize)
	w.U32(uint32(t.TimeoutSeconds))
	w.Raw(t.ClientKey[:])
	w.Raw(t.ServerKey[:])
	w.Raw(t.UserData[:])
	w.U8(uint8(len(t.ServerAddresses)))
	for _, addr := range t.ServerAddresses {
		if err := w.Bytes8([]byte(addr)); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// associatedData binds the protocol id and expiry into the seal so a
// swapped-in token from a different protocol/expiry is rejected even if
// the private payload alone would decrypt.
func associatedData(protocolID uint64, expire time.Time) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[:8], protocolID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(expire.Unix()))
	return buf
}

// Encode seals the token under the authority's private key, returning
// the bytes that travel inside a ConnectionRequest packet and are later
// handed to the client out of band. The ConnectionRequest envelope
// itself is unencrypted (spec.md §4.1); the opacity of the credential
// comes from the inner seal, not from the outer packet.
//
// The wire format carries two views of the same facts: a client-
// readable public section (protocol id, expiry, timeout, server
// addresses, and both directional keys — the client needs these to
// talk to the server at all) and a server-only section sealed under
// authorityKey. The server never trusts the public copy of the keys;
// it only acts on what it can decrypt from the sealed section, so a
// tampered public section is simply a token that fails to authenticate
// consistently and gets dropped.
func Encode(t *ConnectToken, authorityKey ncrypto.Key) ([]byte, error) {
	private, err := t.privatePayload()
	if err != nil {
		return nil, err
	}
	sealed, err := ncrypto.Seal(authorityKey, t.Nonce, associatedData(t.ProtocolID, t.ExpireTime), private)
	if err != nil {
		return nil, err
	}
	if len(t.ServerAddresses) > MaxServerAddresses {
		return nil, ErrTooManyAddrs
	}

	w := wire.NewWriter(64 + len(sealed))
	w.U64(t.ProtocolID)
	w.U64(t.Nonce)
	w.U64(uint64(t.CreateTime.Unix()))
	w.U64(uint64(t.ExpireTime.Unix()))
	w.U32(uint32(t.TimeoutSeconds))
	w.Raw(t.ClientKey[:])
	w.Raw(t.ServerKey[:])
	w.U8(uint8(len(t.ServerAddresses)))
	for _, addr := range t.ServerAddresses {
		if err := w.Bytes8([]byte(addr)); err != nil {
			return nil, err
		}
	}
	if err := w.Bytes16(sealed); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ClientView is what a client can read from an encoded token without
// the authority's private key: everything it needs to speak to the
// server, but not the user-data blob (that is delivered to the
// application only on the server side, via ClientConnected).
type ClientView struct {
	ProtocolID      uint64
	Nonce           uint64
	ExpireTime      time.Time
	TimeoutSeconds  int32
	ServerAddresses []string
	ClientKey       ncrypto.Key
	ServerKey       ncrypto.Key
}

// DecodePublic parses the client-readable section of an encoded token.
// It does not verify or touch the sealed server-only section.
func DecodePublic(data []byte) (*ClientView, error) {
	r := wire.NewReader(data)
	protocolID, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	nonce, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	if _, err := r.U64(); err != nil { // create time, unused by the client
		return nil, ErrMalformed
	}
	expireUnix, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	timeoutRaw, err := r.U32()
	if err != nil {
		return nil, ErrMalformed
	}
	clientKeyBytes, err := r.FixedN(ncrypto.KeySize)
	if err != nil {
		return nil, ErrMalformed
	}
	serverKeyBytes, err := r.FixedN(ncrypto.KeySize)
	if err != nil {
		return nil, ErrMalformed
	}
	addrCount, err := r.U8()
	if err != nil {
		return nil, ErrMalformed
	}
	addrs := make([]string, 0, addrCount)
	for i := uint8(0); i < addrCount; i++ {
		a, err := r.Bytes8()
		if err != nil {
			return nil, ErrMalformed
		}
		addrs = append(addrs, string(a))
	}

	v := &ClientView{
		ProtocolID:      protocolID,
		Nonce:           nonce,
		ExpireTime:      time.Unix(int64(expireUnix), 0),
		TimeoutSeconds:  int32(timeoutRaw),
		ServerAddresses: addrs,
	}
	copy(v.ClientKey[:], clientKeyBytes)
	copy(v.ServerKey[:], serverKeyBytes)
	return v, nil
}

// Decode opens a token sealed by Encode. Callers (the server session
// layer) must additionally check the Nonce against a consumed-token set
// to enforce single use — Decode only verifies authenticity and expiry.
//
// If the token authenticates but has expired, Decode returns both a
// fully populated ConnectToken and ErrExpired: the server needs the
// session keys even on this path, to encrypt the single ConnectionDenied
// reply spec.md §4.1 calls for. Every other failure returns a nil
// token — there is nothing trustworthy to hand back.
func Decode(data []byte, authorityKey ncrypto.Key, now time.Time) (*ConnectToken, error) {
	r := wire.NewReader(data)
	protocolID, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	nonce, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	createUnix, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	expireUnix, err := r.U64()
	if err != nil {
		return nil, ErrMalformed
	}
	// Skip the plaintext public section (timeout, keys, addresses);
	// the server trusts only what it can decrypt below.
	if _, err := r.U32(); err != nil {
		return nil, ErrMalformed
	}
	if _, err := r.FixedN(ncrypto.KeySize); err != nil {
		return nil, ErrMalformed
	}
	if _, err := r.FixedN(ncrypto.KeySize); err != nil {
		return nil, ErrMalformed
	}
	publicAddrCount, err := r.U8()
	if err != nil {
		return nil, ErrMalformed
	}
	for i := uint8(0); i < publicAddrCount; i++ {
		if _, err := r.Bytes8(); err != nil {
			return nil, ErrMalformed
		}
	}
	sealed, err := r.Bytes16()
	if err != nil {
		return nil, ErrMalformed
	}

	expire := time.Unix(int64(expireUnix), 0)

	private, err := ncrypto.Open(authorityKey, nonce, associatedData(protocolID, expire), sealed)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	pr := wire.NewReader(private)
	timeoutRaw, err := pr.U32()
	if err != nil {
		return nil, ErrMalformed
	}
	clientKeyBytes, err := pr.FixedN(ncrypto.KeySize)
	if err != nil {
		return nil, ErrMalformed
	}
	serverKeyBytes, err := pr.FixedN(ncrypto.KeySize)
	if err != nil {
		return nil, ErrMalformed
	}
	userData, err := pr.FixedN(UserDataSize)
	if err != nil {
		return nil, ErrMalformed
	}
	addrCount, err := pr.U8()
	if err != nil {
		return nil, ErrMalformed
	}
	addrs := make([]string, 0, addrCount)
	for i := uint8(0); i < addrCount; i++ {
		a, err := pr.Bytes8()
		if err != nil {
			return nil, ErrMalformed
		}
		addrs = append(addrs, string(a))
	}

	t := &ConnectToken{
		ProtocolID:      protocolID,
		Nonce:           nonce,
		CreateTime:      time.Unix(int64(createUnix), 0),
		ExpireTime:      expire,
		TimeoutSeconds:  int32(timeoutRaw),
		ServerAddresses: addrs,
	}
	copy(t.ClientKey[:], clientKeyBytes)
	copy(t.ServerKey[:], serverKeyBytes)
	copy(t.UserData[:], userData)
	if now.After(expire) {
		return t, ErrExpired
	}
	return t, nil
}
