// Package ncrypto provides the authenticated encryption and replay
// protection primitives shared by the session layer and the token
// authority.
package ncrypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of a symmetric directional key.
const KeySize = chacha20poly1305.KeySize

// Overhead is the number of bytes an authenticated seal adds to a
// plaintext (the Poly1305 tag).
const Overhead = chacha20poly1305.Overhead

var ErrDecryptionFailed = errors.New("ncrypto: decryption failed")

// Key is a 32-byte symmetric key used in one direction of a session.
type Key [KeySize]byte

// GenerateKey returns a fresh random key suitable for a directional
// session key or a token private key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("ncrypto: generate key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a hex-encoded authority/session key, the form it
// travels in through environment variables and config files.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("ncrypto: parse key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("ncrypto: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// String hex-encodes the key, the inverse of ParseKey.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// nonceFromSequence expands a 64-bit packet sequence number into the
// 12-byte nonce chacha20poly1305 requires. Sequence numbers are unique
// per (key, direction) for the lifetime of a session, which is exactly
// the uniqueness chacha20poly1305 needs from its nonce.
func nonceFromSequence(seq uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts and authenticates plaintext under key, using seq as the
// nonce and associatedData (e.g. the protocol id) as additional
// authenticated data. Returns ciphertext||tag.
func Seal(key Key, seq uint64, associatedData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncrypto: new aead: %w", err)
	}
	nonce := nonceFromSequence(seq)
	dst := make([]byte, 0, len(plaintext)+Overhead)
	return aead.Seal(dst, nonce[:], plaintext, associatedData), nil
}

// Open authenticates and decrypts a Seal-produced ciphertext. Any
// single-bit mutation of ciphertext, associatedData, or seq causes this
// to fail with ErrDecryptionFailed.
func Open(key Key, seq uint64, associatedData, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncrypto: new aead: %w", err)
	}
	nonce := nonceFromSequence(seq)
	dst := make([]byte, 0, len(ciphertext))
	plaintext, err := aead.Open(dst, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
