package ncrypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ad := []byte("protocol-id")
	plaintext := []byte("hello, connected world")

	ciphertext, err := Seal(key, 42, ad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+Overhead {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+Overhead)
	}

	got, err := Open(key, 42, ad, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("Open = %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsWrongSequence(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Seal(key, 1, nil, []byte("payload"))
	if _, err := Open(key, 2, nil, ciphertext); err != ErrDecryptionFailed {
		t.Fatalf("Open with wrong sequence = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenRejectsWrongAssociatedData(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Seal(key, 1, []byte("a"), []byte("payload"))
	if _, err := Open(key, 1, []byte("b"), ciphertext); err != ErrDecryptionFailed {
		t.Fatalf("Open with wrong associated data = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Seal(key, 1, nil, []byte("payload"))
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff
	if _, err := Open(key, 1, nil, tampered); err != ErrDecryptionFailed {
		t.Fatalf("Open with tampered ciphertext = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	ciphertext, _ := Seal(key1, 1, nil, []byte("payload"))
	if _, err := Open(key2, 1, nil, ciphertext); err != ErrDecryptionFailed {
		t.Fatalf("Open with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	parsed, err := ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != key {
		t.Fatalf("ParseKey round trip mismatch")
	}
}

func TestParseKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParseKey("deadbeef"); err == nil {
		t.Fatal("ParseKey with short input should fail")
	}
}

func TestParseKeyRejectsInvalidHex(t *testing.T) {
	if _, err := ParseKey("not-hex-at-all-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"); err == nil {
		t.Fatal("ParseKey with invalid hex should fail")
	}
}
