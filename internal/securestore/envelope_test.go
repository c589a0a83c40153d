package securestore

import (
	"bytes"
	"testing"
)

func TestPassphraseRoundTrip(t *testing.T) {
	data, err := Encrypt("correct horse", []byte("secret payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := Decrypt("correct horse", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("secret payload")) {
		t.Fatal("round trip must return the original payload")
	}
}

func TestWrongPassphraseFailsClosed(t *testing.T) {
	data, err := Encrypt("right", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("wrong", data); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRawKeyRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x2a}, 32)
	data, err := EncryptWithKey(key, []byte("keyed payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := DecryptWithKey(key, data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("keyed payload")) {
		t.Fatal("round trip must return the original payload")
	}
	// A passphrase envelope and a raw-key envelope are not interchangeable.
	if _, err := Decrypt("anything", data); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for kdf mismatch, got %v", err)
	}
}

func TestRejectsDataWithoutPrefix(t *testing.T) {
	if _, err := Decrypt("p", []byte("not an envelope")); err != ErrRawData {
		t.Fatalf("expected ErrRawData, got %v", err)
	}
}

func TestRejectsShortRawKey(t *testing.T) {
	if _, err := EncryptWithKey([]byte("short"), []byte("x")); err != ErrBadRawKey {
		t.Fatalf("expected ErrBadRawKey, got %v", err)
	}
}
