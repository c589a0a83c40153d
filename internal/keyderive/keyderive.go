package keyderive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// SeedSize is the size of the root identity seed and every derived key.
	SeedSize = 32
	// KeySize is the required size for symmetric keys passed to Encrypt/Decrypt.
	KeySize = 32
)

var (
	ErrInvalidKeyLength = errors.New("key must be exactly 32 bytes")
	ErrInvalidSeed      = errors.New("seed must be exactly 32 bytes")
	ErrDecryptFailed    = errors.New("decryption failed")
)

// Derivation paths for the purpose-scoped key hierarchy. Every key the
// core uses comes out of one root seed through one of these labels.
const (
	PathSigning     = "veil/identity/signing/v1"
	PathEncryption  = "veil/identity/encryption/v1"
	PathStorage     = "veil/storage/v1"
	PathMailboxSeed = "veil/mailbox/share/v1"
)

// NewSeed generates a fresh 32-byte root seed from the system CSPRNG.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Derive produces a 32-byte subkey from seed using the path string as the
// HKDF domain-separation context. Same (seed, path) always yields the same
// key; different paths yield independent keys.
func Derive(seed []byte, path string) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeed
	}
	reader := hkdf.New(sha256.New, seed, nil, []byte(path))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Encrypt seals data with AES-256-GCM under key. A fresh random nonce is
// generated for every call; callers must never reuse a (key, nonce) pair,
// which this API makes impossible by construction.
func Encrypt(data, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, data, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM ciphertext produced by Encrypt.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SharedSecret computes the X25519 ECDH shared secret and re-hashes it
// before use as KDF input, so the raw curve output never leaves this
// package.
func SharedSecret(privateKey, publicKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize || len(publicKey) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	raw, err := curve25519.X25519(privateKey, publicKey)
	if err != nil {
		return nil, err
	}
	hashed := sha256.Sum256(raw)
	return hashed[:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
