package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "VEILENC1\n"

	kdfArgon2id = "argon2id"
	kdfNone     = "none" // caller supplied a raw 32-byte key
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrRawData    = errors.New("securestore data has no envelope prefix")
	ErrBadRawKey  = errors.New("securestore raw key must be 32 bytes")
)

// Envelope is the versioned at-rest encryption container. Everything the
// core persists to disk goes through it.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time,omitempty"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb,omitempty"`
	KDFThreads  uint8  `json:"kdf_threads,omitempty"`
	Salt        []byte `json:"salt,omitempty"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under a passphrase-derived key and returns the
// serialized envelope with the file prefix.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := passphraseKey(passphrase, salt)
	defer zeroBytes(key)

	env, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	env.KDF = kdfArgon2id
	env.KDFTime = 2
	env.KDFMemoryKB = 64 * 1024
	env.KDFThreads = 1
	env.Salt = salt
	return marshalEnvelope(env)
}

// EncryptWithKey seals plaintext under a caller-provided 32-byte key,
// typically the seed-derived storage key. No KDF pass is applied.
func EncryptWithKey(key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadRawKey
	}
	env, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	env.KDF = kdfNone
	return marshalEnvelope(env)
}

// Decrypt opens a serialized envelope with a passphrase.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.KDF != kdfArgon2id {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	return open(key, env)
}

// DecryptWithKey opens a serialized envelope with a raw 32-byte key.
func DecryptWithKey(key, data []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadRawKey
	}
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.KDF != kdfNone {
		return nil, ErrInvalid
	}
	return open(key, env)
}

func seal(key, plaintext []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:    envelopeVersion,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func open(key []byte, env *Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func marshalEnvelope(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func parseEnvelope(data []byte) (*Envelope, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrRawData
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion {
		return nil, ErrInvalid
	}
	return &env, nil
}

func passphraseKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
