// Package sealed implements pairwise authenticated encryption with
// sender attribution carried inside the ciphertext. The relay and the
// push pipeline only ever see the opaque envelope; the receiver learns
// who sent a message after, and only after, a successful decrypt.
package sealed

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"veil-chat/go-core/internal/keyderive"
)

// ProtocolVersion is bumped on any change to the envelope layout or the
// key schedule. Decrypt rejects anything else before touching key
// material.
const ProtocolVersion = 1

// Derivation paths for the per-message key pair. Both keys come from
// the same ECDH shared secret; the paths keep them independent.
const (
	pathMessageEncryption = "veil/message/encryption/v1"
	pathMessageMAC        = "veil/message/mac/v1"
)

// headerSeparator splits the serialized sender header from the message
// body inside the plaintext.
const headerSeparator = 0x00

var (
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrTampered           = errors.New("envelope failed authentication")
	ErrMalformedHeader    = errors.New("decrypted payload has no valid sender header")
	ErrUnknownSender      = errors.New("no directory contact opens this envelope")
)

// Envelope is the wire form of one sealed message. Ciphertext, Nonce
// and MAC are opaque to every intermediary.
type Envelope struct {
	Version    int    `json:"v"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
}

// Message is the decrypted result: the attributed sender, the moment
// the sender stamped the envelope, and the body.
type Message struct {
	SenderID string
	SentAt   time.Time
	Body     []byte
}

// Encode serializes the envelope for relay transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope previously produced by Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Seal encrypts body for the holder of recipientPublicKey and embeds
// senderID so the recipient can attribute the message after decryption.
func Seal(body []byte, senderID string, recipientPublicKey, senderPrivateKey []byte) (*Envelope, error) {
	encKey, macKey, err := messageKeys(senderPrivateKey, recipientPublicKey)
	if err != nil {
		return nil, err
	}

	plaintext := encodeHeader(senderID, time.Now())
	plaintext = append(plaintext, headerSeparator)
	plaintext = append(plaintext, body...)

	ciphertext, nonce, err := keyderive.Encrypt(plaintext, encKey)
	if err != nil {
		return nil, err
	}
	mac := authenticate(macKey, ciphertext, nonce)

	return &Envelope{
		Version:    ProtocolVersion,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		MAC:        mac,
	}, nil
}

// Open verifies and decrypts an envelope from a known sender. The MAC
// is checked before any decryption is attempted, and a mismatch fails
// closed without revealing which stage rejected the envelope.
func Open(env *Envelope, senderPublicKey, recipientPrivateKey []byte) (*Message, error) {
	if env.Version != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	encKey, macKey, err := messageKeys(recipientPrivateKey, senderPublicKey)
	if err != nil {
		return nil, err
	}

	expected := authenticate(macKey, env.Ciphertext, env.Nonce)
	if subtle.ConstantTimeCompare(expected, env.MAC) != 1 {
		return nil, ErrTampered
	}

	plaintext, err := keyderive.Decrypt(env.Ciphertext, env.Nonce, encKey)
	if err != nil {
		return nil, ErrTampered
	}
	return splitHeader(plaintext)
}

// OpenFromDirectory tries every contact in the directory until one
// opens the envelope, then cross-checks the embedded sender id against
// the directory entry that worked. contacts maps identity id to the
// contact's encryption public key.
func OpenFromDirectory(env *Envelope, recipientPrivateKey []byte, contacts map[string][]byte) (*Message, error) {
	if env.Version != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	for id, pub := range contacts {
		msg, err := Open(env, pub, recipientPrivateKey)
		if err != nil {
			continue
		}
		if msg.SenderID != id {
			return nil, ErrTampered
		}
		return msg, nil
	}
	return nil, ErrUnknownSender
}

// messageKeys runs the static-static ECDH and splits the shared secret
// into the encryption key and the MAC key. ECDH symmetry means both
// sides call this with their own private key and the peer's public key
// and land on the same pair.
func messageKeys(privateKey, publicKey []byte) (encKey, macKey []byte, err error) {
	shared, err := keyderive.SharedSecret(privateKey, publicKey)
	if err != nil {
		return nil, nil, err
	}
	encKey, err = keyderive.Derive(shared, pathMessageEncryption)
	if err != nil {
		return nil, nil, err
	}
	macKey, err = keyderive.Derive(shared, pathMessageMAC)
	if err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

// authenticate computes HMAC-SHA256 over ciphertext || nonce, built
// from the bare hash with explicit inner/outer padding.
func authenticate(key, ciphertext, nonce []byte) []byte {
	const blockSize = 64

	padded := make([]byte, blockSize)
	if len(key) > blockSize {
		sum := sha256.Sum256(key)
		copy(padded, sum[:])
	} else {
		copy(padded, key)
	}

	inner := make([]byte, blockSize)
	outer := make([]byte, blockSize)
	for i := range padded {
		inner[i] = padded[i] ^ 0x36
		outer[i] = padded[i] ^ 0x5c
	}

	h := sha256.New()
	h.Write(inner)
	h.Write(ciphertext)
	h.Write(nonce)
	innerSum := h.Sum(nil)

	h = sha256.New()
	h.Write(outer)
	h.Write(innerSum)
	return h.Sum(nil)
}

func encodeHeader(senderID string, at time.Time) []byte {
	return []byte(senderID + "|" + strconv.FormatInt(at.UnixMilli(), 10))
}

func splitHeader(plaintext []byte) (*Message, error) {
	sep := -1
	for i, b := range plaintext {
		if b == headerSeparator {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, ErrMalformedHeader
	}

	header := string(plaintext[:sep])
	id, millis, ok := strings.Cut(header, "|")
	if !ok || id == "" {
		return nil, ErrMalformedHeader
	}
	ts, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return nil, ErrMalformedHeader
	}

	return &Message{
		SenderID: id,
		SentAt:   time.UnixMilli(ts).UTC(),
		Body:     plaintext[sep+1:],
	}, nil
}
