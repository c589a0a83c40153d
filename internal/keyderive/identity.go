package keyderive

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// KeySet holds the purpose-scoped key material derived from one root seed.
// It is recomputed on demand and never persisted separately from the seed.
type KeySet struct {
	SigningPrivateKey    ed25519.PrivateKey
	SigningPublicKey     ed25519.PublicKey
	EncryptionPrivateKey []byte // X25519 private key (32)
	EncryptionPublicKey  []byte // X25519 public key (32)
	MailboxSeed          []byte // publishable, shared with contacts (32)
}

// DeriveKeySet expands the root seed into the full identity key set.
// The mailbox seed is derived on its own path so it can be handed to
// contacts without exposing anything about the root seed or other keys.
func DeriveKeySet(seed []byte) (*KeySet, error) {
	signingSeed, err := Derive(seed, PathSigning)
	if err != nil {
		return nil, err
	}
	encPriv, err := Derive(seed, PathEncryption)
	if err != nil {
		return nil, err
	}
	mailboxSeed, err := Derive(seed, PathMailboxSeed)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &KeySet{
		SigningPrivateKey:    signingPriv,
		SigningPublicKey:     signingPriv.Public().(ed25519.PublicKey),
		EncryptionPrivateKey: encPriv,
		EncryptionPublicKey:  encPub,
		MailboxSeed:          mailboxSeed,
	}, nil
}

// BuildIdentityID encodes a signing public key into the user-visible
// identity id format.
func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return "veil1" + base58.Encode(h[:]), nil
}

// VerifyIdentityID reports whether identityID matches the public key.
func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

// Zero overwrites every private component in place.
func (k *KeySet) Zero() {
	if k == nil {
		return
	}
	zeroBytes(k.SigningPrivateKey)
	zeroBytes(k.EncryptionPrivateKey)
	zeroBytes(k.MailboxSeed)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
