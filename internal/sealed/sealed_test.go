package sealed

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
	"time"

	"veil-chat/go-core/internal/keyderive"
)

type party struct {
	id   string
	keys *keyderive.KeySet
}

func newParty(t *testing.T, seedByte byte) party {
	t.Helper()
	seed := make([]byte, keyderive.SeedSize)
	for i := range seed {
		seed[i] = seedByte
	}
	keys, err := keyderive.DeriveKeySet(seed)
	if err != nil {
		t.Fatalf("derive key set failed: %v", err)
	}
	id, err := keyderive.BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build identity id failed: %v", err)
	}
	return party{id: id, keys: keys}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)

	env, err := Seal([]byte("hello"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if env.Version != ProtocolVersion {
		t.Fatalf("expected version %d, got %d", ProtocolVersion, env.Version)
	}
	if bytes.Contains(env.Ciphertext, []byte(alice.id)) {
		t.Fatal("sender id must never appear in the ciphertext")
	}

	msg, err := Open(env, alice.keys.EncryptionPublicKey, bob.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if msg.SenderID != alice.id {
		t.Fatalf("expected sender %s, got %s", alice.id, msg.SenderID)
	}
	if !bytes.Equal(msg.Body, []byte("hello")) {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
	if time.Since(msg.SentAt) > time.Minute || msg.SentAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("implausible timestamp: %v", msg.SentAt)
	}
}

func TestOpenRejectsUnsupportedVersion(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)

	env, err := Seal([]byte("hi"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env.Version = 2
	if _, err := Open(env, alice.keys.EncryptionPublicKey, bob.keys.EncryptionPrivateKey); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestOpenFailsClosedOnTamper(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)

	fresh := func() *Envelope {
		env, err := Seal([]byte("payload"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		return env
	}

	cases := map[string]func(*Envelope){
		"ciphertext bit": func(e *Envelope) { e.Ciphertext[0] ^= 0x01 },
		"nonce bit":      func(e *Envelope) { e.Nonce[0] ^= 0x01 },
		"mac bit":        func(e *Envelope) { e.MAC[0] ^= 0x01 },
		"truncated":      func(e *Envelope) { e.Ciphertext = e.Ciphertext[:len(e.Ciphertext)-1] },
	}
	for name, mutate := range cases {
		env := fresh()
		mutate(env)
		if _, err := Open(env, alice.keys.EncryptionPublicKey, bob.keys.EncryptionPrivateKey); err != ErrTampered {
			t.Fatalf("%s: expected ErrTampered, got %v", name, err)
		}
	}
}

func TestOpenWithWrongSenderKeyFails(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)
	mallory := newParty(t, 0x33)

	env, err := Seal([]byte("secret"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open(env, mallory.keys.EncryptionPublicKey, bob.keys.EncryptionPrivateKey); err != ErrTampered {
		t.Fatalf("wrong sender key must fail authentication, got %v", err)
	}
}

func TestOpenFromDirectory(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)
	carol := newParty(t, 0x33)

	contacts := map[string][]byte{
		alice.id: alice.keys.EncryptionPublicKey,
		carol.id: carol.keys.EncryptionPublicKey,
	}

	env, err := Seal([]byte("from alice"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	msg, err := OpenFromDirectory(env, bob.keys.EncryptionPrivateKey, contacts)
	if err != nil {
		t.Fatalf("open from directory failed: %v", err)
	}
	if msg.SenderID != alice.id {
		t.Fatalf("expected sender %s, got %s", alice.id, msg.SenderID)
	}

	stranger := newParty(t, 0x44)
	env, err = Seal([]byte("from a stranger"), stranger.id, bob.keys.EncryptionPublicKey, stranger.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenFromDirectory(env, bob.keys.EncryptionPrivateKey, contacts); err != ErrUnknownSender {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestOpenFromDirectoryRejectsImpersonatedHeader(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)
	carol := newParty(t, 0x33)

	// Alice seals with her own key pair but claims to be Carol.
	env, err := Seal([]byte("spoofed"), carol.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	contacts := map[string][]byte{
		alice.id: alice.keys.EncryptionPublicKey,
		carol.id: carol.keys.EncryptionPublicKey,
	}
	if _, err := OpenFromDirectory(env, bob.keys.EncryptionPrivateKey, contacts); err != ErrTampered {
		t.Fatalf("header/key mismatch must be rejected, got %v", err)
	}
}

func TestAuthenticateMatchesStandardHMAC(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	ciphertext := []byte("some ciphertext")
	nonce := []byte("twelve bytes")

	got := authenticate(key, ciphertext, nonce)

	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)
	mac.Write(nonce)
	want := mac.Sum(nil)

	if !bytes.Equal(got, want) {
		t.Fatal("padded-hash construction must agree with HMAC-SHA256")
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	alice := newParty(t, 0x11)
	bob := newParty(t, 0x22)

	env, err := Seal([]byte("wire me"), alice.id, bob.keys.EncryptionPublicKey, alice.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, err := Open(decoded, alice.keys.EncryptionPublicKey, bob.keys.EncryptionPrivateKey)
	if err != nil {
		t.Fatalf("open after decode failed: %v", err)
	}
	if !bytes.Equal(msg.Body, []byte("wire me")) {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
}
