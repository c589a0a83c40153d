package mailbox

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"veil-chat/go-core/internal/keyderive"
)

// addressContext domain-separates mailbox hashing from every other use
// of the hash function.
const addressContext = "veil/mailbox/address/v1"

// DeriveAddress computes the mailbox address for a mailbox seed in a
// given epoch. Sender and recipient derive the same address
// independently; the relay only ever sees the resulting hash and cannot
// invert it to the seed or link addresses across epochs.
func DeriveAddress(mailboxSeed []byte, epoch int64) (string, error) {
	if len(mailboxSeed) != keyderive.SeedSize {
		return "", keyderive.ErrInvalidSeed
	}
	buf := make([]byte, 0, len(addressContext)+len(mailboxSeed)+8)
	buf = append(buf, []byte(addressContext)...)
	buf = append(buf, mailboxSeed...)
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	buf = append(buf, e[:]...)

	sum := keyderive.Hash(buf)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveAddressAt derives the address for the epoch containing t.
func DeriveAddressAt(em *EpochManager, mailboxSeed []byte, t time.Time) (string, error) {
	return DeriveAddress(mailboxSeed, em.EpochAt(t))
}

// WindowAddresses derives the addresses for every epoch in the skew
// window around t, in window order. Fetching all of them in one request
// keeps the relay from learning which one is current.
func WindowAddresses(em *EpochManager, mailboxSeed []byte, t time.Time) ([]string, error) {
	epochs := em.Window(t)
	addrs := make([]string, 0, len(epochs))
	for _, epoch := range epochs {
		addr, err := DeriveAddress(mailboxSeed, epoch)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// RandomAddress returns a uniformly random well-formed mailbox hash,
// indistinguishable from a real derived address. Used for decoy fetches
// and chaff sends.
func RandomAddress() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
