// Package models holds the wire types shared between the relay client
// and the relay server. Everything here is metadata the relay is
// allowed to see: mailbox hashes, opaque ciphertext, coarse epochs.
// Nothing in this package may ever carry a sender identity.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MailboxHashLength is the length of a derived mailbox address in
	// lowercase hex characters.
	MailboxHashLength = 64

	// MaxCiphertextSize caps a single queued envelope. Larger payloads
	// travel out of band; the relay queue is for messages, not blobs.
	MaxCiphertextSize = 64 * 1024

	// MessageTTL is the server-side retention for queued messages. The
	// relay is a transient queue, never an archive.
	MessageTTL = 7 * 24 * time.Hour
)

// WakeTypeCheckServer is the only wake payload type the protocol allows.
const WakeTypeCheckServer = "check_server"

var (
	ErrBadMailboxHash   = errors.New("mailbox hash must be 64 lowercase hex characters")
	ErrCiphertextSize   = errors.New("ciphertext is empty or exceeds the size cap")
	ErrWakeLeaksData    = errors.New("wake payload carries application data")
	ErrWakeBadType      = errors.New("wake payload type must be check_server")
	ErrWakeMissingNonce = errors.New("wake payload needs a fresh nonce")
)

// QueuedMessageRecord is one envelope sitting in a relay mailbox.
type QueuedMessageRecord struct {
	ID          string    `json:"id"`
	MailboxHash string    `json:"mailbox_hash"`
	Ciphertext  []byte    `json:"ciphertext"`
	Epoch       int64     `json:"epoch"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SendRequest queues one envelope into a mailbox.
type SendRequest struct {
	MailboxHash string `json:"mailbox_hash"`
	Ciphertext  []byte `json:"ciphertext"`
	Epoch       int64  `json:"epoch"`
}

// FetchRequest drains every listed mailbox. Clients include current and
// adjacent-epoch addresses in one call so the relay cannot tell which
// address is live.
type FetchRequest struct {
	MailboxHashes []string `json:"mailbox_hashes"`
	Epoch         int64    `json:"epoch"`
}

// FetchResponse carries the queued records for a fetch.
type FetchResponse struct {
	Messages []QueuedMessageRecord `json:"messages"`
}

// DeleteRequest acknowledges locally stored messages so the relay can
// drop them.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

// PushTokenRegistration binds a push token to a mailbox hash so the
// relay can send a wake signal when that mailbox receives mail.
type PushTokenRegistration struct {
	MailboxHash string `json:"mailbox_hash"`
	Token       string `json:"token"`
}

// WakePayload is the entire permitted content of a push notification.
type WakePayload struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// ValidMailboxHash reports whether s is a well-formed mailbox address.
func ValidMailboxHash(s string) bool {
	if len(s) != MailboxHashLength {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Validate checks a send request against the relay's acceptance rules.
func (r *SendRequest) Validate() error {
	if !ValidMailboxHash(r.MailboxHash) {
		return ErrBadMailboxHash
	}
	if len(r.Ciphertext) == 0 || len(r.Ciphertext) > MaxCiphertextSize {
		return ErrCiphertextSize
	}
	return nil
}

// Validate checks every mailbox hash in a fetch request.
func (r *FetchRequest) Validate() error {
	if len(r.MailboxHashes) == 0 {
		return ErrBadMailboxHash
	}
	for _, h := range r.MailboxHashes {
		if !ValidMailboxHash(h) {
			return ErrBadMailboxHash
		}
	}
	return nil
}

// wakeForbiddenKeys are payload fields that would leak message metadata
// through the push pipeline. Their presence is a protocol violation
// regardless of value.
var wakeForbiddenKeys = []string{
	"sender_id", "message_id", "preview", "content", "recipient_id", "body",
}

// ValidateWakePayload inspects a raw push payload before dispatch. It
// parses into a generic map first so unknown and forbidden fields are
// caught even when they would not bind to WakePayload.
func ValidateWakePayload(raw []byte) (*WakePayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse wake payload: %w", err)
	}
	for _, key := range wakeForbiddenKeys {
		if _, ok := fields[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrWakeLeaksData, key)
		}
	}
	for key := range fields {
		if key != "type" && key != "nonce" {
			return nil, fmt.Errorf("%w: %s", ErrWakeLeaksData, key)
		}
	}

	var p WakePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse wake payload: %w", err)
	}
	if p.Type != WakeTypeCheckServer {
		return nil, ErrWakeBadType
	}
	if strings.TrimSpace(p.Nonce) == "" {
		return nil, ErrWakeMissingNonce
	}
	return &p, nil
}
