// Package daemon wires the security core into a running client: it
// owns the authentication engine, the unlocked key material, the
// encrypted local stores, and the background relay traffic.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"veil-chat/go-core/internal/config"
	"veil-chat/go-core/internal/keyderive"
	"veil-chat/go-core/internal/keyvault"
	"veil-chat/go-core/internal/kvstore"
	"veil-chat/go-core/internal/mailbox"
	"veil-chat/go-core/internal/pattern"
	"veil-chat/go-core/internal/sealed"
	"veil-chat/go-core/pkg/models"
)

var (
	ErrLocked          = errors.New("service is locked")
	ErrContactNotFound = errors.New("contact not found")
	ErrInvalidContact  = errors.New("contact is missing key material")
	ErrAlreadyUnlocked = errors.New("service is already unlocked")
)

// Contact is one peer the user can message: their identity, the public
// key envelopes are sealed to, and the mailbox seed they shared so we
// can derive their rotating address.
type Contact struct {
	IdentityID          string    `json:"identity_id"`
	DisplayName         string    `json:"display_name"`
	EncryptionPublicKey []byte    `json:"encryption_public_key"`
	MailboxSeed         []byte    `json:"mailbox_seed"`
	AddedAt             time.Time `json:"added_at"`
}

// StoredMessage is a decrypted inbox entry.
type StoredMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SentAt     time.Time `json:"sent_at"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Service is the daemon core. It starts locked: until a pattern unlock
// releases the seed, no key material exists in memory and the local
// stores cannot be opened.
type Service struct {
	cfg    config.Config
	log    *slog.Logger
	engine *pattern.Engine
	relay  *mailbox.Client

	mu       sync.Mutex
	keys     *keyderive.KeySet
	mode     pattern.UnlockMode
	inbox    *kvstore.FileStore
	contacts *kvstore.FileStore

	wakeCh chan struct{}
	now    func() time.Time
}

// New builds the service. The engine's own record store is encrypted
// under a device-local key; everything inside it is additionally sealed
// to the pattern, so the device key only provides at-rest opacity.
func New(cfg config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	deviceKey, err := loadDeviceKey(filepath.Join(cfg.DataDir, "device.key"))
	if err != nil {
		return nil, err
	}
	recordStore, err := kvstore.OpenFileStore(filepath.Join(cfg.DataDir, "security.db"), deviceKey)
	if err != nil {
		return nil, fmt.Errorf("open security store: %w", err)
	}
	vaultStore, err := kvstore.OpenFileStore(filepath.Join(cfg.DataDir, "vault.db"), deviceKey)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}

	opts := []mailbox.Option{
		mailbox.WithRetries(cfg.Relay.Retries),
		mailbox.WithLogger(log),
	}
	if !cfg.Relay.DecoysEnabled() {
		opts = append(opts, mailbox.WithoutDecoys())
	}
	relay, err := mailbox.NewClient(cfg.Relay.BaseURL, opts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:    cfg,
		log:    log,
		engine: pattern.NewEngine(recordStore, keyvault.NewSoftwareVault(vaultStore), log),
		relay:  relay,
		wakeCh: make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

// Engine exposes the authentication engine for registration flows.
func (s *Service) Engine() *pattern.Engine {
	return s.engine
}

// Unlock runs one pattern attempt and, on success, derives the key set
// and opens the local stores. A decoy unlock builds a fully functional
// but disjoint environment from the decoy seed.
func (s *Service) Unlock(p pattern.Pattern) (*pattern.UnlockResult, error) {
	res, err := s.engine.Unlock(p)
	if err != nil {
		return nil, err
	}
	if res.Status != pattern.UnlockSuccess {
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		return nil, ErrAlreadyUnlocked
	}
	if err := s.openSessionLocked(res.Seed, res.Mode); err != nil {
		return nil, err
	}
	s.log.Info("unlocked", "mode", string(res.Mode))
	return res, nil
}

// UnlockWithRecoveryPhrase opens a session from the 12-word phrase,
// bypassing the pattern. Used when the pattern is forgotten.
func (s *Service) UnlockWithRecoveryPhrase(phrase string) error {
	seed, err := s.engine.RecoverSeed(phrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		return ErrAlreadyUnlocked
	}
	if err := s.openSessionLocked(seed, pattern.ModeReal); err != nil {
		return err
	}
	s.log.Info("unlocked", "mode", "recovery")
	return nil
}

func (s *Service) openSessionLocked(seed []byte, mode pattern.UnlockMode) error {
	keys, err := keyderive.DeriveKeySet(seed)
	if err != nil {
		return err
	}
	storageKey, err := keyderive.Derive(seed, keyderive.PathStorage)
	if err != nil {
		return err
	}

	suffix := "real"
	if mode == pattern.ModeDecoy {
		suffix = "decoy"
	}
	inbox, err := kvstore.OpenFileStore(filepath.Join(s.cfg.DataDir, "inbox-"+suffix+".db"), storageKey)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	contacts, err := kvstore.OpenFileStore(filepath.Join(s.cfg.DataDir, "contacts-"+suffix+".db"), storageKey)
	if err != nil {
		return fmt.Errorf("open contacts: %w", err)
	}

	s.keys = keys
	s.mode = mode
	s.inbox = inbox
	s.contacts = contacts
	return nil
}

// Lock drops all key material and closes the session stores.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		s.keys.Zero()
	}
	s.keys = nil
	s.inbox = nil
	s.contacts = nil
}

// IdentityID returns the user-visible identity id for the unlocked
// session.
func (s *Service) IdentityID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return "", ErrLocked
	}
	return keyderive.BuildIdentityID(s.keys.SigningPublicKey)
}

// MailboxSeed returns the publishable mailbox seed contacts need in
// order to reach this user. Sharing it reveals nothing about the root
// seed or any private key.
func (s *Service) MailboxSeed() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil, ErrLocked
	}
	out := make([]byte, len(s.keys.MailboxSeed))
	copy(out, s.keys.MailboxSeed)
	return out, nil
}

// AddContact persists a peer in the encrypted contact store.
func (s *Service) AddContact(c Contact) error {
	if c.IdentityID == "" || len(c.EncryptionPublicKey) != keyderive.KeySize || len(c.MailboxSeed) != keyderive.SeedSize {
		return ErrInvalidContact
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contacts == nil {
		return ErrLocked
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.contacts.Put("contacts/"+c.IdentityID, raw)
}

// Contact looks up one peer by identity id.
func (s *Service) Contact(identityID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactLocked(identityID)
}

func (s *Service) contactLocked(identityID string) (Contact, error) {
	if s.contacts == nil {
		return Contact{}, ErrLocked
	}
	raw, ok, err := s.contacts.Get("contacts/" + identityID)
	if err != nil {
		return Contact{}, err
	}
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	var c Contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// Send seals body for the contact and queues it in their current
// mailbox.
func (s *Service) Send(ctx context.Context, contactID string, body []byte) error {
	s.mu.Lock()
	if s.keys == nil {
		s.mu.Unlock()
		return ErrLocked
	}
	contact, err := s.contactLocked(contactID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	selfID, err := keyderive.BuildIdentityID(s.keys.SigningPublicKey)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	privateKey := s.keys.EncryptionPrivateKey
	s.mu.Unlock()

	env, err := sealed.Seal(body, selfID, contact.EncryptionPublicKey, privateKey)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	if err := s.relay.SendMessage(ctx, contact.MailboxSeed, raw); err != nil {
		return err
	}
	s.log.Info("message sent", "contact_id", contactID)
	return nil
}

// SyncOnce drains the user's mailbox window once. Every envelope that
// decrypts is stored in the inbox and acknowledged; envelopes from
// unknown senders stay queued until they expire rather than being lost.
func (s *Service) SyncOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.keys == nil {
		s.mu.Unlock()
		return 0, ErrLocked
	}
	mailboxSeed := s.keys.MailboxSeed
	privateKey := s.keys.EncryptionPrivateKey
	directory, err := s.directoryLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	records, err := s.relay.FetchMessages(ctx, mailboxSeed)
	if err != nil {
		return 0, err
	}

	var ackIDs []string
	stored := 0
	for _, rec := range records {
		env, err := sealed.DecodeEnvelope(rec.Ciphertext)
		if err != nil {
			s.log.Warn("undecodable envelope", "message_id", rec.ID)
			ackIDs = append(ackIDs, rec.ID) // junk, drop it from the queue
			continue
		}
		msg, err := sealed.OpenFromDirectory(env, privateKey, directory)
		if err != nil {
			s.log.Debug("envelope not for a known contact", "message_id", rec.ID, "error", err)
			continue
		}
		if err := s.storeInbox(msg); err != nil {
			return stored, err
		}
		stored++
		ackIDs = append(ackIDs, rec.ID)
	}

	if err := s.relay.DeleteMessages(ctx, ackIDs); err != nil {
		return stored, err
	}
	return stored, nil
}

func (s *Service) directoryLocked() (map[string][]byte, error) {
	if s.contacts == nil {
		return nil, ErrLocked
	}
	dir := make(map[string][]byte)
	for _, key := range s.contacts.Keys() {
		raw, ok, err := s.contacts.Get(key)
		if err != nil || !ok {
			continue
		}
		var c Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		dir[c.IdentityID] = c.EncryptionPublicKey
	}
	return dir, nil
}

func (s *Service) storeInbox(msg *sealed.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox == nil {
		return ErrLocked
	}
	entry := StoredMessage{
		ID:         uuid.New().String(),
		SenderID:   msg.SenderID,
		SentAt:     msg.SentAt,
		Body:       msg.Body,
		ReceivedAt: s.now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.inbox.Put("inbox/"+entry.ID, raw); err != nil {
		return err
	}
	s.log.Info("message stored", "sender_id", entry.SenderID, "message_id", entry.ID)
	return nil
}

// Inbox returns the decrypted messages, oldest first.
func (s *Service) Inbox() ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox == nil {
		return nil, ErrLocked
	}
	var out []StoredMessage
	for _, key := range s.inbox.Keys() {
		raw, ok, err := s.inbox.Get(key)
		if err != nil || !ok {
			continue
		}
		var m StoredMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// RegisterPushToken binds the device push token to the current mailbox
// window.
func (s *Service) RegisterPushToken(ctx context.Context, token string) error {
	seed, err := s.MailboxSeed()
	if err != nil {
		return err
	}
	return s.relay.RegisterPushToken(ctx, seed, token)
}

// HandleWake processes an incoming push payload. Anything beyond the
// bare check-server signal is rejected before it can influence the
// daemon.
func (s *Service) HandleWake(raw []byte) error {
	if _, err := models.ValidateWakePayload(raw); err != nil {
		s.log.Warn("wake payload rejected", "error", err)
		return err
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// PanicWipe destroys the security record, the vault, and both session
// stores. Best effort: it keeps going through individual failures.
func (s *Service) PanicWipe() error {
	s.mu.Lock()
	inbox, contacts := s.inbox, s.contacts
	if s.keys != nil {
		s.keys.Zero()
	}
	s.keys = nil
	s.inbox = nil
	s.contacts = nil
	s.mu.Unlock()

	errs := []error{s.engine.PanicWipe()}
	if inbox != nil {
		errs = append(errs, inbox.Wipe())
	}
	if contacts != nil {
		errs = append(errs, contacts.Wipe())
	}
	s.log.Warn("panic wipe executed")
	return errors.Join(errs...)
}

// Run drives the background loops: periodic mailbox sync with backoff,
// chaff injection on a jittered schedule, and wake-triggered syncs.
func (s *Service) Run(ctx context.Context) error {
	fetchInterval := s.cfg.Relay.FetchInterval
	if fetchInterval <= 0 {
		fetchInterval = time.Minute
	}
	chaffInterval := s.cfg.Relay.ChaffInterval
	if chaffInterval <= 0 {
		chaffInterval = 15 * time.Minute
	}

	fetchTimer := time.NewTimer(fetchInterval)
	defer fetchTimer.Stop()
	chaffTimer := time.NewTimer(jitter(chaffInterval))
	defer chaffTimer.Stop()

	backoff := fetchInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeCh:
			s.syncWithBackoff(ctx, &backoff, fetchInterval)
			fetchTimer.Reset(backoff)
		case <-fetchTimer.C:
			s.syncWithBackoff(ctx, &backoff, fetchInterval)
			fetchTimer.Reset(backoff)
		case <-chaffTimer.C:
			if err := s.relay.SendDecoyMessage(ctx); err != nil {
				s.log.Debug("chaff send failed", "error", err)
			}
			chaffTimer.Reset(jitter(chaffInterval))
		}
	}
}

func (s *Service) syncWithBackoff(ctx context.Context, backoff *time.Duration, base time.Duration) {
	if _, err := s.SyncOnce(ctx); err != nil {
		if errors.Is(err, ErrLocked) {
			return
		}
		*backoff = min(*backoff*2, 8*base)
		s.log.Warn("mailbox sync failed", "error", err, "next_attempt_in", *backoff)
		return
	}
	*backoff = base
}

// jitter spreads an interval by up to half its length so chaff traffic
// does not form a clean period an observer could subtract.
func jitter(d time.Duration) time.Duration {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return d
	}
	frac := float64(uint16(b[0])<<8|uint16(b[1])) / 65535.0
	return d/2 + time.Duration(frac*float64(d))
}

func loadDeviceKey(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == keyderive.KeySize {
		return raw, nil
	}
	key, err := keyderive.NewSeed()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist device key: %w", err)
	}
	return key, nil
}
