package pattern

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"veil-chat/go-core/internal/keyderive"
	"veil-chat/go-core/internal/keyvault"
	"veil-chat/go-core/internal/kvstore"
	"veil-chat/go-core/internal/securestore"
)

const (
	recordKey       = "pattern/security-record"
	vaultAliasReal  = "pattern-template-real"
	vaultAliasDecoy = "pattern-template-decoy"

	AttemptBudget   = 5
	LockoutDuration = 5 * time.Minute
)

var (
	ErrNotRegistered     = errors.New("no pattern registered")
	ErrAlreadyRegistered = errors.New("a pattern is already registered")
	ErrQualityTooLow     = errors.New("pattern quality below registration minimum")
	ErrUnknownAlgorithm  = errors.New("unknown pattern algorithm")
	ErrDecoyCollides     = errors.New("decoy pattern matches the real pattern")
	ErrInvalidMnemonic   = errors.New("invalid recovery phrase")
)

// UnlockMode distinguishes a real unlock from a duress (decoy) unlock.
type UnlockMode string

const (
	ModeReal  UnlockMode = "real"
	ModeDecoy UnlockMode = "decoy"
)

type UnlockStatus int

const (
	UnlockSuccess UnlockStatus = iota
	UnlockFailed
	UnlockLockedOut
)

// RegistrationResult is returned by a successful Register call.
type RegistrationResult struct {
	RecoveryPhrase string
	SecurityLevel  string
	Quality        int
}

// UnlockResult reports the outcome of one unlock attempt. On failure it
// never says why the pattern did not match.
type UnlockResult struct {
	Status            UnlockStatus
	Mode              UnlockMode
	Seed              []byte
	Confidence        float64
	Close             bool
	AttemptsRemaining int
	LockoutRemaining  time.Duration
}

// SecurityInfo is the non-sensitive status summary for UI display.
type SecurityInfo struct {
	SecurityLevel    string
	HasRealPattern   bool
	HasDecoyPattern  bool
	FailedAttempts   int
	IsLockedOut      bool
	LockoutRemaining time.Duration
}

// patternSlot is the persisted material for one registered pattern. The
// template travels sealed by the hardware vault; the seed is sealed
// under a key derived from the template, so only a successful match can
// release it.
type patternSlot struct {
	Salt           []byte `json:"salt"`
	SealedTemplate []byte `json:"sealed_template"`
	TemplateHash   []byte `json:"template_hash"`
	SeedEnvelope   []byte `json:"seed_envelope"`
}

type securityRecord struct {
	Version        int          `json:"version"`
	Algorithm      Algorithm    `json:"algorithm"`
	Quality        int          `json:"quality"`
	Real           patternSlot  `json:"real"`
	Decoy          *patternSlot `json:"decoy,omitempty"`
	FailedAttempts int          `json:"failed_attempts"`
	LockoutUntil   time.Time    `json:"lockout_until,omitempty"`
}

// Engine implements the behavioral authentication contract over both
// pattern variants. All record mutations go through one mutex so
// concurrent unlock attempts cannot race past the lockout.
type Engine struct {
	mu    sync.Mutex
	store kvstore.Store
	vault keyvault.Vault
	log   *slog.Logger
	now   func() time.Time
}

func NewEngine(store kvstore.Store, vault keyvault.Vault, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, vault: vault, log: log, now: time.Now}
}

// Register enrolls the real pattern. Registration is all-or-nothing:
// every artifact is built in memory and persisted with a single store
// write, so a failed step leaves the engine unregistered. The returned
// 12-word phrase re-derives the seed independently of the pattern.
func (e *Engine) Register(p Pattern) (*RegistrationResult, error) {
	m, ok := matcherFor(p.Algorithm)
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	if err := m.Validate(p); err != nil {
		return nil, err
	}
	quality := m.Quality(p)
	if quality < MinQuality {
		return nil, ErrQualityTooLow
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, err := e.loadRecord(); err == nil && rec != nil {
		return nil, ErrAlreadyRegistered
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	seed := SeedFromMnemonic(mnemonic)

	slot, err := e.buildSlot(m, p, seed, vaultAliasReal)
	if err != nil {
		return nil, err
	}

	rec := &securityRecord{
		Version:   1,
		Algorithm: p.Algorithm,
		Quality:   quality,
		Real:      *slot,
	}
	if err := e.saveRecord(rec); err != nil {
		// Roll the vault key back so a retry starts clean.
		_ = e.vault.DeleteKey(vaultAliasReal)
		return nil, err
	}

	e.log.Info("pattern registered", "algorithm", string(p.Algorithm), "quality", quality)
	return &RegistrationResult{
		RecoveryPhrase: mnemonic,
		SecurityLevel:  securityLevel(quality),
		Quality:        quality,
	}, nil
}

// RegisterDecoy enrolls the plausible-deniability pattern. It releases a
// different, non-sensitive seed when matched during unlock.
func (e *Engine) RegisterDecoy(p Pattern) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadRecord()
	if err != nil || rec == nil {
		return ErrNotRegistered
	}
	if rec.Algorithm != p.Algorithm {
		return ErrUnknownAlgorithm
	}
	m, ok := matcherFor(p.Algorithm)
	if !ok {
		return ErrUnknownAlgorithm
	}
	if err := m.Validate(p); err != nil {
		return err
	}

	realPattern, err := e.openTemplate(m, &rec.Real, vaultAliasReal, rec.Algorithm)
	if err != nil {
		return err
	}
	if m.Match(realPattern, p).Match {
		return ErrDecoyCollides
	}

	decoySeed, err := keyderive.NewSeed()
	if err != nil {
		return err
	}
	slot, err := e.buildSlot(m, p, decoySeed, vaultAliasDecoy)
	if err != nil {
		return err
	}
	rec.Decoy = slot
	if err := e.saveRecord(rec); err != nil {
		_ = e.vault.DeleteKey(vaultAliasDecoy)
		return err
	}
	e.log.Info("decoy pattern registered", "algorithm", string(p.Algorithm))
	return nil
}

// Unlock runs one attempt against the stored record. Attempts against a
// locked-out record are rejected without consuming budget; a failed
// attempt decrements the budget and, at zero, starts a timed lockout.
func (e *Engine) Unlock(p Pattern) (*UnlockResult, error) {
	m, ok := matcherFor(p.Algorithm)
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	if err := m.Validate(p); err != nil {
		// Capture problems are retryable and never consume an attempt.
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadRecord()
	if err != nil || rec == nil {
		return nil, ErrNotRegistered
	}
	now := e.now()
	if now.Before(rec.LockoutUntil) {
		return &UnlockResult{
			Status:           UnlockLockedOut,
			LockoutRemaining: rec.LockoutUntil.Sub(now),
		}, nil
	}
	if rec.Algorithm != p.Algorithm {
		return e.consumeAttempt(rec, MatchOutcome{})
	}

	if res, done := e.trySlot(m, rec, &rec.Real, vaultAliasReal, p, ModeReal); done {
		return res, nil
	}
	if rec.Decoy != nil {
		if res, done := e.trySlot(m, rec, rec.Decoy, vaultAliasDecoy, p, ModeDecoy); done {
			return res, nil
		}
	}

	outcome := MatchOutcome{}
	if realPattern, err := e.openTemplate(m, &rec.Real, vaultAliasReal, rec.Algorithm); err == nil {
		outcome = m.Match(realPattern, p)
	}
	return e.consumeAttempt(rec, outcome)
}

// SecurityInfo returns the non-sensitive status of the record. A
// corrupt or missing record reads as never registered.
func (e *Engine) SecurityInfo() SecurityInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.loadRecord()
	if err != nil || rec == nil {
		return SecurityInfo{}
	}
	now := e.now()
	info := SecurityInfo{
		SecurityLevel:   securityLevel(rec.Quality),
		HasRealPattern:  true,
		HasDecoyPattern: rec.Decoy != nil,
		FailedAttempts:  rec.FailedAttempts,
	}
	if now.Before(rec.LockoutUntil) {
		info.IsLockedOut = true
		info.LockoutRemaining = rec.LockoutUntil.Sub(now)
	}
	return info
}

// RecoverSeed re-derives the root seed from the 12-word recovery phrase,
// for use when the pattern is forgotten.
func (e *Engine) RecoverSeed(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return SeedFromMnemonic(mnemonic), nil
}

// PanicWipe destroys every category of pattern and seed material. It is
// best effort and irreversible: each deletion is attempted even when
// earlier ones fail, and all failures are reported together.
func (e *Engine) PanicWipe() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.store.Delete(recordKey); err != nil {
		errs = append(errs, err)
	}
	if err := e.vault.DeleteKey(vaultAliasReal); err != nil && !errors.Is(err, keyvault.ErrKeyNotFound) {
		errs = append(errs, err)
	}
	if err := e.vault.DeleteKey(vaultAliasDecoy); err != nil && !errors.Is(err, keyvault.ErrKeyNotFound) {
		errs = append(errs, err)
	}
	if wiper, ok := e.store.(kvstore.Wiper); ok {
		if err := wiper.Wipe(); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Warn("panic wipe executed", "errors", len(errs))
	return errors.Join(errs...)
}

// SeedFromMnemonic deterministically maps a BIP-39 phrase to the 32-byte
// root seed.
func SeedFromMnemonic(mnemonic string) []byte {
	long := bip39.NewSeed(mnemonic, "")
	h := keyderive.Hash(long)
	return h[:]
}

func (e *Engine) buildSlot(m matcher, p Pattern, seed []byte, alias string) (*patternSlot, error) {
	canonical, err := m.TemplateBytes(p)
	if err != nil {
		return nil, err
	}
	stored, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	if has, err := e.vault.HasKey(alias); err != nil {
		return nil, err
	} else if has {
		if err := e.vault.DeleteKey(alias); err != nil {
			return nil, err
		}
	}
	if err := e.vault.GenerateKey(alias, true, true); err != nil {
		return nil, err
	}
	sealed, err := e.vault.Encrypt(alias, stored)
	if err != nil {
		return nil, err
	}

	unlockKey := templateUnlockKey(canonical, salt)
	defer zero(unlockKey)
	envelope, err := securestore.EncryptWithKey(unlockKey, seed)
	if err != nil {
		return nil, err
	}

	return &patternSlot{
		Salt:           salt,
		SealedTemplate: sealed,
		TemplateHash:   templateHash(canonical, salt),
		SeedEnvelope:   envelope,
	}, nil
}

// trySlot returns (result, true) only on a successful match; any slot
// corruption or mismatch falls through to the shared failure path.
func (e *Engine) trySlot(m matcher, rec *securityRecord, slot *patternSlot, alias string, attempt Pattern, mode UnlockMode) (*UnlockResult, bool) {
	stored, err := e.openTemplate(m, slot, alias, rec.Algorithm)
	if err != nil {
		return nil, false
	}
	outcome := m.Match(stored, attempt)
	if !outcome.Match {
		return nil, false
	}

	canonical, err := m.TemplateBytes(stored)
	if err != nil {
		return nil, false
	}
	unlockKey := templateUnlockKey(canonical, slot.Salt)
	defer zero(unlockKey)
	seed, err := securestore.DecryptWithKey(unlockKey, slot.SeedEnvelope)
	if err != nil {
		return nil, false
	}

	rec.FailedAttempts = 0
	rec.LockoutUntil = time.Time{}
	if err := e.saveRecord(rec); err != nil {
		zero(seed)
		return nil, false
	}

	return &UnlockResult{
		Status:     UnlockSuccess,
		Mode:       mode,
		Seed:       seed,
		Confidence: outcome.Confidence,
	}, true
}

func (e *Engine) openTemplate(m matcher, slot *patternSlot, alias string, alg Algorithm) (Pattern, error) {
	raw, err := e.vault.Decrypt(alias, slot.SealedTemplate)
	if err != nil {
		return Pattern{}, err
	}
	var stored Pattern
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Pattern{}, err
	}
	if stored.Algorithm != alg {
		return Pattern{}, errors.New("stored template algorithm mismatch")
	}
	canonical, err := m.TemplateBytes(stored)
	if err != nil {
		return Pattern{}, err
	}
	if !bytes.Equal(templateHash(canonical, slot.Salt), slot.TemplateHash) {
		return Pattern{}, errors.New("stored template failed verification")
	}
	return stored, nil
}

func (e *Engine) consumeAttempt(rec *securityRecord, outcome MatchOutcome) (*UnlockResult, error) {
	rec.FailedAttempts++
	remaining := AttemptBudget - rec.FailedAttempts
	res := &UnlockResult{
		Status:            UnlockFailed,
		Confidence:        outcome.Confidence,
		Close:             outcome.Close,
		AttemptsRemaining: remaining,
	}
	if remaining <= 0 {
		rec.LockoutUntil = e.now().Add(LockoutDuration)
		rec.FailedAttempts = 0
		res.Status = UnlockLockedOut
		res.AttemptsRemaining = 0
		res.LockoutRemaining = LockoutDuration
		e.log.Warn("unlock attempts exhausted, lockout started")
	}
	if err := e.saveRecord(rec); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) loadRecord() (*securityRecord, error) {
	raw, ok, err := e.store.Get(recordKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec securityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Garbled record reads as never registered, it must not crash
		// or silently recover a default.
		e.log.Warn("security record corrupt, treating as unregistered")
		return nil, nil
	}
	if rec.Version != 1 || len(rec.Real.SealedTemplate) == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (e *Engine) saveRecord(rec *securityRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.store.Put(recordKey, raw)
}

func templateUnlockKey(template, salt []byte) []byte {
	return argon2.IDKey(template, salt, 2, 64*1024, 1, 32)
}

func templateHash(template, salt []byte) []byte {
	h := keyderive.Hash(append(append([]byte{}, salt...), template...))
	return h[:]
}

func securityLevel(quality int) string {
	switch {
	case quality >= 80:
		return "high"
	case quality >= 60:
		return "medium"
	default:
		return "low"
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
