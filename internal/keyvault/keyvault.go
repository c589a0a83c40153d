package keyvault

import (
	"crypto/rand"
	"encoding/json"
	"errors"

	"veil-chat/go-core/internal/keyderive"
	"veil-chat/go-core/internal/kvstore"
)

// Vault is the hardware-backed secret store contract. Key material is
// referenced by alias only and is never exportable through this API.
type Vault interface {
	GenerateKey(alias string, requireAuth, preferSecureElement bool) error
	Encrypt(alias string, data []byte) ([]byte, error)
	Decrypt(alias string, data []byte) ([]byte, error)
	DeleteKey(alias string) error
	HasKey(alias string) (bool, error)
}

var (
	ErrKeyNotFound = errors.New("keyvault key not found")
	ErrKeyExists   = errors.New("keyvault key already exists")
)

const aliasPrefix = "keyvault/"

// SoftwareVault implements Vault for platforms without a secure element.
// Per-alias symmetric keys live only inside the encrypted key-value
// store; nothing in the API hands raw key bytes to callers.
type SoftwareVault struct {
	store kvstore.Store
}

func NewSoftwareVault(store kvstore.Store) *SoftwareVault {
	return &SoftwareVault{store: store}
}

type sealedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (v *SoftwareVault) GenerateKey(alias string, requireAuth, preferSecureElement bool) error {
	// requireAuth and preferSecureElement are hints for hardware backends;
	// the software vault has no secure element to prefer.
	exists, err := v.store.Contains(aliasPrefix + alias)
	if err != nil {
		return err
	}
	if exists {
		return ErrKeyExists
	}
	key := make([]byte, keyderive.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	return v.store.Put(aliasPrefix+alias, key)
}

func (v *SoftwareVault) Encrypt(alias string, data []byte) ([]byte, error) {
	key, err := v.loadKey(alias)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := keyderive.Encrypt(data, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedBlob{Nonce: nonce, Ciphertext: ciphertext})
}

func (v *SoftwareVault) Decrypt(alias string, data []byte) ([]byte, error) {
	key, err := v.loadKey(alias)
	if err != nil {
		return nil, err
	}
	var blob sealedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	return keyderive.Decrypt(blob.Ciphertext, blob.Nonce, key)
}

func (v *SoftwareVault) DeleteKey(alias string) error {
	return v.store.Delete(aliasPrefix + alias)
}

func (v *SoftwareVault) HasKey(alias string) (bool, error) {
	return v.store.Contains(aliasPrefix + alias)
}

func (v *SoftwareVault) loadKey(alias string) ([]byte, error) {
	key, ok, err := v.store.Get(aliasPrefix + alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}
