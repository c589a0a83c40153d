package securestore

import (
	"os"
	"path/filepath"
)

// ReadDecryptedFile reads a file and opens it with the raw storage key.
func ReadDecryptedFile(path string, key []byte) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecryptWithKey(key, raw)
}

// WriteEncryptedFile seals payload with the raw storage key and writes it
// with owner-only permissions, creating parent directories as needed.
func WriteEncryptedFile(path string, key, payload []byte) error {
	encrypted, err := EncryptWithKey(key, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}
