package kvstore

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"

	"veil-chat/go-core/internal/securestore"
)

// Store is the encrypted key-value contract the core persists through:
// the encrypted seed blob, SecurityRecord fields and queue bookkeeping
// all live behind it.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	Contains(key string) (bool, error)
}

// Wiper is implemented by stores that can destroy all persisted state.
type Wiper interface {
	Wipe() error
}

var ErrEmptyKey = errors.New("kvstore key must not be empty")

// MemStore is an in-memory Store used by tests and by flows that must not
// touch disk.
type MemStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

func (s *MemStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemStore) Contains(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// Keys returns every stored key in sorted order.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *MemStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	return nil
}

// FileStore persists the whole key space as one encrypted snapshot file,
// sealed with a 32-byte storage key through the securestore envelope.
type FileStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	path   string
	key    []byte
}

// OpenFileStore loads (or initializes) an encrypted snapshot at path.
// A missing file is an empty store; garbled content is an error so the
// caller can decide whether to treat it as never-registered.
func OpenFileStore(path string, storageKey []byte) (*FileStore, error) {
	s := &FileStore{
		values: make(map[string][]byte),
		path:   path,
		key:    append([]byte(nil), storageKey...),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return s, nil
	}
	decoded, err := securestore.DecryptWithKey(s.key, raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(decoded, &s.values); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next[key] = append([]byte(nil), value...)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next, key)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

func (s *FileStore) Contains(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// Keys returns every stored key in sorted order.
func (s *FileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Wipe clears all values and removes the snapshot file. Best effort: the
// in-memory map is always cleared even if the file removal fails.
func (s *FileStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) cloneLocked() map[string][]byte {
	out := make(map[string][]byte, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *FileStore) persistLocked(values map[string][]byte) error {
	if s.path == "" {
		return nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return securestore.WriteEncryptedFile(s.path, s.key, payload)
}
