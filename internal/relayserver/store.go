// Package relayserver is the server side of the mailbox queue: a
// transient store of opaque envelopes keyed by rotating mailbox hashes.
// It enforces the wire-format validation rules and knows nothing about
// identities, senders, or message content.
package relayserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"veil-chat/go-core/pkg/models"
)

var (
	bucketQueue  = []byte("queue")
	bucketIndex  = []byte("index")
	bucketTokens = []byte("tokens")
)

// QueueStore persists queued messages in a bbolt file. Layout: the
// queue bucket holds one nested bucket per mailbox hash with message id
// keys; the index bucket maps message id back to its mailbox hash so
// acknowledgments do not need to name the mailbox.
type QueueStore struct {
	db *bolt.DB
}

// OpenQueueStore opens or creates the store at path.
func OpenQueueStore(path string) (*QueueStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketQueue, bucketIndex, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue store: %w", err)
	}
	return &QueueStore{db: db}, nil
}

// Close releases the underlying database.
func (s *QueueStore) Close() error {
	return s.db.Close()
}

// Enqueue stores one record under its mailbox hash.
func (s *QueueStore) Enqueue(rec models.QueuedMessageRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.Bucket(bucketQueue).CreateBucketIfNotExists([]byte(rec.MailboxHash))
		if err != nil {
			return err
		}
		if err := mb.Put([]byte(rec.ID), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(rec.ID), []byte(rec.MailboxHash))
	})
}

// FetchByHashes returns every unexpired record queued under the given
// mailbox hashes. Unknown hashes contribute nothing; the caller cannot
// distinguish "no mailbox" from "empty mailbox".
func (s *QueueStore) FetchByHashes(hashes []string, now time.Time) ([]models.QueuedMessageRecord, error) {
	var out []models.QueuedMessageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, hash := range hashes {
			mb := tx.Bucket(bucketQueue).Bucket([]byte(hash))
			if mb == nil {
				continue
			}
			err := mb.ForEach(func(_, raw []byte) error {
				var rec models.QueuedMessageRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					return nil // skip undecodable entries, sweep will not miss them
				}
				if rec.ExpiresAt.Before(now) {
					return nil
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes acknowledged records by id and returns how many were
// actually present.
func (s *QueueStore) Delete(ids []string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		queue := tx.Bucket(bucketQueue)
		for _, id := range ids {
			hash := index.Get([]byte(id))
			if hash == nil {
				continue
			}
			if mb := queue.Bucket(hash); mb != nil {
				if err := mb.Delete([]byte(id)); err != nil {
					return err
				}
			}
			if err := index.Delete([]byte(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// SweepExpired hard-deletes every record past its TTL and prunes empty
// mailboxes. Returns the number of records removed.
func (s *QueueStore) SweepExpired(now time.Time) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		index := tx.Bucket(bucketIndex)

		var emptyMailboxes [][]byte
		err := queue.ForEachBucket(func(hash []byte) error {
			mb := queue.Bucket(hash)

			var dead [][]byte
			err := mb.ForEach(func(id, raw []byte) error {
				var rec models.QueuedMessageRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					dead = append(dead, append([]byte(nil), id...))
					return nil
				}
				if rec.ExpiresAt.Before(now) {
					dead = append(dead, append([]byte(nil), id...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, id := range dead {
				if err := mb.Delete(id); err != nil {
					return err
				}
				if err := index.Delete(id); err != nil {
					return err
				}
				swept++
			}
			if mb.Stats().KeyN-len(dead) <= 0 {
				emptyMailboxes = append(emptyMailboxes, append([]byte(nil), hash...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, hash := range emptyMailboxes {
			if err := queue.DeleteBucket(hash); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// RegisterToken binds a push token to a mailbox hash, replacing any
// previous binding.
func (s *QueueStore) RegisterToken(hash, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(hash), []byte(token))
	})
}

// Token returns the push token bound to hash, or empty when none.
func (s *QueueStore) Token(hash string) (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketTokens).Get([]byte(hash)); raw != nil {
			token = string(raw)
		}
		return nil
	})
	return token, err
}
