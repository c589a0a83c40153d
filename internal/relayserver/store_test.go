package relayserver

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"veil-chat/go-core/pkg/models"
)

func openTestStore(t *testing.T) *QueueStore {
	t.Helper()
	store, err := OpenQueueStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(hash string, expiresAt time.Time) models.QueuedMessageRecord {
	return models.QueuedMessageRecord{
		ID:          uuid.New().String(),
		MailboxHash: hash,
		Ciphertext:  []byte("opaque"),
		Epoch:       100,
		CreatedAt:   expiresAt.Add(-models.MessageTTL),
		ExpiresAt:   expiresAt,
	}
}

func TestEnqueueFetchDelete(t *testing.T) {
	store := openTestStore(t)
	hash := strings.Repeat("ab", 32)
	now := time.Now()

	rec := testRecord(hash, now.Add(time.Hour))
	require.NoError(t, store.Enqueue(rec))

	got, err := store.FetchByHashes([]string{hash}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.ID, got[0].ID)
	require.Equal(t, rec.Ciphertext, got[0].Ciphertext)

	deleted, err := store.Delete([]string{rec.ID, "never-existed"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	got, err = store.FetchByHashes([]string{hash}, now)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFetchUnknownMailboxIsEmpty(t *testing.T) {
	store := openTestStore(t)
	got, err := store.FetchByHashes([]string{strings.Repeat("00", 32)}, time.Now())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFetchSkipsExpired(t *testing.T) {
	store := openTestStore(t)
	hash := strings.Repeat("cd", 32)
	now := time.Now()

	require.NoError(t, store.Enqueue(testRecord(hash, now.Add(-time.Minute))))
	require.NoError(t, store.Enqueue(testRecord(hash, now.Add(time.Hour))))

	got, err := store.FetchByHashes([]string{hash}, now)
	require.NoError(t, err)
	require.Len(t, got, 1, "expired records must not be served even before the sweep")
}

func TestSweepExpired(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	liveHash := strings.Repeat("aa", 32)
	deadHash := strings.Repeat("bb", 32)

	require.NoError(t, store.Enqueue(testRecord(liveHash, now.Add(time.Hour))))
	require.NoError(t, store.Enqueue(testRecord(deadHash, now.Add(-time.Hour))))
	require.NoError(t, store.Enqueue(testRecord(deadHash, now.Add(-2*time.Hour))))

	swept, err := store.SweepExpired(now)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	got, err := store.FetchByHashes([]string{liveHash, deadHash}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	swept, err = store.SweepExpired(now)
	require.NoError(t, err)
	require.Zero(t, swept, "sweep must be idempotent")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	hash := strings.Repeat("ef", 32)

	store, err := OpenQueueStore(path)
	require.NoError(t, err)
	rec := testRecord(hash, time.Now().Add(time.Hour))
	require.NoError(t, store.Enqueue(rec))
	require.NoError(t, store.Close())

	store, err = OpenQueueStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.FetchByHashes([]string{hash}, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.ID, got[0].ID)
}

func TestTokenRegistration(t *testing.T) {
	store := openTestStore(t)
	hash := strings.Repeat("12", 32)

	token, err := store.Token(hash)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, store.RegisterToken(hash, "tok-1"))
	require.NoError(t, store.RegisterToken(hash, "tok-2"))

	token, err = store.Token(hash)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token, "re-registration replaces the binding")
}
