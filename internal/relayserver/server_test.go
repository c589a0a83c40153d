package relayserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veil-chat/go-core/internal/mailbox"
	"veil-chat/go-core/pkg/models"
)

type wakeRecorder struct {
	mu    sync.Mutex
	sent  []models.WakePayload
	token string
}

func (w *wakeRecorder) SendWake(_ context.Context, token string, payload models.WakePayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = token
	w.sent = append(w.sent, payload)
	return nil
}

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *Server) {
	t.Helper()
	store := openTestStore(t)
	srv := NewServer(store, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func currentEpoch() int64 {
	return mailbox.NewEpochManager().CurrentEpoch()
}

func TestSendFetchDeleteRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	hash := strings.Repeat("ab", 32)

	resp := post(t, ts.URL+"/v1/messages", models.SendRequest{
		MailboxHash: hash,
		Ciphertext:  []byte("envelope"),
		Epoch:       currentEpoch(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/messages/fetch", models.FetchRequest{
		MailboxHashes: []string{hash},
		Epoch:         currentEpoch(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched models.FetchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	require.Len(t, fetched.Messages, 1)
	rec := fetched.Messages[0]
	require.Equal(t, []byte("envelope"), rec.Ciphertext)
	require.NotEmpty(t, rec.ID)
	require.WithinDuration(t, time.Now().Add(models.MessageTTL), rec.ExpiresAt, time.Minute,
		"expiry is computed server-side from the TTL")

	resp = post(t, ts.URL+"/v1/messages/delete", models.DeleteRequest{IDs: []string{rec.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/messages/fetch", models.FetchRequest{
		MailboxHashes: []string{hash},
		Epoch:         currentEpoch(),
	})
	var after models.FetchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	require.Empty(t, after.Messages)
}

func TestSendValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := map[string]models.SendRequest{
		"short hash": {MailboxHash: "abc", Ciphertext: []byte("x"), Epoch: currentEpoch()},
		"upper hash": {MailboxHash: strings.Repeat("AB", 32), Ciphertext: []byte("x"), Epoch: currentEpoch()},
		"empty body": {MailboxHash: strings.Repeat("ab", 32), Epoch: currentEpoch()},
		"far past":   {MailboxHash: strings.Repeat("ab", 32), Ciphertext: []byte("x"), Epoch: 1000},
		"far future": {MailboxHash: strings.Repeat("ab", 32), Ciphertext: []byte("x"), Epoch: time.Now().Add(90 * 24 * time.Hour).Unix()},
	}
	for name, req := range cases {
		resp := post(t, ts.URL+"/v1/messages", req)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestFetchValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/v1/messages/fetch", models.FetchRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/messages/fetch", models.FetchRequest{
		MailboxHashes: []string{"bogus"},
		Epoch:         currentEpoch(),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWakeDispatchOnSend(t *testing.T) {
	rec := &wakeRecorder{}
	ts, _ := newTestServer(t, WithWakeSender(rec))
	hash := strings.Repeat("cd", 32)

	resp := post(t, ts.URL+"/v1/push-token", models.PushTokenRegistration{MailboxHash: hash, Token: "device-token"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/messages", models.SendRequest{
		MailboxHash: hash,
		Ciphertext:  []byte("envelope"),
		Epoch:       currentEpoch(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.sent, 1)
	require.Equal(t, "device-token", rec.token)
	payload := rec.sent[0]
	require.Equal(t, models.WakeTypeCheckServer, payload.Type)
	require.NotEmpty(t, payload.Nonce, "wake must carry a fresh nonce")

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = models.ValidateWakePayload(raw)
	require.NoError(t, err, "dispatched payload must pass the leak check")
}

func TestWakeNoncesAreFresh(t *testing.T) {
	rec := &wakeRecorder{}
	ts, _ := newTestServer(t, WithWakeSender(rec))
	hash := strings.Repeat("ef", 32)

	post(t, ts.URL+"/v1/push-token", models.PushTokenRegistration{MailboxHash: hash, Token: "tok"})
	for i := 0; i < 2; i++ {
		post(t, ts.URL+"/v1/messages", models.SendRequest{
			MailboxHash: hash,
			Ciphertext:  []byte("x"),
			Epoch:       currentEpoch(),
		})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.sent, 2)
	require.NotEqual(t, rec.sent[0].Nonce, rec.sent[1].Nonce)
}

func TestSendWithoutTokenSkipsWake(t *testing.T) {
	rec := &wakeRecorder{}
	ts, _ := newTestServer(t, WithWakeSender(rec))

	resp := post(t, ts.URL+"/v1/messages", models.SendRequest{
		MailboxHash: strings.Repeat("12", 32),
		Ciphertext:  []byte("x"),
		Epoch:       currentEpoch(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Empty(t, rec.sent)
}

func TestTokenRegistrationValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/v1/push-token", models.PushTokenRegistration{MailboxHash: "bad", Token: "t"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/push-token", models.PushTokenRegistration{MailboxHash: strings.Repeat("ab", 32)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimiting(t *testing.T) {
	ts, _ := newTestServer(t, WithRateLimit(1, 2))

	var limited bool
	for i := 0; i < 10; i++ {
		resp := post(t, ts.URL+"/v1/messages/fetch", models.FetchRequest{
			MailboxHashes: []string{strings.Repeat("ab", 32)},
			Epoch:         currentEpoch(),
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "sustained traffic from one client must hit the limiter")
}

func TestSweeperRemovesExpired(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(store)
	hash := strings.Repeat("aa", 32)
	require.NoError(t, store.Enqueue(testRecord(hash, time.Now().Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunSweeper(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		got, err := store.FetchByHashes([]string{hash}, time.Now().Add(-2*time.Hour))
		return err == nil && len(got) == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
