package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veil-chat/go-core/internal/mailbox"
	"veil-chat/go-core/internal/platform/ratelimiter"
	"veil-chat/go-core/pkg/models"
)

// WakeSender delivers a validated wake payload to a push token. The
// production implementation talks to the platform push gateway; tests
// substitute a recorder.
type WakeSender interface {
	SendWake(ctx context.Context, token string, payload models.WakePayload) error
}

// Server exposes the relay's HTTP surface. Every handler validates
// before touching storage; the store only ever sees well-formed
// records.
type Server struct {
	store   *QueueStore
	epochs  *mailbox.EpochManager
	wake    WakeSender
	log     *slog.Logger
	limiter *ratelimiter.MapLimiter
	now     func() time.Time
}

// ServerOption configures a relay server.
type ServerOption func(*Server)

// WithWakeSender wires the push gateway used for wake signals.
func WithWakeSender(w WakeSender) ServerOption {
	return func(s *Server) { s.wake = w }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithRateLimit installs a per-client request limiter.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = ratelimiter.New(rps, burst, 10*time.Minute) }
}

// WithServerEpochs replaces the epoch manager, for boundary tests.
func WithServerEpochs(em *mailbox.EpochManager) ServerOption {
	return func(s *Server) { s.epochs = em }
}

// NewServer builds a relay server over store.
func NewServer(store *QueueStore, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		epochs: mailbox.NewEpochManager(),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full HTTP surface including metrics and health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleSend)
	mux.HandleFunc("POST /v1/messages/fetch", s.handleFetch)
	mux.HandleFunc("POST /v1/messages/delete", s.handleDelete)
	mux.HandleFunc("POST /v1/push-token", s.handleToken)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.rateLimit(mux)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.reject(w, "invalid_send", err)
		return
	}
	now := s.now()
	if !s.epochs.InWindow(req.Epoch, now) {
		s.reject(w, "epoch_out_of_window", errors.New("epoch outside the accepted window"))
		return
	}

	rec := models.QueuedMessageRecord{
		ID:          uuid.New().String(),
		MailboxHash: req.MailboxHash,
		Ciphertext:  req.Ciphertext,
		Epoch:       req.Epoch,
		CreatedAt:   now,
		ExpiresAt:   now.Add(models.MessageTTL),
	}
	if err := s.store.Enqueue(rec); err != nil {
		s.log.Error("enqueue failed", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	messagesStored.Inc()
	s.log.Info("message queued", "mailbox_hash", rec.MailboxHash, "message_id", rec.ID)

	s.dispatchWake(r.Context(), rec.MailboxHash)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req models.FetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.reject(w, "invalid_fetch", err)
		return
	}
	msgs, err := s.store.FetchByHashes(req.MailboxHashes, s.now())
	if err != nil {
		s.log.Error("fetch failed", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	messagesFetched.Add(float64(len(msgs)))
	s.writeJSON(w, models.FetchResponse{Messages: msgs})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		s.reject(w, "invalid_delete", errors.New("no ids to delete"))
		return
	}
	deleted, err := s.store.Delete(req.IDs)
	if err != nil {
		s.log.Error("delete failed", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	messagesDeleted.Add(float64(deleted))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req models.PushTokenRegistration
	if !s.decode(w, r, &req) {
		return
	}
	if !models.ValidMailboxHash(req.MailboxHash) || req.Token == "" {
		s.reject(w, "invalid_token_registration", errors.New("bad token registration"))
		return
	}
	if err := s.store.RegisterToken(req.MailboxHash, req.Token); err != nil {
		s.log.Error("token registration failed", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// dispatchWake notifies the mailbox owner that mail is waiting. The
// payload is rebuilt from scratch, run through the leak check, and
// dropped entirely if it fails; a missing token or a push failure is
// not an error the sender ever learns about.
func (s *Server) dispatchWake(ctx context.Context, mailboxHash string) {
	if s.wake == nil {
		return
	}
	token, err := s.store.Token(mailboxHash)
	if err != nil || token == "" {
		return
	}
	payload := models.WakePayload{Type: models.WakeTypeCheckServer, Nonce: wakeNonce()}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := models.ValidateWakePayload(raw); err != nil {
		wakesRejected.Inc()
		s.log.Error("wake payload blocked", "error", err)
		return
	}
	if err := s.wake.SendWake(ctx, token, payload); err != nil {
		s.log.Warn("wake dispatch failed", "error", err)
		return
	}
	wakesSent.Inc()
}

// RunSweeper deletes expired records on the given interval until ctx is
// canceled.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.store.SweepExpired(s.now())
			if err != nil {
				s.log.Error("ttl sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				messagesExpired.Add(float64(swept))
				s.log.Info("ttl sweep", "removed", swept)
			}
		}
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientIP(r), s.now()) {
			rateLimited.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, 2*models.MaxCiphertextSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.reject(w, "malformed_body", err)
		return false
	}
	return true
}

func (s *Server) reject(w http.ResponseWriter, reason string, err error) {
	requestsRejected.WithLabelValues(reason).Inc()
	s.log.Warn("request rejected", "reason", reason, "error", err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response failed", "error", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func wakeNonce() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(buf[:])
}
