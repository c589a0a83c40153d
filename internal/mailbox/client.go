package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"veil-chat/go-core/pkg/models"
)

// Relay endpoints. The surface is deliberately tiny: queue, drain,
// acknowledge, and bind a wake token.
const (
	pathMessages  = "/v1/messages"
	pathFetch     = "/v1/messages/fetch"
	pathDelete    = "/v1/messages/delete"
	pathPushToken = "/v1/push-token"
)

var ErrRelayUnavailable = errors.New("relay request failed after retries")

// Client talks to one relay server. All payloads it sends are either
// opaque ciphertext or mailbox hashes; a compromised relay learns
// traffic shape at worst, and the decoy machinery degrades even that.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	epochs     *EpochManager
	log        *slog.Logger
	decoys     bool
	now        func() time.Time
}

// Option configures the relay client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(retries int) Option {
	return func(c *Client) { c.retries = retries }
}

// WithEpochManager replaces the epoch manager, for tests with
// controlled rotation boundaries.
func WithEpochManager(em *EpochManager) Option {
	return func(c *Client) { c.epochs = em }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithoutDecoys disables decoy fetches, for tests that count requests.
func WithoutDecoys() Option {
	return func(c *Client) { c.decoys = false }
}

// NewClient builds a relay client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("relay base url is required")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    3,
		epochs:     NewEpochManager(),
		log:        slog.Default(),
		decoys:     true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendMessage queues one envelope in the recipient's current mailbox.
// The recipient's mailbox seed is the publishable share received when
// the contact was added, never their root seed.
func (c *Client) SendMessage(ctx context.Context, recipientMailboxSeed, ciphertext []byte) error {
	now := c.now()
	addr, err := DeriveAddressAt(c.epochs, recipientMailboxSeed, now)
	if err != nil {
		return err
	}
	req := models.SendRequest{
		MailboxHash: addr,
		Ciphertext:  ciphertext,
		Epoch:       c.epochs.EpochAt(now),
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, pathMessages, req, nil)
}

// FetchMessages drains every mailbox address in the caller's current
// skew window. On an empty result it issues a random number of decoy
// fetches so the relay cannot tell an empty check from a delivery.
func (c *Client) FetchMessages(ctx context.Context, mailboxSeed []byte) ([]models.QueuedMessageRecord, error) {
	now := c.now()
	addrs, err := WindowAddresses(c.epochs, mailboxSeed, now)
	if err != nil {
		return nil, err
	}
	req := models.FetchRequest{MailboxHashes: addrs, Epoch: c.epochs.EpochAt(now)}

	var resp models.FetchResponse
	if err := c.do(ctx, http.MethodPost, pathFetch, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 && c.decoys {
		c.fetchDecoys(ctx)
	}
	return resp.Messages, nil
}

// DeleteMessages acknowledges messages that were decrypted and stored
// locally. Callers must invoke this after every successful fetch; the
// relay is a queue, not an archive.
func (c *Client) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, pathDelete, models.DeleteRequest{IDs: ids}, nil)
}

// RegisterPushToken binds a push token to every address in the current
// skew window so wake signals survive a rotation boundary.
func (c *Client) RegisterPushToken(ctx context.Context, mailboxSeed []byte, token string) error {
	addrs, err := WindowAddresses(c.epochs, mailboxSeed, c.now())
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		reg := models.PushTokenRegistration{MailboxHash: addr, Token: token}
		if err := c.do(ctx, http.MethodPost, pathPushToken, reg, nil); err != nil {
			return err
		}
	}
	return nil
}

// SendDecoyMessage posts chaff ciphertext to a random address. Run on a
// jittered schedule it makes real send volume unobservable.
func (c *Client) SendDecoyMessage(ctx context.Context) error {
	addr, err := RandomAddress()
	if err != nil {
		return err
	}
	chaff, err := randomChaff()
	if err != nil {
		return err
	}
	req := models.SendRequest{
		MailboxHash: addr,
		Ciphertext:  chaff,
		Epoch:       c.epochs.EpochAt(c.now()),
	}
	return c.do(ctx, http.MethodPost, pathMessages, req, nil)
}

// fetchDecoys issues 1-3 fetches against random addresses. Failures are
// deliberately swallowed: decoy traffic is best-effort and must never
// surface as an application error.
func (c *Client) fetchDecoys(ctx context.Context) {
	for i := 0; i < decoyFetchCount(); i++ {
		addr, err := RandomAddress()
		if err != nil {
			return
		}
		req := models.FetchRequest{MailboxHashes: []string{addr}, Epoch: c.epochs.EpochAt(c.now())}
		var resp models.FetchResponse
		if err := c.do(ctx, http.MethodPost, pathFetch, req, &resp); err != nil {
			c.log.Debug("decoy fetch failed", "error", err)
			return
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("relay returned %d", resp.StatusCode)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("relay rejected request: %d %s", resp.StatusCode, bytes.TrimSpace(raw))
		}
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRelayUnavailable, lastErr)
}
