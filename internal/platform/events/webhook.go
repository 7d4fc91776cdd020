package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

const (
	SignatureHeader = "X-Ledger-Signature"
	EventTypeHeader = "X-Ledger-Event"
	EventIDHeader   = "X-Ledger-Event-ID"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

// WithMaxTries bounds delivery attempts per endpoint.
func WithMaxTries(n uint) WebhookOption {
	return func(p *WebhookPublisher) { p.maxTries = n }
}

func WithRetryInterval(d time.Duration) WebhookOption {
	return func(p *WebhookPublisher) { p.retryInterval = d }
}

// WebhookPublisher POSTs each event as signed JSON to every configured URL.
// Network errors and 5xx answers are retried; other non-2xx answers are not.
type WebhookPublisher struct {
	urls          []string
	secret        string
	client        *http.Client
	maxTries      uint
	retryInterval time.Duration
}

func NewWebhookPublisher(urls []string, secret string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		urls:          urls,
		secret:        secret,
		client:        &http.Client{Timeout: 10 * time.Second},
		maxTries:      3,
		retryInterval: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}
	sig := "sha256=" + SignPayload(payload, p.secret)

	errs := make([]error, len(p.urls))
	for i, url := range p.urls {
		errs[i] = p.deliver(ctx, url, evt, payload, sig)
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) deliver(ctx context.Context, url string, evt Event, payload []byte, sig string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, sig)
		req.Header.Set(EventTypeHeader, evt.Type)
		req.Header.Set(EventIDHeader, evt.ID)

		resp, err := p.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("non-2xx response: %d", resp.StatusCode))
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.maxTries))
	if err != nil {
		return fmt.Errorf("deliver event %s to %s: %w", evt.Type, url, err)
	}
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Fanout publishes every event to all of its publishers concurrently.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var g errgroup.Group
	errs := make([]error, len(f))
	for i, pub := range f {
		g.Go(func() error {
			errs[i] = pub.Publish(ctx, evt)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	errs := make([]error, len(f))
	for i, pub := range f {
		errs[i] = pub.Close()
	}
	return errors.Join(errs...)
}
