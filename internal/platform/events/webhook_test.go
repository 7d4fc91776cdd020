package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"treatment.payment_recorded"}`)
	sig := SignPayload(payload, "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature with wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "secret", sig) {
		t.Error("expected signature over different payload to fail")
	}
}

func TestWebhookPublisher_DeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		sigHdr   string
		typeHdr  string
		received int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sigHdr = r.Header.Get(SignatureHeader)
		typeHdr = r.Header.Get(EventTypeHeader)
		received++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher([]string{srv.URL}, "s3cret")
	evt := New("patient.created", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	evt.PatientID = "p-1"

	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("expected 1 delivery, got %d", received)
	}
	if typeHdr != "patient.created" {
		t.Errorf("expected event type header, got %q", typeHdr)
	}
	if !strings.HasPrefix(sigHdr, "sha256=") || !VerifySignature(body, "s3cret", strings.TrimPrefix(sigHdr, "sha256=")) {
		t.Errorf("signature %q does not verify", sigHdr)
	}
	var decoded Event
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.ID != evt.ID || decoded.PatientID != "p-1" {
		t.Errorf("unexpected body: %+v", decoded)
	}
}

func TestWebhookPublisher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookPublisher([]string{srv.URL}, "k", WithMaxTries(5), WithRetryInterval(time.Millisecond))
	if err := p.Publish(context.Background(), New("x", time.Now())); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestWebhookPublisher_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewWebhookPublisher([]string{srv.URL}, "k", WithMaxTries(5), WithRetryInterval(time.Millisecond))
	err := p.Publish(context.Background(), New("x", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single call, got %d", got)
	}
}

func TestWebhookPublisher_ReportsEachFailedURL(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	p := NewWebhookPublisher([]string{ok.URL, gone.URL}, "k", WithRetryInterval(time.Millisecond))
	err := p.Publish(context.Background(), New("x", time.Now()))
	if err == nil {
		t.Fatal("expected error from failing endpoint")
	}
	if !strings.Contains(err.Error(), gone.URL) || strings.Contains(err.Error(), ok.URL+":") {
		t.Errorf("unexpected error: %v", err)
	}
}

type countingPublisher struct {
	calls  atomic.Int32
	err    error
	closed atomic.Bool
}

func (p *countingPublisher) Publish(context.Context, Event) error {
	p.calls.Add(1)
	return p.err
}

func (p *countingPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	a := &countingPublisher{}
	b := &countingPublisher{err: boom}
	f := Fanout{a, b}

	err := f.Publish(context.Background(), New("x", time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap boom, got %v", err)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Errorf("expected both publishers called once, got %d and %d", a.calls.Load(), b.calls.Load())
	}

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed.Load() || !b.closed.Load() {
		t.Error("expected both publishers closed")
	}
}
