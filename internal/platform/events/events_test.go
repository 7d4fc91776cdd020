package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "ledger-events"}

	evt := New("patient.payment_applied", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	evt.PatientID = "p-1"
	evt.Amount = "600.00"

	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "p-1" {
		t.Errorf("expected key p-1, got %s", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "patient.payment_applied" {
		t.Errorf("unexpected headers: %+v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Amount != "600.00" || decoded.ID != evt.ID {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, topic: "ledger-events"}

	err := p.Publish(context.Background(), New("patient.created", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.closed {
		t.Error("expected writer to be closed")
	}
}

func TestEvent_KeyFallsBackToTreatment(t *testing.T) {
	evt := Event{TreatmentID: "t-1"}
	if evt.Key() != "t-1" {
		t.Errorf("expected t-1, got %s", evt.Key())
	}
}

func TestLogPublisher_Publish(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))

	evt := New("treatment.deleted", time.Now())
	evt.TreatmentID = "t-9"
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"event_type":"treatment.deleted"`) || !strings.Contains(out, `"treatment_id":"t-9"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}
