package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event is a ledger change notification published after a commit.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	PatientID   string            `json:"patient_id,omitempty"`
	TreatmentID string            `json:"treatment_id,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// New returns an event of the given type stamped with a fresh id.
func New(eventType string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: at}
}

// Key is the partitioning key: events for one patient stay ordered.
func (e Event) Key() string {
	if e.PatientID != "" {
		return e.PatientID
	}
	return e.TreatmentID
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages to one topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.Key()),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s to %s: %w", evt.Type, p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to a zerolog logger. It is used when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	e := p.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("patient_id", evt.PatientID).
		Str("treatment_id", evt.TreatmentID).
		Str("amount", evt.Amount)
	for k, v := range evt.Attributes {
		e = e.Str(k, v)
	}
	e.Msg("ledger event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
