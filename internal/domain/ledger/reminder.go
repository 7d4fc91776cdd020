package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/platform/events"
)

// Reminder publishes a followup.due event for every treatment whose
// follow-up falls on the next calendar day. It runs once a day.
type Reminder struct {
	svc       *Service
	publisher events.Publisher
	logger    zerolog.Logger
	loc       *time.Location
	at        string

	scheduler *gocron.Scheduler
}

func NewReminder(svc *Service, publisher events.Publisher, logger zerolog.Logger, loc *time.Location, at string) *Reminder {
	if loc == nil {
		loc = time.UTC
	}
	return &Reminder{
		svc:       svc,
		publisher: publisher,
		logger:    logger.With().Str("component", "reminder").Logger(),
		loc:       loc,
		at:        at,
	}
}

// Start schedules the daily run at the configured HH:MM.
func (r *Reminder) Start() error {
	s := gocron.NewScheduler(r.loc)
	s.SingletonModeAll()
	if _, err := s.Every(1).Day().At(r.at).Do(r.tick); err != nil {
		return fmt.Errorf("schedule follow-up reminders at %s: %w", r.at, err)
	}
	s.StartAsync()
	r.scheduler = s
	r.logger.Info().Str("at", r.at).Str("tz", r.loc.String()).Msg("follow-up reminders scheduled")
	return nil
}

func (r *Reminder) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}

func (r *Reminder) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.RunOnce(ctx, time.Now())
	if err != nil {
		r.logger.Error().Err(err).Msg("follow-up reminder run failed")
		return
	}
	r.logger.Info().Int("due", n).Msg("follow-up reminders sent")
}

// RunOnce publishes reminders for follow-ups on the day after now and
// returns how many were sent.
func (r *Reminder) RunOnce(ctx context.Context, now time.Time) (int, error) {
	local := now.In(r.loc)
	from := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, r.loc)
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)

	due, err := r.svc.ListFollowUps(ctx, from, to)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range due {
		evt := events.New(EventFollowUpDue, now.UTC())
		evt.PatientID = t.PatientID.String()
		evt.TreatmentID = t.ID.String()
		evt.Attributes = map[string]string{
			"patient_name":   t.PatientName,
			"diagnosis":      t.Diagnosis,
			"follow_up_date": t.FollowUpDate.In(r.loc).Format(time.RFC3339),
		}
		if r.publisher == nil {
			r.logger.Info().Str("treatment_id", evt.TreatmentID).Msg("follow-up due")
			sent++
			continue
		}
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.logger.Error().Err(err).Str("treatment_id", evt.TreatmentID).Msg("publish follow-up reminder")
			continue
		}
		sent++
	}
	return sent, nil
}
