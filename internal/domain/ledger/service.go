package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/ledger/internal/platform/events"
	"github.com/clinic/ledger/internal/platform/metrics"
)

const (
	EventPatientCreated          = "patient.created"
	EventTreatmentAdded          = "treatment.added"
	EventTreatmentPaymentApplied = "treatment.payment_recorded"
	EventPatientPaymentApplied   = "patient.payment_applied"
	EventTreatmentDeleted        = "treatment.deleted"
	EventPatientDeleted          = "patient.deleted"
	EventFollowUpDue             = "followup.due"
)

const (
	DefaultMaxAttempts = 5

	initialPaymentNote      = "Initial payment"
	distributedPaymentNote  = "Direct patient payment"
	patientPaymentNote      = "Direct payment"
	defaultRetryInterval    = 25 * time.Millisecond
	defaultRetryMaxInterval = time.Second
)

// Service coordinates every write to the ledger. All mutations of a
// patient's aggregates go through it so the aggregates stay equal to the
// sums over the patient's treatments.
type Service struct {
	patients   PatientRepository
	treatments TreatmentRepository
	tx         TxRunner

	logger        zerolog.Logger
	publisher     events.Publisher
	dispatcher    *events.Dispatcher
	metrics       *metrics.Ledger
	now           func() time.Time
	maxAttempts   int
	retryInterval time.Duration
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(m *metrics.Ledger) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithMaxAttempts bounds how many times a conflicting transaction is run.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRetryInterval(d time.Duration) Option { return func(s *Service) { s.retryInterval = d } }

func NewService(patients PatientRepository, treatments TreatmentRepository, tx TxRunner, opts ...Option) *Service {
	s := &Service{
		patients:      patients,
		treatments:    treatments,
		tx:            tx,
		logger:        zerolog.Nop(),
		now:           func() time.Time { return time.Now().UTC() },
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher != nil {
		s.dispatcher = events.NewDispatcher(s.publisher, s.logger, events.DefaultQueueSize, events.DefaultPublishTimeout)
	}
	return s
}

// Flush waits for events queued by earlier operations to be delivered.
func (s *Service) Flush() {
	if s.dispatcher != nil {
		s.dispatcher.Flush()
	}
}

// Close drains pending events. The publisher itself stays open.
func (s *Service) Close() error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Close()
}

// run executes fn in a transaction, retrying write conflicts with
// exponential backoff up to maxAttempts times.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = defaultRetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.metrics.ObserveRetry(op)
			s.logger.Warn().Str("op", op).Int("attempt", attempt).Msg("retrying after transaction conflict")
		}
		err := s.tx.RunInTx(ctx, fn)
		if err == nil || IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.maxAttempts)))
	return backendErr(op, err)
}

// finish records the outcome of op and logs failures.
func (s *Service) finish(op string, start time.Time, err error) error {
	outcome := "ok"
	switch {
	case err == nil:
	case IsValidation(err):
		outcome = "validation"
	case IsNotFound(err):
		outcome = "not_found"
	case IsConflict(err):
		outcome = "conflict"
		s.logger.Warn().Err(err).Str("op", op).Msg("transaction conflict not resolved")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	default:
		outcome = "error"
		s.logger.Error().Err(err).Str("op", op).Msg("ledger operation failed")
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
	return err
}

// publish queues evt for delivery after the commit. Delivery runs off the
// request path, so a slow broker never fails a committed write.
func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, evt); err != nil {
		s.logger.Error().Err(err).Str("event_type", evt.Type).Msg("queue ledger event")
	}
}

func (s *Service) event(eventType string, patientID, treatmentID uuid.UUID, amount *decimal.Decimal) events.Event {
	evt := events.New(eventType, s.now())
	if patientID != uuid.Nil {
		evt.PatientID = patientID.String()
	}
	if treatmentID != uuid.Nil {
		evt.TreatmentID = treatmentID.String()
	}
	if amount != nil {
		evt.Amount = amount.StringFixed(MoneyScale)
	}
	return evt
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// newTreatment builds a derived treatment for p from a validated input.
func (s *Service) newTreatment(p *Patient, in TreatmentInput, now time.Time) *Treatment {
	entry := in.EntryDate
	if entry.IsZero() {
		entry = now
	}
	t := &Treatment{
		ID:            uuid.New(),
		PatientID:     p.ID,
		PatientName:   p.Name,
		EntryDate:     entry.UTC(),
		Diagnosis:     in.Diagnosis,
		TreatmentPlan: optional(in.TreatmentPlan),
		ToothNumber:   optional(in.ToothNumber),
		TotalAmount:   in.TotalAmount,
		AmountPaid:    in.AmountPaid,
		FollowUpDate:  in.FollowUpDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.applyDerived()
	if in.AmountPaid.IsPositive() {
		t.PaymentHistory = []PaymentRecord{{Amount: in.AmountPaid, PaidAt: now, Note: initialPaymentNote}}
	}
	return t
}

// CreatePatientWithFirstTreatment creates a patient whose aggregates are
// initialized from their first treatment, and that treatment, atomically.
func (s *Service) CreatePatientWithFirstTreatment(ctx context.Context, pin PatientInput, tin TreatmentInput) (uuid.UUID, error) {
	const op = "create_patient"
	start := time.Now()

	if err := ValidatePatientInput(&pin); err != nil {
		return uuid.Nil, s.finish(op, start, err)
	}
	if err := ValidateTreatmentInput(&tin); err != nil {
		return uuid.Nil, s.finish(op, start, err)
	}

	now := s.now()
	p := &Patient{
		ID:        uuid.New(),
		Name:      pin.Name,
		Phone:     pin.Phone,
		Age:       pin.Age,
		Gender:    optional(pin.Gender),
		DOB:       pin.DOB,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t := s.newTreatment(p, tin, now)
	p.FirstVisitDate = t.EntryDate
	p.TotalBilled, p.TotalPaid, p.OutstandingBalance = t.TotalAmount, t.AmountPaid, t.Balance

	err := s.run(ctx, op, func(ctx context.Context) error {
		if err := s.patients.Create(ctx, p); err != nil {
			return err
		}
		return s.treatments.Create(ctx, t)
	})
	if err != nil {
		return uuid.Nil, s.finish(op, start, err)
	}

	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("treatment_id", t.ID.String()).
		Str("total_amount", t.TotalAmount.StringFixed(MoneyScale)).
		Msg("patient created")
	s.metrics.AddAmount("billed", t.TotalAmount.InexactFloat64())
	s.metrics.AddAmount("collected", t.AmountPaid.InexactFloat64())
	evt := s.event(EventPatientCreated, p.ID, t.ID, &t.TotalAmount)
	evt.Attributes = map[string]string{"amount_paid": t.AmountPaid.StringFixed(MoneyScale)}
	s.publish(ctx, evt)
	return p.ID, s.finish(op, start, nil)
}

// AddTreatmentToExistingPatient adds a treatment and increments the
// patient's aggregates by its amounts.
func (s *Service) AddTreatmentToExistingPatient(ctx context.Context, patientID uuid.UUID, tin TreatmentInput) (uuid.UUID, error) {
	const op = "add_treatment"
	start := time.Now()

	if err := ValidateTreatmentInput(&tin); err != nil {
		return uuid.Nil, s.finish(op, start, err)
	}

	var t *Treatment
	err := s.run(ctx, op, func(ctx context.Context) error {
		p, err := s.patients.Lock(ctx, patientID)
		if err != nil {
			return err
		}
		if p.TotalBilled.Add(tin.TotalAmount).GreaterThanOrEqual(MaxAmount) {
			return invalid("total_amount", "would raise the patient's billed total to %s or more", MaxAmount.String())
		}
		t = s.newTreatment(p, tin, s.now())
		if err := s.treatments.Create(ctx, t); err != nil {
			return err
		}
		if err := s.patients.ApplyTotals(ctx, p.ID, t.Totals()); err != nil {
			return err
		}
		if t.EntryDate.Before(p.FirstVisitDate) {
			return s.patients.NoteVisit(ctx, p.ID, t.EntryDate)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, s.finish(op, start, err)
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("treatment_id", t.ID.String()).
		Str("total_amount", t.TotalAmount.StringFixed(MoneyScale)).
		Msg("treatment added")
	s.metrics.AddAmount("billed", t.TotalAmount.InexactFloat64())
	s.metrics.AddAmount("collected", t.AmountPaid.InexactFloat64())
	s.publish(ctx, s.event(EventTreatmentAdded, patientID, t.ID, &t.TotalAmount))
	return t.ID, s.finish(op, start, nil)
}

// RecordPaymentOnTreatment applies a payment to one treatment. The amount
// may not exceed the treatment's balance. A zero amount records nothing.
func (s *Service) RecordPaymentOnTreatment(ctx context.Context, treatmentID uuid.UUID, amount decimal.Decimal, note string) (*Treatment, error) {
	const op = "record_treatment_payment"
	start := time.Now()

	if err := checkMoney("amount", amount); err != nil {
		return nil, s.finish(op, start, err)
	}
	if amount.IsNegative() {
		return nil, s.finish(op, start, invalid("amount", "must not be negative"))
	}

	var t *Treatment
	err := s.run(ctx, op, func(ctx context.Context) error {
		var err error
		t, err = s.treatments.GetByID(ctx, treatmentID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(t.Balance) {
			return invalid("amount", "%s exceeds outstanding balance %s",
				amount.StringFixed(MoneyScale), t.Balance.StringFixed(MoneyScale))
		}
		if amount.IsZero() {
			return nil
		}
		if _, err := s.patients.Lock(ctx, t.PatientID); err != nil {
			return err
		}
		now := s.now()
		t.AmountPaid = t.AmountPaid.Add(amount)
		t.applyDerived()
		t.UpdatedAt = now
		rec := PaymentRecord{Amount: amount, PaidAt: now, Note: note}
		if err := s.treatments.ApplyPayment(ctx, t, rec); err != nil {
			return err
		}
		t.PaymentHistory = append(t.PaymentHistory, rec)
		return s.patients.ApplyTotals(ctx, t.PatientID, paymentDelta(amount))
	})
	if err != nil {
		return nil, s.finish(op, start, err)
	}
	if amount.IsZero() {
		return t, s.finish(op, start, nil)
	}

	s.logger.Info().
		Str("patient_id", t.PatientID.String()).
		Str("treatment_id", t.ID.String()).
		Str("amount", amount.StringFixed(MoneyScale)).
		Str("status", string(t.PaymentStatus)).
		Msg("treatment payment recorded")
	s.metrics.AddAmount("collected", amount.InexactFloat64())
	evt := s.event(EventTreatmentPaymentApplied, t.PatientID, t.ID, &amount)
	evt.Attributes = map[string]string{"status": string(t.PaymentStatus)}
	s.publish(ctx, evt)
	return t, s.finish(op, start, nil)
}

// ApplyPatientPayment distributes amount over the patient's outstanding
// treatments, oldest entry first, and records it on the patient. The
// whole distribution commits or nothing does.
func (s *Service) ApplyPatientPayment(ctx context.Context, patientID uuid.UUID, amount decimal.Decimal, note string) (*Distribution, error) {
	const op = "apply_patient_payment"
	start := time.Now()

	if err := checkMoney("amount", amount); err != nil {
		return nil, s.finish(op, start, err)
	}
	if !amount.IsPositive() {
		return nil, s.finish(op, start, invalid("amount", "must be greater than zero"))
	}
	treatmentNote, patientNote := note, note
	if note == "" {
		treatmentNote, patientNote = distributedPaymentNote, patientPaymentNote
	}

	var dist *Distribution
	err := s.run(ctx, op, func(ctx context.Context) error {
		p, err := s.patients.Lock(ctx, patientID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(p.OutstandingBalance) {
			return invalid("amount", "%s exceeds outstanding balance %s",
				amount.StringFixed(MoneyScale), p.OutstandingBalance.StringFixed(MoneyScale))
		}

		outstanding, err := s.treatments.ListOutstanding(ctx, patientID)
		if err != nil {
			return err
		}
		allocs, remaining := PlanAllocation(outstanding, amount)
		if remaining.IsPositive() {
			return invalid("amount", "outstanding treatments can absorb only %s",
				amount.Sub(remaining).StringFixed(MoneyScale))
		}

		byID := make(map[uuid.UUID]*Treatment, len(outstanding))
		for _, t := range outstanding {
			byID[t.ID] = t
		}
		now := s.now()
		for _, a := range allocs {
			t := byID[a.TreatmentID]
			t.AmountPaid = t.AmountPaid.Add(a.Amount)
			t.applyDerived()
			t.UpdatedAt = now
			if err := s.treatments.ApplyPayment(ctx, t, PaymentRecord{Amount: a.Amount, PaidAt: now, Note: treatmentNote}); err != nil {
				return err
			}
		}
		if err := s.patients.ApplyTotals(ctx, patientID, paymentDelta(amount)); err != nil {
			return err
		}
		if err := s.patients.AppendPayment(ctx, patientID, PaymentRecord{Amount: amount, PaidAt: now, Note: patientNote}); err != nil {
			return err
		}
		updated, err := s.patients.GetByID(ctx, patientID)
		if err != nil {
			return err
		}
		dist = &Distribution{PatientID: patientID, Amount: amount, Allocations: allocs, Patient: updated}
		return nil
	})
	if err != nil {
		return nil, s.finish(op, start, err)
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Str("amount", amount.StringFixed(MoneyScale)).
		Int("treatments", len(dist.Allocations)).
		Msg("patient payment applied")
	s.metrics.AddAmount("collected", amount.InexactFloat64())
	s.publish(ctx, s.event(EventPatientPaymentApplied, patientID, uuid.Nil, &amount))
	return dist, s.finish(op, start, nil)
}

// DeleteTreatment removes a treatment and subtracts its amounts from the
// owning patient's aggregates.
func (s *Service) DeleteTreatment(ctx context.Context, treatmentID uuid.UUID) error {
	const op = "delete_treatment"
	start := time.Now()

	var t *Treatment
	err := s.run(ctx, op, func(ctx context.Context) error {
		var err error
		t, err = s.treatments.GetByID(ctx, treatmentID)
		if err != nil {
			return err
		}
		if _, err := s.patients.Lock(ctx, t.PatientID); err != nil {
			return err
		}
		if err := s.patients.ApplyTotals(ctx, t.PatientID, t.Totals().Neg()); err != nil {
			return err
		}
		return s.treatments.Delete(ctx, t.ID)
	})
	if err != nil {
		return s.finish(op, start, err)
	}

	s.logger.Info().
		Str("patient_id", t.PatientID.String()).
		Str("treatment_id", t.ID.String()).
		Str("total_amount", t.TotalAmount.StringFixed(MoneyScale)).
		Msg("treatment deleted")
	s.publish(ctx, s.event(EventTreatmentDeleted, t.PatientID, t.ID, &t.TotalAmount))
	return s.finish(op, start, nil)
}

// DeletePatientAndTreatments removes a patient and every treatment they
// own in one transaction.
func (s *Service) DeletePatientAndTreatments(ctx context.Context, patientID uuid.UUID) error {
	const op = "delete_patient"
	start := time.Now()

	var removed int
	err := s.run(ctx, op, func(ctx context.Context) error {
		if _, err := s.patients.Lock(ctx, patientID); err != nil {
			return err
		}
		var err error
		if removed, err = s.treatments.DeleteByPatient(ctx, patientID); err != nil {
			return err
		}
		return s.patients.Delete(ctx, patientID)
	})
	if err != nil {
		return s.finish(op, start, err)
	}

	s.logger.Info().
		Str("patient_id", patientID.String()).
		Int("treatments", removed).
		Msg("patient deleted")
	s.publish(ctx, s.event(EventPatientDeleted, patientID, uuid.Nil, nil))
	return s.finish(op, start, nil)
}
