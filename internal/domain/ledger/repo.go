package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxRunner runs fn inside one atomic unit of work. Repositories called
// with the context passed to fn take part in that unit. Implementations
// report contention as ErrTransactionConflict.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PatientRepository persists patients. Lookups of a missing id return a
// *NotFoundError.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Lock loads the patient and claims it for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, opts ListOptions) ([]*Patient, int, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	// ApplyTotals adds delta to the stored aggregates.
	ApplyTotals(ctx context.Context, id uuid.UUID, delta Totals) error
	// SetTotals overwrites the stored aggregates.
	SetTotals(ctx context.Context, id uuid.UUID, totals Totals) error
	// NoteVisit moves the first visit date back to at if at is earlier.
	NoteVisit(ctx context.Context, id uuid.UUID, at time.Time) error
	AppendPayment(ctx context.Context, id uuid.UUID, rec PaymentRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, since time.Time) (*PatientStats, error)
}

// TreatmentRepository persists treatments and their payment histories.
type TreatmentRepository interface {
	Create(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	// ListByPatient returns the patient's treatments, newest entry first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error)
	// ListOutstanding returns the patient's UNPAID and PARTIALLY_PAID
	// treatments ordered by entry date, then creation time, then id.
	ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error)
	List(ctx context.Context, opts ListOptions) ([]*Treatment, int, error)
	ListFollowUps(ctx context.Context, from, to time.Time) ([]*Treatment, error)
	// ApplyPayment stores t's new amount, balance and status and appends rec.
	ApplyPayment(ctx context.Context, t *Treatment, rec PaymentRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int, error)
	Stats(ctx context.Context) (*TreatmentStats, error)
}

// PatientStats summarizes the patients collection.
type PatientStats struct {
	Total        int `json:"total"`
	NewThisMonth int `json:"new_this_month"`
}

// TreatmentStats summarizes the treatments collection.
type TreatmentStats struct {
	Count    int                   `json:"count"`
	Revenue  decimal.Decimal       `json:"revenue"`
	Unpaid   decimal.Decimal       `json:"unpaid"`
	ByStatus map[PaymentStatus]int `json:"by_status"`
}
