package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the derived settlement state of a treatment or patient.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "UNPAID"
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	StatusPaid          PaymentStatus = "PAID"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid:
		return true
	}
	return false
}

// PaymentRecord is an immutable entry in a payment history.
type PaymentRecord struct {
	Amount decimal.Decimal `json:"amount"`
	PaidAt time.Time       `json:"paid_at"`
	Note   string          `json:"note,omitempty"`
}

// Patient maps to the patients table. The three money fields are running
// aggregates over the patient's treatments.
type Patient struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Phone              string          `db:"phone" json:"phone"`
	Age                *int            `db:"age" json:"age,omitempty"`
	Gender             *string         `db:"gender" json:"gender,omitempty"`
	DOB                *time.Time      `db:"dob" json:"dob,omitempty"`
	FirstVisitDate     time.Time       `db:"first_visit_date" json:"first_visit_date"`
	TotalBilled        decimal.Decimal `db:"total_billed" json:"total_billed"`
	TotalPaid          decimal.Decimal `db:"total_paid" json:"total_paid"`
	OutstandingBalance decimal.Decimal `db:"outstanding_balance" json:"outstanding_balance"`
	PaymentHistory     []PaymentRecord `json:"payment_history,omitempty"`
	Version            int64           `db:"version" json:"version"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Totals returns the patient's stored aggregates.
func (p *Patient) Totals() Totals {
	return Totals{Billed: p.TotalBilled, Paid: p.TotalPaid, Outstanding: p.OutstandingBalance}
}

// Status derives the patient-level payment status from the aggregates.
func (p *Patient) Status() PaymentStatus {
	return PatientStatusOf(p.TotalPaid, p.OutstandingBalance)
}

// Treatment maps to the treatments table: one billable line item.
type Treatment struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	PatientName    string          `db:"patient_name" json:"patient_name"`
	EntryDate      time.Time       `db:"entry_date" json:"entry_date"`
	Diagnosis      string          `db:"diagnosis" json:"diagnosis"`
	TreatmentPlan  *string         `db:"treatment_plan" json:"treatment_plan,omitempty"`
	ToothNumber    *string         `db:"tooth_number" json:"tooth_number,omitempty"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	AmountPaid     decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	FollowUpDate   *time.Time      `db:"follow_up_date" json:"follow_up_date,omitempty"`
	PaymentHistory []PaymentRecord `json:"payment_history,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// applyDerived recomputes Balance and PaymentStatus from the amounts.
func (t *Treatment) applyDerived() {
	t.Balance, t.PaymentStatus = DeriveTreatmentState(t.TotalAmount, t.AmountPaid)
}

// Totals is the treatment's contribution to its patient's aggregates.
func (t *Treatment) Totals() Totals {
	return Totals{Billed: t.TotalAmount, Paid: t.AmountPaid, Outstanding: t.Balance}
}

// Totals is a (billed, paid, outstanding) triple used both for stored
// aggregates and for the deltas applied to them.
type Totals struct {
	Billed      decimal.Decimal `json:"total_billed"`
	Paid        decimal.Decimal `json:"total_paid"`
	Outstanding decimal.Decimal `json:"outstanding_balance"`
}

func (t Totals) Add(o Totals) Totals {
	return Totals{
		Billed:      t.Billed.Add(o.Billed),
		Paid:        t.Paid.Add(o.Paid),
		Outstanding: t.Outstanding.Add(o.Outstanding),
	}
}

func (t Totals) Neg() Totals {
	return Totals{Billed: t.Billed.Neg(), Paid: t.Paid.Neg(), Outstanding: t.Outstanding.Neg()}
}

func (t Totals) Equal(o Totals) bool {
	return t.Billed.Equal(o.Billed) && t.Paid.Equal(o.Paid) && t.Outstanding.Equal(o.Outstanding)
}

// paymentDelta is the aggregate change caused by paying amount.
func paymentDelta(amount decimal.Decimal) Totals {
	return Totals{Paid: amount, Outstanding: amount.Neg()}
}

// PatientInput carries the demographic fields for a new patient.
type PatientInput struct {
	Name   string     `json:"name" validate:"required,max=200"`
	Phone  string     `json:"phone" validate:"required,max=32"`
	Age    *int       `json:"age,omitempty" validate:"omitempty,min=0,max=150"`
	Gender string     `json:"gender,omitempty" validate:"omitempty,oneof=Male Female Other"`
	DOB    *time.Time `json:"dob,omitempty"`
}

// TreatmentInput carries the fields for a new treatment. A zero EntryDate
// means "now".
type TreatmentInput struct {
	EntryDate     time.Time       `json:"entry_date"`
	Diagnosis     string          `json:"diagnosis" validate:"required,max=500"`
	TreatmentPlan string          `json:"treatment_plan,omitempty" validate:"max=2000"`
	ToothNumber   string          `json:"tooth_number,omitempty" validate:"max=16"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	FollowUpDate  *time.Time      `json:"follow_up_date,omitempty"`
}

// Allocation is one treatment's share of a patient-level payment.
type Allocation struct {
	TreatmentID  uuid.UUID       `json:"treatment_id"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	StatusAfter  PaymentStatus   `json:"status_after"`
}

// Distribution is the result of applying a patient-level payment.
type Distribution struct {
	PatientID   uuid.UUID       `json:"patient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Allocations []Allocation    `json:"allocations"`
	Patient     *Patient        `json:"patient"`
}

// PatientRecord is a patient together with every treatment they own.
type PatientRecord struct {
	Patient    *Patient     `json:"patient"`
	Treatments []*Treatment `json:"treatments"`
}

// Receipt pairs a treatment with its owning patient.
type Receipt struct {
	Treatment *Treatment `json:"treatment"`
	Patient   *Patient   `json:"patient"`
}

// ListOptions narrows list queries. Zero values mean "no filter".
type ListOptions struct {
	Limit  int
	Offset int
	Query  string
	Status PaymentStatus
}
