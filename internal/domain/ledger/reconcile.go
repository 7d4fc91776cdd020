package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Drift compares a patient's stored aggregates with the sums over their
// treatments.
type Drift struct {
	PatientID uuid.UUID `json:"patient_id"`
	Stored    Totals    `json:"stored"`
	Computed  Totals    `json:"computed"`
	Fixed     bool      `json:"fixed"`
}

func (d *Drift) Drifted() bool { return !d.Stored.Equal(d.Computed) }

// ComputeTotals sums the amounts of treatments.
func ComputeTotals(treatments []*Treatment) Totals {
	sum := Totals{Billed: decimal.Zero, Paid: decimal.Zero, Outstanding: decimal.Zero}
	for _, t := range treatments {
		sum = sum.Add(t.Totals())
	}
	return sum
}

// ReconcilePatient recomputes the patient's aggregates from their
// treatments. With fix set, drifted aggregates are overwritten with the
// computed values in the same transaction.
func (s *Service) ReconcilePatient(ctx context.Context, patientID uuid.UUID, fix bool) (*Drift, error) {
	const op = "reconcile_patient"
	start := time.Now()

	var drift *Drift
	err := s.run(ctx, op, func(ctx context.Context) error {
		p, err := s.patients.Lock(ctx, patientID)
		if err != nil {
			return err
		}
		items, err := s.treatments.ListByPatient(ctx, patientID)
		if err != nil {
			return err
		}
		drift = &Drift{PatientID: patientID, Stored: p.Totals(), Computed: ComputeTotals(items)}
		if !fix || !drift.Drifted() {
			return nil
		}
		if err := s.patients.SetTotals(ctx, patientID, drift.Computed); err != nil {
			return err
		}
		drift.Fixed = true
		return nil
	})
	if err != nil {
		return nil, s.finish(op, start, err)
	}
	if drift.Drifted() {
		s.logger.Warn().
			Str("patient_id", patientID.String()).
			Str("stored_outstanding", drift.Stored.Outstanding.StringFixed(MoneyScale)).
			Str("computed_outstanding", drift.Computed.Outstanding.StringFixed(MoneyScale)).
			Bool("fixed", drift.Fixed).
			Msg("patient aggregates drifted")
	}
	return drift, s.finish(op, start, nil)
}

// ReconcileAll runs ReconcilePatient for every patient and returns the
// ones that drifted.
func (s *Service) ReconcileAll(ctx context.Context, fix bool) ([]*Drift, error) {
	ids, err := s.patients.ListIDs(ctx)
	if err != nil {
		return nil, backendErr("reconcile", err)
	}
	drifted := []*Drift{}
	for _, id := range ids {
		d, err := s.ReconcilePatient(ctx, id, fix)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return drifted, err
		}
		if d.Drifted() {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}
