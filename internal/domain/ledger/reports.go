package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRecentLimit = 5
	followUpHorizon    = 365 * 24 * time.Hour
)

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	return p, backendErr("get patient", err)
}

func (s *Service) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	t, err := s.treatments.GetByID(ctx, id)
	return t, backendErr("get treatment", err)
}

// ListTreatmentsForPatient returns the patient's treatments, newest first.
// An unknown patient is reported as not found rather than as an empty list.
func (s *Service) ListTreatmentsForPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, backendErr("list patient treatments", err)
	}
	items, err := s.treatments.ListByPatient(ctx, patientID)
	return items, backendErr("list patient treatments", err)
}

func (s *Service) ListAllTreatments(ctx context.Context, opts ListOptions) ([]*Treatment, int, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, 0, invalid("status", "unknown payment status %q", opts.Status)
	}
	items, total, err := s.treatments.List(ctx, opts)
	return items, total, backendErr("list treatments", err)
}

// ListAllPatients lists patients, newest first visit first. Query matches
// the name case-insensitively or the phone number as a substring; Status
// filters on the derived patient status.
func (s *Service) ListAllPatients(ctx context.Context, opts ListOptions) ([]*Patient, int, error) {
	opts.Query = strings.TrimSpace(opts.Query)
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, 0, invalid("status", "unknown payment status %q", opts.Status)
	}
	items, total, err := s.patients.List(ctx, opts)
	return items, total, backendErr("list patients", err)
}

// SearchPatients returns every patient matching q. A blank query matches
// nothing.
func (s *Service) SearchPatients(ctx context.Context, q string) ([]*Patient, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []*Patient{}, nil
	}
	items, _, err := s.ListAllPatients(ctx, ListOptions{Query: q})
	return items, err
}

func (s *Service) ListPatientsByStatus(ctx context.Context, status PaymentStatus) ([]*Patient, error) {
	if !status.Valid() {
		return nil, invalid("status", "unknown payment status %q", status)
	}
	items, _, err := s.ListAllPatients(ctx, ListOptions{Status: status})
	return items, err
}

// ListRecentTreatments returns the newest treatments by entry date.
func (s *Service) ListRecentTreatments(ctx context.Context, limit int) ([]*Treatment, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	items, _, err := s.ListAllTreatments(ctx, ListOptions{Limit: limit})
	return items, err
}

// ListFollowUps returns treatments with a follow-up date in [from, to],
// earliest first.
func (s *Service) ListFollowUps(ctx context.Context, from, to time.Time) ([]*Treatment, error) {
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	items, err := s.treatments.ListFollowUps(ctx, from, to)
	return items, backendErr("list follow-ups", err)
}

// ListPatientsWithUpcomingFollowUps returns the distinct patients that have
// a follow-up scheduled after now. Treatments whose patient no longer
// exists are skipped.
func (s *Service) ListPatientsWithUpcomingFollowUps(ctx context.Context) ([]*Patient, error) {
	now := s.now()
	items, err := s.treatments.ListFollowUps(ctx, now, now.Add(followUpHorizon))
	if err != nil {
		return nil, backendErr("list upcoming follow-ups", err)
	}
	seen := make(map[uuid.UUID]bool)
	patients := []*Patient{}
	for _, t := range items {
		if seen[t.PatientID] {
			continue
		}
		seen[t.PatientID] = true
		p, err := s.patients.GetByID(ctx, t.PatientID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, backendErr("list upcoming follow-ups", err)
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// GetTreatmentReceipt returns a treatment with its owning patient.
func (s *Service) GetTreatmentReceipt(ctx context.Context, treatmentID uuid.UUID) (*Receipt, error) {
	t, err := s.treatments.GetByID(ctx, treatmentID)
	if err != nil {
		return nil, backendErr("get receipt", err)
	}
	p, err := s.patients.GetByID(ctx, t.PatientID)
	if err != nil {
		return nil, backendErr("get receipt", err)
	}
	return &Receipt{Treatment: t, Patient: p}, nil
}

// GetPatientRecord returns a patient with their full treatment history.
func (s *Service) GetPatientRecord(ctx context.Context, patientID uuid.UUID) (*PatientRecord, error) {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, backendErr("get patient record", err)
	}
	items, err := s.treatments.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, backendErr("get patient record", err)
	}
	return &PatientRecord{Patient: p, Treatments: items}, nil
}

// DashboardStats is the summary shown on the clinic dashboard.
type DashboardStats struct {
	Patients   *PatientStats   `json:"patients"`
	Treatments *TreatmentStats `json:"treatments"`
}

// GetDashboardStats reads patient and treatment summaries concurrently.
// New patients are those whose first visit falls in the current month.
func (s *Service) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	stats := &DashboardStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ps, err := s.patients.Stats(gctx, monthStart)
		stats.Patients = ps
		return err
	})
	g.Go(func() error {
		ts, err := s.treatments.Stats(gctx)
		stats.Treatments = ts
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, backendErr("dashboard stats", err)
	}
	return stats, nil
}
