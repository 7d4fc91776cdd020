package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps patients and treatments in process memory. A
// transaction holds the store lock and works on a copy of the state that
// replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	patients   map[uuid.UUID]*Patient
	treatments map[uuid.UUID]*Treatment
}

type memTxKey struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		patients:   make(map[uuid.UUID]*Patient),
		treatments: make(map[uuid.UUID]*Treatment),
	}}
}

func (s *MemoryStore) Patients() PatientRepository     { return &patientRepoMem{s: s} }
func (s *MemoryStore) Treatments() TreatmentRepository { return &treatmentRepoMem{s: s} }

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, work)); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) with(ctx context.Context, fn func(st *memState) error) error {
	if st, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return fn(st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (st *memState) clone() *memState {
	c := &memState{
		patients:   make(map[uuid.UUID]*Patient, len(st.patients)),
		treatments: make(map[uuid.UUID]*Treatment, len(st.treatments)),
	}
	for id, p := range st.patients {
		c.patients[id] = copyPatient(p)
	}
	for id, t := range st.treatments {
		c.treatments[id] = copyTreatment(t)
	}
	return c
}

func copyPatient(p *Patient) *Patient {
	cp := *p
	cp.PaymentHistory = append([]PaymentRecord(nil), p.PaymentHistory...)
	return &cp
}

func copyTreatment(t *Treatment) *Treatment {
	cp := *t
	cp.PaymentHistory = append([]PaymentRecord(nil), t.PaymentHistory...)
	return &cp
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =========== Patient Repository ===========

type patientRepoMem struct{ s *MemoryStore }

func (r *patientRepoMem) Create(ctx context.Context, p *Patient) error {
	return r.s.with(ctx, func(st *memState) error {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		st.patients[p.ID] = copyPatient(p)
		return nil
	})
}

func (r *patientRepoMem) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var out *Patient
	err := r.s.with(ctx, func(st *memState) error {
		p, ok := st.patients[id]
		if !ok {
			return notFound("patient", id)
		}
		out = copyPatient(p)
		return nil
	})
	return out, err
}

func (r *patientRepoMem) Lock(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var out *Patient
	err := r.s.with(ctx, func(st *memState) error {
		p, ok := st.patients[id]
		if !ok {
			return notFound("patient", id)
		}
		p.Version++
		out = copyPatient(p)
		return nil
	})
	return out, err
}

func (r *patientRepoMem) List(ctx context.Context, opts ListOptions) ([]*Patient, int, error) {
	var items []*Patient
	err := r.s.with(ctx, func(st *memState) error {
		for _, p := range st.patients {
			if opts.Query != "" && !containsFold(p.Name, opts.Query) && !strings.Contains(p.Phone, opts.Query) {
				continue
			}
			if opts.Status != "" && p.Status() != opts.Status {
				continue
			}
			items = append(items, copyPatient(p))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].FirstVisitDate.Equal(items[j].FirstVisitDate) {
			return items[i].FirstVisitDate.After(items[j].FirstVisitDate)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return page(items, opts.Limit, opts.Offset), len(items), nil
}

func (r *patientRepoMem) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.s.with(ctx, func(st *memState) error {
		for id := range st.patients {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, err
}

func (r *patientRepoMem) update(ctx context.Context, id uuid.UUID, fn func(p *Patient)) error {
	return r.s.with(ctx, func(st *memState) error {
		p, ok := st.patients[id]
		if !ok {
			return notFound("patient", id)
		}
		fn(p)
		p.Version++
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (r *patientRepoMem) ApplyTotals(ctx context.Context, id uuid.UUID, delta Totals) error {
	return r.update(ctx, id, func(p *Patient) {
		p.TotalBilled = p.TotalBilled.Add(delta.Billed)
		p.TotalPaid = p.TotalPaid.Add(delta.Paid)
		p.OutstandingBalance = p.OutstandingBalance.Add(delta.Outstanding)
	})
}

func (r *patientRepoMem) SetTotals(ctx context.Context, id uuid.UUID, totals Totals) error {
	return r.update(ctx, id, func(p *Patient) {
		p.TotalBilled = totals.Billed
		p.TotalPaid = totals.Paid
		p.OutstandingBalance = totals.Outstanding
	})
}

func (r *patientRepoMem) NoteVisit(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, id, func(p *Patient) {
		if at.Before(p.FirstVisitDate) {
			p.FirstVisitDate = at
		}
	})
}

func (r *patientRepoMem) AppendPayment(ctx context.Context, id uuid.UUID, rec PaymentRecord) error {
	return r.update(ctx, id, func(p *Patient) {
		p.PaymentHistory = append(p.PaymentHistory, rec)
	})
}

func (r *patientRepoMem) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.with(ctx, func(st *memState) error {
		if _, ok := st.patients[id]; !ok {
			return notFound("patient", id)
		}
		delete(st.patients, id)
		return nil
	})
}

func (r *patientRepoMem) Stats(ctx context.Context, since time.Time) (*PatientStats, error) {
	stats := &PatientStats{}
	err := r.s.with(ctx, func(st *memState) error {
		for _, p := range st.patients {
			stats.Total++
			if !p.FirstVisitDate.Before(since) {
				stats.NewThisMonth++
			}
		}
		return nil
	})
	return stats, err
}

// =========== Treatment Repository ===========

type treatmentRepoMem struct{ s *MemoryStore }

func (r *treatmentRepoMem) Create(ctx context.Context, t *Treatment) error {
	return r.s.with(ctx, func(st *memState) error {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		st.treatments[t.ID] = copyTreatment(t)
		return nil
	})
}

func (r *treatmentRepoMem) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	var out *Treatment
	err := r.s.with(ctx, func(st *memState) error {
		t, ok := st.treatments[id]
		if !ok {
			return notFound("treatment", id)
		}
		out = copyTreatment(t)
		return nil
	})
	return out, err
}

func (r *treatmentRepoMem) collect(ctx context.Context, keep func(t *Treatment) bool) ([]*Treatment, error) {
	items := []*Treatment{}
	err := r.s.with(ctx, func(st *memState) error {
		for _, t := range st.treatments {
			if keep(t) {
				items = append(items, copyTreatment(t))
			}
		}
		return nil
	})
	return items, err
}

func sortNewestFirst(items []*Treatment) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EntryDate.Equal(items[j].EntryDate) {
			return items[i].EntryDate.After(items[j].EntryDate)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func (r *treatmentRepoMem) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	items, err := r.collect(ctx, func(t *Treatment) bool { return t.PatientID == patientID })
	sortNewestFirst(items)
	return items, err
}

func (r *treatmentRepoMem) ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	items, err := r.collect(ctx, func(t *Treatment) bool {
		return t.PatientID == patientID && t.PaymentStatus != StatusPaid
	})
	SortOldestFirst(items)
	return items, err
}

func (r *treatmentRepoMem) List(ctx context.Context, opts ListOptions) ([]*Treatment, int, error) {
	items, err := r.collect(ctx, func(t *Treatment) bool {
		if opts.Status != "" && t.PaymentStatus != opts.Status {
			return false
		}
		if opts.Query != "" && !containsFold(t.PatientName, opts.Query) && !containsFold(t.Diagnosis, opts.Query) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	sortNewestFirst(items)
	return page(items, opts.Limit, opts.Offset), len(items), nil
}

func (r *treatmentRepoMem) ListFollowUps(ctx context.Context, from, to time.Time) ([]*Treatment, error) {
	items, err := r.collect(ctx, func(t *Treatment) bool {
		return t.FollowUpDate != nil && !t.FollowUpDate.Before(from) && !t.FollowUpDate.After(to)
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].FollowUpDate.Equal(*items[j].FollowUpDate) {
			return items[i].FollowUpDate.Before(*items[j].FollowUpDate)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, err
}

func (r *treatmentRepoMem) ApplyPayment(ctx context.Context, t *Treatment, rec PaymentRecord) error {
	return r.s.with(ctx, func(st *memState) error {
		cur, ok := st.treatments[t.ID]
		if !ok {
			return notFound("treatment", t.ID)
		}
		cur.AmountPaid = t.AmountPaid
		cur.Balance = t.Balance
		cur.PaymentStatus = t.PaymentStatus
		cur.PaymentHistory = append(cur.PaymentHistory, rec)
		cur.UpdatedAt = t.UpdatedAt
		return nil
	})
}

func (r *treatmentRepoMem) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.with(ctx, func(st *memState) error {
		if _, ok := st.treatments[id]; !ok {
			return notFound("treatment", id)
		}
		delete(st.treatments, id)
		return nil
	})
}

func (r *treatmentRepoMem) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	n := 0
	err := r.s.with(ctx, func(st *memState) error {
		for id, t := range st.treatments {
			if t.PatientID == patientID {
				delete(st.treatments, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *treatmentRepoMem) Stats(ctx context.Context) (*TreatmentStats, error) {
	stats := &TreatmentStats{Revenue: decimal.Zero, Unpaid: decimal.Zero, ByStatus: map[PaymentStatus]int{}}
	err := r.s.with(ctx, func(st *memState) error {
		for _, t := range st.treatments {
			stats.Count++
			stats.Revenue = stats.Revenue.Add(t.AmountPaid)
			stats.Unpaid = stats.Unpaid.Add(t.Balance)
			stats.ByStatus[t.PaymentStatus]++
		}
		return nil
	})
	return stats, err
}
