package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinic/ledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pgConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// PGStore is the Postgres-backed ledger store.
type PGStore struct {
	pool   *pgxpool.Pool
	runner *db.TxRunner
}

func NewPGStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PGStore {
	return &PGStore{pool: pool, runner: db.NewTxRunner(pool, lockTimeout)}
}

func (s *PGStore) Patients() PatientRepository     { return &patientRepoPG{pool: s.pool} }
func (s *PGStore) Treatments() TreatmentRepository { return &treatmentRepoPG{pool: s.pool} }

// RunInTx runs fn in a SERIALIZABLE transaction and reports serialization
// failures, deadlocks and lock timeouts as ErrTransactionConflict.
func (s *PGStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.runner.RunInTx(ctx, fn)
	if err != nil && !IsConflict(err) && db.IsConflict(err) {
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	}
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a substring pattern for q with LIKE wildcards escaped.
func likePattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return fmt.Sprintf(" OFFSET %d", offset)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func (r *patientRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

const patientCols = `id, name, phone, age, gender, dob, first_visit_date,
	total_billed, total_paid, outstanding_balance, version, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Age, &p.Gender, &p.DOB, &p.FirstVisitDate,
		&p.TotalBilled, &p.TotalPaid, &p.OutstandingBalance, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) history(ctx context.Context, p *Patient) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT amount, paid_at, note FROM patient_payments WHERE patient_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rec PaymentRecord
		if err := rows.Scan(&rec.Amount, &rec.PaidAt, &rec.Note); err != nil {
			return err
		}
		p.PaymentHistory = append(p.PaymentHistory, rec)
	}
	return rows.Err()
}

func (r *patientRepoPG) one(ctx context.Context, id uuid.UUID, sql string) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("patient", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.history(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, name, phone, age, gender, dob, first_visit_date,
			total_billed, total_paid, outstanding_balance, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Name, p.Phone, p.Age, p.Gender, p.DOB, p.FirstVisitDate,
		p.TotalBilled, p.TotalPaid, p.OutstandingBalance, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.one(ctx, id, `SELECT `+patientCols+` FROM patients WHERE id = $1`)
}

// Lock bumps the version, which also takes the row lock until commit.
func (r *patientRepoPG) Lock(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.one(ctx, id, `UPDATE patients SET version = version + 1 WHERE id = $1 RETURNING `+patientCols)
}

func patientFilter(opts ListOptions) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if opts.Query != "" {
		args = append(args, likePattern(strings.ToLower(opts.Query)), likePattern(opts.Query))
		conds = append(conds, fmt.Sprintf("(LOWER(name) LIKE $%d OR phone LIKE $%d)", len(args)-1, len(args)))
	}
	switch opts.Status {
	case StatusPaid:
		conds = append(conds, "outstanding_balance <= 0")
	case StatusUnpaid:
		conds = append(conds, "outstanding_balance > 0 AND total_paid = 0")
	case StatusPartiallyPaid:
		conds = append(conds, "outstanding_balance > 0 AND total_paid <> 0")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *patientRepoPG) List(ctx context.Context, opts ListOptions) ([]*Patient, int, error) {
	where, args := patientFilter(opts)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patients`+where+` ORDER BY first_visit_date DESC, id`+limitClause(opts.Limit, opts.Offset),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Patient{}
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM patients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *patientRepoPG) exec(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("patient", id)
	}
	return nil
}

func (r *patientRepoPG) ApplyTotals(ctx context.Context, id uuid.UUID, delta Totals) error {
	return r.exec(ctx, id, `
		UPDATE patients SET total_billed = total_billed + $2, total_paid = total_paid + $3,
			outstanding_balance = outstanding_balance + $4, version = version + 1, updated_at = NOW()
		WHERE id = $1`, delta.Billed, delta.Paid, delta.Outstanding)
}

func (r *patientRepoPG) SetTotals(ctx context.Context, id uuid.UUID, totals Totals) error {
	return r.exec(ctx, id, `
		UPDATE patients SET total_billed = $2, total_paid = $3, outstanding_balance = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $1`, totals.Billed, totals.Paid, totals.Outstanding)
}

func (r *patientRepoPG) NoteVisit(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE patients SET first_visit_date = LEAST(first_visit_date, $2), updated_at = NOW()
		WHERE id = $1`, at)
}

func (r *patientRepoPG) AppendPayment(ctx context.Context, id uuid.UUID, rec PaymentRecord) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO patient_payments (patient_id, amount, paid_at, note) VALUES ($1, $2, $3, $4)`,
		id, rec.Amount, rec.PaidAt, rec.Note)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return notFound("patient", id)
	}
	return err
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, id, `DELETE FROM patients WHERE id = $1`)
}

func (r *patientRepoPG) Stats(ctx context.Context, since time.Time) (*PatientStats, error) {
	var s PatientStats
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE first_visit_date >= $1) FROM patients`, since).
		Scan(&s.Total, &s.NewThisMonth)
	return &s, err
}

// =========== Treatment Repository ===========

type treatmentRepoPG struct{ pool *pgxpool.Pool }

func (r *treatmentRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

const treatmentCols = `id, patient_id, patient_name, entry_date, diagnosis, treatment_plan, tooth_number,
	total_amount, amount_paid, balance, payment_status, follow_up_date, created_at, updated_at`

func (r *treatmentRepoPG) scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	var status string
	err := row.Scan(&t.ID, &t.PatientID, &t.PatientName, &t.EntryDate, &t.Diagnosis, &t.TreatmentPlan, &t.ToothNumber,
		&t.TotalAmount, &t.AmountPaid, &t.Balance, &status, &t.FollowUpDate, &t.CreatedAt, &t.UpdatedAt)
	t.PaymentStatus = PaymentStatus(status)
	return &t, err
}

func (r *treatmentRepoPG) many(ctx context.Context, sql string, args ...interface{}) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	items := []*Treatment{}
	for rows.Next() {
		t, err := r.scanTreatment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, r.histories(ctx, items)
}

// histories loads the payment history of every treatment in one query.
func (r *treatmentRepoPG) histories(ctx context.Context, items []*Treatment) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(items))
	byID := make(map[uuid.UUID]*Treatment, len(items))
	for i, t := range items {
		ids[i] = t.ID
		byID[t.ID] = t
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT treatment_id, amount, paid_at, note FROM treatment_payments WHERE treatment_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var rec PaymentRecord
		if err := rows.Scan(&id, &rec.Amount, &rec.PaidAt, &rec.Note); err != nil {
			return err
		}
		if t := byID[id]; t != nil {
			t.PaymentHistory = append(t.PaymentHistory, rec)
		}
	}
	return rows.Err()
}

func (r *treatmentRepoPG) insertPayment(ctx context.Context, id uuid.UUID, rec PaymentRecord) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO treatment_payments (treatment_id, amount, paid_at, note) VALUES ($1, $2, $3, $4)`,
		id, rec.Amount, rec.PaidAt, rec.Note)
	return err
}

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatments (id, patient_id, patient_name, entry_date, diagnosis, treatment_plan, tooth_number,
			total_amount, amount_paid, balance, payment_status, follow_up_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.PatientID, t.PatientName, t.EntryDate, t.Diagnosis, t.TreatmentPlan, t.ToothNumber,
		t.TotalAmount, t.AmountPaid, t.Balance, string(t.PaymentStatus), t.FollowUpDate, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, rec := range t.PaymentHistory {
		if err := r.insertPayment(ctx, t.ID, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *treatmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	items, err := r.many(ctx, `SELECT `+treatmentCols+` FROM treatments WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, notFound("treatment", id)
	}
	return items[0], nil
}

func (r *treatmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	return r.many(ctx, `SELECT `+treatmentCols+` FROM treatments WHERE patient_id = $1 ORDER BY entry_date DESC, id`, patientID)
}

func (r *treatmentRepoPG) ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	return r.many(ctx, `SELECT `+treatmentCols+` FROM treatments
		WHERE patient_id = $1 AND payment_status <> 'PAID'
		ORDER BY entry_date, created_at, id
		FOR UPDATE`, patientID)
}

func (r *treatmentRepoPG) List(ctx context.Context, opts ListOptions) ([]*Treatment, int, error) {
	var conds []string
	var args []interface{}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conds = append(conds, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	if opts.Query != "" {
		args = append(args, likePattern(strings.ToLower(opts.Query)))
		conds = append(conds, fmt.Sprintf("(LOWER(patient_name) LIKE $%d OR LOWER(diagnosis) LIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM treatments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.many(ctx,
		`SELECT `+treatmentCols+` FROM treatments`+where+` ORDER BY entry_date DESC, id`+limitClause(opts.Limit, opts.Offset),
		args...)
	return items, total, err
}

func (r *treatmentRepoPG) ListFollowUps(ctx context.Context, from, to time.Time) ([]*Treatment, error) {
	return r.many(ctx, `SELECT `+treatmentCols+` FROM treatments
		WHERE follow_up_date BETWEEN $1 AND $2 ORDER BY follow_up_date, id`, from, to)
}

func (r *treatmentRepoPG) ApplyPayment(ctx context.Context, t *Treatment, rec PaymentRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatments SET amount_paid = $2, balance = $3, payment_status = $4, updated_at = $5
		WHERE id = $1`,
		t.ID, t.AmountPaid, t.Balance, string(t.PaymentStatus), t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("treatment", t.ID)
	}
	return r.insertPayment(ctx, t.ID, rec)
}

func (r *treatmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("treatment", id)
	}
	return nil
}

func (r *treatmentRepoPG) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatments WHERE patient_id = $1`, patientID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *treatmentRepoPG) Stats(ctx context.Context) (*TreatmentStats, error) {
	s := &TreatmentStats{Revenue: decimal.Zero, Unpaid: decimal.Zero, ByStatus: map[PaymentStatus]int{}}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT payment_status, COUNT(*), COALESCE(SUM(amount_paid), 0), COALESCE(SUM(balance), 0)
		FROM treatments GROUP BY payment_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		var paid, balance decimal.Decimal
		if err := rows.Scan(&status, &n, &paid, &balance); err != nil {
			return nil, err
		}
		s.ByStatus[PaymentStatus(status)] = n
		s.Count += n
		s.Revenue = s.Revenue.Add(paid)
		s.Unpaid = s.Unpaid.Add(balance)
	}
	return s, rows.Err()
}
