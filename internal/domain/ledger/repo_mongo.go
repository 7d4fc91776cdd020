package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clinic/ledger/internal/platform/mongodb"
)

const (
	colPatients   = "patients"
	colTreatments = "treatments"
)

// MongoStore keeps patients and treatments as documents with embedded
// payment histories. Money is stored as Decimal128.
type MongoStore struct {
	db     *mongo.Database
	runner *mongodb.TxRunner
}

func NewMongoStore(database *mongo.Database) *MongoStore {
	return &MongoStore{db: database, runner: mongodb.NewTxRunner(database.Client())}
}

func (s *MongoStore) Patients() PatientRepository {
	return &patientRepoMongo{col: s.db.Collection(colPatients)}
}

func (s *MongoStore) Treatments() TreatmentRepository {
	return &treatmentRepoMongo{col: s.db.Collection(colTreatments)}
}

func (s *MongoStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return mongoTxError(s.runner.RunInTx(ctx, fn))
}

// mongoTxError maps transient transaction errors to ErrTransactionConflict.
// An unknown commit result stays a backend error so the work is not replayed.
func mongoTxError(err error) error {
	if err != nil && !IsConflict(err) && mongodb.IsConflict(err) {
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	}
	return err
}

// Migrate creates the indexes the list queries rely on.
func (s *MongoStore) Migrate(ctx context.Context) error {
	return mongodb.EnsureIndexes(ctx, s.db, map[string][]mongo.IndexModel{
		colPatients: {
			{Keys: bson.D{{Key: "first_visit_date", Value: -1}}},
		},
		colTreatments: {
			{Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "entry_date", Value: 1}}},
			{Keys: bson.D{{Key: "entry_date", Value: -1}}},
			{Keys: bson.D{{Key: "follow_up_date", Value: 1}}},
		},
	})
}

// ==================== Documents ====================

type paymentDoc struct {
	Amount bson.Decimal128 `bson:"amount"`
	PaidAt time.Time       `bson:"paid_at"`
	Note   string          `bson:"note,omitempty"`
}

type patientDoc struct {
	ID                 string          `bson:"_id"`
	Name               string          `bson:"name"`
	Phone              string          `bson:"phone"`
	Age                *int            `bson:"age,omitempty"`
	Gender             *string         `bson:"gender,omitempty"`
	DOB                *time.Time      `bson:"dob,omitempty"`
	FirstVisitDate     time.Time       `bson:"first_visit_date"`
	TotalBilled        bson.Decimal128 `bson:"total_billed"`
	TotalPaid          bson.Decimal128 `bson:"total_paid"`
	OutstandingBalance bson.Decimal128 `bson:"outstanding_balance"`
	PaymentHistory     []paymentDoc    `bson:"payment_history"`
	Version            int64           `bson:"version"`
	CreatedAt          time.Time       `bson:"created_at"`
	UpdatedAt          time.Time       `bson:"updated_at"`
}

type treatmentDoc struct {
	ID             string          `bson:"_id"`
	PatientID      string          `bson:"patient_id"`
	PatientName    string          `bson:"patient_name"`
	EntryDate      time.Time       `bson:"entry_date"`
	Diagnosis      string          `bson:"diagnosis"`
	TreatmentPlan  *string         `bson:"treatment_plan,omitempty"`
	ToothNumber    *string         `bson:"tooth_number,omitempty"`
	TotalAmount    bson.Decimal128 `bson:"total_amount"`
	AmountPaid     bson.Decimal128 `bson:"amount_paid"`
	Balance        bson.Decimal128 `bson:"balance"`
	PaymentStatus  string          `bson:"payment_status"`
	FollowUpDate   *time.Time      `bson:"follow_up_date,omitempty"`
	PaymentHistory []paymentDoc    `bson:"payment_history"`
	CreatedAt      time.Time       `bson:"created_at"`
	UpdatedAt      time.Time       `bson:"updated_at"`
}

// decConv converts between decimal.Decimal and Decimal128 and keeps the
// first conversion error.
type decConv struct{ err error }

func (c *decConv) to(d decimal.Decimal) bson.Decimal128 {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("encode amount %s: %w", d, err)
	}
	return v
}

func (c *decConv) from(v bson.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("decode amount %s: %w", v, err)
	}
	return d
}

func (c *decConv) toHistory(recs []PaymentRecord) []paymentDoc {
	docs := make([]paymentDoc, len(recs))
	for i, r := range recs {
		docs[i] = c.toPayment(r)
	}
	return docs
}

func (c *decConv) toPayment(r PaymentRecord) paymentDoc {
	return paymentDoc{Amount: c.to(r.Amount), PaidAt: r.PaidAt, Note: r.Note}
}

func (c *decConv) fromHistory(docs []paymentDoc) []PaymentRecord {
	if len(docs) == 0 {
		return nil
	}
	recs := make([]PaymentRecord, len(docs))
	for i, d := range docs {
		recs[i] = PaymentRecord{Amount: c.from(d.Amount), PaidAt: d.PaidAt, Note: d.Note}
	}
	return recs
}

func toPatientDoc(p *Patient) (*patientDoc, error) {
	var c decConv
	doc := &patientDoc{
		ID:                 p.ID.String(),
		Name:               p.Name,
		Phone:              p.Phone,
		Age:                p.Age,
		Gender:             p.Gender,
		DOB:                p.DOB,
		FirstVisitDate:     p.FirstVisitDate,
		TotalBilled:        c.to(p.TotalBilled),
		TotalPaid:          c.to(p.TotalPaid),
		OutstandingBalance: c.to(p.OutstandingBalance),
		PaymentHistory:     c.toHistory(p.PaymentHistory),
		Version:            p.Version,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	return doc, c.err
}

func fromPatientDoc(doc *patientDoc) (*Patient, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("patient id %q: %w", doc.ID, err)
	}
	var c decConv
	p := &Patient{
		ID:                 id,
		Name:               doc.Name,
		Phone:              doc.Phone,
		Age:                doc.Age,
		Gender:             doc.Gender,
		DOB:                doc.DOB,
		FirstVisitDate:     doc.FirstVisitDate,
		TotalBilled:        c.from(doc.TotalBilled),
		TotalPaid:          c.from(doc.TotalPaid),
		OutstandingBalance: c.from(doc.OutstandingBalance),
		PaymentHistory:     c.fromHistory(doc.PaymentHistory),
		Version:            doc.Version,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
	return p, c.err
}

func toTreatmentDoc(t *Treatment) (*treatmentDoc, error) {
	var c decConv
	doc := &treatmentDoc{
		ID:             t.ID.String(),
		PatientID:      t.PatientID.String(),
		PatientName:    t.PatientName,
		EntryDate:      t.EntryDate,
		Diagnosis:      t.Diagnosis,
		TreatmentPlan:  t.TreatmentPlan,
		ToothNumber:    t.ToothNumber,
		TotalAmount:    c.to(t.TotalAmount),
		AmountPaid:     c.to(t.AmountPaid),
		Balance:        c.to(t.Balance),
		PaymentStatus:  string(t.PaymentStatus),
		FollowUpDate:   t.FollowUpDate,
		PaymentHistory: c.toHistory(t.PaymentHistory),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	return doc, c.err
}

func fromTreatmentDoc(doc *treatmentDoc) (*Treatment, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("treatment id %q: %w", doc.ID, err)
	}
	patientID, err := uuid.Parse(doc.PatientID)
	if err != nil {
		return nil, fmt.Errorf("treatment %s patient id %q: %w", doc.ID, doc.PatientID, err)
	}
	var c decConv
	t := &Treatment{
		ID:             id,
		PatientID:      patientID,
		PatientName:    doc.PatientName,
		EntryDate:      doc.EntryDate,
		Diagnosis:      doc.Diagnosis,
		TreatmentPlan:  doc.TreatmentPlan,
		ToothNumber:    doc.ToothNumber,
		TotalAmount:    c.from(doc.TotalAmount),
		AmountPaid:     c.from(doc.AmountPaid),
		Balance:        c.from(doc.Balance),
		PaymentStatus:  PaymentStatus(doc.PaymentStatus),
		FollowUpDate:   doc.FollowUpDate,
		PaymentHistory: c.fromHistory(doc.PaymentHistory),
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
	return t, c.err
}

func isNoDocuments(err error) bool { return errors.Is(err, mongo.ErrNoDocuments) }

// containsFilter matches q as a case-insensitive substring of any field.
func containsFilter(q string, fields ...string) bson.M {
	or := make(bson.A, len(fields))
	for i, f := range fields {
		or[i] = bson.M{f: bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}}
	}
	return bson.M{"$or": or}
}

func findOptions(sort bson.D, limit, offset int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return opts
}

var zero128, _ = bson.ParseDecimal128("0")

// ==================== Patient Repository ====================

type patientRepoMongo struct{ col *mongo.Collection }

func (r *patientRepoMongo) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	doc, err := toPatientDoc(p)
	if err != nil {
		return err
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("ledger/mongo: create patient: %w", err)
	}
	return nil
}

func (r *patientRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var doc patientDoc
	err := r.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if isNoDocuments(err) {
		return nil, notFound("patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: get patient: %w", err)
	}
	return fromPatientDoc(&doc)
}

// Lock bumps the version so concurrent transactions touching the same
// patient collide with a write conflict.
func (r *patientRepoMongo) Lock(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var doc patientDoc
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if isNoDocuments(err) {
		return nil, notFound("patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: lock patient: %w", err)
	}
	return fromPatientDoc(&doc)
}

func patientDocFilter(opts ListOptions) bson.M {
	filter := bson.M{}
	if opts.Query != "" {
		filter = containsFilter(opts.Query, "name", "phone")
	}
	switch opts.Status {
	case StatusPaid:
		filter["outstanding_balance"] = bson.M{"$lte": zero128}
	case StatusUnpaid:
		filter["outstanding_balance"] = bson.M{"$gt": zero128}
		filter["total_paid"] = zero128
	case StatusPartiallyPaid:
		filter["outstanding_balance"] = bson.M{"$gt": zero128}
		filter["total_paid"] = bson.M{"$ne": zero128}
	}
	return filter
}

func (r *patientRepoMongo) List(ctx context.Context, opts ListOptions) ([]*Patient, int, error) {
	filter := patientDocFilter(opts)
	total, err := r.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger/mongo: count patients: %w", err)
	}
	cur, err := r.col.Find(ctx, filter, findOptions(
		bson.D{{Key: "first_visit_date", Value: -1}, {Key: "_id", Value: 1}}, opts.Limit, opts.Offset))
	if err != nil {
		return nil, 0, fmt.Errorf("ledger/mongo: list patients: %w", err)
	}
	var docs []patientDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("ledger/mongo: list patients: %w", err)
	}
	items := make([]*Patient, 0, len(docs))
	for i := range docs {
		p, err := fromPatientDoc(&docs[i])
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, int(total), nil
}

func (r *patientRepoMongo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	cur, err := r.col.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: list patient ids: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ledger/mongo: list patient ids: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("patient id %q: %w", d.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *patientRepoMongo) update(ctx context.Context, op string, id uuid.UUID, update bson.M) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id.String()}, update)
	if err != nil {
		return fmt.Errorf("ledger/mongo: %s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return notFound("patient", id)
	}
	return nil
}

func (r *patientRepoMongo) ApplyTotals(ctx context.Context, id uuid.UUID, delta Totals) error {
	var c decConv
	inc := bson.M{
		"total_billed":        c.to(delta.Billed),
		"total_paid":          c.to(delta.Paid),
		"outstanding_balance": c.to(delta.Outstanding),
		"version":             1,
	}
	if c.err != nil {
		return c.err
	}
	return r.update(ctx, "apply totals", id, bson.M{
		"$inc": inc,
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
}

func (r *patientRepoMongo) SetTotals(ctx context.Context, id uuid.UUID, totals Totals) error {
	var c decConv
	set := bson.M{
		"total_billed":        c.to(totals.Billed),
		"total_paid":          c.to(totals.Paid),
		"outstanding_balance": c.to(totals.Outstanding),
		"updated_at":          time.Now().UTC(),
	}
	if c.err != nil {
		return c.err
	}
	return r.update(ctx, "set totals", id, bson.M{"$set": set, "$inc": bson.M{"version": 1}})
}

func (r *patientRepoMongo) NoteVisit(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, "note visit", id, bson.M{
		"$min": bson.M{"first_visit_date": at},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
}

func (r *patientRepoMongo) AppendPayment(ctx context.Context, id uuid.UUID, rec PaymentRecord) error {
	var c decConv
	doc := c.toPayment(rec)
	if c.err != nil {
		return c.err
	}
	return r.update(ctx, "append patient payment", id, bson.M{"$push": bson.M{"payment_history": doc}})
}

func (r *patientRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return fmt.Errorf("ledger/mongo: delete patient: %w", err)
	}
	if res.DeletedCount == 0 {
		return notFound("patient", id)
	}
	return nil
}

func (r *patientRepoMongo) Stats(ctx context.Context, since time.Time) (*PatientStats, error) {
	total, err := r.col.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: count patients: %w", err)
	}
	recent, err := r.col.CountDocuments(ctx, bson.M{"first_visit_date": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: count new patients: %w", err)
	}
	return &PatientStats{Total: int(total), NewThisMonth: int(recent)}, nil
}

// ==================== Treatment Repository ====================

type treatmentRepoMongo struct{ col *mongo.Collection }

func (r *treatmentRepoMongo) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptionsBuilder) ([]*Treatment, error) {
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: %s: %w", op, err)
	}
	var docs []treatmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ledger/mongo: %s: %w", op, err)
	}
	items := make([]*Treatment, 0, len(docs))
	for i := range docs {
		t, err := fromTreatmentDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, nil
}

func (r *treatmentRepoMongo) Create(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	doc, err := toTreatmentDoc(t)
	if err != nil {
		return err
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("ledger/mongo: create treatment: %w", err)
	}
	return nil
}

func (r *treatmentRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	var doc treatmentDoc
	err := r.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if isNoDocuments(err) {
		return nil, notFound("treatment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: get treatment: %w", err)
	}
	return fromTreatmentDoc(&doc)
}

func (r *treatmentRepoMongo) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	return r.find(ctx, "list patient treatments",
		bson.M{"patient_id": patientID.String()},
		findOptions(bson.D{{Key: "entry_date", Value: -1}, {Key: "_id", Value: 1}}, 0, 0))
}

func (r *treatmentRepoMongo) ListOutstanding(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	items, err := r.find(ctx, "list outstanding treatments",
		bson.M{"patient_id": patientID.String(), "payment_status": bson.M{"$ne": string(StatusPaid)}},
		findOptions(bson.D{{Key: "entry_date", Value: 1}, {Key: "created_at", Value: 1}}, 0, 0))
	if err != nil {
		return nil, err
	}
	// _id is a uuid string, so the final tie-break is applied here.
	SortOldestFirst(items)
	return items, nil
}

func (r *treatmentRepoMongo) List(ctx context.Context, opts ListOptions) ([]*Treatment, int, error) {
	filter := bson.M{}
	if opts.Query != "" {
		filter = containsFilter(opts.Query, "patient_name", "diagnosis")
	}
	if opts.Status != "" {
		filter["payment_status"] = string(opts.Status)
	}
	total, err := r.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger/mongo: count treatments: %w", err)
	}
	items, err := r.find(ctx, "list treatments", filter,
		findOptions(bson.D{{Key: "entry_date", Value: -1}, {Key: "_id", Value: 1}}, opts.Limit, opts.Offset))
	return items, int(total), err
}

func (r *treatmentRepoMongo) ListFollowUps(ctx context.Context, from, to time.Time) ([]*Treatment, error) {
	return r.find(ctx, "list follow-ups",
		bson.M{"follow_up_date": bson.M{"$gte": from, "$lte": to}},
		findOptions(bson.D{{Key: "follow_up_date", Value: 1}, {Key: "_id", Value: 1}}, 0, 0))
}

func (r *treatmentRepoMongo) ApplyPayment(ctx context.Context, t *Treatment, rec PaymentRecord) error {
	var c decConv
	update := bson.M{
		"$set": bson.M{
			"amount_paid":    c.to(t.AmountPaid),
			"balance":        c.to(t.Balance),
			"payment_status": string(t.PaymentStatus),
			"updated_at":     t.UpdatedAt,
		},
		"$push": bson.M{"payment_history": c.toPayment(rec)},
	}
	if c.err != nil {
		return c.err
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": t.ID.String()}, update)
	if err != nil {
		return fmt.Errorf("ledger/mongo: apply treatment payment: %w", err)
	}
	if res.MatchedCount == 0 {
		return notFound("treatment", t.ID)
	}
	return nil
}

func (r *treatmentRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return fmt.Errorf("ledger/mongo: delete treatment: %w", err)
	}
	if res.DeletedCount == 0 {
		return notFound("treatment", id)
	}
	return nil
}

func (r *treatmentRepoMongo) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"patient_id": patientID.String()})
	if err != nil {
		return 0, fmt.Errorf("ledger/mongo: delete patient treatments: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (r *treatmentRepoMongo) Stats(ctx context.Context) (*TreatmentStats, error) {
	cur, err := r.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$payment_status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "paid", Value: bson.D{{Key: "$sum", Value: "$amount_paid"}}},
			{Key: "balance", Value: bson.D{{Key: "$sum", Value: "$balance"}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: treatment stats: %w", err)
	}
	var groups []struct {
		Status  string          `bson:"_id"`
		Count   int             `bson:"count"`
		Paid    bson.Decimal128 `bson:"paid"`
		Balance bson.Decimal128 `bson:"balance"`
	}
	if err := cur.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("ledger/mongo: treatment stats: %w", err)
	}

	var c decConv
	s := &TreatmentStats{Revenue: decimal.Zero, Unpaid: decimal.Zero, ByStatus: map[PaymentStatus]int{}}
	for _, g := range groups {
		s.ByStatus[PaymentStatus(g.Status)] = g.Count
		s.Count += g.Count
		s.Revenue = s.Revenue.Add(c.from(g.Paid))
		s.Unpaid = s.Unpaid.Add(c.from(g.Balance))
	}
	return s, c.err
}
