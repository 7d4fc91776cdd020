package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_RollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := &Patient{ID: uuid.New(), Name: "Jane", TotalBilled: d("10")}
	if err := store.Patients().Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if err := store.Patients().ApplyTotals(ctx, p.ID, Totals{Billed: d("5")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	got, _ := store.Patients().GetByID(ctx, p.ID)
	if !got.TotalBilled.Equal(d("10")) {
		t.Errorf("rolled back change is visible: %s", got.TotalBilled)
	}
}

func TestMemoryStore_NestedTxJoinsOuter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, func(ctx context.Context) error {
			return store.Patients().Create(ctx, &Patient{ID: id, Name: "Jane"})
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Patients().GetByID(ctx, id); err != nil {
		t.Errorf("expected committed patient, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := &Patient{ID: uuid.New(), Name: "Jane"}
	_ = store.Patients().Create(ctx, p)

	got, _ := store.Patients().GetByID(ctx, p.ID)
	got.Name = "changed"
	again, _ := store.Patients().GetByID(ctx, p.ID)
	if again.Name != "Jane" {
		t.Error("mutating a returned patient changed the store")
	}
}

func TestMemoryStore_LockBumpsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := &Patient{ID: uuid.New(), Version: 1}
	_ = store.Patients().Create(ctx, p)

	locked, err := store.Patients().Lock(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if locked.Version != 2 {
		t.Errorf("version = %d, want 2", locked.Version)
	}
	if _, err := store.Patients().Lock(ctx, uuid.New()); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryStore_ListOutstandingOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	pid := uuid.New()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	late := outstandingTreatment("100", "0", day.AddDate(0, 0, 5))
	early := outstandingTreatment("100", "50", day)
	paid := outstandingTreatment("100", "100", day.AddDate(0, 0, -5))
	for _, tr := range []*Treatment{late, early, paid} {
		tr.PatientID = pid
		if err := store.Treatments().Create(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	items, err := store.Treatments().ListOutstanding(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != early.ID || items[1].ID != late.ID {
		t.Errorf("expected early then late, got %d items", len(items))
	}
}
