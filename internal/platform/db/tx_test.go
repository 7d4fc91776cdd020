package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped", fmt.Errorf("update patient: %w", &pgconn.PgError{Code: "40001"}), true},
		{"sentinel", ErrConflict, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.want {
				t.Errorf("IsConflict(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_WrapsConflicts(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	plain := errors.New("boom")
	if got := classify(plain); got != plain {
		t.Errorf("expected non-conflict error to pass through, got %v", got)
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil transaction for empty context")
	}
}

func TestWithTx_NilPool(t *testing.T) {
	_, _, err := WithTx(context.Background(), nil, pgx.TxOptions{})
	if err == nil || err.Error() != "no database connection in context" {
		t.Fatalf("expected missing connection error, got %v", err)
	}
}

func TestTxRunner_NilPool(t *testing.T) {
	r := NewTxRunner((*pgxpool.Pool)(nil), 0)
	called := false
	err := r.RunInTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error without a pool")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}
