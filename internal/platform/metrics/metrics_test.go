package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLedger_ObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOperation("apply_patient_payment", "ok", 10*time.Millisecond)
	m.ObserveOperation("apply_patient_payment", "ok", 20*time.Millisecond)
	m.ObserveOperation("apply_patient_payment", "validation", time.Millisecond)

	if got := testutil.ToFloat64(m.Operations.WithLabelValues("apply_patient_payment", "ok")); got != 2 {
		t.Errorf("expected 2 ok operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("apply_patient_payment", "validation")); got != 1 {
		t.Errorf("expected 1 validation failure, got %v", got)
	}
}

func TestLedger_AddAmountIgnoresNonPositive(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.AddAmount("collected", 150.5)
	m.AddAmount("collected", 0)
	m.AddAmount("collected", -3)

	if got := testutil.ToFloat64(m.Amounts.WithLabelValues("collected")); got != 150.5 {
		t.Errorf("expected 150.5, got %v", got)
	}
}

func TestLedger_NilIsNoop(t *testing.T) {
	var m *Ledger
	m.ObserveOperation("x", "ok", time.Second)
	m.ObserveRetry("x")
	m.AddAmount("billed", 1)
	m.ObserveHTTP(http.MethodGet, "/x", 200, time.Second)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveRetry("delete_treatment")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Handler(reg)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `clinic_ledger_transaction_retries_total{op="delete_treatment"} 1`) {
		t.Errorf("retry counter missing from output:\n%s", rec.Body.String())
	}
}
