package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeriveTreatmentState(t *testing.T) {
	tests := []struct {
		name        string
		total, paid string
		wantBalance string
		wantStatus  PaymentStatus
	}{
		{"nothing paid", "200", "0", "200", StatusUnpaid},
		{"part paid", "200", "50.25", "149.75", StatusPartiallyPaid},
		{"fully paid", "200", "200", "0", StatusPaid},
		{"overpaid stays paid", "200", "250", "-50", StatusPaid},
		{"one cent left", "0.02", "0.01", "0.01", StatusPartiallyPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balance, status := DeriveTreatmentState(d(tt.total), d(tt.paid))
			if !balance.Equal(d(tt.wantBalance)) {
				t.Errorf("balance = %s, want %s", balance, tt.wantBalance)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %s, want %s", status, tt.wantStatus)
			}
		})
	}
}

func TestPatientStatusOf(t *testing.T) {
	tests := []struct {
		paid, outstanding string
		want              PaymentStatus
	}{
		{"0", "300", StatusUnpaid},
		{"100", "200", StatusPartiallyPaid},
		{"300", "0", StatusPaid},
		{"0", "0", StatusPaid},
	}
	for _, tt := range tests {
		if got := PatientStatusOf(d(tt.paid), d(tt.outstanding)); got != tt.want {
			t.Errorf("PatientStatusOf(%s, %s) = %s, want %s", tt.paid, tt.outstanding, got, tt.want)
		}
	}
}

func TestPaymentStatus_Valid(t *testing.T) {
	for _, s := range []PaymentStatus{StatusUnpaid, StatusPartiallyPaid, StatusPaid} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	for _, s := range []PaymentStatus{"", "paid", "REFUNDED"} {
		if s.Valid() {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestHasMoneyScale(t *testing.T) {
	if !hasMoneyScale(d("10.25")) || !hasMoneyScale(d("10")) || !hasMoneyScale(d("10.50")) {
		t.Error("expected values with at most two decimals to pass")
	}
	if hasMoneyScale(d("10.255")) {
		t.Error("expected three decimals to fail")
	}
}

func TestTotals_AddNegEqual(t *testing.T) {
	a := Totals{Billed: d("100"), Paid: d("40"), Outstanding: d("60")}
	b := Totals{Billed: d("50"), Paid: d("50"), Outstanding: d("0")}

	sum := a.Add(b)
	if !sum.Equal(Totals{Billed: d("150"), Paid: d("90"), Outstanding: d("60")}) {
		t.Errorf("unexpected sum %+v", sum)
	}
	if !sum.Add(b.Neg()).Equal(a) {
		t.Error("adding the negation should undo the addition")
	}
}
