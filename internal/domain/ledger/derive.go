package ledger

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits money values may carry.
const MoneyScale = 2

// MaxAmount is the exclusive upper bound for any stored money value,
// matching the NUMERIC(12,2) columns.
var MaxAmount = decimal.New(1, 10)

// DeriveTreatmentState computes the balance and payment status of a
// treatment. It is the only place the status rule lives; every write path
// calls it.
func DeriveTreatmentState(totalAmount, amountPaid decimal.Decimal) (decimal.Decimal, PaymentStatus) {
	balance := totalAmount.Sub(amountPaid)
	switch {
	case !balance.IsPositive():
		return balance, StatusPaid
	case amountPaid.IsPositive():
		return balance, StatusPartiallyPaid
	default:
		return balance, StatusUnpaid
	}
}

// PatientStatusOf derives a patient's status from their aggregates.
func PatientStatusOf(totalPaid, outstanding decimal.Decimal) PaymentStatus {
	switch {
	case !outstanding.IsPositive():
		return StatusPaid
	case totalPaid.IsZero():
		return StatusUnpaid
	default:
		return StatusPartiallyPaid
	}
}

// hasMoneyScale reports whether d has at most MoneyScale fractional digits.
func hasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}
