package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SortOldestFirst orders treatments by entry date, then creation time,
// then id, so that allocation is deterministic.
func SortOldestFirst(items []*Treatment) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// PlanAllocation splits amount across treatments in the given order,
// giving each min(balance, remaining). Treatments without a positive
// balance are skipped. It returns the allocations and whatever could not
// be placed.
func PlanAllocation(treatments []*Treatment, amount decimal.Decimal) ([]Allocation, decimal.Decimal) {
	remaining := amount
	var allocs []Allocation
	for _, t := range treatments {
		if !remaining.IsPositive() {
			break
		}
		if !t.Balance.IsPositive() {
			continue
		}
		share := decimal.Min(t.Balance, remaining)
		balance, status := DeriveTreatmentState(t.TotalAmount, t.AmountPaid.Add(share))
		allocs = append(allocs, Allocation{
			TreatmentID:  t.ID,
			Amount:       share,
			BalanceAfter: balance,
			StatusAfter:  status,
		})
		remaining = remaining.Sub(share)
	}
	return allocs, remaining
}
