package ledger

import (
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

// ReconcileDelta returns the adjustment to a project's actual spend when an
// expense moves from old to updated, and the history reason for it.
//
// A status change across the Approved boundary takes priority: leaving
// Approved subtracts the old amount, entering Approved adds the new amount,
// and no separate amount delta is applied. Only when both sides are Approved
// does an amount change produce new - old. Every other combination is zero.
func ReconcileDelta(old, updated types.Expense) (decimal.Decimal, string) {
	switch {
	case old.Approved() && !updated.Approved():
		reason := types.ReasonExpenseStatusChanged
		if updated.Status == types.ExpenseRejected {
			reason = types.ReasonExpenseRejected
		}
		return old.Amount.Neg(), reason
	case !old.Approved() && updated.Approved():
		return updated.Amount, types.ReasonExpenseApproved
	case old.Approved() && updated.Approved() && !old.Amount.Equal(updated.Amount):
		return updated.Amount.Sub(old.Amount), types.ReasonExpenseUpdated
	}
	return decimal.Zero, ""
}

// creationDelta is the adjustment for a newly inserted expense.
func creationDelta(e types.Expense) decimal.Decimal {
	if e.Approved() {
		return e.Amount
	}
	return decimal.Zero
}

// deletionDelta is the adjustment for a removed expense.
func deletionDelta(e types.Expense) decimal.Decimal {
	if e.Approved() {
		return e.Amount.Neg()
	}
	return decimal.Zero
}
