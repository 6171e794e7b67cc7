package ledger

import (
	"testing"

	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

func exp(status types.ExpenseStatus, amount int64) types.Expense {
	return types.Expense{Status: status, Amount: decimal.NewFromInt(amount)}
}

func TestReconcileDelta(t *testing.T) {
	tests := []struct {
		name       string
		old        types.Expense
		updated    types.Expense
		wantDelta  int64
		wantReason string
	}{
		{"approved to rejected subtracts old", exp(types.ExpenseApproved, 500), exp(types.ExpenseRejected, 500), -500, types.ReasonExpenseRejected},
		{"approved to pending subtracts old", exp(types.ExpenseApproved, 80), exp(types.ExpensePending, 80), -80, types.ReasonExpenseStatusChanged},
		{"leaving approved ignores new amount", exp(types.ExpenseApproved, 100), exp(types.ExpensePending, 300), -100, types.ReasonExpenseStatusChanged},
		{"pending to approved adds new", exp(types.ExpensePending, 200), exp(types.ExpenseApproved, 200), 200, types.ReasonExpenseApproved},
		{"entering approved uses new amount once", exp(types.ExpensePending, 100), exp(types.ExpenseApproved, 150), 150, types.ReasonExpenseApproved},
		{"rejected to approved adds new", exp(types.ExpenseRejected, 40), exp(types.ExpenseApproved, 40), 40, types.ReasonExpenseApproved},
		{"approved amount increase", exp(types.ExpenseApproved, 100), exp(types.ExpenseApproved, 130), 30, types.ReasonExpenseUpdated},
		{"approved amount decrease", exp(types.ExpenseApproved, 100), exp(types.ExpenseApproved, 60), -40, types.ReasonExpenseUpdated},
		{"approved unchanged", exp(types.ExpenseApproved, 100), exp(types.ExpenseApproved, 100), 0, ""},
		{"pending amount change", exp(types.ExpensePending, 100), exp(types.ExpensePending, 999), 0, ""},
		{"pending to rejected", exp(types.ExpensePending, 100), exp(types.ExpenseRejected, 100), 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, reason := ReconcileDelta(tt.old, tt.updated)
			if !delta.Equal(decimal.NewFromInt(tt.wantDelta)) {
				t.Errorf("delta = %s, want %d", delta, tt.wantDelta)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestCreationAndDeletionDelta(t *testing.T) {
	if d := creationDelta(exp(types.ExpenseApproved, 25)); !d.Equal(decimal.NewFromInt(25)) {
		t.Errorf("creationDelta(approved) = %s", d)
	}
	if d := creationDelta(exp(types.ExpensePending, 25)); !d.IsZero() {
		t.Errorf("creationDelta(pending) = %s", d)
	}
	if d := deletionDelta(exp(types.ExpenseApproved, 25)); !d.Equal(decimal.NewFromInt(-25)) {
		t.Errorf("deletionDelta(approved) = %s", d)
	}
	if d := deletionDelta(exp(types.ExpenseRejected, 25)); !d.IsZero() {
		t.Errorf("deletionDelta(rejected) = %s", d)
	}
}
