package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// ledgerOp is one randomly generated ledger call. Target selects an existing
// expense by index modulo the number of live expenses.
type ledgerOp struct {
	Kind   int
	Target int
	Cents  int64
	Status int
}

var opStatuses = []types.ExpenseStatus{types.ExpensePending, types.ExpenseApproved, types.ExpenseRejected}

func genLedgerOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.IntRange(0, 50),
		gen.Int64Range(1, 1_000_000),
		gen.IntRange(0, 2),
	).Map(func(v []interface{}) ledgerOp {
		return ledgerOp{Kind: v[0].(int), Target: v[1].(int), Cents: v[2].(int64), Status: v[3].(int)}
	})
}

// TestLedger_BudgetConsistencyProperty: after every operation in any
// sequence, budget_actual equals the sum of approved expense amounts.
func TestLedger_BudgetConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("budget_actual tracks approved expenses", prop.ForAll(
		func(ops []ledgerOp) bool {
			s, err := store.NewSQLiteStore(":memory:")
			if err != nil {
				t.Logf("open store: %v", err)
				return false
			}
			defer s.Close()
			ctx := context.Background()
			l := New(s, WithRetry(0, time.Millisecond))

			p := &types.Project{Name: "Property"}
			if err := s.RunInTx(ctx, func(tx store.Tx) error { return tx.InsertProject(ctx, p) }); err != nil {
				t.Logf("insert project: %v", err)
				return false
			}

			var live []int64
			for _, op := range ops {
				amount := decimal.New(op.Cents, -2)
				status := opStatuses[op.Status]
				switch {
				case op.Kind == 0 || len(live) == 0:
					e, err := l.AddExpense(ctx, types.NewExpense{
						ProjectID: p.ID, Category: "c", Amount: amount, Date: "2024-01-01", Status: status,
					})
					if err != nil {
						t.Logf("add: %v", err)
						return false
					}
					live = append(live, e.ID)
				case op.Kind == 1:
					id := live[op.Target%len(live)]
					if _, err := l.SetExpenseStatus(ctx, id, status); err != nil {
						t.Logf("set status: %v", err)
						return false
					}
				case op.Kind == 2:
					id := live[op.Target%len(live)]
					if _, err := l.UpdateExpense(ctx, id, types.ExpensePatch{Amount: &amount}); err != nil {
						t.Logf("update amount: %v", err)
						return false
					}
				case op.Kind == 3:
					id := live[op.Target%len(live)]
					if _, err := l.UpdateExpense(ctx, id, types.ExpensePatch{Amount: &amount, Status: &status}); err != nil {
						t.Logf("update both: %v", err)
						return false
					}
				default:
					i := op.Target % len(live)
					res, err := l.DeleteExpense(ctx, live[i])
					if err != nil || !res.Deleted {
						t.Logf("delete: %+v %v", res, err)
						return false
					}
					live = append(live[:i], live[i+1:]...)
				}

				var sum decimal.Decimal
				err := s.RunInTx(ctx, func(tx store.Tx) error {
					var err error
					sum, err = tx.SumApprovedExpenses(ctx, p.ID)
					return err
				})
				if err != nil {
					return false
				}
				got, err := s.GetProject(ctx, p.ID)
				if err != nil || !got.BudgetActual.Equal(sum) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(25, genLedgerOp()),
	))

	properties.TestingRun(t)
}

// TestReconcileDelta_Property: applying ReconcileDelta to a running total
// keeps it equal to the approved amount of a single expense.
func TestReconcileDelta_Property(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("delta moves the total to the new approved contribution", prop.ForAll(
		func(oldCents, newCents int64, oldStatus, newStatus int) bool {
			old := types.Expense{Amount: decimal.New(oldCents, -2), Status: opStatuses[oldStatus]}
			updated := types.Expense{Amount: decimal.New(newCents, -2), Status: opStatuses[newStatus]}

			contribution := func(e types.Expense) decimal.Decimal {
				if e.Approved() {
					return e.Amount
				}
				return decimal.Zero
			}
			delta, _ := ReconcileDelta(old, updated)
			return contribution(old).Add(delta).Equal(contribution(updated))
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
