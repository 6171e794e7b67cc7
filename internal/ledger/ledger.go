// Package ledger keeps each project's cached actual spend equal to the sum of
// its approved expenses. Every expense mutation and the matching budget
// adjustment commit in one store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/hyperengineering/muniplan/internal/validation"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// Retry defaults for transient conflicts.
const (
	DefaultMaxRetries     = 5
	DefaultRetryBaseDelay = 10 * time.Millisecond
)

// Ledger is the expense ledger.
type Ledger struct {
	store      store.Store
	maxRetries uint64
	baseDelay  time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets how many times a transaction that hit a transient conflict
// is retried, and the base delay of the exponential backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		if maxRetries >= 0 {
			l.maxRetries = uint64(maxRetries)
		}
		if baseDelay > 0 {
			l.baseDelay = baseDelay
		}
	}
}

// New creates a ledger over s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// adjustment is a budget change made inside a transaction, reported once
// the transaction has committed.
type adjustment struct {
	projectID int64
	expenseID int64
	delta     decimal.Decimal
	reason    string
}

// run executes fn in a transaction, retrying on ErrConflict with
// exponential backoff.
func (l *Ledger) run(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	attempts := 0
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.LedgerConflictRetries.Inc()
			slog.Debug("retrying ledger transaction",
				"component", "ledger",
				"action", op,
				"attempt", attempts,
			)
		}
		err := l.store.RunInTx(ctx, fn)
		if errors.Is(err, store.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	metrics.RecordLedgerOperation(op, outcome(err))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, store.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, store.ErrConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}

// apply writes a nonzero delta to the project's actual spend and appends the
// matching history row.
func apply(ctx context.Context, tx store.Tx, adj adjustment) error {
	if adj.delta.IsZero() {
		return nil
	}
	before, after, err := tx.AddBudgetActual(ctx, adj.projectID, adj.delta)
	if err != nil {
		return err
	}
	expenseID := adj.expenseID
	return tx.AppendBudgetChange(ctx, &types.BudgetChange{
		ProjectID:     adj.projectID,
		ExpenseID:     &expenseID,
		Delta:         adj.delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        adj.reason,
	})
}

func report(op string, adj adjustment) {
	if adj.delta.IsZero() {
		return
	}
	metrics.AddReconciledAmount(adj.delta.Abs().InexactFloat64())
	slog.Info("budget reconciled",
		"component", "ledger",
		"action", op,
		"project_id", adj.projectID,
		"expense_id", adj.expenseID,
		"delta", adj.delta.String(),
		"reason", adj.reason,
	)
}

// AddExpense creates an expense. An empty status means Pending. When the
// expense is created Approved its amount is added to the project's actual
// spend in the same transaction.
func (l *Ledger) AddExpense(ctx context.Context, in types.NewExpense) (*types.Expense, error) {
	if in.Status == "" {
		in.Status = types.ExpensePending
	}
	if verr := validation.ValidateExpenseStatus("status", in.Status); verr != nil {
		return nil, validation.Errors{*verr}
	}

	var created *types.Expense
	var adj adjustment
	err := l.run(ctx, "add_expense", func(tx store.Tx) error {
		e := &types.Expense{
			ProjectID:   in.ProjectID,
			Category:    in.Category,
			Amount:      in.Amount,
			Date:        in.Date,
			Description: in.Description,
			RequestedBy: in.RequestedBy,
			Status:      in.Status,
		}
		if e.Approved() {
			// The budget row must exist before anything is written.
			if _, err := tx.GetProject(ctx, e.ProjectID); err != nil {
				return err
			}
		}
		if err := tx.InsertExpense(ctx, e); err != nil {
			return err
		}
		adj = adjustment{
			projectID: e.ProjectID,
			expenseID: e.ID,
			delta:     creationDelta(*e),
			reason:    types.ReasonExpenseAdded,
		}
		if err := apply(ctx, tx, adj); err != nil {
			return err
		}
		created = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	report("add_expense", adj)
	return created, nil
}

// UpdateExpense applies the present fields of patch to an expense and
// reconciles the project's actual spend from the old and new
// (status, amount) pairs. The project of an expense never changes.
func (l *Ledger) UpdateExpense(ctx context.Context, id int64, patch types.ExpensePatch) (*types.Expense, error) {
	return l.update(ctx, "update_expense", id, patch)
}

// SetExpenseStatus moves an expense to status, reconciling the actual spend
// when the change crosses the Approved boundary.
func (l *Ledger) SetExpenseStatus(ctx context.Context, id int64, status types.ExpenseStatus) (*types.Expense, error) {
	return l.update(ctx, "set_expense_status", id, types.ExpensePatch{Status: &status})
}

// Approve is SetExpenseStatus(id, Approved).
func (l *Ledger) Approve(ctx context.Context, id int64) (*types.Expense, error) {
	status := types.ExpenseApproved
	return l.update(ctx, "approve_expense", id, types.ExpensePatch{Status: &status})
}

// Reject is SetExpenseStatus(id, Rejected).
func (l *Ledger) Reject(ctx context.Context, id int64) (*types.Expense, error) {
	status := types.ExpenseRejected
	return l.update(ctx, "reject_expense", id, types.ExpensePatch{Status: &status})
}

func (l *Ledger) update(ctx context.Context, op string, id int64, patch types.ExpensePatch) (*types.Expense, error) {
	if patch.Status != nil {
		if verr := validation.ValidateExpenseStatus("status", *patch.Status); verr != nil {
			return nil, validation.Errors{*verr}
		}
	}

	var result *types.Expense
	var adj adjustment
	err := l.run(ctx, op, func(tx store.Tx) error {
		adj = adjustment{}
		old, err := tx.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			result = old
			return nil
		}
		updated, err := tx.UpdateExpense(ctx, id, old.Version, patch)
		if err != nil {
			return err
		}
		if err := checkPostImage(patch.Apply(*old), *updated); err != nil {
			return err
		}
		delta, reason := ReconcileDelta(*old, *updated)
		adj = adjustment{projectID: updated.ProjectID, expenseID: id, delta: delta, reason: reason}
		if err := apply(ctx, tx, adj); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	report(op, adj)
	return result, nil
}

// checkPostImage rejects an update whose stored row disagrees with the
// patch on the fields that drive reconciliation.
func checkPostImage(want, got types.Expense) error {
	if want.Status == got.Status && want.Amount.Equal(got.Amount) {
		return nil
	}
	return &store.StorageError{
		Op: "update expense",
		Err: fmt.Errorf("expense %d stored as %s/%s, expected %s/%s",
			got.ID, got.Status, got.Amount, want.Status, want.Amount),
	}
}

// DeleteExpense removes an expense. A missing expense is not an error and
// yields Deleted == false. Deleting an Approved expense subtracts its amount
// from the project's actual spend.
func (l *Ledger) DeleteExpense(ctx context.Context, id int64) (types.DeleteResult, error) {
	var result types.DeleteResult
	var adj adjustment
	err := l.run(ctx, "delete_expense", func(tx store.Tx) error {
		result = types.DeleteResult{}
		adj = adjustment{}
		e, err := tx.GetExpense(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := tx.DeleteExpense(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		adj = adjustment{
			projectID: e.ProjectID,
			expenseID: id,
			delta:     deletionDelta(*e),
			reason:    types.ReasonExpenseDeleted,
		}
		if err := apply(ctx, tx, adj); err != nil {
			return err
		}
		result.Deleted = true
		return nil
	})
	if err != nil {
		return types.DeleteResult{}, err
	}
	report("delete_expense", adj)
	return result, nil
}

// GetByProjectID returns the project's budget figures, its expenses (newest
// date first) and its budget history (newest first), read from one
// consistent snapshot.
func (l *Ledger) GetByProjectID(ctx context.Context, projectID int64) (*types.ProjectBudget, error) {
	var budget *types.ProjectBudget
	err := l.store.RunInTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		expenses, err := tx.ListExpensesByProject(ctx, projectID)
		if err != nil {
			return err
		}
		history, err := tx.ListBudgetHistory(ctx, projectID)
		if err != nil {
			return err
		}
		if expenses == nil {
			expenses = []types.Expense{}
		}
		if history == nil {
			history = []types.BudgetChange{}
		}
		budget = &types.ProjectBudget{
			ProjectID:       p.ID,
			BudgetEstimated: p.BudgetEstimated,
			BudgetActual:    p.BudgetActual,
			Currency:        p.Currency,
			Expenses:        expenses,
			History:         history,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return budget, nil
}
