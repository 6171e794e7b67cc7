package store

import (
	"context"
	"time"

	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

// Store defines the relational record store shared by the expense ledger,
// the completion aggregator and the workflow callers.
type Store interface {
	// RunInTx runs fn inside one database transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(Tx) error) error

	GetProject(ctx context.Context, id int64) (*types.Project, error)
	ListMilestones(ctx context.Context, projectID int64) ([]types.Milestone, error)
	CountProjects(ctx context.Context) (int64, error)
	ListProjectIDs(ctx context.Context) ([]int64, error)
	AuditLedger(ctx context.Context) ([]types.LedgerDrift, error)
	GenerateSnapshot(ctx context.Context) error
	SnapshotPath(ctx context.Context) (string, error)

	PendingOutboxEvents(ctx context.Context, now time.Time, limit int) ([]types.OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, status types.OutboxStatus, limit int) ([]types.OutboxEvent, error)
	GetOutboxEvent(ctx context.Context, id int64) (*types.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, retryCount int, next time.Time, lastErr string) error
	MarkOutboxFailed(ctx context.Context, id int64, retryCount int, lastErr string) error
	ReplayOutboxEvent(ctx context.Context, id int64) error

	DriverName() string
	Close() error
}

// Tx is the set of operations available inside a transaction. Reads of rows
// that are about to be modified hold a write lock until the transaction ends.
type Tx interface {
	GetProject(ctx context.Context, id int64) (*types.Project, error)
	InsertProject(ctx context.Context, p *types.Project) error
	SetProjectCompletion(ctx context.Context, projectID int64, completion int) error

	// AddBudgetActual adds delta to the project's cached actual spend and
	// returns the value before and after.
	AddBudgetActual(ctx context.Context, projectID int64, delta decimal.Decimal) (before, after decimal.Decimal, err error)
	// SetBudgetActual overwrites the cached actual spend and returns the previous value.
	SetBudgetActual(ctx context.Context, projectID int64, value decimal.Decimal) (before decimal.Decimal, err error)
	AppendBudgetChange(ctx context.Context, c *types.BudgetChange) error
	ListBudgetHistory(ctx context.Context, projectID int64) ([]types.BudgetChange, error)

	GetExpense(ctx context.Context, id int64) (*types.Expense, error)
	InsertExpense(ctx context.Context, e *types.Expense) error
	// UpdateExpense applies the present fields of patch when the row is still
	// at expectedVersion. A version mismatch returns ErrConflict.
	UpdateExpense(ctx context.Context, id, expectedVersion int64, patch types.ExpensePatch) (*types.Expense, error)
	DeleteExpense(ctx context.Context, id int64) (int64, error)
	ListExpensesByProject(ctx context.Context, projectID int64) ([]types.Expense, error)
	SumApprovedExpenses(ctx context.Context, projectID int64) (decimal.Decimal, error)

	GetMilestone(ctx context.Context, id int64) (*types.Milestone, error)
	InsertMilestone(ctx context.Context, m *types.Milestone) error
	SetMilestoneStatus(ctx context.Context, id int64, status types.MilestoneStatus) error
	ListMilestones(ctx context.Context, projectID int64) ([]types.Milestone, error)

	GetTask(ctx context.Context, id int64) (*types.Task, error)
	InsertTask(ctx context.Context, t *types.Task) error
	SetTaskStatus(ctx context.Context, id int64, status types.TaskStatus) error

	// InsertOutboxEvent stores a pending event that commits or rolls back
	// with the rest of the transaction.
	InsertOutboxEvent(ctx context.Context, e *types.OutboxEvent) error
}
