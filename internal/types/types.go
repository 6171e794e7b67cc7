package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseStatus is the approval state of an expense.
type ExpenseStatus string

const (
	ExpensePending  ExpenseStatus = "Pending"
	ExpenseApproved ExpenseStatus = "Approved"
	ExpenseRejected ExpenseStatus = "Rejected"
)

// Valid reports whether s is one of the known expense statuses.
func (s ExpenseStatus) Valid() bool {
	switch s {
	case ExpensePending, ExpenseApproved, ExpenseRejected:
		return true
	}
	return false
}

// MilestoneStatus is the progress state of a milestone.
type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "Not Started"
	MilestoneInProgress MilestoneStatus = "In Progress"
	MilestoneCompleted  MilestoneStatus = "Completed"
)

// Valid reports whether s is one of the known milestone statuses.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestoneNotStarted, MilestoneInProgress, MilestoneCompleted:
		return true
	}
	return false
}

// TaskStatus is the progress state of a task.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "Not Started"
	TaskInProgress TaskStatus = "In Progress"
	TaskCompleted  TaskStatus = "Completed"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskNotStarted, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// Project is a municipal project. BudgetActual and Completion are derived
// values maintained by the expense ledger and the completion aggregator.
type Project struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	BudgetEstimated decimal.Decimal `json:"budget_estimated"`
	BudgetActual    decimal.Decimal `json:"budget_actual"`
	Currency        string          `json:"currency"`
	Completion      int             `json:"completion"`
	StartDate       string          `json:"start_date,omitempty"`
	EndDate         string          `json:"end_date,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Expense is a single spend record against a project's budget.
type Expense struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	RequestedBy string          `json:"requested_by"`
	Status      ExpenseStatus   `json:"status"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Approved reports whether the expense counts toward the project's actual spend.
func (e Expense) Approved() bool {
	return e.Status == ExpenseApproved
}

// NewExpense carries the fields of an expense to be created.
// An empty Status means Pending.
type NewExpense struct {
	ProjectID   int64           `json:"project_id"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	RequestedBy string          `json:"requested_by"`
	Status      ExpenseStatus   `json:"status,omitempty"`
}

// ExpensePatch is a sparse update of an expense. Nil fields are left as-is.
// ProjectID is immutable and therefore absent.
type ExpensePatch struct {
	Category    *string          `json:"category,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Date        *string          `json:"date,omitempty"`
	Description *string          `json:"description,omitempty"`
	RequestedBy *string          `json:"requested_by,omitempty"`
	Status      *ExpenseStatus   `json:"status,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ExpensePatch) IsEmpty() bool {
	return p.Category == nil && p.Amount == nil && p.Date == nil &&
		p.Description == nil && p.RequestedBy == nil && p.Status == nil
}

// Apply returns a copy of e with the present patch fields applied.
func (p ExpensePatch) Apply(e Expense) Expense {
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.RequestedBy != nil {
		e.RequestedBy = *p.RequestedBy
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	return e
}

// BudgetChange records one reconciliation of a project's actual spend.
type BudgetChange struct {
	ID            int64           `json:"id"`
	ProjectID     int64           `json:"project_id"`
	ExpenseID     *int64          `json:"expense_id,omitempty"`
	Delta         decimal.Decimal `json:"delta"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Reasons recorded in the budget history.
const (
	ReasonExpenseAdded         = "expense_added"
	ReasonExpenseUpdated       = "expense_updated"
	ReasonExpenseDeleted       = "expense_deleted"
	ReasonExpenseApproved      = "expense_approved"
	ReasonExpenseRejected      = "expense_rejected"
	ReasonExpenseStatusChanged = "expense_status_changed"
	ReasonAuditRepair          = "audit_repair"
)

// ProjectBudget is the read model returned for a project's budget screen.
type ProjectBudget struct {
	ProjectID       int64           `json:"project_id"`
	BudgetEstimated decimal.Decimal `json:"budget_estimated"`
	BudgetActual    decimal.Decimal `json:"budget_actual"`
	Currency        string          `json:"currency"`
	Expenses        []Expense       `json:"expenses"`
	History         []BudgetChange  `json:"history"`
}

// DeleteResult reports whether a delete removed a row.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// LedgerDrift describes a project whose cached actual spend disagrees with
// the sum of its approved expenses.
type LedgerDrift struct {
	ProjectID int64           `json:"project_id"`
	Cached    decimal.Decimal `json:"cached"`
	Computed  decimal.Decimal `json:"computed"`
}

// Difference returns Computed - Cached.
func (d LedgerDrift) Difference() decimal.Decimal {
	return d.Computed.Sub(d.Cached)
}

// Milestone is a named project phase.
type Milestone struct {
	ID        int64           `json:"id"`
	ProjectID int64           `json:"project_id"`
	Name      string          `json:"name"`
	Status    MilestoneStatus `json:"status"`
	Position  int             `json:"position"`
	StartDate string          `json:"start_date,omitempty"`
	EndDate   string          `json:"end_date,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Task is a unit of work inside a project, optionally under a milestone.
type Task struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	MilestoneID *int64     `json:"milestone_id,omitempty"`
	Title       string     `json:"title"`
	Status      TaskStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	DueDate     string     `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewProject is the input for creating a project together with its
// milestones and their tasks.
type NewProject struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	BudgetEstimated decimal.Decimal `json:"budget_estimated"`
	Currency        string          `json:"currency"`
	StartDate       string          `json:"start_date,omitempty"`
	EndDate         string          `json:"end_date,omitempty"`
	Milestones      []NewMilestone  `json:"milestones,omitempty"`
}

// NewMilestone is a milestone inside a NewProject.
type NewMilestone struct {
	Name      string          `json:"name"`
	Status    MilestoneStatus `json:"status,omitempty"`
	StartDate string          `json:"start_date,omitempty"`
	EndDate   string          `json:"end_date,omitempty"`
	Tasks     []NewTask       `json:"tasks,omitempty"`
}

// NewTask is a task inside a NewMilestone.
type NewTask struct {
	Title    string     `json:"title"`
	Status   TaskStatus `json:"status,omitempty"`
	Assignee string     `json:"assignee,omitempty"`
	DueDate  string     `json:"due_date,omitempty"`
}

// CreatedProject holds the generated ids of a project tree, in input order.
type CreatedProject struct {
	ProjectID  int64              `json:"project_id"`
	Milestones []CreatedMilestone `json:"milestones"`
}

// CreatedMilestone holds the generated ids of a milestone and its tasks.
type CreatedMilestone struct {
	MilestoneID int64   `json:"milestone_id"`
	TaskIDs     []int64 `json:"task_ids"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Driver   string `json:"driver"`
	Projects int64  `json:"projects"`
}

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEvent is an event committed together with the change it announces
// and delivered after commit. Failed deliveries are retried until
// RetryCount reaches the dispatcher's limit, then the event is Failed.
type OutboxEvent struct {
	ID            int64        `json:"id"`
	AggregateType string       `json:"aggregate_type"`
	AggregateID   int64        `json:"aggregate_id"`
	RoutingKey    string       `json:"routing_key"`
	Payload       []byte       `json:"-"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	NextRetryAt   *time.Time   `json:"next_retry_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
