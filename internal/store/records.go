package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/muniplan/internal/types"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nowFunc is replaced in tests that need deterministic timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const projectColumns = `id, name, description, budget_estimated, budget_actual, currency,
	completion, start_date, end_date, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*types.Project, error) {
	var p types.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.BudgetEstimated, &p.BudgetActual,
		&p.Currency, &p.Completion, &p.StartDate, &p.EndDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func getProject(ctx context.Context, q querier, d Dialect, id int64, lock bool) (*types.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects WHERE id = ?"
	if lock {
		query += d.ForUpdate
	}
	p, err := scanProject(q.QueryRowContext(ctx, d.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get project", err)
	}
	return p, nil
}

const expenseColumns = `id, project_id, category, amount, date, description, requested_by,
	status, version, created_at, updated_at`

func scanExpense(row interface{ Scan(...any) error }) (*types.Expense, error) {
	var e types.Expense
	var status, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ProjectID, &e.Category, &e.Amount, &e.Date, &e.Description,
		&e.RequestedBy, &status, &e.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = types.ExpenseStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

const milestoneColumns = `id, project_id, name, status, position, start_date, end_date,
	created_at, updated_at`

func scanMilestone(row interface{ Scan(...any) error }) (*types.Milestone, error) {
	var m types.Milestone
	var status, createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &status, &m.Position, &m.StartDate,
		&m.EndDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = types.MilestoneStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func listMilestones(ctx context.Context, q querier, d Dialect, projectID int64) ([]types.Milestone, error) {
	rows, err := q.QueryContext(ctx, d.Rebind(
		"SELECT "+milestoneColumns+" FROM milestones WHERE project_id = ? ORDER BY position, id"),
		projectID)
	if err != nil {
		return nil, classify("list milestones", err)
	}
	defer rows.Close()

	var out []types.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, classify("scan milestone", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list milestones", err)
	}
	return out, nil
}

const taskColumns = `id, project_id, milestone_id, title, status, assignee, due_date,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var milestoneID sql.NullInt64
	var status, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &milestoneID, &t.Title, &status, &t.Assignee,
		&t.DueDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if milestoneID.Valid {
		id := milestoneID.Int64
		t.MilestoneID = &id
	}
	t.Status = types.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

const budgetChangeColumns = `id, project_id, expense_id, delta, balance_before, balance_after,
	reason, created_at`

func scanBudgetChange(row interface{ Scan(...any) error }) (*types.BudgetChange, error) {
	var c types.BudgetChange
	var expenseID sql.NullInt64
	var createdAt string
	err := row.Scan(&c.ID, &c.ProjectID, &expenseID, &c.Delta, &c.BalanceBefore,
		&c.BalanceAfter, &c.Reason, &createdAt)
	if err != nil {
		return nil, err
	}
	if expenseID.Valid {
		id := expenseID.Int64
		c.ExpenseID = &id
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// assignment is one "column = value" pair of an UPDATE. When expr is set it
// is written verbatim and value is ignored.
type assignment struct {
	column string
	value  any
	expr   string
}

// buildUpdate renders an UPDATE statement with '?' placeholders. The where
// clause is appended as-is and its arguments follow the assignment values.
func buildUpdate(table string, set []assignment, where string, whereArgs ...any) (string, []any) {
	parts := make([]string, 0, len(set))
	args := make([]any, 0, len(set)+len(whereArgs))
	for _, a := range set {
		if a.expr != "" {
			parts = append(parts, a.column+" = "+a.expr)
			continue
		}
		parts = append(parts, a.column+" = ?")
		args = append(args, a.value)
	}
	args = append(args, whereArgs...)
	return "UPDATE " + table + " SET " + strings.Join(parts, ", ") + " WHERE " + where, args
}
