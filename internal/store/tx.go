package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

// sqlTx implements Tx on top of a *sql.Tx.
type sqlTx struct {
	q querier
	d Dialect
}

func (t *sqlTx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := t.q.ExecContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

func (t *sqlTx) insertReturningID(ctx context.Context, op, query string, args ...any) (int64, error) {
	var id int64
	if err := t.q.QueryRowContext(ctx, t.d.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
		return 0, classify(op, err)
	}
	return id, nil
}

// Projects

func (t *sqlTx) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	return getProject(ctx, t.q, t.d, id, true)
}

func (t *sqlTx) InsertProject(ctx context.Context, p *types.Project) error {
	now := nowFunc()
	if p.Currency == "" {
		p.Currency = "USD"
	}
	id, err := t.insertReturningID(ctx, "insert project", `
		INSERT INTO projects (name, description, budget_estimated, budget_actual, currency,
			completion, start_date, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.BudgetEstimated, p.BudgetActual, p.Currency,
		p.Completion, p.StartDate, p.EndDate, formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (t *sqlTx) SetProjectCompletion(ctx context.Context, projectID int64, completion int) error {
	res, err := t.exec(ctx, "set project completion",
		"UPDATE projects SET completion = ?, updated_at = ? WHERE id = ?",
		completion, formatTime(nowFunc()), projectID)
	if err != nil {
		return err
	}
	return requireRow(res, "project", projectID)
}

// Budget

func (t *sqlTx) AddBudgetActual(ctx context.Context, projectID int64, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	p, err := t.GetProject(ctx, projectID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before := p.BudgetActual
	after := before.Add(delta)
	if _, err := t.exec(ctx, "update budget actual",
		"UPDATE projects SET budget_actual = ?, updated_at = ? WHERE id = ?",
		after, formatTime(nowFunc()), projectID); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return before, after, nil
}

func (t *sqlTx) SetBudgetActual(ctx context.Context, projectID int64, value decimal.Decimal) (decimal.Decimal, error) {
	p, err := t.GetProject(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := t.exec(ctx, "set budget actual",
		"UPDATE projects SET budget_actual = ?, updated_at = ? WHERE id = ?",
		value, formatTime(nowFunc()), projectID); err != nil {
		return decimal.Zero, err
	}
	return p.BudgetActual, nil
}

func (t *sqlTx) AppendBudgetChange(ctx context.Context, c *types.BudgetChange) error {
	now := nowFunc()
	var expenseID any
	if c.ExpenseID != nil {
		expenseID = *c.ExpenseID
	}
	id, err := t.insertReturningID(ctx, "append budget change", `
		INSERT INTO budget_history (project_id, expense_id, delta, balance_before,
			balance_after, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ProjectID, expenseID, c.Delta, c.BalanceBefore, c.BalanceAfter, c.Reason, formatTime(now))
	if err != nil {
		return err
	}
	c.ID = id
	c.CreatedAt = now
	return nil
}

func (t *sqlTx) ListBudgetHistory(ctx context.Context, projectID int64) ([]types.BudgetChange, error) {
	rows, err := t.q.QueryContext(ctx, t.d.Rebind(
		"SELECT "+budgetChangeColumns+" FROM budget_history WHERE project_id = ? ORDER BY id DESC"),
		projectID)
	if err != nil {
		return nil, classify("list budget history", err)
	}
	defer rows.Close()

	var out []types.BudgetChange
	for rows.Next() {
		c, err := scanBudgetChange(rows)
		if err != nil {
			return nil, classify("scan budget change", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list budget history", err)
	}
	return out, nil
}

// Expenses

func (t *sqlTx) GetExpense(ctx context.Context, id int64) (*types.Expense, error) {
	e, err := scanExpense(t.q.QueryRowContext(ctx,
		t.d.Rebind("SELECT "+expenseColumns+" FROM expenses WHERE id = ?"+t.d.ForUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get expense", err)
	}
	return e, nil
}

func (t *sqlTx) InsertExpense(ctx context.Context, e *types.Expense) error {
	now := nowFunc()
	if e.Status == "" {
		e.Status = types.ExpensePending
	}
	id, err := t.insertReturningID(ctx, "insert expense", `
		INSERT INTO expenses (project_id, category, amount, date, description, requested_by,
			status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		e.ProjectID, e.Category, e.Amount, e.Date, e.Description, e.RequestedBy,
		string(e.Status), formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	e.ID = id
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

func (t *sqlTx) UpdateExpense(ctx context.Context, id, expectedVersion int64, patch types.ExpensePatch) (*types.Expense, error) {
	var set []assignment
	if patch.Category != nil {
		set = append(set, assignment{column: "category", value: *patch.Category})
	}
	if patch.Amount != nil {
		set = append(set, assignment{column: "amount", value: *patch.Amount})
	}
	if patch.Date != nil {
		set = append(set, assignment{column: "date", value: *patch.Date})
	}
	if patch.Description != nil {
		set = append(set, assignment{column: "description", value: *patch.Description})
	}
	if patch.RequestedBy != nil {
		set = append(set, assignment{column: "requested_by", value: *patch.RequestedBy})
	}
	if patch.Status != nil {
		set = append(set, assignment{column: "status", value: string(*patch.Status)})
	}
	set = append(set,
		assignment{column: "version", expr: "version + 1"},
		assignment{column: "updated_at", value: formatTime(nowFunc())},
	)

	query, args := buildUpdate("expenses", set, "id = ? AND version = ?", id, expectedVersion)
	res, err := t.exec(ctx, "update expense", query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify("update expense", err)
	}
	if n == 0 {
		// Distinguish a missing row from a concurrent modification.
		if _, err := t.GetExpense(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("expense %d at version %d: %w", id, expectedVersion, ErrConflict)
	}
	return t.GetExpense(ctx, id)
}

func (t *sqlTx) DeleteExpense(ctx context.Context, id int64) (int64, error) {
	res, err := t.exec(ctx, "delete expense", "DELETE FROM expenses WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete expense", err)
	}
	return n, nil
}

func (t *sqlTx) ListExpensesByProject(ctx context.Context, projectID int64) ([]types.Expense, error) {
	rows, err := t.q.QueryContext(ctx, t.d.Rebind(
		"SELECT "+expenseColumns+" FROM expenses WHERE project_id = ? ORDER BY date DESC, id DESC"),
		projectID)
	if err != nil {
		return nil, classify("list expenses", err)
	}
	defer rows.Close()

	var out []types.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, classify("scan expense", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list expenses", err)
	}
	return out, nil
}

// SumApprovedExpenses adds amounts in Go so both dialects use exact decimal
// arithmetic regardless of column type.
func (t *sqlTx) SumApprovedExpenses(ctx context.Context, projectID int64) (decimal.Decimal, error) {
	return sumApproved(ctx, t.q, t.d, projectID)
}

func sumApproved(ctx context.Context, q querier, d Dialect, projectID int64) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, d.Rebind(
		"SELECT amount FROM expenses WHERE project_id = ? AND status = ?"),
		projectID, string(types.ExpenseApproved))
	if err != nil {
		return decimal.Zero, classify("sum approved expenses", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, classify("scan expense amount", err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, classify("sum approved expenses", err)
	}
	return total, nil
}

// Milestones

func (t *sqlTx) GetMilestone(ctx context.Context, id int64) (*types.Milestone, error) {
	m, err := scanMilestone(t.q.QueryRowContext(ctx,
		t.d.Rebind("SELECT "+milestoneColumns+" FROM milestones WHERE id = ?"+t.d.ForUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("milestone %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get milestone", err)
	}
	return m, nil
}

func (t *sqlTx) InsertMilestone(ctx context.Context, m *types.Milestone) error {
	now := nowFunc()
	if m.Status == "" {
		m.Status = types.MilestoneNotStarted
	}
	id, err := t.insertReturningID(ctx, "insert milestone", `
		INSERT INTO milestones (project_id, name, status, position, start_date, end_date,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ProjectID, m.Name, string(m.Status), m.Position, m.StartDate, m.EndDate,
		formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	m.ID = id
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (t *sqlTx) SetMilestoneStatus(ctx context.Context, id int64, status types.MilestoneStatus) error {
	res, err := t.exec(ctx, "set milestone status",
		"UPDATE milestones SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(nowFunc()), id)
	if err != nil {
		return err
	}
	return requireRow(res, "milestone", id)
}

func (t *sqlTx) ListMilestones(ctx context.Context, projectID int64) ([]types.Milestone, error) {
	return listMilestones(ctx, t.q, t.d, projectID)
}

// Tasks

func (t *sqlTx) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	task, err := scanTask(t.q.QueryRowContext(ctx,
		t.d.Rebind("SELECT "+taskColumns+" FROM tasks WHERE id = ?"+t.d.ForUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get task", err)
	}
	return task, nil
}

func (t *sqlTx) InsertTask(ctx context.Context, task *types.Task) error {
	now := nowFunc()
	if task.Status == "" {
		task.Status = types.TaskNotStarted
	}
	var milestoneID any
	if task.MilestoneID != nil {
		milestoneID = *task.MilestoneID
	}
	id, err := t.insertReturningID(ctx, "insert task", `
		INSERT INTO tasks (project_id, milestone_id, title, status, assignee, due_date,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ProjectID, milestoneID, task.Title, string(task.Status), task.Assignee,
		task.DueDate, formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

func (t *sqlTx) SetTaskStatus(ctx context.Context, id int64, status types.TaskStatus) error {
	res, err := t.exec(ctx, "set task status",
		"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(nowFunc()), id)
	if err != nil {
		return err
	}
	return requireRow(res, "task", id)
}

func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}
