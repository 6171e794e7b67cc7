package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
)

// AuditLedger lists every project whose cached actual spend differs from
// the sum of its approved expenses.
func (l *Ledger) AuditLedger(ctx context.Context) ([]types.LedgerDrift, error) {
	drift, err := l.store.AuditLedger(ctx)
	if err != nil {
		return nil, err
	}
	metrics.LedgerDriftProjects.Set(float64(len(drift)))
	for _, d := range drift {
		slog.Warn("ledger drift detected",
			"component", "ledger",
			"action", "audit",
			"project_id", d.ProjectID,
			"cached", d.Cached.String(),
			"computed", d.Computed.String(),
		)
	}
	return drift, nil
}

// RepairProject recomputes a project's actual spend from its approved
// expenses and overwrites the cached value when they differ, recording an
// audit_repair history entry. It returns the drift it corrected, or nil when
// the project was already consistent.
func (l *Ledger) RepairProject(ctx context.Context, projectID int64) (*types.LedgerDrift, error) {
	var repaired *types.LedgerDrift
	err := l.run(ctx, "repair_project", func(tx store.Tx) error {
		repaired = nil
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		sum, err := tx.SumApprovedExpenses(ctx, projectID)
		if err != nil {
			return err
		}
		if sum.Equal(p.BudgetActual) {
			return nil
		}
		before, err := tx.SetBudgetActual(ctx, projectID, sum)
		if err != nil {
			return err
		}
		if err := tx.AppendBudgetChange(ctx, &types.BudgetChange{
			ProjectID:     projectID,
			Delta:         sum.Sub(before),
			BalanceBefore: before,
			BalanceAfter:  sum,
			Reason:        types.ReasonAuditRepair,
		}); err != nil {
			return err
		}
		repaired = &types.LedgerDrift{ProjectID: projectID, Cached: before, Computed: sum}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if repaired != nil {
		slog.Warn("ledger drift repaired",
			"component", "ledger",
			"action", "repair",
			"project_id", projectID,
			"previous", repaired.Cached.String(),
			"current", repaired.Computed.String(),
		)
	}
	return repaired, nil
}

// Repair audits the whole ledger and repairs every drifted project.
func (l *Ledger) Repair(ctx context.Context) ([]types.LedgerDrift, error) {
	drift, err := l.AuditLedger(ctx)
	if err != nil {
		return nil, err
	}
	var fixed []types.LedgerDrift
	for _, d := range drift {
		r, err := l.RepairProject(ctx, d.ProjectID)
		if err != nil {
			if ctx.Err() != nil {
				return fixed, ctx.Err()
			}
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fixed, err
		}
		if r != nil {
			fixed = append(fixed, *r)
		}
	}
	return fixed, nil
}
