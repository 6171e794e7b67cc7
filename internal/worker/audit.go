package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/types"
)

// LedgerAuditor is the ledger surface used by the audit worker.
type LedgerAuditor interface {
	AuditLedger(ctx context.Context) ([]types.LedgerDrift, error)
	Repair(ctx context.Context) ([]types.LedgerDrift, error)
}

// LedgerAuditWorker periodically compares each project's cached actual
// spend with the sum of its approved expenses, optionally repairing drift.
type LedgerAuditWorker struct {
	ledger   LedgerAuditor
	interval time.Duration
	repair   bool
}

// NewLedgerAuditWorker creates an audit worker. With repair set, drifted
// projects are corrected instead of only reported.
func NewLedgerAuditWorker(l LedgerAuditor, interval time.Duration, repair bool) *LedgerAuditWorker {
	return &LedgerAuditWorker{ledger: l, interval: interval, repair: repair}
}

// Run audits immediately, then on each interval, until ctx is cancelled.
func (w *LedgerAuditWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "ledger-audit",
		"repair", w.repair,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.audit(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "ledger-audit",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.audit(ctx)
		}
	}
}

func (w *LedgerAuditWorker) audit(ctx context.Context) {
	var (
		drift []types.LedgerDrift
		err   error
	)
	if w.repair {
		drift, err = w.ledger.Repair(ctx)
	} else {
		drift, err = w.ledger.AuditLedger(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("ledger audit failed",
			"component", "worker",
			"worker", "ledger-audit",
			"action", "audit_failed",
			"error", err,
		)
		return
	}

	slog.Info("ledger audit completed",
		"component", "worker",
		"worker", "ledger-audit",
		"action", "audit_complete",
		"drifted", len(drift),
		"repaired", w.repair && len(drift) > 0,
	)
}
