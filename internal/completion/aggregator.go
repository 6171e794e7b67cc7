package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/sethvargo/go-retry"
)

// TriggerPolicy selects which status transitions cause a recomputation.
type TriggerPolicy string

const (
	// TriggerTaskCompleted recomputes only when a task enters Completed.
	// A milestone leaving Completed is not reflected until the next such
	// transition in the project.
	TriggerTaskCompleted TriggerPolicy = "task_completed"
	// TriggerMilestoneChange additionally recomputes on every milestone
	// status change.
	TriggerMilestoneChange TriggerPolicy = "milestone_change"
)

// ParseTriggerPolicy converts a configuration value to a TriggerPolicy.
// The empty string selects TriggerTaskCompleted.
func ParseTriggerPolicy(s string) (TriggerPolicy, error) {
	switch TriggerPolicy(s) {
	case "", TriggerTaskCompleted:
		return TriggerTaskCompleted, nil
	case TriggerMilestoneChange:
		return TriggerMilestoneChange, nil
	}
	return "", fmt.Errorf("unknown completion trigger %q (want %s or %s)", s, TriggerTaskCompleted, TriggerMilestoneChange)
}

// Trigger labels for metrics and logs.
const (
	triggerManual    = "manual"
	triggerTask      = "task_completed"
	triggerMilestone = "milestone_change"
)

// Retry defaults for transient conflicts.
const (
	DefaultMaxRetries     = 5
	DefaultRetryBaseDelay = 10 * time.Millisecond
)

// Aggregator recomputes and persists project completion.
type Aggregator struct {
	store      store.Store
	catalog    Catalog
	policy     TriggerPolicy
	maxRetries uint64
	baseDelay  time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCatalog replaces the default weight catalog.
func WithCatalog(c Catalog) Option {
	return func(a *Aggregator) { a.catalog = c.Clone() }
}

// WithPolicy sets the trigger policy.
func WithPolicy(p TriggerPolicy) Option {
	return func(a *Aggregator) { a.policy = p }
}

// WithRetry sets how many times a recomputation that hit a transient
// conflict is retried, and the base delay of the exponential backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(a *Aggregator) {
		if maxRetries >= 0 {
			a.maxRetries = uint64(maxRetries)
		}
		if baseDelay > 0 {
			a.baseDelay = baseDelay
		}
	}
}

// NewAggregator creates an aggregator with the default catalog and the
// TriggerTaskCompleted policy unless overridden.
func NewAggregator(s store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:      s,
		catalog:    DefaultCatalog(),
		policy:     TriggerTaskCompleted,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Catalog returns a copy of the weight catalog in use.
func (a *Aggregator) Catalog() Catalog {
	return a.catalog.Clone()
}

// Policy returns the trigger policy in use.
func (a *Aggregator) Policy() TriggerPolicy {
	return a.policy
}

// RecomputeCompletion loads every milestone of the project, computes the
// weighted completion and stores it on the project. It returns the stored
// value. Repeated calls without milestone changes return the same value.
func (a *Aggregator) RecomputeCompletion(ctx context.Context, projectID int64) (int, error) {
	return a.recompute(ctx, projectID, triggerManual)
}

func (a *Aggregator) recompute(ctx context.Context, projectID int64, trigger string) (int, error) {
	var pct, previous int
	attempts := 0
	backoff := retry.WithMaxRetries(a.maxRetries, retry.NewExponential(a.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			slog.Debug("retrying completion recompute",
				"component", "completion",
				"action", "recompute",
				"project_id", projectID,
				"attempt", attempts,
			)
		}
		err := a.store.RunInTx(ctx, func(tx store.Tx) error {
			var err error
			pct, previous, err = a.recomputeTx(ctx, tx, projectID)
			return err
		})
		if errors.Is(err, store.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	a.record(trigger, err)
	if err != nil {
		return 0, err
	}

	slog.Debug("completion recomputed",
		"component", "completion",
		"action", "recompute",
		"trigger", trigger,
		"project_id", projectID,
		"previous", previous,
		"completion", pct,
	)
	return pct, nil
}

// recomputeTx computes and stores completion inside tx and returns the new
// and previous values.
func (a *Aggregator) recomputeTx(ctx context.Context, tx store.Tx, projectID int64) (int, int, error) {
	p, err := tx.GetProject(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	milestones, err := tx.ListMilestones(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	pct := WeightedCompletion(a.catalog, Facts(milestones))
	if pct == p.Completion {
		return pct, p.Completion, nil
	}
	if err := tx.SetProjectCompletion(ctx, projectID, pct); err != nil {
		return 0, 0, err
	}
	return pct, p.Completion, nil
}

func (a *Aggregator) record(trigger string, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		outcome = metrics.OutcomeNotFound
	case errors.Is(err, store.ErrConflict):
		outcome = metrics.OutcomeConflict
	default:
		outcome = metrics.OutcomeError
	}
	metrics.RecordCompletionRecompute(trigger, outcome)
}

// OnTaskTransition recomputes the project's completion when a task moves
// into Completed from any other status. It reports whether a recomputation
// ran.
func (a *Aggregator) OnTaskTransition(ctx context.Context, projectID int64, from, to types.TaskStatus) (bool, int, error) {
	if to != types.TaskCompleted || from == types.TaskCompleted {
		return false, 0, nil
	}
	pct, err := a.recompute(ctx, projectID, triggerTask)
	if err != nil {
		return false, 0, err
	}
	return true, pct, nil
}

// OnMilestoneTransitionTx recomputes the project's completion after a
// milestone status change, but only under TriggerMilestoneChange. It runs
// inside the caller's transaction, so the milestone change and the new
// completion commit together.
func (a *Aggregator) OnMilestoneTransitionTx(ctx context.Context, tx store.Tx, projectID int64, from, to types.MilestoneStatus) (bool, int, error) {
	if a.policy != TriggerMilestoneChange || from == to {
		return false, 0, nil
	}
	pct, _, err := a.recomputeTx(ctx, tx, projectID)
	a.record(triggerMilestone, err)
	if err != nil {
		return false, 0, err
	}
	return true, pct, nil
}

// RecomputeAll recomputes every project and returns the number processed.
func (a *Aggregator) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := a.store.ListProjectIDs(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if _, err := a.recompute(ctx, id, triggerManual); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return i, err
		}
	}
	return len(ids), nil
}
