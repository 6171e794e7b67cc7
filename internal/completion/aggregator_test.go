package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedMilestones creates a project with the given milestones and returns the
// project id and milestone ids in input order.
func seedMilestones(t *testing.T, s store.Store, ms ...MilestoneFact) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	var projectID int64
	var ids []int64
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		p := &types.Project{Name: "Civic Center"}
		if err := tx.InsertProject(ctx, p); err != nil {
			return err
		}
		projectID = p.ID
		for i, f := range ms {
			m := &types.Milestone{ProjectID: p.ID, Name: f.Name, Status: f.Status, Position: i}
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return projectID, ids
}

func setMilestone(t *testing.T, s store.Store, id int64, status types.MilestoneStatus) {
	t.Helper()
	ctx := context.Background()
	if err := s.RunInTx(ctx, func(tx store.Tx) error { return tx.SetMilestoneStatus(ctx, id, status) }); err != nil {
		t.Fatal(err)
	}
}

func storedCompletion(t *testing.T, s store.Store, projectID int64) int {
	t.Helper()
	p, err := s.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	return p.Completion
}

func TestAggregator_RecomputeScenario(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	ctx := context.Background()

	projectID, ids := seedMilestones(t, s,
		fact(StageStudies, types.MilestoneCompleted),
		fact(StageInitialDesign, types.MilestoneCompleted),
		fact(StageDetailedDesign, types.MilestoneInProgress),
	)

	got, err := a.RecomputeCompletion(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 10 || storedCompletion(t, s, projectID) != 10 {
		t.Errorf("completion = %d (stored %d), want 10", got, storedCompletion(t, s, projectID))
	}

	setMilestone(t, s, ids[2], types.MilestoneCompleted)
	got, err = a.RecomputeCompletion(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 30 || storedCompletion(t, s, projectID) != 30 {
		t.Errorf("completion = %d (stored %d), want 30", got, storedCompletion(t, s, projectID))
	}
}

func TestAggregator_AllStagesCompleted(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)

	var ms []MilestoneFact
	for _, name := range DefaultCatalog().Names() {
		ms = append(ms, fact(name, types.MilestoneCompleted))
	}
	projectID, _ := seedMilestones(t, s, ms...)

	got, err := a.RecomputeCompletion(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Errorf("completion = %d, want 100", got)
	}
}

func TestAggregator_Idempotent(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	ctx := context.Background()
	projectID, _ := seedMilestones(t, s,
		fact(StageExecution, types.MilestoneCompleted),
		fact("Custom Phase", types.MilestoneCompleted),
	)

	first, err := a.RecomputeCompletion(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.RecomputeCompletion(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first != 35 {
		t.Errorf("recompute = %d then %d, want 35 twice", first, second)
	}
}

func TestAggregator_ClampsDuplicates(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	projectID, _ := seedMilestones(t, s,
		fact(StageExecution, types.MilestoneCompleted),
		fact(StageExecution, types.MilestoneCompleted),
		fact(StageExecution, types.MilestoneCompleted),
	)

	got, err := a.RecomputeCompletion(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Errorf("completion = %d, want 100", got)
	}
}

func TestAggregator_MissingProject(t *testing.T) {
	a := NewAggregator(newTestStore(t))
	_, err := a.RecomputeCompletion(context.Background(), 42)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregator_CustomCatalog(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s, WithCatalog(DefaultCatalog().Merge(map[string]int{"Custom Phase": 50})))
	projectID, _ := seedMilestones(t, s, fact("Custom Phase", types.MilestoneCompleted))

	got, err := a.RecomputeCompletion(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got != 50 {
		t.Errorf("completion = %d, want 50", got)
	}
}

func TestAggregator_OnTaskTransition(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	ctx := context.Background()
	projectID, _ := seedMilestones(t, s, fact(StageStudies, types.MilestoneCompleted))

	tests := []struct {
		from, to types.TaskStatus
		want     bool
	}{
		{types.TaskInProgress, types.TaskCompleted, true},
		{types.TaskNotStarted, types.TaskCompleted, true},
		{types.TaskCompleted, types.TaskCompleted, false},
		{types.TaskNotStarted, types.TaskInProgress, false},
		{types.TaskCompleted, types.TaskInProgress, false},
	}
	for _, tt := range tests {
		ran, pct, err := a.OnTaskTransition(ctx, projectID, tt.from, tt.to)
		if err != nil {
			t.Fatal(err)
		}
		if ran != tt.want {
			t.Errorf("%s -> %s: recomputed = %v, want %v", tt.from, tt.to, ran, tt.want)
		}
		if ran && pct != 2 {
			t.Errorf("%s -> %s: completion = %d, want 2", tt.from, tt.to, pct)
		}
	}
}

func TestAggregator_MilestoneRegressionUnderDefaultPolicy(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	ctx := context.Background()
	projectID, ids := seedMilestones(t, s,
		fact(StageStudies, types.MilestoneCompleted),
		fact(StageInitialDesign, types.MilestoneCompleted),
	)
	if _, err := a.RecomputeCompletion(ctx, projectID); err != nil {
		t.Fatal(err)
	}

	setMilestone(t, s, ids[1], types.MilestoneInProgress)
	ran, _, err := milestoneTransition(t, s, a, projectID, types.MilestoneCompleted, types.MilestoneInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("milestone change must not recompute under task_completed policy")
	}
	if got := storedCompletion(t, s, projectID); got != 10 {
		t.Errorf("stored completion = %d, want 10 until the next task completion", got)
	}

	// The next task completion recomputes from the full snapshot and drops the weight.
	if _, _, err := a.OnTaskTransition(ctx, projectID, types.TaskInProgress, types.TaskCompleted); err != nil {
		t.Fatal(err)
	}
	if got := storedCompletion(t, s, projectID); got != 2 {
		t.Errorf("stored completion = %d, want 2", got)
	}
}

// milestoneTransition reports a milestone change in its own transaction.
func milestoneTransition(t *testing.T, s store.Store, a *Aggregator, projectID int64, from, to types.MilestoneStatus) (ran bool, pct int, err error) {
	t.Helper()
	err = s.RunInTx(context.Background(), func(tx store.Tx) error {
		var txErr error
		ran, pct, txErr = a.OnMilestoneTransitionTx(context.Background(), tx, projectID, from, to)
		return txErr
	})
	return ran, pct, err
}

func TestAggregator_MilestoneChangePolicy(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s, WithPolicy(TriggerMilestoneChange))
	projectID, ids := seedMilestones(t, s, fact(StageExecution, types.MilestoneInProgress))

	setMilestone(t, s, ids[0], types.MilestoneCompleted)
	ran, pct, err := milestoneTransition(t, s, a, projectID, types.MilestoneInProgress, types.MilestoneCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if !ran || pct != 35 {
		t.Errorf("recomputed = %v, completion = %d, want true, 35", ran, pct)
	}

	ran, _, _ = milestoneTransition(t, s, a, projectID, types.MilestoneCompleted, types.MilestoneCompleted)
	if ran {
		t.Error("unchanged status should not recompute")
	}
}

func TestAggregator_RecomputeAll(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s)
	p1, _ := seedMilestones(t, s, fact(StageStudies, types.MilestoneCompleted))
	p2, _ := seedMilestones(t, s, fact(StageClosing, types.MilestoneCompleted))

	n, err := a.RecomputeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	if storedCompletion(t, s, p1) != 2 || storedCompletion(t, s, p2) != 3 {
		t.Errorf("stored = %d, %d", storedCompletion(t, s, p1), storedCompletion(t, s, p2))
	}
}

func TestParseTriggerPolicy(t *testing.T) {
	for in, want := range map[string]TriggerPolicy{
		"":                 TriggerTaskCompleted,
		"task_completed":   TriggerTaskCompleted,
		"milestone_change": TriggerMilestoneChange,
	} {
		got, err := ParseTriggerPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseTriggerPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseTriggerPolicy("always"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAggregator_CatalogIsCopy(t *testing.T) {
	a := NewAggregator(newTestStore(t))
	c := a.Catalog()
	c.set(StageExecution, 0)
	if a.Catalog().Weight(StageExecution) != 35 {
		t.Error("Catalog() must return a copy")
	}
	if a.Policy() != TriggerTaskCompleted {
		t.Errorf("default policy = %q", a.Policy())
	}
}

// conflictingStore fails the first conflicts transactions with ErrConflict.
type conflictingStore struct {
	store.Store
	conflicts int
	calls     int
}

func (c *conflictingStore) RunInTx(ctx context.Context, fn func(store.Tx) error) error {
	c.calls++
	if c.conflicts > 0 {
		c.conflicts--
		return fmt.Errorf("database is locked: %w", store.ErrConflict)
	}
	return c.Store.RunInTx(ctx, fn)
}

func TestAggregator_RetriesTransientConflict(t *testing.T) {
	s := newTestStore(t)
	projectID, _ := seedMilestones(t, s, fact(StageStudies, types.MilestoneCompleted))
	cs := &conflictingStore{Store: s, conflicts: 2}
	a := NewAggregator(cs, WithRetry(3, time.Millisecond))

	ran, pct, err := a.OnTaskTransition(context.Background(), projectID, types.TaskInProgress, types.TaskCompleted)
	if err != nil {
		t.Fatalf("OnTaskTransition() error = %v", err)
	}
	if !ran || pct != 2 {
		t.Errorf("recomputed = %v, completion = %d, want true, 2", ran, pct)
	}
	if cs.calls != 3 {
		t.Errorf("RunInTx calls = %d, want 3", cs.calls)
	}
	if got := storedCompletion(t, s, projectID); got != 2 {
		t.Errorf("stored completion = %d, want 2", got)
	}
}

func TestAggregator_RetriesExhausted(t *testing.T) {
	s := newTestStore(t)
	projectID, _ := seedMilestones(t, s, fact(StageStudies, types.MilestoneCompleted))
	cs := &conflictingStore{Store: s, conflicts: 10}
	a := NewAggregator(cs, WithRetry(1, time.Millisecond))

	if _, err := a.RecomputeCompletion(context.Background(), projectID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
	if cs.calls != 2 {
		t.Errorf("RunInTx calls = %d, want 2 (1 + 1 retry)", cs.calls)
	}
}

func TestAggregator_OnMilestoneTransitionTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID, ids := seedMilestones(t, s, fact(StageExecution, types.MilestoneInProgress))

	a := NewAggregator(s, WithPolicy(TriggerMilestoneChange))
	boom := errors.New("later step failed")
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.SetMilestoneStatus(ctx, ids[0], types.MilestoneCompleted); err != nil {
			return err
		}
		ran, pct, err := a.OnMilestoneTransitionTx(ctx, tx, projectID, types.MilestoneInProgress, types.MilestoneCompleted)
		if err != nil {
			return err
		}
		if !ran || pct != 35 {
			t.Errorf("recomputed = %v, completion = %d, want true, 35", ran, pct)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTx error = %v", err)
	}
	if got := storedCompletion(t, s, projectID); got != 0 {
		t.Errorf("stored completion = %d, want 0 after rollback", got)
	}

	def := NewAggregator(s)
	err = s.RunInTx(ctx, func(tx store.Tx) error {
		ran, _, err := def.OnMilestoneTransitionTx(ctx, tx, projectID, types.MilestoneInProgress, types.MilestoneCompleted)
		if ran {
			t.Error("default policy should not recompute on milestone change")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}
