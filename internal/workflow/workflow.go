// Package workflow holds the callers of the ledger and the completion
// aggregator: project-tree creation and task and milestone transitions.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/events"
	"github.com/hyperengineering/muniplan/internal/outbox"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/hyperengineering/muniplan/internal/validation"
)

// MilestoneObserver is told about milestone status changes inside the
// transaction that makes them.
type MilestoneObserver interface {
	OnMilestoneTransitionTx(ctx context.Context, tx store.Tx, projectID int64, from, to types.MilestoneStatus) (bool, int, error)
}

// Dispatcher delivers a committed outbox event.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) error
}

// Service runs project, task and milestone writes.
type Service struct {
	store      store.Store
	dispatcher Dispatcher
	milestones MilestoneObserver
}

// New creates a workflow service. Each task transition into Completed
// writes a TaskCompleted outbox event in the same transaction; dispatcher,
// when set, is asked to deliver it right after commit. Events it cannot
// deliver stay pending for the outbox worker. Either argument may be nil.
func New(s store.Store, dispatcher Dispatcher, milestones MilestoneObserver) *Service {
	return &Service{store: s, dispatcher: dispatcher, milestones: milestones}
}

// CreateProject inserts a project, its milestones and their tasks in one
// transaction and returns the generated ids in input order. Any failure
// leaves nothing behind.
func (s *Service) CreateProject(ctx context.Context, in types.NewProject) (*types.CreatedProject, error) {
	if errs := validation.ValidateNewProject(in); len(errs) > 0 {
		return nil, validation.Errors(errs)
	}

	var created *types.CreatedProject
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		p := &types.Project{
			Name:            in.Name,
			Description:     in.Description,
			BudgetEstimated: in.BudgetEstimated,
			Currency:        in.Currency,
			StartDate:       in.StartDate,
			EndDate:         in.EndDate,
		}
		if err := tx.InsertProject(ctx, p); err != nil {
			return err
		}

		out := &types.CreatedProject{ProjectID: p.ID, Milestones: make([]types.CreatedMilestone, 0, len(in.Milestones))}
		for i, nm := range in.Milestones {
			m := &types.Milestone{
				ProjectID: p.ID,
				Name:      nm.Name,
				Status:    nm.Status,
				Position:  i,
				StartDate: nm.StartDate,
				EndDate:   nm.EndDate,
			}
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}

			cm := types.CreatedMilestone{MilestoneID: m.ID, TaskIDs: make([]int64, 0, len(nm.Tasks))}
			for _, nt := range nm.Tasks {
				milestoneID := m.ID
				task := &types.Task{
					ProjectID:   p.ID,
					MilestoneID: &milestoneID,
					Title:       nt.Title,
					Status:      nt.Status,
					Assignee:    nt.Assignee,
					DueDate:     nt.DueDate,
				}
				if err := tx.InsertTask(ctx, task); err != nil {
					return err
				}
				cm.TaskIDs = append(cm.TaskIDs, task.ID)
			}
			out.Milestones = append(out.Milestones, cm)
		}
		created = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("project created",
		"component", "workflow",
		"action", "create_project",
		"project_id", created.ProjectID,
		"milestones", len(created.Milestones),
	)
	return created, nil
}

// SetTaskStatus changes a task's status. When the task moves into Completed
// from another status, a TaskCompleted event is committed with the change
// and then dispatched.
func (s *Service) SetTaskStatus(ctx context.Context, taskID int64, status types.TaskStatus) (*types.Task, error) {
	if verr := validation.ValidateTaskStatus("status", status); verr != nil {
		return nil, validation.Errors{*verr}
	}

	var task *types.Task
	var pending *types.OutboxEvent
	var evt events.TaskCompleted
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		pending = nil
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status == status {
			task = t
			return nil
		}
		if err := tx.SetTaskStatus(ctx, taskID, status); err != nil {
			return err
		}
		if status == types.TaskCompleted {
			evt = events.NewTaskCompleted(t.ID, t.ProjectID)
			e, err := outbox.NewTaskCompletedEvent(evt)
			if err != nil {
				return err
			}
			if err := tx.InsertOutboxEvent(ctx, e); err != nil {
				return err
			}
			pending = e
		}
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if pending != nil && s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, pending.ID); err != nil {
			slog.Warn("task completion delivery deferred",
				"component", "workflow",
				"action", "dispatch",
				"task_id", task.ID,
				"project_id", task.ProjectID,
				"event_id", evt.EventID,
				"outbox_id", pending.ID,
				"error", err,
			)
		}
	}
	return task, nil
}

// SetMilestoneStatus changes a milestone's status. The milestone observer
// runs in the same transaction, and its failure rolls the change back.
func (s *Service) SetMilestoneStatus(ctx context.Context, milestoneID int64, status types.MilestoneStatus) (*types.Milestone, error) {
	if verr := validation.ValidateMilestoneStatus("status", status); verr != nil {
		return nil, validation.Errors{*verr}
	}

	var milestone *types.Milestone
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		from := m.Status
		if from != status {
			if err := tx.SetMilestoneStatus(ctx, milestoneID, status); err != nil {
				return err
			}
			m.Status = status
			m.UpdatedAt = time.Now().UTC()
		}
		if s.milestones != nil {
			if _, _, err := s.milestones.OnMilestoneTransitionTx(ctx, tx, m.ProjectID, from, status); err != nil {
				return err
			}
		}
		milestone = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return milestone, nil
}
