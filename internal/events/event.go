// Package events carries task-completed events from the workflow layer to
// the completion aggregator, in process or through RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/muniplan/internal/validation"
	"github.com/oklog/ulid/v2"
)

// RoutingKeyTaskCompleted is the AMQP routing key of TaskCompleted events.
const RoutingKeyTaskCompleted = "task.completed"

// TaskCompleted announces that a task entered the Completed status.
type TaskCompleted struct {
	EventID     string    `json:"event_id"`
	TaskID      int64     `json:"task_id"`
	ProjectID   int64     `json:"project_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewTaskCompleted creates an event with a fresh ULID.
func NewTaskCompleted(taskID, projectID int64) TaskCompleted {
	return TaskCompleted{
		EventID:     ulid.Make().String(),
		TaskID:      taskID,
		ProjectID:   projectID,
		CompletedAt: time.Now().UTC(),
	}
}

// Validate checks the fields a consumer relies on.
func (e TaskCompleted) Validate() error {
	c := &validation.Collector{}
	c.Add(validation.ValidateULID("event_id", e.EventID))
	if e.TaskID <= 0 {
		c.Add(&validation.ValidationError{Field: "task_id", Message: "must be positive"})
	}
	if e.ProjectID <= 0 {
		c.Add(&validation.ValidationError{Field: "project_id", Message: "must be positive"})
	}
	return c.Err()
}

// DecodeTaskCompleted parses and validates a JSON payload.
func DecodeTaskCompleted(body []byte) (TaskCompleted, error) {
	var e TaskCompleted
	if err := json.Unmarshal(body, &e); err != nil {
		return TaskCompleted{}, fmt.Errorf("decode task completed event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return TaskCompleted{}, err
	}
	return e, nil
}

// Handler processes a TaskCompleted event.
type Handler interface {
	Handle(ctx context.Context, evt TaskCompleted) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt TaskCompleted) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt TaskCompleted) error {
	return f(ctx, evt)
}

// Notifier delivers TaskCompleted events.
type Notifier interface {
	Notify(ctx context.Context, evt TaskCompleted) error
}

// Direct delivers events synchronously to a handler in the same process.
type Direct struct {
	Handler Handler
}

// Notify invokes the handler.
func (d Direct) Notify(ctx context.Context, evt TaskCompleted) error {
	return d.Handler.Handle(ctx, evt)
}
