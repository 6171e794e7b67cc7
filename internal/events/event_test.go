package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hyperengineering/muniplan/internal/validation"
)

func TestNewTaskCompleted(t *testing.T) {
	a := NewTaskCompleted(7, 3)
	b := NewTaskCompleted(7, 3)

	if a.TaskID != 7 || a.ProjectID != 3 {
		t.Errorf("ids = %d/%d, want 7/3", a.TaskID, a.ProjectID)
	}
	if a.EventID == b.EventID {
		t.Error("expected distinct event ids")
	}
	if a.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestDecodeTaskCompleted(t *testing.T) {
	evt := NewTaskCompleted(1, 2)
	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeTaskCompleted(body)
	if err != nil {
		t.Fatalf("DecodeTaskCompleted() error = %v", err)
	}
	if got.EventID != evt.EventID || got.TaskID != 1 || got.ProjectID != 2 {
		t.Errorf("decoded = %+v, want %+v", got, evt)
	}
}

func TestDecodeTaskCompleted_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing event id", `{"task_id":1,"project_id":2}`},
		{"bad event id", `{"event_id":"nope","task_id":1,"project_id":2}`},
		{"zero task", `{"event_id":"01ARZ3NDEKTSV4RRFFQ69G5FAV","task_id":0,"project_id":2}`},
		{"negative project", `{"event_id":"01ARZ3NDEKTSV4RRFFQ69G5FAV","task_id":1,"project_id":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTaskCompleted([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecodeTaskCompleted_ValidationErrorType(t *testing.T) {
	_, err := DecodeTaskCompleted([]byte(`{"event_id":"","task_id":1,"project_id":1}`))
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("error = %T, want validation.Errors", err)
	}
	if verrs[0].Field != "event_id" {
		t.Errorf("field = %q, want event_id", verrs[0].Field)
	}
}

func TestDirect_Notify(t *testing.T) {
	var got TaskCompleted
	d := Direct{Handler: HandlerFunc(func(_ context.Context, evt TaskCompleted) error {
		got = evt
		return nil
	})}

	evt := NewTaskCompleted(4, 5)
	if err := d.Notify(context.Background(), evt); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.EventID != evt.EventID {
		t.Errorf("handler got %q, want %q", got.EventID, evt.EventID)
	}
}

func TestDirect_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	d := Direct{Handler: HandlerFunc(func(context.Context, TaskCompleted) error { return want })}
	if err := d.Notify(context.Background(), NewTaskCompleted(1, 1)); !errors.Is(err, want) {
		t.Errorf("Notify() = %v, want %v", err, want)
	}
}
