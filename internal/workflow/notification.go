package workflow

import (
	"context"

	"github.com/pitabwire/procflow/model"
)

// NotificationKind names what a notification reports.
type NotificationKind string

const (
	NotifyTaskAssigned   NotificationKind = "task.assigned"
	NotifyInstanceClosed NotificationKind = "instance.closed"
	NotifyEventRecorded  NotificationKind = "event.recorded"
)

// Notification describes one committed change. Task is set for
// task.assigned, Event for event.recorded.
type Notification struct {
	Kind     NotificationKind      `json:"kind"`
	Instance model.ProcessInstance `json:"instance"`
	Task     *model.Task           `json:"task,omitempty"`
	Event    *model.Event          `json:"event,omitempty"`
}

// Notifier receives the notifications of each committed action.
type Notifier interface {
	Notify(ctx context.Context, batch []Notification) error
}

// notifications lists what the action changed: events first, then tasks
// created and still open, then closure.
func (a *action) notifications() []Notification {
	var batch []Notification
	for i := range a.result.Events {
		ev := a.result.Events[i]
		batch = append(batch, Notification{Kind: NotifyEventRecorded, Instance: a.inst, Event: &ev})
	}
	for i := range a.result.NewTasks {
		t := a.result.NewTasks[i]
		if !t.IsProcessing() {
			continue
		}
		batch = append(batch, Notification{Kind: NotifyTaskAssigned, Instance: a.inst, Task: &t})
	}
	if a.closed != "" {
		batch = append(batch, Notification{Kind: NotifyInstanceClosed, Instance: a.inst})
	}
	return batch
}
