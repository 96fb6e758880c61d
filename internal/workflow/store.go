package workflow

import (
	"context"

	"github.com/pitabwire/procflow/model"
)

// Reader is the read side shared by stores and open transactions.
type Reader interface {
	// GetInstance retrieves an instance by ID. Returns NOT_FOUND if missing.
	GetInstance(ctx context.Context, id int64) (model.ProcessInstance, error)

	// FindInstanceByObject returns the instance attached to a workflow
	// object. Returns NOT_FOUND if the object has none.
	FindInstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error)

	// FindInstances lists instances matching the filter, newest first.
	FindInstances(ctx context.Context, filter InstanceFilter) ([]model.ProcessInstance, error)

	// GetTask retrieves a task by ID. Returns NOT_FOUND if missing.
	GetTask(ctx context.Context, id int64) (model.Task, error)

	// ListTasks lists tasks matching the filter in creation order.
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)

	// ListEvents lists an instance's events ordered by (create_time, id)
	// descending.
	ListEvents(ctx context.Context, instanceID int64, filter EventFilter) ([]model.Event, error)
}

// Tx is a unit of work. Everything written through a Tx becomes visible
// together when the surrounding RunInTx returns nil, and not at all otherwise.
type Tx interface {
	Reader

	// LockInstance loads an instance and holds it exclusively until the
	// transaction ends.
	LockInstance(ctx context.Context, id int64) (model.ProcessInstance, error)

	// CreateInstance assigns an ID and version 1. Returns CONFLICT if the
	// object already owns an instance.
	CreateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error)

	// UpdateInstance writes inst if its version matches the stored one and
	// returns it with the version bumped. Returns CONFLICT otherwise.
	UpdateInstance(ctx context.Context, inst model.ProcessInstance) (model.ProcessInstance, error)

	// CreateTask assigns an ID and version 1.
	CreateTask(ctx context.Context, task model.Task) (model.Task, error)

	// UpdateTask has the same optimistic semantics as UpdateInstance.
	UpdateTask(ctx context.Context, task model.Task) (model.Task, error)

	// AppendEvent assigns an ID and stores the event.
	AppendEvent(ctx context.Context, event model.Event) (model.Event, error)

	// DeleteInstance removes an instance with its tasks and events.
	DeleteInstance(ctx context.Context, id int64) error
}

// Store persists instances, tasks and events.
type Store interface {
	Reader

	// RunInTx runs fn in a transaction, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// InstanceFilter are optional filters for listing instances.
type InstanceFilter struct {
	ProcessID  string
	NodeID     string
	CreateUser string
	Limit      int
	Offset     int
}

// TaskFilter are optional filters for listing tasks. A zero InstanceID
// matches every instance; User matches primary or delegate.
type TaskFilter struct {
	InstanceID  int64
	NodeID      string
	Status      model.TaskStatus
	User        string
	ExcludeHeld bool
}

// Match reports whether t satisfies the filter.
func (f TaskFilter) Match(t model.Task) bool {
	if f.InstanceID != 0 && t.InstanceID != f.InstanceID {
		return false
	}
	if f.NodeID != "" && t.NodeID != f.NodeID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.User != "" && !t.OwnedBy(f.User) {
		return false
	}
	return !(f.ExcludeHeld && t.IsHold)
}

// EventFilter narrows ListEvents. Limit 0 means all.
type EventFilter struct {
	ActTypes []model.ActType
	Limit    int
}
