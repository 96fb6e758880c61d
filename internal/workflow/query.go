package workflow

import (
	"context"

	"github.com/pitabwire/procflow/model"
)

// Instance returns an instance by ID.
func (e *Engine) Instance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// InstanceByObject returns the instance attached to a workflow object.
func (e *Engine) InstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	return e.store.FindInstanceByObject(ctx, ref)
}

// Instances lists instances, newest first.
func (e *Engine) Instances(ctx context.Context, filter InstanceFilter) ([]model.ProcessInstance, error) {
	return e.store.FindInstances(ctx, filter)
}

// Process returns the process an instance runs.
func (e *Engine) Process(ctx context.Context, instanceID int64) (*model.Process, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.process(inst.ProcessID)
}

// Transitions lists the edges leaving the instance's current node in
// execution order.
func (e *Engine) Transitions(ctx context.Context, instanceID int64, onlyAgree, onlyAutoAgree bool) ([]model.Transition, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	proc, err := e.process(inst.ProcessID)
	if err != nil {
		return nil, err
	}
	return proc.OutboundTransitions(inst.CurNode, onlyAgree, onlyAutoAgree), nil
}

// AgreeTransition returns the first agree edge of the current node.
func (e *Engine) AgreeTransition(ctx context.Context, instanceID int64) (model.Transition, bool, error) {
	ts, err := e.Transitions(ctx, instanceID, true, false)
	if err != nil || len(ts) == 0 {
		return model.Transition{}, false, err
	}
	return ts[0], true, nil
}

// TodoTasks lists the actionable tasks of an instance: open, not held and at
// the current node. A non-empty user keeps those it owns as primary or
// delegate.
func (e *Engine) TodoTasks(ctx context.Context, instanceID int64, user string) ([]model.Task, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.store.ListTasks(ctx, TaskFilter{
		InstanceID:  inst.ID,
		NodeID:      inst.CurNode,
		Status:      model.TaskProcessing,
		User:        user,
		ExcludeHeld: true,
	})
}

// TodoTask returns the first of TodoTasks.
func (e *Engine) TodoTask(ctx context.Context, instanceID int64, user string) (model.Task, bool, error) {
	tasks, err := e.TodoTasks(ctx, instanceID, user)
	if err != nil || len(tasks) == 0 {
		return model.Task{}, false, err
	}
	return tasks[0], true, nil
}

// Task returns a task by ID.
func (e *Engine) Task(ctx context.Context, id int64) (model.Task, error) {
	return e.store.GetTask(ctx, id)
}

// Tasks lists every task of an instance, held and completed included.
func (e *Engine) Tasks(ctx context.Context, instanceID int64) ([]model.Task, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListTasks(ctx, TaskFilter{InstanceID: instanceID})
}

// Operators lists the users, primary and delegate, of an instance's open
// tasks without repeats.
func (e *Engine) Operators(ctx context.Context, instanceID int64) ([]string, error) {
	tasks, err := e.store.ListTasks(ctx, TaskFilter{InstanceID: instanceID, Status: model.TaskProcessing})
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, 2*len(tasks))
	for _, t := range tasks {
		users = append(users, t.User, t.AgentUser)
	}
	return dedupeUsers(users), nil
}

// IsUserAgreed reports whether user has agreed since the instance was last
// cancelled, rejected or sent back.
func (e *Engine) IsUserAgreed(ctx context.Context, instanceID int64, user string) (bool, error) {
	events, err := e.store.ListEvents(ctx, instanceID, EventFilter{})
	if err != nil {
		return false, err
	}
	return agreedSinceReset(events)[user], nil
}

// Events lists an instance's events, newest first.
func (e *Engine) Events(ctx context.Context, instanceID int64, filter EventFilter) ([]model.Event, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, instanceID, filter)
}

// LastEvent returns the newest event of an instance.
func (e *Engine) LastEvent(ctx context.Context, instanceID int64) (model.Event, bool, error) {
	events, err := e.store.ListEvents(ctx, instanceID, EventFilter{Limit: 1})
	if err != nil || len(events) == 0 {
		return model.Event{}, false, err
	}
	return events[0], true, nil
}

// UserTodo lists the tasks user can act on across all instances.
func (e *Engine) UserTodo(ctx context.Context, user string) ([]model.Task, error) {
	if user == "" {
		return nil, model.NewBadRequestError("user is required")
	}
	tasks, err := e.store.ListTasks(ctx, TaskFilter{
		Status:      model.TaskProcessing,
		User:        user,
		ExcludeHeld: true,
	})
	if err != nil {
		return nil, err
	}
	curNode := make(map[int64]string)
	todo := tasks[:0]
	for _, t := range tasks {
		node, ok := curNode[t.InstanceID]
		if !ok {
			inst, err := e.store.GetInstance(ctx, t.InstanceID)
			if err != nil {
				return nil, err
			}
			node = inst.CurNode
			curNode[t.InstanceID] = node
		}
		if t.NodeID == node {
			todo = append(todo, t)
		}
	}
	return todo, nil
}
