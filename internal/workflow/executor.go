package workflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/model"
)

// transit moves the instance along tr on behalf of task's owner. It is the
// single path through which the current node changes.
func (e *Engine) transit(ctx context.Context, a *action, task model.Task, tr model.Transition, auto bool) error {
	// 1. Legality.
	if err := a.checkActionable(task); err != nil {
		return err
	}
	if tr.Input != a.inst.CurNode {
		return model.NewInvalidStateError(fmt.Sprintf(
			"transition %q does not leave node %q", tr.ID, a.inst.CurNode))
	}
	from, err := a.node(a.inst.CurNode)
	if err != nil {
		return err
	}
	to, err := a.node(tr.Output)
	if err != nil {
		return err
	}
	submitting := !from.IsSubmitted()

	// 2. Complete the acting task.
	if _, err := a.completeTask(ctx, task); err != nil {
		return err
	}

	// 3. Advance.
	a.inst.CurNode = to.ID
	a.dirty = true
	observability.AddTransitionEvent(ctx, tr.ID, from.ID, to.ID, task.User, auto)

	// 4. Record the event.
	ext := maps.Clone(a.input.ExtData)
	desc := a.input.Desc
	if auto {
		ext = map[string]any{"auto": true}
		desc = ""
	}
	if tr.EdgeKind() == model.KindGiveUp {
		if ext == nil {
			ext = map[string]any{}
		}
		ext["action"] = string(model.KindGiveUp)
	}
	taskID := task.ID
	if err := a.appendEvent(ctx, model.Event{
		ActType: actTypeFor(tr),
		ActName: tr.Label(),
		OldNode: from.ID,
		NewNode: to.ID,
		TaskID:  &taskID,
		Desc:    desc,
		ExtData: ext,
	}); err != nil {
		return err
	}

	// 5. Close the other open tasks left at the old node.
	if err := a.closeOpenTasks(ctx, from.ID); err != nil {
		return err
	}

	// 6. Timestamps.
	if submitting {
		start := a.now
		a.inst.StartTime = &start
		a.inst.EndTime = nil
	}
	if to.IsTerminal() {
		end := a.now
		a.inst.EndTime = &end
		a.closed = to.Status
	}

	// 7. Spawn follow-on tasks.
	if to.AwaitsOperators() {
		if err := e.spawnTasks(ctx, a, to); err != nil {
			return err
		}
	}

	// 8. Hooks.
	if err := e.runHooks(ctx, a, from, to, submitting); err != nil {
		return err
	}

	// 9. Auto-agree chaining.
	if submitting || tr.IsAgree {
		return e.autoAgree(ctx, a)
	}
	return nil
}

// checkActionable verifies that a.user may act on task now.
func (a *action) checkActionable(task model.Task) error {
	switch {
	case task.InstanceID != a.inst.ID:
		return model.NewInvalidStateError(fmt.Sprintf(
			"task %d does not belong to instance %d", task.ID, a.inst.ID))
	case !task.IsProcessing():
		return model.NewConflictError(fmt.Sprintf("task %d is already completed", task.ID))
	case task.NodeID != a.inst.CurNode:
		return model.NewInvalidStateError(fmt.Sprintf(
			"task %d is at node %q, instance is at %q", task.ID, task.NodeID, a.inst.CurNode))
	case task.IsHold:
		return model.NewInvalidStateError(fmt.Sprintf("task %d is on hold", task.ID))
	case !task.OwnedBy(a.user):
		return model.NewForbiddenError(fmt.Sprintf("user %q is not assigned task %d", a.user, task.ID))
	}
	return nil
}

func (a *action) node(id string) (model.Node, error) {
	n, ok := a.proc.Node(id)
	if !ok {
		return model.Node{}, model.NewConfigurationError(fmt.Sprintf(
			"process %q has no node %q", a.proc.ID, id))
	}
	return n, nil
}

// actTypeFor maps an edge to the type of the event recording it.
func actTypeFor(tr model.Transition) model.ActType {
	switch tr.EdgeKind() {
	case model.KindReject:
		return model.ActReject
	case model.KindBack:
		return model.ActBack
	case model.KindRollback:
		return model.ActRollback
	case model.KindCancel, model.KindGiveUp:
		return model.ActCancel
	}
	if tr.IsAgree {
		return model.ActAgree
	}
	return model.ActTransition
}

func (e *Engine) runHooks(ctx context.Context, a *action, from, to model.Node, submitting bool) error {
	if err := a.obj.OnDoTransition(ctx, a.inst, from, to); err != nil {
		return model.NewHookError("on_do_transition", err)
	}
	if submitting {
		if err := a.obj.OnSubmit(ctx, a.inst); err != nil {
			return model.NewHookError("on_submit", err)
		}
	}
	switch {
	case to.IsSuccess():
		if err := a.obj.OnComplete(ctx, a.inst); err != nil {
			return model.NewHookError("on_complete", err)
		}
	case to.IsFailure():
		if err := a.obj.OnFail(ctx, a.inst); err != nil {
			return model.NewHookError("on_fail", err)
		}
	}
	return nil
}

// spawnTasks creates one task per assignee of node.
func (e *Engine) spawnTasks(ctx context.Context, a *action, node model.Node) error {
	users, err := e.policy.Assignees(ctx, a.proc, node, a.inst)
	if err != nil {
		return err
	}
	users = dedupeUsers(users)
	if len(users) == 0 {
		return model.NewConfigurationError(fmt.Sprintf(
			"node %q of process %q resolves to no assignee", node.ID, a.proc.ID))
	}
	for _, u := range users {
		if _, err := a.createTask(ctx, node.ID, u); err != nil {
			return err
		}
	}
	return nil
}

// autoAgree takes the single auto-agree edge of the current node when its
// assignees have already agreed, repeating through transit until no edge
// qualifies.
func (e *Engine) autoAgree(ctx context.Context, a *action) error {
	node, err := a.node(a.inst.CurNode)
	if err != nil || !node.AwaitsOperators() {
		return err
	}
	edges := a.proc.AgreeTransitions(node.ID, true)
	if len(edges) != 1 {
		return nil
	}

	open, err := a.tx.ListTasks(ctx, TaskFilter{
		InstanceID: a.inst.ID,
		NodeID:     node.ID,
		Status:     model.TaskProcessing,
	})
	if err != nil || len(open) == 0 {
		return err
	}
	agreed, err := a.agreedUsers(ctx)
	if err != nil {
		return err
	}

	var (
		actor string
		task  model.Task
		found bool
	)
	for _, t := range open {
		who := agreedOwner(t, agreed)
		if who == "" || t.IsHold {
			if node.Mode() == model.ApprovalAll {
				return nil
			}
			continue
		}
		if !found {
			actor, task, found = who, t, true
		}
	}
	if !found {
		return nil
	}

	if a.autoAgreed >= e.chainLimit {
		return model.NewConfigurationError(fmt.Sprintf(
			"auto-agree chain in process %q exceeds %d transitions", a.proc.ID, e.chainLimit))
	}
	a.autoAgreed++

	caller := a.user
	a.user = actor
	err = e.transit(ctx, a, task, edges[0], true)
	a.user = caller
	return err
}

// agreedOwner returns whichever of t's users has agreed, primary first.
func agreedOwner(t model.Task, agreed map[string]bool) string {
	if agreed[t.User] {
		return t.User
	}
	if t.AgentUser != "" && agreed[t.AgentUser] {
		return t.AgentUser
	}
	return ""
}

// agreedUsers collects the actors of agree events recorded since the last
// event that resets agreement.
func (a *action) agreedUsers(ctx context.Context) (map[string]bool, error) {
	events, err := a.tx.ListEvents(ctx, a.inst.ID, EventFilter{})
	if err != nil {
		return nil, err
	}
	return agreedSinceReset(events), nil
}

// agreedSinceReset expects events newest first.
func agreedSinceReset(events []model.Event) map[string]bool {
	agreed := make(map[string]bool)
	for _, ev := range events {
		if ev.ActType.ResetsAgreement() {
			break
		}
		if ev.ActType == model.ActAgree {
			agreed[ev.User] = true
		}
	}
	return agreed
}

// --- unit-of-work helpers ---

func (a *action) appendEvent(ctx context.Context, ev model.Event) error {
	ev.InstanceID = a.inst.ID
	ev.CreateTime = a.now
	if ev.User == "" {
		ev.User = a.user
	}
	saved, err := a.tx.AppendEvent(ctx, ev)
	if err != nil {
		return err
	}
	a.result.Events = append(a.result.Events, saved)
	return nil
}

func (a *action) createTask(ctx context.Context, nodeID, user string) (model.Task, error) {
	t, err := a.tx.CreateTask(ctx, model.Task{
		InstanceID: a.inst.ID,
		NodeID:     nodeID,
		User:       user,
		Status:     model.TaskProcessing,
		CreateTime: a.now,
	})
	if err != nil {
		return model.Task{}, err
	}
	a.result.NewTasks = append(a.result.NewTasks, t)
	return t, nil
}

// saveTask writes t and keeps the action's copy of new tasks current.
func (a *action) saveTask(ctx context.Context, t model.Task) (model.Task, error) {
	saved, err := a.tx.UpdateTask(ctx, t)
	if err != nil {
		return model.Task{}, err
	}
	for i := range a.result.NewTasks {
		if a.result.NewTasks[i].ID == saved.ID {
			a.result.NewTasks[i] = saved
		}
	}
	return saved, nil
}

func (a *action) completeTask(ctx context.Context, t model.Task) (model.Task, error) {
	received := a.now
	t.Status = model.TaskCompleted
	t.ReceiveTime = &received
	return a.saveTask(ctx, t)
}

func (a *action) closeOpenTasks(ctx context.Context, nodeID string) error {
	open, err := a.tx.ListTasks(ctx, TaskFilter{
		InstanceID: a.inst.ID,
		NodeID:     nodeID,
		Status:     model.TaskProcessing,
	})
	if err != nil {
		return err
	}
	for _, t := range open {
		t.Status = model.TaskCompleted
		if _, err := a.saveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
