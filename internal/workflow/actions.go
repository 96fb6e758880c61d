package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/model"
)

// CreateRequest attaches a new process instance to a workflow object.
type CreateRequest struct {
	Object model.ObjectRef
	// Process is a process ID or code.
	Process  string
	Property model.Property
	User     string
	// Submit runs Submit in the same unit of work.
	Submit bool
	Input  model.ActionInput
}

// ExecuteRequest takes a specific transition on behalf of a task owner.
type ExecuteRequest struct {
	User         string
	InstanceID   int64
	TaskID       int64
	TransitionID string
	Input        model.ActionInput
}

// AssignRequest reassigns a task. An empty User keeps the current one.
type AssignRequest struct {
	User      string `json:"user"`
	AgentUser string `json:"agent_user"`
}

// CreateInstance creates a numbered instance at the draft node, binds it to
// its object and optionally submits it.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (model.ActionResult, error) {
	proc, ok := e.registry.Process(req.Process)
	if !ok {
		proc, ok = e.registry.ProcessByCode(req.Process)
	}
	if !ok {
		return model.ActionResult{}, model.NewNotFoundError(fmt.Sprintf("process %q not found", req.Process))
	}
	if err := validateCreate(&req); err != nil {
		return model.ActionResult{}, err
	}
	draft, ok := proc.DraftNode()
	if !ok {
		return model.ActionResult{}, model.NewConfigurationError(fmt.Sprintf("process %q has no draft node", proc.ID))
	}

	start := time.Now()
	scope := &observability.ActionScope{Action: "create", ProcessID: proc.ID}
	ctx = observability.WithActionScope(ctx, scope)
	ctx, span := observability.StartActionSpan(ctx, scope, req.User)

	var a *action
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		obj, err := e.objects.Resolve(ctx, req.Object)
		if err != nil {
			return err
		}
		now := e.now()

		// 1. Store without a number to obtain the ID.
		inst, err := tx.CreateInstance(ctx, model.ProcessInstance{
			ProcessID:  proc.ID,
			Property:   req.Property,
			CreateUser: req.User,
			Object:     req.Object,
			CreateTime: now,
			CurNode:    draft.ID,
		})
		if err != nil {
			return err
		}
		scope.InstanceID = inst.ID

		// 2. Number it and take the object's creation time.
		inst, _ = AssignNumber(proc, inst)
		if created := obj.ProcessCreateTime(ctx); !created.IsZero() {
			inst.CreateTime = created.UTC()
		}

		a = &action{
			name:  "create",
			user:  req.User,
			tx:    tx,
			proc:  proc,
			inst:  inst,
			obj:   obj,
			input: req.Input,
			now:   now,
			dirty: true,
		}

		// 3. Bind the object.
		if b, ok := obj.(InstanceBinder); ok {
			if err := b.BindInstance(ctx, inst.ID); err != nil {
				return model.NewHookError("bind_instance", err)
			}
		}

		// 4. Submit.
		if req.Submit {
			if err := e.submit(ctx, a); err != nil {
				return err
			}
		}
		return a.flush(ctx)
	})

	result, err := e.finish(ctx, span, start, "create", a, err)
	if err == nil && e.metrics != nil {
		e.metrics.RecordInstanceCreated(proc.ID)
	}
	return result, err
}

func validateCreate(req *CreateRequest) error {
	var details []model.FieldError
	if req.Object.Type == "" || req.Object.ID == "" {
		details = append(details, model.FieldError{Field: "object", Code: "required", Message: "object type and id are required"})
	}
	if req.User == "" {
		details = append(details, model.FieldError{Field: "user", Code: "required", Message: "user is required"})
	}
	if req.Property == "" {
		req.Property = model.PropertyNormal
	} else if !req.Property.Valid() {
		details = append(details, model.FieldError{Field: "property", Code: "invalid", Message: fmt.Sprintf("unknown property %q", req.Property)})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Submit moves a draft, rejected or given-up instance along the first edge
// of its current node. An already submitted instance is left as it is. An
// empty user acts as the creator.
func (e *Engine) Submit(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "submit", user, instanceID, input, e.submit)
}

func (e *Engine) submit(ctx context.Context, a *action) error {
	cur, err := a.node(a.inst.CurNode)
	if err != nil {
		return err
	}
	if cur.IsSubmitted() {
		return nil
	}
	if a.user == "" {
		a.user = a.inst.CreateUser
	}
	edges := a.proc.OutboundTransitions(cur.ID, false, false)
	if len(edges) == 0 {
		return model.NewConfigurationError(fmt.Sprintf(
			"process %q has no transition from node %q", a.proc.ID, cur.ID))
	}
	task, err := a.createTask(ctx, cur.ID, a.user)
	if err != nil {
		return err
	}
	return e.transit(ctx, a, task, edges[0], false)
}

// Execute takes the named transition with the given task. Agree edges keep
// the node's approval mode.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (model.ActionResult, error) {
	return e.run(ctx, "execute", req.User, req.InstanceID, req.Input, func(ctx context.Context, a *action) error {
		task, err := a.tx.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		tr, ok := a.proc.Transition(req.TransitionID)
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf(
				"process %q has no transition %q", a.proc.ID, req.TransitionID))
		}
		if tr.IsAgree {
			return e.agree(ctx, a, task, tr)
		}
		return e.transit(ctx, a, task, tr, false)
	})
}

// Agree takes the first agree edge of the task's node. Under approval mode
// all, the edge waits until every open task at the node has agreed.
func (e *Engine) Agree(ctx context.Context, user string, taskID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "agree", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		if err := a.checkActionable(task); err != nil {
			return err
		}
		tr, ok := a.proc.AgreeTransition(a.inst.CurNode)
		if !ok {
			return model.NewConfigurationError(fmt.Sprintf(
				"process %q has no agree transition from node %q", a.proc.ID, a.inst.CurNode))
		}
		return e.agree(ctx, a, task, tr)
	})
}

func (e *Engine) agree(ctx context.Context, a *action, task model.Task, tr model.Transition) error {
	if err := a.checkActionable(task); err != nil {
		return err
	}
	if tr.Input != a.inst.CurNode {
		return model.NewInvalidStateError(fmt.Sprintf(
			"transition %q does not leave node %q", tr.ID, a.inst.CurNode))
	}
	node, err := a.node(a.inst.CurNode)
	if err != nil {
		return err
	}
	if node.Mode() == model.ApprovalAll {
		open, err := a.tx.ListTasks(ctx, TaskFilter{
			InstanceID: a.inst.ID,
			NodeID:     node.ID,
			Status:     model.TaskProcessing,
		})
		if err != nil {
			return err
		}
		if len(open) > 1 {
			// Others still have to agree: record this one without moving.
			if _, err := a.completeTask(ctx, task); err != nil {
				return err
			}
			taskID := task.ID
			return a.appendEvent(ctx, model.Event{
				ActType: model.ActAgree,
				ActName: tr.Label(),
				OldNode: node.ID,
				NewNode: node.ID,
				TaskID:  &taskID,
				Desc:    a.input.Desc,
				ExtData: a.input.ExtData,
			})
		}
	}
	return e.transit(ctx, a, task, tr, false)
}

// Reject takes the reject edge of the task's node.
func (e *Engine) Reject(ctx context.Context, user string, taskID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "reject", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		if err := a.checkActionable(task); err != nil {
			return err
		}
		tr, err := a.proc.RejectTransition(a.inst.CurNode)
		if err != nil {
			return err
		}
		return e.transit(ctx, a, task, tr, false)
	})
}

// BackTo takes the back edge of the task's node, to target when given.
func (e *Engine) BackTo(ctx context.Context, user string, taskID int64, target string, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "back", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		if err := a.checkActionable(task); err != nil {
			return err
		}
		tr, err := a.proc.BackToTransition(a.inst.CurNode, target)
		if err != nil {
			return err
		}
		return e.transit(ctx, a, task, tr, false)
	})
}

// Rollback takes the rollback edge of the current node. Only the user who
// moved the instance into that node may roll it back.
func (e *Engine) Rollback(ctx context.Context, user string, instanceID int64, target string, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "rollback", user, instanceID, input, func(ctx context.Context, a *action) error {
		events, err := a.tx.ListEvents(ctx, a.inst.ID, EventFilter{})
		if err != nil {
			return err
		}
		var mover string
		for _, ev := range events {
			if ev.OldNode != ev.NewNode && ev.NewNode == a.inst.CurNode {
				mover = ev.User
				break
			}
		}
		if mover == "" || mover != user {
			return model.NewForbiddenError(fmt.Sprintf(
				"user %q did not move instance %d to node %q", user, a.inst.ID, a.inst.CurNode))
		}
		tr, err := a.proc.RollbackTransition(a.inst.CurNode, target)
		if err != nil {
			return err
		}
		task, err := a.createTask(ctx, a.inst.CurNode, user)
		if err != nil {
			return err
		}
		return e.transit(ctx, a, task, tr, false)
	})
}

// GiveUp takes the give-up edge of the current node. Creator only.
func (e *Engine) GiveUp(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "give_up", user, instanceID, input, func(ctx context.Context, a *action) error {
		return e.creatorEdge(ctx, a, a.proc.GiveUpTransition)
	})
}

// Cancel takes the cancel edge of the current node. Creator only.
func (e *Engine) Cancel(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "cancel", user, instanceID, input, func(ctx context.Context, a *action) error {
		return e.creatorEdge(ctx, a, a.proc.CancelTransition)
	})
}

func (e *Engine) creatorEdge(ctx context.Context, a *action, lookup func(nodeID string) (model.Transition, error)) error {
	if a.user == "" || a.user != a.inst.CreateUser {
		return model.NewForbiddenError(fmt.Sprintf(
			"only the creator of instance %d may %s it", a.inst.ID, a.name))
	}
	tr, err := lookup(a.inst.CurNode)
	if err != nil {
		return err
	}
	task, err := a.createTask(ctx, a.inst.CurNode, a.user)
	if err != nil {
		return err
	}
	return e.transit(ctx, a, task, tr, false)
}

// Hold parks a task: it stays open but is not actionable.
func (e *Engine) Hold(ctx context.Context, user string, taskID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "hold", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		return a.setHold(ctx, task, true)
	})
}

// Unhold makes a held task actionable again.
func (e *Engine) Unhold(ctx context.Context, user string, taskID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "unhold", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		return a.setHold(ctx, task, false)
	})
}

func (a *action) setHold(ctx context.Context, task model.Task, hold bool) error {
	if err := a.checkOpen(task); err != nil {
		return err
	}
	if task.IsHold == hold {
		return model.NewInvalidStateError(fmt.Sprintf("task %d hold is already %t", task.ID, hold))
	}
	if !task.OwnedBy(a.user) {
		return model.NewForbiddenError(fmt.Sprintf("user %q is not assigned task %d", a.user, task.ID))
	}
	task.IsHold = hold
	if _, err := a.saveTask(ctx, task); err != nil {
		return err
	}
	act := model.ActHold
	if !hold {
		act = model.ActUnhold
	}
	taskID := task.ID
	return a.appendEvent(ctx, model.Event{
		ActType: act,
		ActName: act.Label(),
		OldNode: a.inst.CurNode,
		NewNode: a.inst.CurNode,
		TaskID:  &taskID,
		Desc:    a.input.Desc,
		ExtData: a.input.ExtData,
	})
}

// Assign hands an open task to another user and/or delegate. The task's
// owners and the instance creator may reassign.
func (e *Engine) Assign(ctx context.Context, user string, taskID int64, req AssignRequest, input model.ActionInput) (model.ActionResult, error) {
	return e.runTask(ctx, "assign", user, taskID, input, func(ctx context.Context, a *action, task model.Task) error {
		if req.User == "" && req.AgentUser == "" {
			return model.NewBadRequestError("user or agent_user is required")
		}
		if err := a.checkOpen(task); err != nil {
			return err
		}
		if !task.OwnedBy(a.user) && a.user != a.inst.CreateUser {
			return model.NewForbiddenError(fmt.Sprintf("user %q may not reassign task %d", a.user, task.ID))
		}
		ext := map[string]any{
			"from_user":  task.User,
			"from_agent": task.AgentUser,
		}
		if req.User != "" {
			task.User = req.User
		}
		task.AgentUser = req.AgentUser
		ext["to_user"] = task.User
		ext["to_agent"] = task.AgentUser
		for k, v := range a.input.ExtData {
			if _, taken := ext[k]; !taken {
				ext[k] = v
			}
		}
		if _, err := a.saveTask(ctx, task); err != nil {
			return err
		}
		taskID := task.ID
		return a.appendEvent(ctx, model.Event{
			ActType: model.ActAssign,
			ActName: model.ActAssign.Label(),
			OldNode: a.inst.CurNode,
			NewNode: a.inst.CurNode,
			TaskID:  &taskID,
			Desc:    a.input.Desc,
			ExtData: ext,
		})
	})
}

// checkOpen verifies task is an open task at the current node.
func (a *action) checkOpen(task model.Task) error {
	switch {
	case task.InstanceID != a.inst.ID:
		return model.NewInvalidStateError(fmt.Sprintf(
			"task %d does not belong to instance %d", task.ID, a.inst.ID))
	case !task.IsProcessing():
		return model.NewConflictError(fmt.Sprintf("task %d is already completed", task.ID))
	case task.NodeID != a.inst.CurNode:
		return model.NewInvalidStateError(fmt.Sprintf(
			"task %d is at node %q, instance is at %q", task.ID, task.NodeID, a.inst.CurNode))
	}
	return nil
}

// Comment records a comment on the instance.
func (e *Engine) Comment(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "comment", user, instanceID, input, func(ctx context.Context, a *action) error {
		return a.noteEvent(ctx, model.ActComment)
	})
}

// RecordEdit records that the workflow object was edited and refreshes the
// instance summary.
func (e *Engine) RecordEdit(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error) {
	return e.run(ctx, "edit", user, instanceID, input, func(ctx context.Context, a *action) error {
		return a.noteEvent(ctx, model.ActEdit)
	})
}

func (a *action) noteEvent(ctx context.Context, act model.ActType) error {
	if a.user == "" {
		return model.NewBadRequestError("user is required")
	}
	return a.appendEvent(ctx, model.Event{
		ActType: act,
		ActName: act.Label(),
		OldNode: a.inst.CurNode,
		NewNode: a.inst.CurNode,
		Desc:    a.input.Desc,
		ExtData: a.input.ExtData,
	})
}

// SyncSummary copies the object's current name and summary into the
// instance.
func (e *Engine) SyncSummary(ctx context.Context, instanceID int64) (model.ActionResult, error) {
	return e.run(ctx, "sync_summary", "", instanceID, model.ActionInput{}, func(context.Context, *action) error {
		return nil
	})
}

// DeleteInstance removes an instance with its tasks and events, for use when
// the owning object is deleted. The object itself is not consulted.
func (e *Engine) DeleteInstance(ctx context.Context, instanceID int64) error {
	scope := &observability.ActionScope{Action: "delete", InstanceID: instanceID}
	ctx = observability.WithActionScope(ctx, scope)
	ctx, span := observability.StartActionSpan(ctx, scope, model.Subject(ctx))
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		scope.ProcessID = inst.ProcessID
		return tx.DeleteInstance(ctx, inst.ID)
	})
	observability.EndSpanWithError(span, err)

	logger := observability.RequestLogger(ctx, e.logger)
	if err != nil {
		logger.Warn("workflow instance delete failed", zap.Error(err))
		return err
	}
	logger.Info("workflow instance deleted")
	return nil
}

// runTask runs fn for an action addressed by task ID.
func (e *Engine) runTask(
	ctx context.Context,
	name, user string,
	taskID int64,
	input model.ActionInput,
	fn func(ctx context.Context, a *action, task model.Task) error,
) (model.ActionResult, error) {
	ctx = observability.WithActionScope(ctx, &observability.ActionScope{Action: name, TaskID: taskID})
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return model.ActionResult{}, err
	}
	return e.run(ctx, name, user, task.InstanceID, input, func(ctx context.Context, a *action) error {
		// Re-read under the instance lock.
		current, err := a.tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return fn(ctx, a, current)
	})
}
