// Package storetest holds the behavioural contract every workflow.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) workflow.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func instance(objectID string) model.ProcessInstance {
	return model.ProcessInstance{
		Name:       "Printer on fire",
		ProcessID:  "issue",
		Property:   model.PropertyNormal,
		CreateUser: "alice",
		Object:     model.ObjectRef{Type: "issue", ID: objectID},
		CreateTime: base,
		CurNode:    "draft",
	}
}

func create(t *testing.T, s workflow.Store, inst model.ProcessInstance) model.ProcessInstance {
	t.Helper()
	var out model.ProcessInstance
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx workflow.Tx) error {
		var err error
		out, err = tx.CreateInstance(ctx, inst)
		return err
	})
	require.NoError(t, err)
	return out
}

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateInstance", func(t *testing.T) { testCreateInstance(t, newStore(t)) })
	t.Run("CreateInstance_duplicate_object", func(t *testing.T) { testDuplicateObject(t, newStore(t)) })
	t.Run("GetInstance_not_found", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("UpdateInstance_optimistic", func(t *testing.T) { testUpdateInstance(t, newStore(t)) })
	t.Run("RunInTx_rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Tasks", func(t *testing.T) { testTasks(t, newStore(t)) })
	t.Run("Events_order", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("FindInstances", func(t *testing.T) { testFindInstances(t, newStore(t)) })
	t.Run("DeleteInstance", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Concurrent_transactions", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testCreateInstance(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	require.NotZero(t, inst.ID)
	assert.Equal(t, 1, inst.Version)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue", got.ProcessID)
	assert.Equal(t, model.ObjectRef{Type: "issue", ID: "1"}, got.Object)
	assert.True(t, got.CreateTime.Equal(base))
	assert.Nil(t, got.StartTime)
	assert.Nil(t, got.EndTime)

	byObj, err := s.FindInstanceByObject(ctx, model.ObjectRef{Type: "issue", ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byObj.ID)

	second := create(t, s, instance("2"))
	assert.Greater(t, second.ID, inst.ID)
}

func testDuplicateObject(t *testing.T, s workflow.Store) {
	create(t, s, instance("1"))
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx workflow.Tx) error {
		_, err := tx.CreateInstance(ctx, instance("1"))
		return err
	})
	assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
}

func testNotFound(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	_, err := s.GetInstance(ctx, 999)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "GetInstance err = %v", err)
	_, err = s.GetTask(ctx, 999)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "GetTask err = %v", err)
	_, err = s.FindInstanceByObject(ctx, model.ObjectRef{Type: "issue", ID: "nope"})
	assert.True(t, model.IsCode(err, model.ErrNotFound), "FindInstanceByObject err = %v", err)
}

func testUpdateInstance(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	start := base.Add(time.Minute)

	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		locked, err := tx.LockInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		locked.No = "IS1"
		locked.CurNode = "triage"
		locked.CreateTime = base.Add(-time.Hour)
		locked.StartTime = &start
		updated, err := tx.UpdateInstance(ctx, locked)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, updated.Version)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "IS1", got.No)
	assert.Equal(t, "triage", got.CurNode)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.StartTime)
	assert.True(t, got.StartTime.Equal(start))
	assert.True(t, got.CreateTime.Equal(base.Add(-time.Hour)), "create_time = %v", got.CreateTime)

	// inst still carries version 1.
	err = s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		_, err := tx.UpdateInstance(ctx, inst)
		return err
	})
	assert.True(t, model.IsCode(err, model.ErrConflict), "stale update err = %v", err)
}

func testRollback(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		if _, err := tx.CreateInstance(ctx, instance("2")); err != nil {
			return err
		}
		if _, err := tx.CreateTask(ctx, model.Task{InstanceID: inst.ID, NodeID: "draft", User: "alice", Status: model.TaskProcessing, CreateTime: base}); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, model.Event{InstanceID: inst.ID, User: "alice", ActType: model.ActComment, CreateTime: base}); err != nil {
			return err
		}
		locked, err := tx.LockInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		locked.CurNode = "triage"
		if _, err := tx.UpdateInstance(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FindInstanceByObject(ctx, model.ObjectRef{Type: "issue", ID: "2"})
	assert.True(t, model.IsCode(err, model.ErrNotFound), "rolled back instance visible: %v", err)
	tasks, err := s.ListTasks(ctx, workflow.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	events, err := s.ListEvents(ctx, inst.ID, workflow.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", got.CurNode)
	assert.Equal(t, 1, got.Version)
}

func testTasks(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	other := create(t, s, instance("2"))

	var ids []int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		for _, task := range []model.Task{
			{InstanceID: inst.ID, NodeID: "triage", User: "lead", Status: model.TaskProcessing, CreateTime: base},
			{InstanceID: inst.ID, NodeID: "triage", User: "dev1", AgentUser: "deputy", Status: model.TaskProcessing, CreateTime: base},
			{InstanceID: inst.ID, NodeID: "triage", User: "dev2", Status: model.TaskProcessing, IsHold: true, CreateTime: base},
			{InstanceID: inst.ID, NodeID: "draft", User: "alice", Status: model.TaskCompleted, CreateTime: base},
			{InstanceID: other.ID, NodeID: "triage", User: "lead", Status: model.TaskProcessing, CreateTime: base},
		} {
			created, err := tx.CreateTask(ctx, task)
			if err != nil {
				return err
			}
			assert.Equal(t, 1, created.Version)
			ids = append(ids, created.ID)
		}
		return nil
	})
	require.NoError(t, err)

	count := func(f workflow.TaskFilter) int {
		t.Helper()
		tasks, err := s.ListTasks(ctx, f)
		require.NoError(t, err)
		return len(tasks)
	}
	assert.Equal(t, 4, count(workflow.TaskFilter{InstanceID: inst.ID}))
	assert.Equal(t, 3, count(workflow.TaskFilter{InstanceID: inst.ID, NodeID: "triage", Status: model.TaskProcessing}))
	assert.Equal(t, 2, count(workflow.TaskFilter{InstanceID: inst.ID, NodeID: "triage", Status: model.TaskProcessing, ExcludeHeld: true}))
	assert.Equal(t, 1, count(workflow.TaskFilter{InstanceID: inst.ID, User: "deputy"}))
	assert.Equal(t, 1, count(workflow.TaskFilter{InstanceID: inst.ID, User: "dev1"}))
	assert.Equal(t, 2, count(workflow.TaskFilter{User: "lead", Status: model.TaskProcessing}))

	tasks, err := s.ListTasks(ctx, workflow.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	for i := 1; i < len(tasks); i++ {
		assert.Less(t, tasks[i-1].ID, tasks[i].ID, "tasks not in creation order")
	}

	received := base.Add(time.Hour)
	err = s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		task, err := tx.GetTask(ctx, ids[0])
		if err != nil {
			return err
		}
		task.Status = model.TaskCompleted
		task.ReceiveTime = &received
		updated, err := tx.UpdateTask(ctx, task)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, updated.Version)
		_, err = tx.UpdateTask(ctx, task)
		return err
	})
	assert.True(t, model.IsCode(err, model.ErrConflict), "stale task update err = %v", err)

	// The failed transaction left the task untouched.
	task, err := s.GetTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.TaskProcessing, task.Status)
	assert.Equal(t, 1, task.Version)
}

func testEvents(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))

	taskID := int64(7)
	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		for _, e := range []model.Event{
			{InstanceID: inst.ID, User: "alice", ActType: model.ActTransition, ActName: "Submit", OldNode: "draft", NewNode: "triage", CreateTime: base},
			{InstanceID: inst.ID, User: "lead", ActType: model.ActAgree, ActName: "Accept", OldNode: "triage", NewNode: "fix", TaskID: &taskID, ExtData: map[string]any{"auto": true}, CreateTime: base.Add(time.Second)},
			// Same timestamp as the previous one: id breaks the tie.
			{InstanceID: inst.ID, User: "dev1", ActType: model.ActComment, Desc: "on it", CreateTime: base.Add(time.Second)},
		} {
			if _, err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, inst.ID, workflow.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.ActComment, events[0].ActType)
	assert.Equal(t, model.ActAgree, events[1].ActType)
	assert.Equal(t, model.ActTransition, events[2].ActType)
	require.NotNil(t, events[1].TaskID)
	assert.Equal(t, taskID, *events[1].TaskID)
	assert.Equal(t, true, events[1].ExtData["auto"])
	assert.Nil(t, events[2].TaskID)

	agrees, err := s.ListEvents(ctx, inst.ID, workflow.EventFilter{ActTypes: []model.ActType{model.ActAgree, model.ActTransition}})
	require.NoError(t, err)
	assert.Len(t, agrees, 2)

	latest, err := s.ListEvents(ctx, inst.ID, workflow.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "on it", latest[0].Desc)
}

func testFindInstances(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		create(t, s, instance(id))
	}
	bob := instance("4")
	bob.CreateUser = "bob"
	bob.ProcessID = "leave"
	create(t, s, bob)

	all, err := s.FindInstances(ctx, workflow.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Greater(t, all[0].ID, all[1].ID, "instances not newest first")

	issues, err := s.FindInstances(ctx, workflow.InstanceFilter{ProcessID: "issue"})
	require.NoError(t, err)
	assert.Len(t, issues, 3)

	byBob, err := s.FindInstances(ctx, workflow.InstanceFilter{CreateUser: "bob"})
	require.NoError(t, err)
	assert.Len(t, byBob, 1)

	page, err := s.FindInstances(ctx, workflow.InstanceFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
}

func testDelete(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		if _, err := tx.CreateTask(ctx, model.Task{InstanceID: inst.ID, NodeID: "draft", User: "alice", Status: model.TaskProcessing, CreateTime: base}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, model.Event{InstanceID: inst.ID, User: "alice", ActType: model.ActEdit, CreateTime: base})
		return err
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		return tx.DeleteInstance(ctx, inst.ID)
	})
	require.NoError(t, err)

	_, err = s.GetInstance(ctx, inst.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
	tasks, err := s.ListTasks(ctx, workflow.TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	events, err := s.ListEvents(ctx, inst.ID, workflow.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	err = s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		return tx.DeleteInstance(ctx, inst.ID)
	})
	assert.True(t, model.IsCode(err, model.ErrNotFound), "second delete err = %v", err)
}

// testConcurrent completes the same task from several goroutines; exactly one
// may win.
func testConcurrent(t *testing.T, s workflow.Store) {
	ctx := context.Background()
	inst := create(t, s, instance("1"))
	var taskID int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		task, err := tx.CreateTask(ctx, model.Task{InstanceID: inst.ID, NodeID: "triage", User: "lead", Status: model.TaskProcessing, CreateTime: base})
		taskID = task.ID
		return err
	})
	require.NoError(t, err)

	const workers = 4
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
				if _, err := tx.LockInstance(ctx, inst.ID); err != nil {
					return err
				}
				task, err := tx.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				if !task.IsProcessing() {
					return model.NewConflictError("task already completed")
				}
				task.Status = model.TaskCompleted
				_, err = tx.UpdateTask(ctx, task)
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !model.IsCode(err, model.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
