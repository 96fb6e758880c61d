package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/procflow/model"
)

// memData is one immutable-once-published snapshot of the memory store.
type memData struct {
	instances map[int64]model.ProcessInstance
	tasks     map[int64]model.Task
	events    map[int64][]model.Event // key: instance ID
	nextInst  int64
	nextTask  int64
	nextEvent int64
}

func (d *memData) clone() *memData {
	return &memData{
		instances: maps.Clone(d.instances),
		tasks:     maps.Clone(d.tasks),
		events:    maps.Clone(d.events),
		nextInst:  d.nextInst,
		nextTask:  d.nextTask,
		nextEvent: d.nextEvent,
	}
}

// MemoryStore is an in-memory Store. Transactions run one at a time against a
// private copy that replaces the published snapshot on commit.
type MemoryStore struct {
	writer sync.Mutex
	mu     sync.RWMutex
	data   *memData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		instances: make(map[int64]model.ProcessInstance),
		tasks:     make(map[int64]model.Task),
		events:    make(map[int64][]model.Event),
	}}
}

func (s *MemoryStore) snapshot() *memData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// RunInTx runs fn against a private copy and publishes it if fn succeeds.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.writer.Lock()
	defer s.writer.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{memReader{data: s.snapshot().clone()}}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryStore) GetInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	return memReader{data: s.snapshot()}.GetInstance(ctx, id)
}

// FindInstanceByObject returns the instance attached to ref.
func (s *MemoryStore) FindInstanceByObject(ctx context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	return memReader{data: s.snapshot()}.FindInstanceByObject(ctx, ref)
}

// FindInstances lists instances matching the filter.
func (s *MemoryStore) FindInstances(ctx context.Context, filter InstanceFilter) ([]model.ProcessInstance, error) {
	return memReader{data: s.snapshot()}.FindInstances(ctx, filter)
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, id int64) (model.Task, error) {
	return memReader{data: s.snapshot()}.GetTask(ctx, id)
}

// ListTasks lists tasks matching the filter.
func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	return memReader{data: s.snapshot()}.ListTasks(ctx, filter)
}

// ListEvents lists an instance's events newest first.
func (s *MemoryStore) ListEvents(ctx context.Context, instanceID int64, filter EventFilter) ([]model.Event, error) {
	return memReader{data: s.snapshot()}.ListEvents(ctx, instanceID, filter)
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	return len(s.snapshot().instances)
}

type memReader struct {
	data *memData
}

func (r memReader) GetInstance(_ context.Context, id int64) (model.ProcessInstance, error) {
	inst, ok := r.data.instances[id]
	if !ok {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("process instance %d not found", id))
	}
	return inst, nil
}

func (r memReader) FindInstanceByObject(_ context.Context, ref model.ObjectRef) (model.ProcessInstance, error) {
	for _, inst := range r.data.instances {
		if inst.Object == ref {
			return inst, nil
		}
	}
	return model.ProcessInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no process instance for %s %s", ref.Type, ref.ID),
	)
}

func (r memReader) FindInstances(_ context.Context, filter InstanceFilter) ([]model.ProcessInstance, error) {
	var result []model.ProcessInstance
	for _, inst := range r.data.instances {
		if filter.ProcessID != "" && inst.ProcessID != filter.ProcessID {
			continue
		}
		if filter.NodeID != "" && inst.CurNode != filter.NodeID {
			continue
		}
		if filter.CreateUser != "" && inst.CreateUser != filter.CreateUser {
			continue
		}
		result = append(result, inst)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []model.ProcessInstance{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r memReader) GetTask(_ context.Context, id int64) (model.Task, error) {
	t, ok := r.data.tasks[id]
	if !ok {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %d not found", id))
	}
	return t, nil
}

func (r memReader) ListTasks(_ context.Context, filter TaskFilter) ([]model.Task, error) {
	var result []model.Task
	for _, t := range r.data.tasks {
		if filter.Match(t) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r memReader) ListEvents(_ context.Context, instanceID int64, filter EventFilter) ([]model.Event, error) {
	var result []model.Event
	for _, e := range r.data.events[instanceID] {
		if len(filter.ActTypes) > 0 && !slices.Contains(filter.ActTypes, e.ActType) {
			continue
		}
		result = append(result, e)
	}
	model.SortEventsNewestFirst(result)
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

type memTx struct {
	memReader
}

func (tx *memTx) LockInstance(ctx context.Context, id int64) (model.ProcessInstance, error) {
	// The store runs one transaction at a time, so reading is enough.
	return tx.GetInstance(ctx, id)
}

func (tx *memTx) CreateInstance(_ context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	if !inst.Object.IsZero() {
		for _, existing := range tx.data.instances {
			if existing.Object == inst.Object {
				return model.ProcessInstance{}, model.NewConflictError(
					fmt.Sprintf("%s %s already has process instance %d", inst.Object.Type, inst.Object.ID, existing.ID),
				)
			}
		}
	}
	tx.data.nextInst++
	inst.ID = tx.data.nextInst
	inst.Version = 1
	tx.data.instances[inst.ID] = inst
	return inst, nil
}

func (tx *memTx) UpdateInstance(_ context.Context, inst model.ProcessInstance) (model.ProcessInstance, error) {
	existing, ok := tx.data.instances[inst.ID]
	if !ok {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("process instance %d not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.ProcessInstance{}, model.NewConflictError(
			fmt.Sprintf("process instance %d version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}
	inst.Version++
	tx.data.instances[inst.ID] = inst
	return inst, nil
}

func (tx *memTx) CreateTask(_ context.Context, t model.Task) (model.Task, error) {
	if _, ok := tx.data.instances[t.InstanceID]; !ok {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("process instance %d not found", t.InstanceID))
	}
	tx.data.nextTask++
	t.ID = tx.data.nextTask
	t.Version = 1
	tx.data.tasks[t.ID] = t
	return t, nil
}

func (tx *memTx) UpdateTask(_ context.Context, t model.Task) (model.Task, error) {
	existing, ok := tx.data.tasks[t.ID]
	if !ok {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %d not found", t.ID))
	}
	if existing.Version != t.Version {
		return model.Task{}, model.NewConflictError(
			fmt.Sprintf("task %d version conflict (expected %d, got %d)", t.ID, t.Version, existing.Version),
		)
	}
	t.Version++
	tx.data.tasks[t.ID] = t
	return t, nil
}

func (tx *memTx) AppendEvent(_ context.Context, e model.Event) (model.Event, error) {
	if _, ok := tx.data.instances[e.InstanceID]; !ok {
		return model.Event{}, model.NewNotFoundError(fmt.Sprintf("process instance %d not found", e.InstanceID))
	}
	tx.data.nextEvent++
	e.ID = tx.data.nextEvent
	// Clip so the published snapshot's backing array is never written.
	tx.data.events[e.InstanceID] = append(slices.Clip(tx.data.events[e.InstanceID]), e)
	return e, nil
}

func (tx *memTx) DeleteInstance(_ context.Context, id int64) error {
	if _, ok := tx.data.instances[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("process instance %d not found", id))
	}
	delete(tx.data.instances, id)
	delete(tx.data.events, id)
	for tid, t := range tx.data.tasks {
		if t.InstanceID == id {
			delete(tx.data.tasks, tid)
		}
	}
	return nil
}
