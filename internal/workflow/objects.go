package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/procflow/model"
)

// WorkflowObject is a domain record driven by a process instance.
//
// Hooks run inside the action's transaction: an error from any of them fails
// the whole action. Objects that persist their own changes should stage them
// and write them in AfterCommit (see Committer).
type WorkflowObject interface {
	ObjectRef() model.ObjectRef

	// ProcessName and ProcessSummary are copied into the instance's name and
	// desc at the end of every action.
	ProcessName(ctx context.Context) string
	ProcessSummary(ctx context.Context) string
	// ProcessCreateTime is recorded as the instance's create_time. A zero
	// time keeps the moment the instance was created.
	ProcessCreateTime(ctx context.Context) time.Time

	// OnSubmit runs when the instance leaves a not-yet-submitted node.
	OnSubmit(ctx context.Context, inst model.ProcessInstance) error
	// OnComplete runs when the instance enters the success terminal.
	OnComplete(ctx context.Context, inst model.ProcessInstance) error
	// OnFail runs when the instance enters a failure terminal.
	OnFail(ctx context.Context, inst model.ProcessInstance) error
	// OnDoTransition runs on every node change.
	OnDoTransition(ctx context.Context, inst model.ProcessInstance, from, to model.Node) error
}

// InstanceBinder is implemented by objects that keep a reference to their
// process instance.
type InstanceBinder interface {
	BindInstance(ctx context.Context, instanceID int64) error
}

// Committer is implemented by objects that persist staged changes once the
// action has committed.
type Committer interface {
	AfterCommit(ctx context.Context) error
}

// ObjectLoader loads one workflow object of a registered type by ID.
type ObjectLoader func(ctx context.Context, id string) (WorkflowObject, error)

// ObjectRegistry resolves object references to workflow objects.
type ObjectRegistry struct {
	mu      sync.RWMutex
	loaders map[string]ObjectLoader
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{loaders: make(map[string]ObjectLoader)}
}

// Register binds an object type to its loader, replacing any earlier one.
func (r *ObjectRegistry) Register(objectType string, loader ObjectLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[objectType] = loader
}

// Resolve loads the object behind ref. An unregistered type is a
// configuration error.
func (r *ObjectRegistry) Resolve(ctx context.Context, ref model.ObjectRef) (WorkflowObject, error) {
	r.mu.RLock()
	loader, ok := r.loaders[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("no workflow object type %q registered", ref.Type))
	}
	obj, err := loader(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("%s %s not found", ref.Type, ref.ID))
	}
	return obj, nil
}
