// Package issue is the sample workflow object: a titled issue that moves
// through an approval process.
package issue

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// ObjectType is the object type issues register under.
const ObjectType = "issue"

const maxLen = 255

// Issue is a user-reported problem.
type Issue struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary"`
	Content    string    `json:"content,omitempty"`
	CreateUser string    `json:"create_user"`
	CreateTime time.Time `json:"create_time"`

	// Workflow state mirrored by the hooks.
	InstanceID int64            `json:"instance_id,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Status     model.NodeStatus `json:"status,omitempty"`
	Submitted  bool             `json:"submitted"`
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`
}

// Validate checks the user-editable fields.
func (i Issue) Validate() error {
	var details []model.FieldError
	if i.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	} else if utf8.RuneCountInString(i.Name) > maxLen {
		details = append(details, model.FieldError{Field: "name", Code: "TOO_LONG", Message: fmt.Sprintf("name exceeds %d characters", maxLen)})
	}
	if utf8.RuneCountInString(i.Summary) > maxLen {
		details = append(details, model.FieldError{Field: "summary", Code: "TOO_LONG", Message: fmt.Sprintf("summary exceeds %d characters", maxLen)})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Repository persists issues.
type Repository interface {
	Create(ctx context.Context, i Issue) (Issue, error)
	Get(ctx context.Context, id string) (Issue, error)
	Update(ctx context.Context, i Issue) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps issues in memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	issues map[string]Issue
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{issues: make(map[string]Issue), now: time.Now}
}

func (r *MemoryRepository) Create(_ context.Context, i Issue) (Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i.ID = uuid.NewString()
	i.CreateTime = r.now().UTC()
	r.issues[i.ID] = i
	return i, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.issues[id]
	if !ok {
		return Issue{}, model.NewNotFoundError(fmt.Sprintf("issue %s not found", id))
	}
	return i, nil
}

func (r *MemoryRepository) Update(_ context.Context, i Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.issues[i.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("issue %s not found", i.ID))
	}
	r.issues[i.ID] = i
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.issues[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("issue %s not found", id))
	}
	delete(r.issues, id)
	return nil
}

// object adapts one loaded issue to workflow.WorkflowObject. Hook changes are
// staged on the copy and written back in AfterCommit, so a rolled back
// action leaves the repository untouched.
type object struct {
	repo  Repository
	issue Issue
	dirty bool
}

var (
	_ workflow.WorkflowObject = (*object)(nil)
	_ workflow.InstanceBinder = (*object)(nil)
	_ workflow.Committer      = (*object)(nil)
)

// Loader returns the object loader to register under ObjectType.
func Loader(repo Repository) workflow.ObjectLoader {
	return func(ctx context.Context, id string) (workflow.WorkflowObject, error) {
		i, err := repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &object{repo: repo, issue: i}, nil
	}
}

// Register adds the issue loader to an object registry.
func Register(objects *workflow.ObjectRegistry, repo Repository) {
	objects.Register(ObjectType, Loader(repo))
}

func (o *object) ObjectRef() model.ObjectRef {
	return model.ObjectRef{Type: ObjectType, ID: o.issue.ID}
}

func (o *object) ProcessName(context.Context) string    { return o.issue.Name }
func (o *object) ProcessSummary(context.Context) string { return o.issue.Summary }

func (o *object) ProcessCreateTime(context.Context) time.Time { return o.issue.CreateTime }

func (o *object) BindInstance(_ context.Context, instanceID int64) error {
	o.issue.InstanceID = instanceID
	o.dirty = true
	return nil
}

func (o *object) OnSubmit(context.Context, model.ProcessInstance) error {
	o.issue.Submitted = true
	o.issue.ClosedAt = nil
	o.dirty = true
	return nil
}

func (o *object) OnComplete(_ context.Context, inst model.ProcessInstance) error {
	return o.close(inst)
}

func (o *object) OnFail(_ context.Context, inst model.ProcessInstance) error {
	return o.close(inst)
}

func (o *object) close(inst model.ProcessInstance) error {
	if inst.EndTime == nil {
		return fmt.Errorf("issue %s closed without an end time", o.issue.ID)
	}
	t := *inst.EndTime
	o.issue.ClosedAt = &t
	o.dirty = true
	return nil
}

func (o *object) OnDoTransition(_ context.Context, _ model.ProcessInstance, _, to model.Node) error {
	o.issue.Stage = to.ID
	o.issue.Status = to.Status
	o.dirty = true
	return nil
}

func (o *object) AfterCommit(ctx context.Context) error {
	if !o.dirty {
		return nil
	}
	o.dirty = false
	return o.repo.Update(ctx, o.issue)
}

// Len returns the number of stored issues.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.issues)
}
