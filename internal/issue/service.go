package issue

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// Engine is the part of the workflow engine issues drive.
type Engine interface {
	CreateInstance(ctx context.Context, req workflow.CreateRequest) (model.ActionResult, error)
	RecordEdit(ctx context.Context, user string, instanceID int64, input model.ActionInput) (model.ActionResult, error)
	DeleteInstance(ctx context.Context, instanceID int64) error
}

// CreateRequest opens an issue and starts its process.
type CreateRequest struct {
	Name     string         `json:"name"`
	Summary  string         `json:"summary"`
	Content  string         `json:"content"`
	Process  string         `json:"process"`
	Property model.Property `json:"property,omitempty"`
	Submit   bool           `json:"submit"`
}

// UpdateRequest edits an issue. Nil fields are left unchanged.
type UpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Summary *string `json:"summary,omitempty"`
	Content *string `json:"content,omitempty"`
	// Desc is recorded on the edit event.
	Desc string `json:"desc,omitempty"`
}

// Service ties the issue repository to the workflow engine.
type Service struct {
	repo   Repository
	engine Engine
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(repo Repository, engine Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, engine: engine, logger: logger}
}

// Get returns an issue by ID.
func (s *Service) Get(ctx context.Context, id string) (Issue, error) {
	return s.repo.Get(ctx, id)
}

// Create stores a new issue and creates its process instance. The issue is
// removed again if the instance cannot be created.
func (s *Service) Create(ctx context.Context, user string, req CreateRequest) (Issue, model.ActionResult, error) {
	i := Issue{Name: req.Name, Summary: req.Summary, Content: req.Content, CreateUser: user}
	if err := i.Validate(); err != nil {
		return Issue{}, model.ActionResult{}, err
	}
	i, err := s.repo.Create(ctx, i)
	if err != nil {
		return Issue{}, model.ActionResult{}, err
	}

	result, err := s.engine.CreateInstance(ctx, workflow.CreateRequest{
		Object:   model.ObjectRef{Type: ObjectType, ID: i.ID},
		Process:  req.Process,
		Property: req.Property,
		User:     user,
		Submit:   req.Submit,
	})
	if err != nil {
		if derr := s.repo.Delete(ctx, i.ID); derr != nil {
			observability.RequestLogger(ctx, s.logger).Error("orphaned issue after failed instance create",
				zap.String("issue_id", i.ID), zap.Error(derr))
		}
		return Issue{}, model.ActionResult{}, err
	}

	// Hooks have written the instance binding back by now.
	i, err = s.repo.Get(ctx, i.ID)
	if err != nil {
		return Issue{}, model.ActionResult{}, err
	}
	return i, result, nil
}

// Update applies an edit and records it on the issue's instance, which also
// refreshes the instance's name and summary.
func (s *Service) Update(ctx context.Context, user, id string, req UpdateRequest) (Issue, error) {
	i, err := s.repo.Get(ctx, id)
	if err != nil {
		return Issue{}, err
	}

	var changed []string
	if req.Name != nil && *req.Name != i.Name {
		i.Name = *req.Name
		changed = append(changed, "name")
	}
	if req.Summary != nil && *req.Summary != i.Summary {
		i.Summary = *req.Summary
		changed = append(changed, "summary")
	}
	if req.Content != nil && *req.Content != i.Content {
		i.Content = *req.Content
		changed = append(changed, "content")
	}
	if len(changed) == 0 {
		return i, nil
	}
	if err := i.Validate(); err != nil {
		return Issue{}, err
	}
	if err := s.repo.Update(ctx, i); err != nil {
		return Issue{}, err
	}

	if i.InstanceID != 0 {
		_, err := s.engine.RecordEdit(ctx, user, i.InstanceID, model.ActionInput{
			Desc:    req.Desc,
			ExtData: map[string]any{"fields": changed},
		})
		if err != nil {
			return Issue{}, err
		}
	}
	return i, nil
}

// Delete removes an issue and its process instance. Only the creator may
// delete an issue.
func (s *Service) Delete(ctx context.Context, user, id string) error {
	i, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if user != i.CreateUser {
		return model.NewForbiddenError("only the creator may delete an issue")
	}
	if i.InstanceID != 0 {
		err := s.engine.DeleteInstance(ctx, i.InstanceID)
		if err != nil && !model.IsCode(err, model.ErrNotFound) {
			return err
		}
	}
	return s.repo.Delete(ctx, id)
}
