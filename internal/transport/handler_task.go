package transport

import (
	"net/http"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

type taskBody struct {
	actionBody
	// Assign.
	User      string `json:"user,omitempty"`
	AgentUser string `json:"agent_user,omitempty"`
	// Transition.
	TransitionID string `json:"transition_id,omitempty"`
}

type taskAction func(e *workflow.Engine, r *http.Request, user string, taskID int64, body taskBody) (model.ActionResult, error)

var taskActions = map[string]taskAction{
	"agree": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.Agree(r.Context(), user, id, b.input())
	},
	"reject": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.Reject(r.Context(), user, id, b.input())
	},
	"back": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.BackTo(r.Context(), user, id, b.Target, b.input())
	},
	"hold": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.Hold(r.Context(), user, id, b.input())
	},
	"unhold": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.Unhold(r.Context(), user, id, b.input())
	},
	"assign": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		return e.Assign(r.Context(), user, id, workflow.AssignRequest{User: b.User, AgentUser: b.AgentUser}, b.input())
	},
	"transition": func(e *workflow.Engine, r *http.Request, user string, id int64, b taskBody) (model.ActionResult, error) {
		if b.TransitionID == "" {
			return model.ActionResult{}, model.NewBadRequestError("transition_id is required")
		}
		task, err := e.Task(r.Context(), id)
		if err != nil {
			return model.ActionResult{}, err
		}
		return e.Execute(r.Context(), workflow.ExecuteRequest{
			User:         user,
			InstanceID:   task.InstanceID,
			TaskID:       id,
			TransitionID: b.TransitionID,
			Input:        b.input(),
		})
	},
}

func handleTaskAction(engine *workflow.Engine, name string) http.HandlerFunc {
	act := taskActions[name]
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		var body taskBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		result, err := act(engine, r, subject(r), id, body)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
