package transport

import (
	"net/http"
	"strings"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// actionBody is the body shared by the action endpoints.
type actionBody struct {
	Desc    string         `json:"desc"`
	ExtData map[string]any `json:"ext_data"`
	// Target is the destination node of back and rollback.
	Target string `json:"target,omitempty"`
}

func (b actionBody) input() model.ActionInput {
	return model.ActionInput{Desc: b.Desc, ExtData: b.ExtData}
}

// instanceView is the detail response of an instance.
type instanceView struct {
	Instance    model.ProcessInstance `json:"instance"`
	Process     string                `json:"process"`
	Transitions []model.Transition    `json:"transitions"`
	Todo        []model.Task          `json:"todo"`
	Operators   []string              `json:"operators"`
}

func subject(r *http.Request) string { return model.Subject(r.Context()) }

func handleCreateInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Object   model.ObjectRef `json:"object"`
			Process  string          `json:"process"`
			Property model.Property  `json:"property"`
			Submit   bool            `json:"submit"`
			actionBody
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		result, err := engine.CreateInstance(r.Context(), workflow.CreateRequest{
			Object:   body.Object,
			Process:  body.Process,
			Property: body.Property,
			User:     subject(r),
			Submit:   body.Submit,
			Input:    body.input(),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, result)
	}
}

func handleListInstances(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		instances, err := engine.Instances(r.Context(), workflow.InstanceFilter{
			ProcessID:  q.Get("process_id"),
			NodeID:     q.Get("node"),
			CreateUser: q.Get("create_user"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": instances})
	}
}

func handleGetInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		ctx := r.Context()
		inst, err := engine.Instance(ctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		proc, err := engine.Process(ctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		transitions, err := engine.Transitions(ctx, id, false, false)
		if err != nil {
			WriteError(w, err)
			return
		}
		todo, err := engine.TodoTasks(ctx, id, subject(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		operators, err := engine.Operators(ctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, instanceView{
			Instance:    inst,
			Process:     proc.Name,
			Transitions: transitions,
			Todo:        todo,
			Operators:   operators,
		})
	}
}

func handleInstanceEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		filter := workflow.EventFilter{Limit: queryInt(r, "limit", 0)}
		if v := r.URL.Query().Get("act_type"); v != "" {
			for _, a := range strings.Split(v, ",") {
				filter.ActTypes = append(filter.ActTypes, model.ActType(a))
			}
		}
		events, err := engine.Events(r.Context(), id, filter)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleInstanceTasks(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		tasks, err := engine.Tasks(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

// instanceAction adapts an engine action addressed by instance ID.
type instanceAction func(e *workflow.Engine, r *http.Request, user string, id int64, body actionBody) (model.ActionResult, error)

var instanceActions = map[string]instanceAction{
	"submit": func(e *workflow.Engine, r *http.Request, user string, id int64, b actionBody) (model.ActionResult, error) {
		return e.Submit(r.Context(), user, id, b.input())
	},
	"cancel": func(e *workflow.Engine, r *http.Request, user string, id int64, b actionBody) (model.ActionResult, error) {
		return e.Cancel(r.Context(), user, id, b.input())
	},
	"give-up": func(e *workflow.Engine, r *http.Request, user string, id int64, b actionBody) (model.ActionResult, error) {
		return e.GiveUp(r.Context(), user, id, b.input())
	},
	"rollback": func(e *workflow.Engine, r *http.Request, user string, id int64, b actionBody) (model.ActionResult, error) {
		return e.Rollback(r.Context(), user, id, b.Target, b.input())
	},
	"comment": func(e *workflow.Engine, r *http.Request, user string, id int64, b actionBody) (model.ActionResult, error) {
		return e.Comment(r.Context(), user, id, b.input())
	},
}

func handleInstanceAction(engine *workflow.Engine, name string) http.HandlerFunc {
	act := instanceActions[name]
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		var body actionBody
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

func handleTodo(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := engine.UserTodo(r.Context(), subject(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}
