package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/procflow/internal/issue"
	"github.com/pitabwire/procflow/model"
)

func handleCreateIssue(issues *issue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issue.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		created, result, err := issues.Create(r.Context(), subject(r), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, struct {
			Issue issue.Issue `json:"issue"`
			model.ActionResult
		}{created, result})
	}
}

func handleGetIssue(issues *issue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := issues.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, i)
	}
}

func handleUpdateIssue(issues *issue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issue.UpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		i, err := issues.Update(r.Context(), subject(r), chi.URLParam(r, "id"), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, i)
	}
}

func handleDeleteIssue(issues *issue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := issues.Delete(r.Context(), subject(r), chi.URLParam(r, "id")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
