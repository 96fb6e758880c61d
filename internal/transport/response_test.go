package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/procflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"key": "value"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["key"] != "value" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewBadRequestError("x"), http.StatusBadRequest},
		{model.NewValidationError(nil), http.StatusBadRequest},
		{model.NewUnauthorizedError("x"), http.StatusUnauthorized},
		{model.NewForbiddenError("x"), http.StatusForbidden},
		{model.NewNotFoundError("x"), http.StatusNotFound},
		{model.NewConflictError("x"), http.StatusConflict},
		{model.NewInvalidStateError("x"), http.StatusUnprocessableEntity},
		{model.NewConfigurationError("x"), http.StatusInternalServerError},
		{model.NewHookError("on_submit", errors.New("db down")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", model.NewConflictError("x")), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWriteError_hides_internals(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewHookError("on_submit", errors.New("password=hunter2")))
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Errorf("hook cause leaked: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	WriteError(w, errors.New("pq: relation missing"))
	var body errorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrInternalError || strings.Contains(body.Error.Message, "pq") {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v actionBody
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := decodeJSON(r, &v); err != nil {
		t.Errorf("empty body: %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"desc":"ok"}`))
	if err := decodeJSON(r, &v); err != nil || v.Desc != "ok" {
		t.Errorf("valid body: v=%+v err=%v", v, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nope":1}`))
	if err := decodeJSON(r, &v); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("unknown field: err = %v", err)
	}
}
