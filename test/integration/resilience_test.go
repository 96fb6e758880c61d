package integration

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pitabwire/procflow/internal/sqlstore"
	"github.com/pitabwire/procflow/model"
)

// ==========================================================================
// Concurrent actions
// ==========================================================================

func TestResilience_ConcurrentAgreesSerialize(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []HarnessOption
	}{
		{"sqlite", nil},
		{"memory", []HarnessOption{WithMemoryStore()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := NewTestHarness(t, tc.opts...)
			created := createIssue(t, h, "reporter", true)
			instID := created.Instance.ID
			taskAction(t, h, "lead", todoTask(t, h, "lead", instID).ID, "agree", nil)

			tasks := map[string]int64{
				"dev1": todoTask(t, h, "dev1", instID).ID,
				"dev2": todoTask(t, h, "dev2", instID).ID,
			}

			var wg sync.WaitGroup
			statuses := make(chan int, len(tasks))
			for user, id := range tasks {
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp := h.POST(fmt.Sprintf("/v1/tasks/%d/agree", id), nil, user)
					resp.Body.Close()
					statuses <- resp.StatusCode
				}()
			}
			wg.Wait()
			close(statuses)

			for status := range statuses {
				if status != http.StatusOK {
					t.Errorf("agree status = %d, want 200", status)
				}
			}

			inst, err := h.Engine.Instance(t.Context(), instID)
			if err != nil {
				t.Fatalf("Instance: %v", err)
			}
			if inst.CurNode != "closed" {
				t.Errorf("cur_node = %q, want closed", inst.CurNode)
			}
		})
	}
}

func TestResilience_DuplicateInstanceRejected(t *testing.T) {
	h := NewTestHarness(t)
	created := createIssue(t, h, "reporter", false)

	resp := h.POST("/v1/instances", map[string]any{
		"object":  created.Instance.Object,
		"process": "issue",
	}, "reporter")
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConflict)
}

// ==========================================================================
// Store outage
// ==========================================================================

func TestResilience_StoreOutage(t *testing.T) {
	h := NewTestHarness(t)
	created := createIssue(t, h, "reporter", true)

	var ready map[string]any
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &ready)

	store, ok := h.Store.(*sqlstore.Store)
	if !ok {
		t.Fatalf("store = %T, want *sqlstore.Store", h.Store)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.AssertStatus(t, h.GET("/ready", ""), http.StatusServiceUnavailable)
	h.AssertStatus(t, h.GET("/health", ""), http.StatusOK)

	// Failures surface as internal errors without leaking the cause.
	h.AssertErrorCode(t, h.GET(fmt.Sprintf("/v1/instances/%d", created.Instance.ID), "reporter"),
		http.StatusInternalServerError, model.ErrInternalError)
}

// ==========================================================================
// Auto-agree chain limit
// ==========================================================================

func TestResilience_ChainLimitAbortsAction(t *testing.T) {
	h := NewTestHarness(t, WithChainLimit(1), WithDefinitions(filepath.Join(testdataDir(), "chain")))

	var created createIssueResponse
	h.AssertJSON(t, h.POST("/v1/issues", map[string]any{"name": "Chained", "process": "chain", "submit": true}, "alice"),
		http.StatusCreated, &created)
	instID := created.Instance.ID

	// Signing the first node would auto-agree through the next two, one more
	// than the limit allows.
	resp := h.POST(fmt.Sprintf("/v1/tasks/%d/agree", todoTask(t, h, "alice", instID).ID), nil, "alice")
	h.AssertErrorCode(t, resp, http.StatusInternalServerError, model.ErrConfiguration)

	inst, err := h.Engine.Instance(t.Context(), instID)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if inst.CurNode != "first" {
		t.Errorf("cur_node = %q, want first after rollback", inst.CurNode)
	}
	if _, err := h.Issues.Get(t.Context(), created.Issue.ID); err != nil {
		t.Errorf("issue lost: %v", err)
	}
}
