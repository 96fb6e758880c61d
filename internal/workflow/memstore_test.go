package workflow_test

import (
	"context"
	"testing"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/internal/workflow/storetest"
	"github.com/pitabwire/procflow/model"
)

func TestMemoryStore_contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) workflow.Store {
		return workflow.NewMemoryStore()
	})
}

func TestMemoryStore_readers_see_committed_snapshot_only(t *testing.T) {
	store := workflow.NewMemoryStore()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- store.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
			if _, err := tx.CreateInstance(ctx, model.ProcessInstance{ProcessID: "issue", CurNode: "draft"}); err != nil {
				return err
			}
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	if store.Len() != 0 {
		t.Errorf("Len() during transaction = %d, want 0", store.Len())
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunInTx error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() after commit = %d, want 1", store.Len())
	}
}

func TestMemoryStore_cancelled_context(t *testing.T) {
	store := workflow.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.RunInTx(ctx, func(context.Context, workflow.Tx) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("RunInTx on cancelled context: err = %v, called = %v", err, called)
	}
}
