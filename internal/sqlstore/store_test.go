package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/sqlstore"
	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/internal/workflow/storetest"
	"github.com/pitabwire/procflow/model"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "procflow.db") + "?_time_format=sqlite"
	s, err := sqlstore.OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) workflow.Store {
		return openSQLite(t)
	})
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	s := openSQLite(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	_ = s.Close()
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck after Close: expected error")
	}
}

func TestSQLiteStore_schema_survives_reopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "procflow.db") + "?_time_format=sqlite"

	first, err := sqlstore.OpenSQLite(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	var id int64
	err = first.RunInTx(ctx, func(ctx context.Context, tx workflow.Tx) error {
		inst, err := tx.CreateInstance(ctx, model.ProcessInstance{
			ProcessID: "issue",
			Property:  model.PropertyNormal,
			Object:    model.ObjectRef{Type: "issue", ID: "7"},
			CurNode:   "draft",
		})
		id = inst.ID
		return err
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	_ = first.Close()

	second, err := sqlstore.OpenSQLite(ctx, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	inst, err := second.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance after reopen: %v", err)
	}
	if inst.Object.ID != "7" {
		t.Errorf("Object.ID = %q, want 7", inst.Object.ID)
	}
}

func TestOpen_from_config(t *testing.T) {
	ctx := context.Background()
	t.Setenv("PROCFLOW_TEST_SQLITE_DSN", filepath.Join(t.TempDir(), "cfg.db"))

	s, err := sqlstore.Open(ctx, config.StoreConfig{Driver: "sqlite", DSNEnv: "PROCFLOW_TEST_SQLITE_DSN"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()

	if _, err := sqlstore.Open(ctx, config.StoreConfig{Driver: "sqlite", DSNEnv: "PROCFLOW_TEST_UNSET_DSN"}); err == nil {
		t.Error("Open with empty DSN: expected error")
	}
	if _, err := sqlstore.Open(ctx, config.StoreConfig{Driver: "oracle", DSNEnv: "PROCFLOW_TEST_SQLITE_DSN"}); err == nil {
		t.Error("Open with unknown driver: expected error")
	}
}
