package directory

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

func TestLoad_groups(t *testing.T) {
	g, err := Load("testdata/groups.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := g.Names(); !reflect.DeepEqual(got, []string{"dev", "empty", "leads"}) {
		t.Errorf("Names() = %v", got)
	}
	members, ok := g.Members("leads")
	if !ok || !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Errorf("Members(leads) = %v, %v", members, ok)
	}
	if _, ok := g.Members("nobody"); ok {
		t.Error("Members(nobody) should not exist")
	}
}

func TestLoad_bad_file(t *testing.T) {
	if _, err := Load("testdata/missing.yaml"); err == nil {
		t.Error("Load() with missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "groups.yaml")
	if err := os.WriteFile(path, []byte("groups: [not, a, map]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed file should fail")
	}
}

func TestSync_keeps_groups_on_error(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	if err := os.WriteFile(path, []byte("groups:\n  ops: [erin]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("groups:\n  ops: [erin, frank]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := g.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if members, _ := g.Members("ops"); len(members) != 2 {
		t.Errorf("after Sync ops = %v, want 2 members", members)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := g.Sync(); err == nil {
		t.Error("Sync() of a removed file should fail")
	}
	if members, _ := g.Members("ops"); len(members) != 2 {
		t.Errorf("failed Sync dropped groups: ops = %v", members)
	}
}

func TestPolicy_expands_groups(t *testing.T) {
	g, err := Load("testdata/groups.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	policy := g.Policy(nil)
	proc := &model.Process{ID: "issue"}
	inst := model.ProcessInstance{CreateUser: "zoe"}

	tests := []struct {
		name      string
		operators []string
		want      []string
		wantCode  string
	}{
		{"plain users", []string{"x", "y"}, []string{"x", "y"}, ""},
		{"group", []string{"@leads"}, []string{"alice", "bob"}, ""},
		{"overlap deduped", []string{"@leads", "@dev"}, []string{"alice", "bob", "carol", "dave"}, ""},
		{"submitter kept", []string{"@leads", workflow.SubmitterToken}, []string{"alice", "bob", "zoe"}, ""},
		{"empty group", []string{"@empty", "x"}, []string{"x"}, ""},
		{"unknown group", []string{"@ghosts"}, nil, model.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := model.Node{ID: "triage", Operators: tt.operators}
			got, err := policy.Assignees(t.Context(), proc, node, inst)
			if tt.wantCode != "" {
				var ee *model.ErrorEnvelope
				if !errors.As(err, &ee) || ee.Code != tt.wantCode {
					t.Fatalf("error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Assignees() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Assignees() = %v, want %v", got, tt.want)
			}
		})
	}
}
