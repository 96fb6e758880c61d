package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/procflow/model"
)

func testDefinitions() []model.DefinitionFile {
	return []model.DefinitionFile{
		{
			Checksum: "aaa",
			Processes: []model.Process{
				{ID: "leave", Code: "LEAVE", Name: "Leave", Prefix: "LR"},
				{ID: "expense", Code: "EXP", Name: "Expense", Prefix: "EX"},
			},
		},
		{
			Checksum:  "bbb",
			Processes: []model.Process{{ID: "issue", Code: "ISSUE", Name: "Issue", Prefix: "IS"}},
		},
	}
}

func TestRegistry_lookups(t *testing.T) {
	r := NewRegistry(testDefinitions())

	p, ok := r.Process("leave")
	if !ok || p.Prefix != "LR" {
		t.Errorf("Process(leave) = %+v, %v", p, ok)
	}
	p, ok = r.ProcessByCode("ISSUE")
	if !ok || p.ID != "issue" {
		t.Errorf("ProcessByCode(ISSUE) = %+v, %v", p, ok)
	}
	if _, ok := r.Process("missing"); ok {
		t.Error("Process(missing) found")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}

	all := r.AllProcesses()
	want := []string{"leave", "expense", "issue"}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("AllProcesses()[%d] = %q, want %q", i, all[i].ID, id)
		}
	}
}

func TestRegistry_checksum_independent_of_order(t *testing.T) {
	defs := testDefinitions()
	a := NewRegistry(defs)
	b := NewRegistry([]model.DefinitionFile{defs[1], defs[0]})
	if a.Checksum() != b.Checksum() {
		t.Error("checksum depends on file order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testDefinitions())
	before := r.Checksum()

	r.Replace([]model.DefinitionFile{{Checksum: "ccc", Processes: []model.Process{{ID: "only"}}}})

	if r.Len() != 1 {
		t.Errorf("Len() after Replace = %d", r.Len())
	}
	if _, ok := r.Process("leave"); ok {
		t.Error("old process still visible after Replace")
	}
	if r.Checksum() == before {
		t.Error("checksum unchanged after Replace")
	}
}

func TestRegistry_concurrent_reads_during_replace(t *testing.T) {
	r := NewRegistry(testDefinitions())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Process("leave")
				r.AllProcesses()
			}
		}()
	}
	for i := 0; i < 20; i++ {
		r.Replace(testDefinitions())
	}
	wg.Wait()
}
