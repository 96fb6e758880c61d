package definition

import (
	"testing"

	"github.com/pitabwire/procflow/model"
)

func validProcess() model.Process {
	return model.Process{
		ID:     "leave",
		Code:   "LEAVE",
		Name:   "Leave request",
		Prefix: "LR",
		Nodes: []model.Node{
			{ID: "draft", Status: model.NodeDraft},
			{ID: "manager", Status: model.NodeInProgress, Operators: []string{"bob"}},
			{ID: "done", Status: model.NodeCompleted},
			{ID: "rejected", Status: model.NodeRejected},
		},
		Transitions: []model.Transition{
			{ID: "submit", Input: "draft", Output: "manager"},
			{ID: "approve", Input: "manager", Output: "done", IsAgree: true, CanAutoAgree: true},
			{ID: "reject", Input: "manager", Output: "rejected", Kind: model.KindReject},
		},
	}
}

func validate(ps ...model.Process) []VError {
	return NewValidator().Validate([]model.DefinitionFile{{Processes: ps}})
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	if errs := validate(validProcess()); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_loaded_testdata_is_valid(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/processes"})
	if err != nil {
		t.Fatal(err)
	}
	if errs := NewValidator().Validate(defs); len(errs) != 0 {
		t.Errorf("Validate(testdata) = %v", errs)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.Process)
		code   string
	}{
		{"missing id", func(p *model.Process) { p.ID = "" }, "REQUIRED"},
		{"missing prefix", func(p *model.Process) { p.Prefix = "" }, "REQUIRED"},
		{"bad node status", func(p *model.Process) { p.Nodes[2].Status = "finished" }, "INVALID_ENUM"},
		{"bad approval mode", func(p *model.Process) { p.Nodes[1].ApprovalMode = "most" }, "INVALID_ENUM"},
		{"duplicate node", func(p *model.Process) { p.Nodes[3].ID = "done" }, "DUPLICATE"},
		{"no draft", func(p *model.Process) { p.Nodes[0].Status = model.NodeInProgress; p.Nodes[0].Operators = []string{"x"} }, "DRAFT_COUNT"},
		{"two drafts", func(p *model.Process) { p.Nodes[3].Status = model.NodeDraft }, "DRAFT_COUNT"},
		{"unknown output", func(p *model.Process) { p.Transitions[1].Output = "nowhere" }, "REF_NOT_FOUND"},
		{"unknown input", func(p *model.Process) { p.Transitions[1].Input = "nowhere" }, "REF_NOT_FOUND"},
		{"bad kind", func(p *model.Process) { p.Transitions[2].Kind = "veto" }, "INVALID_ENUM"},
		{"auto without agree", func(p *model.Process) { p.Transitions[1].IsAgree = false }, "INVALID"},
		{"no operators", func(p *model.Process) { p.Nodes[1].Operators = nil }, "REQUIRED"},
		{"draft dead end", func(p *model.Process) { p.Transitions = p.Transitions[1:] }, "REQUIRED"},
		{"duplicate transition", func(p *model.Process) { p.Transitions[2].ID = "approve" }, "DUPLICATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProcess()
			tt.mutate(&p)
			errs := validate(p)
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_auto_agree_cycle(t *testing.T) {
	p := validProcess()
	p.Nodes = append(p.Nodes, model.Node{ID: "second", Status: model.NodeInProgress, Operators: []string{"carol"}})
	p.Transitions = append(p.Transitions,
		model.Transition{ID: "to-second", Input: "manager", Output: "second", IsAgree: true, CanAutoAgree: true},
		model.Transition{ID: "to-manager", Input: "second", Output: "manager", IsAgree: true, CanAutoAgree: true},
	)
	if errs := validate(p); !hasCode(errs, "AUTO_AGREE_CYCLE") {
		t.Errorf("Validate() = %v, want AUTO_AGREE_CYCLE", errs)
	}

	// The same loop is fine when one edge needs a human.
	p.Transitions[len(p.Transitions)-1].CanAutoAgree = false
	if errs := validate(p); hasCode(errs, "AUTO_AGREE_CYCLE") {
		t.Errorf("Validate() = %v, want no cycle", errs)
	}
}

func TestValidator_duplicate_ids_across_files(t *testing.T) {
	a := validProcess()
	b := validProcess()
	b.Code = "OTHER"
	errs := NewValidator().Validate([]model.DefinitionFile{
		{Processes: []model.Process{a}},
		{Processes: []model.Process{b}},
	})
	if !hasCode(errs, "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func TestValidator_empty_file(t *testing.T) {
	errs := NewValidator().Validate([]model.DefinitionFile{{}})
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("Validate() = %v, want REQUIRED", errs)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "definitions[0].processes[0].id", Code: "REQUIRED", Message: "id is required"}
	if e.Error() != "definitions[0].processes[0].id: id is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}
