package definition

import (
	"fmt"

	"github.com/pitabwire/procflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates process graphs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports every problem found.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	var errs []VError
	ids := make(map[string]string)
	codes := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if len(def.Processes) == 0 {
			errs = append(errs, VError{Path: prefix + ".processes", Code: "REQUIRED", Message: "at least one process is required"})
		}
		for j, p := range def.Processes {
			pp := fmt.Sprintf("%s.processes[%d]", prefix, j)
			if p.ID != "" {
				if first, dup := ids[p.ID]; dup {
					errs = append(errs, VError{Path: pp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("process id %q already declared at %s", p.ID, first)})
				} else {
					ids[p.ID] = pp
				}
			}
			if p.Code != "" {
				if first, dup := codes[p.Code]; dup {
					errs = append(errs, VError{Path: pp + ".code", Code: "DUPLICATE", Message: fmt.Sprintf("process code %q already declared at %s", p.Code, first)})
				} else {
					codes[p.Code] = pp
				}
			}
			errs = append(errs, v.validateProcess(pp, p)...)
		}
	}
	return errs
}

func (v *Validator) validateProcess(prefix string, p model.Process) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if p.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if p.Prefix == "" {
		errs = append(errs, VError{Path: prefix + ".prefix", Code: "REQUIRED", Message: "prefix is required"})
	}

	nodeIDs := make(map[string]bool)
	drafts := 0
	for i, n := range p.Nodes {
		np := fmt.Sprintf("%s.nodes[%d]", prefix, i)
		if n.ID == "" {
			errs = append(errs, VError{Path: np + ".id", Code: "REQUIRED", Message: "node id is required"})
		} else if nodeIDs[n.ID] {
			errs = append(errs, VError{Path: np + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("node %q declared twice", n.ID)})
		}
		nodeIDs[n.ID] = true

		if !n.Status.Valid() {
			errs = append(errs, VError{Path: np + ".status", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid node status %q", n.Status)})
		}
		if n.Status == model.NodeDraft {
			drafts++
		}
		if n.ApprovalMode != "" && !n.ApprovalMode.Valid() {
			errs = append(errs, VError{Path: np + ".approval_mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid approval mode %q", n.ApprovalMode)})
		}
		if n.AwaitsOperators() && len(n.Operators) == 0 {
			errs = append(errs, VError{Path: np + ".operators", Code: "REQUIRED", Message: fmt.Sprintf("in-progress node %q has no operators", n.ID)})
		}
	}
	if drafts != 1 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "DRAFT_COUNT", Message: fmt.Sprintf("exactly one draft node required, found %d", drafts)})
	}

	transitionIDs := make(map[string]bool)
	for i, t := range p.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if t.ID == "" {
			errs = append(errs, VError{Path: tp + ".id", Code: "REQUIRED", Message: "transition id is required"})
		} else if transitionIDs[t.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("transition %q declared twice", t.ID)})
		}
		transitionIDs[t.ID] = true

		if !nodeIDs[t.Input] {
			errs = append(errs, VError{Path: tp + ".input", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", t.Input)})
		}
		if !nodeIDs[t.Output] {
			errs = append(errs, VError{Path: tp + ".output", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("node %q not found", t.Output)})
		}
		if t.Kind != "" && !t.Kind.Valid() {
			errs = append(errs, VError{Path: tp + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid transition kind %q", t.Kind)})
		}
		if t.CanAutoAgree && !t.IsAgree {
			errs = append(errs, VError{Path: tp + ".can_auto_agree", Code: "INVALID", Message: "can_auto_agree requires is_agree"})
		}
	}

	if draft, ok := p.DraftNode(); ok && len(p.OutboundTransitions(draft.ID, false, false)) == 0 {
		errs = append(errs, VError{Path: prefix + ".transitions", Code: "REQUIRED", Message: fmt.Sprintf("draft node %q has no outbound transition", draft.ID)})
	}

	if cycle := autoAgreeCycle(p); cycle != "" {
		errs = append(errs, VError{Path: prefix + ".transitions", Code: "AUTO_AGREE_CYCLE", Message: fmt.Sprintf("auto-agree transitions form a cycle through node %q", cycle)})
	}

	return errs
}

// autoAgreeCycle returns a node on a cycle made only of auto-agree edges, or
// an empty string when there is none.
func autoAgreeCycle(p model.Process) string {
	next := make(map[string][]string)
	for _, t := range p.Transitions {
		if t.IsAgree && t.CanAutoAgree {
			next[t.Input] = append(next[t.Input], t.Output)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)

	var visit func(string) string
	visit = func(n string) string {
		state[n] = visiting
		for _, m := range next[n] {
			switch state[m] {
			case visiting:
				return m
			case unvisited:
				if c := visit(m); c != "" {
					return c
				}
			}
		}
		state[n] = done
		return ""
	}

	for _, n := range p.Nodes {
		if state[n.ID] == unvisited {
			if c := visit(n.ID); c != "" {
				return c
			}
		}
	}
	return ""
}
