package model

import (
	"cmp"
	"fmt"
	"slices"
)

// DefinitionFile is the root structure of a process definition file. One file
// may declare several processes.
type DefinitionFile struct {
	Processes []Process `yaml:"processes" json:"processes"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Process is an immutable process graph. Nodes and transitions keep the order
// in which they were declared; that order is the final tie-breaker wherever
// the graph is asked for "the first" edge.
type Process struct {
	ID          string       `yaml:"id"          json:"id"`
	Code        string       `yaml:"code"        json:"code"`
	Name        string       `yaml:"name"        json:"name"`
	Prefix      string       `yaml:"prefix"      json:"prefix"`
	Nodes       []Node       `yaml:"nodes"       json:"nodes"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// Node is one state of the process graph.
type Node struct {
	ID           string       `yaml:"id"            json:"id"`
	Name         string       `yaml:"name"          json:"name"`
	Status       NodeStatus   `yaml:"status"        json:"status"`
	Operators    []string     `yaml:"operators"     json:"operators,omitempty"`
	ApprovalMode ApprovalMode `yaml:"approval_mode" json:"approval_mode,omitempty"`
}

// IsSubmitted is false for the nodes from which an instance may be
// (re)submitted.
func (n Node) IsSubmitted() bool {
	switch n.Status {
	case NodeDraft, NodeRejected, NodeGivenUp:
		return false
	}
	return true
}

// IsSuccess reports whether n is the successful terminal.
func (n Node) IsSuccess() bool { return n.Status == NodeCompleted }

// IsFailure reports whether n is one of the failure terminals.
func (n Node) IsFailure() bool {
	return n.Status == NodeRejected || n.Status == NodeGivenUp || n.Status == NodeCanceled
}

// IsTerminal reports whether entering n closes the instance.
func (n Node) IsTerminal() bool { return n.IsSuccess() || n.IsFailure() }

// AwaitsOperators reports whether entering n creates tasks.
func (n Node) AwaitsOperators() bool { return n.Status == NodeInProgress }

// Mode returns the node approval mode, defaulting to any.
func (n Node) Mode() ApprovalMode {
	if n.ApprovalMode == "" {
		return ApprovalAny
	}
	return n.ApprovalMode
}

// Transition is a directed edge between two nodes of one process.
type Transition struct {
	ID           string         `yaml:"id"             json:"id"`
	Name         string         `yaml:"name"           json:"name"`
	Input        string         `yaml:"input"          json:"input"`
	Output       string         `yaml:"output"         json:"output"`
	IsAgree      bool           `yaml:"is_agree"       json:"is_agree"`
	CanAutoAgree bool           `yaml:"can_auto_agree" json:"can_auto_agree"`
	OID          int            `yaml:"oid"            json:"oid"`
	Kind         TransitionKind `yaml:"kind"           json:"kind,omitempty"`
}

// EdgeKind returns the transition kind, defaulting to normal.
func (t Transition) EdgeKind() TransitionKind {
	if t.Kind == "" {
		return KindNormal
	}
	return t.Kind
}

// Label is the act name recorded for the transition.
func (t Transition) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// DraftNode returns the initial node.
func (p *Process) DraftNode() (Node, bool) {
	for _, n := range p.Nodes {
		if n.Status == NodeDraft {
			return n, true
		}
	}
	return Node{}, false
}

// Node looks up a node by ID.
func (p *Process) Node(id string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Transition looks up a transition by ID.
func (p *Process) Transition(id string) (Transition, bool) {
	for _, t := range p.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return Transition{}, false
}

// OutboundTransitions returns the edges leaving nodeID ordered by
// (is_agree, oid, declaration order): non-agree edges first.
func (p *Process) OutboundTransitions(nodeID string, onlyAgree, onlyAutoAgree bool) []Transition {
	var out []Transition
	for _, t := range p.Transitions {
		if t.Input != nodeID {
			continue
		}
		if onlyAgree && !t.IsAgree {
			continue
		}
		if onlyAutoAgree && !t.CanAutoAgree {
			continue
		}
		out = append(out, t)
	}
	slices.SortStableFunc(out, func(a, b Transition) int {
		if a.IsAgree != b.IsAgree {
			if a.IsAgree {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.OID, b.OID)
	})
	return out
}

// AgreeTransitions returns the agree edges leaving nodeID, optionally only
// those that may be taken automatically.
func (p *Process) AgreeTransitions(nodeID string, onlyAutoAgree bool) []Transition {
	return p.OutboundTransitions(nodeID, true, onlyAutoAgree)
}

// AgreeTransition returns the first agree edge leaving nodeID.
func (p *Process) AgreeTransition(nodeID string) (Transition, bool) {
	ts := p.AgreeTransitions(nodeID, false)
	if len(ts) == 0 {
		return Transition{}, false
	}
	return ts[0], true
}

// RejectTransition returns the reject edge leaving nodeID.
func (p *Process) RejectTransition(nodeID string) (Transition, error) {
	return p.namedEdge(nodeID, KindReject, "")
}

// BackToTransition returns the back edge leaving nodeID. An empty target
// accepts any output node.
func (p *Process) BackToTransition(nodeID, target string) (Transition, error) {
	return p.namedEdge(nodeID, KindBack, target)
}

// RollbackTransition returns the rollback edge from nodeID to target. An empty
// target accepts any output node.
func (p *Process) RollbackTransition(nodeID, target string) (Transition, error) {
	return p.namedEdge(nodeID, KindRollback, target)
}

// GiveUpTransition returns the give-up edge leaving nodeID.
func (p *Process) GiveUpTransition(nodeID string) (Transition, error) {
	return p.namedEdge(nodeID, KindGiveUp, "")
}

// CancelTransition returns the cancel edge leaving nodeID.
func (p *Process) CancelTransition(nodeID string) (Transition, error) {
	return p.namedEdge(nodeID, KindCancel, "")
}

// namedEdge picks the first edge of the given kind by transition order. A
// missing edge is a configuration error, never a silent no-op.
func (p *Process) namedEdge(nodeID string, kind TransitionKind, target string) (Transition, error) {
	for _, t := range p.OutboundTransitions(nodeID, false, false) {
		if t.EdgeKind() != kind {
			continue
		}
		if target != "" && t.Output != target {
			continue
		}
		return t, nil
	}
	msg := fmt.Sprintf("process %q has no %s transition from node %q", p.ID, kind, nodeID)
	if target != "" {
		msg = fmt.Sprintf("process %q has no %s transition from node %q to %q", p.ID, kind, nodeID, target)
	}
	return Transition{}, NewConfigurationError(msg)
}
