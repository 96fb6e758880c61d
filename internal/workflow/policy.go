package workflow

import (
	"context"

	"github.com/pitabwire/procflow/model"
)

// SubmitterToken in a node's operators stands for the instance creator.
const SubmitterToken = "$submitter"

// AssigneePolicy decides who receives tasks when an instance enters an
// in-progress node.
type AssigneePolicy interface {
	Assignees(ctx context.Context, p *model.Process, node model.Node, inst model.ProcessInstance) ([]string, error)
}

// AssigneePolicyFunc adapts a function to AssigneePolicy.
type AssigneePolicyFunc func(ctx context.Context, p *model.Process, node model.Node, inst model.ProcessInstance) ([]string, error)

// Assignees calls f.
func (f AssigneePolicyFunc) Assignees(ctx context.Context, p *model.Process, node model.Node, inst model.ProcessInstance) ([]string, error) {
	return f(ctx, p, node, inst)
}

// NodeOperatorPolicy assigns the operators listed on the node.
type NodeOperatorPolicy struct{}

// Assignees returns the node's operators with SubmitterToken expanded,
// de-duplicated in declaration order.
func (NodeOperatorPolicy) Assignees(_ context.Context, _ *model.Process, node model.Node, inst model.ProcessInstance) ([]string, error) {
	users := make([]string, 0, len(node.Operators))
	for _, op := range node.Operators {
		if op == SubmitterToken {
			op = inst.CreateUser
		}
		users = append(users, op)
	}
	return dedupeUsers(users), nil
}

// dedupeUsers drops empty and repeated users, keeping first occurrences.
func dedupeUsers(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
