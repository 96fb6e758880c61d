// Package directory resolves named user groups from a static YAML file so
// process nodes can list "@group" operators.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/procflow/internal/workflow"
	"github.com/pitabwire/procflow/model"
)

// GroupPrefix marks an operator entry as a group name.
const GroupPrefix = "@"

type groupFile struct {
	Groups map[string][]string `yaml:"groups"`
}

// Groups maps group names to their members. The file looks like:
//
//	groups:
//	  leads: [alice, bob]
//	  dev: [carol, dave]
type Groups struct {
	path   string
	mu     sync.RWMutex
	groups map[string][]string
}

// Load reads the group file at path.
func Load(path string) (*Groups, error) {
	g := &Groups{path: path}
	if err := g.Sync(); err != nil {
		return nil, err
	}
	return g, nil
}

// Sync reloads the group file from disk. On error the loaded groups are kept.
func (g *Groups) Sync() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", g.path, err)
	}

	var f groupFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", g.path, err)
	}

	g.mu.Lock()
	g.groups = f.Groups
	g.mu.Unlock()
	return nil
}

// Members returns the members of a group.
func (g *Groups) Members(name string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members, ok := g.groups[name]
	return members, ok
}

// Names lists the known groups, sorted.
func (g *Groups) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy expands "@group" operators into their members and hands everything
// else to next.
func (g *Groups) Policy(next workflow.AssigneePolicy) workflow.AssigneePolicy {
	if next == nil {
		next = workflow.NodeOperatorPolicy{}
	}
	return workflow.AssigneePolicyFunc(func(ctx context.Context, p *model.Process, node model.Node, inst model.ProcessInstance) ([]string, error) {
		operators := make([]string, 0, len(node.Operators))
		for _, op := range node.Operators {
			name, isGroup := strings.CutPrefix(op, GroupPrefix)
			if !isGroup {
				operators = append(operators, op)
				continue
			}
			members, ok := g.Members(name)
			if !ok {
				return nil, model.NewConfigurationError(fmt.Sprintf(
					"node %q of process %q names unknown group %q", node.ID, p.ID, name))
			}
			operators = append(operators, members...)
		}
		node.Operators = operators
		return next.Assignees(ctx, p, node, inst)
	})
}
