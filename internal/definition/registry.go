package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/procflow/model"
)

// snapshot is an immutable collection of all processes indexed by ID and code.
type snapshot struct {
	processes map[string]*model.Process
	byCode    map[string]*model.Process
	order     []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded processes.
// It uses atomic pointer swap for lock-free concurrent reads; returned
// processes are shared and must not be modified.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.DefinitionFile) {
	s := &snapshot{
		processes: make(map[string]*model.Process),
		byCode:    make(map[string]*model.Process),
	}

	var checksumParts []string

	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)
		for i := range def.Processes {
			p := def.Processes[i]
			if _, dup := s.processes[p.ID]; !dup {
				s.order = append(s.order, p.ID)
			}
			s.processes[p.ID] = &p
			if p.Code != "" {
				s.byCode[p.Code] = &p
			}
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Process returns the process with the given ID.
func (r *Registry) Process(id string) (*model.Process, bool) {
	p, ok := r.current().processes[id]
	return p, ok
}

// ProcessByCode returns the process with the given code.
func (r *Registry) ProcessByCode(code string) (*model.Process, bool) {
	p, ok := r.current().byCode[code]
	return p, ok
}

// AllProcesses returns every process in load order.
func (r *Registry) AllProcesses() []*model.Process {
	s := r.current()
	out := make([]*model.Process, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.processes[id])
	}
	return out
}

// Len returns the number of loaded processes.
func (r *Registry) Len() int {
	return len(r.current().processes)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
