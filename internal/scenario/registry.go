package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownScenario is returned by Resolve for a name nothing registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// Func is a scenario body.
type Func func(ctx context.Context, env *Env) error

// Scenario is one named, runnable engine scenario.
type Scenario struct {
	Name        string
	Description string
	// NeedsUser is set for scenarios that talk to an external service and
	// therefore need a reserved pool user.
	NeedsUser bool
	Run       Func
}

// Info describes a registered scenario.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	NeedsUser   bool   `json:"needs_user"`
}

// Registry holds scenarios by name.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewRegistry creates an empty scenario registry.
func NewRegistry() *Registry {
	return &Registry{
		scenarios: make(map[string]Scenario),
	}
}

// Register adds s. Names must be unique.
func (r *Registry) Register(s Scenario) error {
	if s.Name == "" || s.Run == nil {
		return fmt.Errorf("scenario needs a name and a body")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scenarios[s.Name]; ok {
		return fmt.Errorf("scenario %q is already registered", s.Name)
	}
	r.scenarios[s.Name] = s
	return nil
}

// Resolve returns the scenario registered under name.
func (r *Registry) Resolve(name string) (Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q is not registered", ErrUnknownScenario, name)
	}
	return s, nil
}

// List returns all registered scenarios sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.scenarios))
	for _, s := range r.scenarios {
		infos = append(infos, Info{
			Name:        s.Name,
			Description: s.Description,
			NeedsUser:   s.NeedsUser,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Names returns the sorted scenario names.
func (r *Registry) Names() []string {
	infos := r.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}
