// Package playbook holds the registry of configured playbooks and computes,
// per alert, the ordered subset that applies. Matching is decoupled from
// execution so the pipeline can be tested without integration side effects.
package playbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

// Playbook is one configured unit of enrichment/escalation/notification
// logic. Run must honor ctx cancellation; a run that outlives the pipeline's
// timeout is recorded as failed regardless of its eventual return.
type Playbook interface {
	Run(ctx context.Context, al *alert.Alert, adapters *adapter.Set) error
}

// Descriptor is the static configuration of a playbook.
type Descriptor struct {
	Name      string    `yaml:"name"`
	Enabled   bool      `yaml:"enabled"`
	Rank      int       `yaml:"rank"` // lower runs earlier
	Match     Predicate `yaml:"match"`
	DependsOn []string  `yaml:"depends_on"`

	seq int // declaration order, breaks rank ties
}

// Selected pairs a matched descriptor with its implementation.
type Selected struct {
	Desc *Descriptor
	Impl Playbook
}

// ConfigError reports invalid playbook configuration. It is fatal at
// startup; at reload it rejects the new registry and keeps the old one.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "playbook config: " + e.Reason }

// Registry holds the set of registered playbooks. It is immutable after
// Validate; reload replaces the whole registry atomically.
type Registry struct {
	entries []*Selected
	byName  map[string]*Selected
	sorted  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Selected)}
}

// Register adds a playbook. Duplicate names are a ConfigError.
func (r *Registry) Register(desc *Descriptor, impl Playbook) error {
	if desc.Name == "" {
		return &ConfigError{Reason: "playbook with empty name"}
	}
	if impl == nil {
		return &ConfigError{Reason: fmt.Sprintf("playbook %q has no implementation", desc.Name)}
	}
	if _, dup := r.byName[desc.Name]; dup {
		return &ConfigError{Reason: fmt.Sprintf("playbook %q registered twice", desc.Name)}
	}
	desc.seq = len(r.entries)
	sel := &Selected{Desc: desc, Impl: impl}
	r.entries = append(r.entries, sel)
	r.byName[desc.Name] = sel
	return nil
}

// Validate checks cross-playbook constraints and freezes the ordering:
// every depends_on target must exist and must sort before its dependent,
// otherwise the skip cascade could never observe the upstream outcome.
func (r *Registry) Validate() error {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i].Desc, r.entries[j].Desc
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.seq < b.seq
	})
	r.sorted = true

	pos := make(map[string]int, len(r.entries))
	for i, e := range r.entries {
		pos[e.Desc.Name] = i
	}
	for i, e := range r.entries {
		for _, dep := range e.Desc.DependsOn {
			j, ok := pos[dep]
			if !ok {
				return &ConfigError{Reason: fmt.Sprintf("playbook %q depends on unknown playbook %q", e.Desc.Name, dep)}
			}
			if j >= i {
				return &ConfigError{Reason: fmt.Sprintf("playbook %q depends on %q which does not run earlier", e.Desc.Name, dep)}
			}
		}
	}
	return nil
}

// Match returns the enabled playbooks applicable to the alert, in ascending
// rank order with declaration order breaking ties. Deterministic for a fixed
// registry; an empty result is not an error.
func (r *Registry) Match(al *alert.Alert) []*Selected {
	if !r.sorted {
		panic("playbook: Match called before Validate")
	}
	var out []*Selected
	for _, e := range r.entries {
		if !e.Desc.Enabled {
			continue
		}
		if !e.Desc.Match.Matches(al) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Names lists registered playbook names in execution order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Desc.Name)
	}
	return names
}

// Len reports the number of registered playbooks.
func (r *Registry) Len() int { return len(r.entries) }
