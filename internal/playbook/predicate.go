package playbook

import (
	"github.com/linnemanlabs/rampart/internal/alert"
)

// Predicate is the declarative applicability condition of a playbook. All
// clauses must hold; an empty predicate matches every alert, which is how
// terminal classify/notify playbooks are configured.
type Predicate struct {
	// SourceTypes restricts the playbook to alerts from these sources.
	// Empty means any source.
	SourceTypes []alert.SourceType `yaml:"source_types"`

	// RawExists requires each listed path (gjson syntax) to be present in
	// the raw payload, e.g. "source.ip" or "related.hashes.0".
	RawExists []string `yaml:"raw_exists"`

	// RawEquals requires each path to hold the given string value.
	RawEquals map[string]string `yaml:"raw_equals"`

	// MinSeverity drops alerts below this severity. Zero means no floor.
	MinSeverity int `yaml:"min_severity"`
}

// Matches reports whether the alert satisfies every clause. Pure function
// over the alert's immutable fields.
func (p Predicate) Matches(al *alert.Alert) bool {
	if len(p.SourceTypes) > 0 {
		found := false
		for _, st := range p.SourceTypes {
			if al.SourceType == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, path := range p.RawExists {
		if !al.Field(path).Exists() {
			return false
		}
	}
	for path, want := range p.RawEquals {
		if al.Field(path).String() != want {
			return false
		}
	}
	return al.Severity >= p.MinSeverity
}
