package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

type nopPlaybook struct{}

func (nopPlaybook) Run(context.Context, *alert.Alert, *adapter.Set) error { return nil }

func mustRegister(t *testing.T, r *Registry, d *Descriptor) {
	t.Helper()
	if err := r.Register(d, nopPlaybook{}); err != nil {
		t.Fatalf("Register(%s): %v", d.Name, err)
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "p1", Enabled: true})

	err := r.Register(&Descriptor{Name: "p1", Enabled: true}, nopPlaybook{})
	if err == nil {
		t.Fatal("expected error for duplicate name")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error type = %T, want *ConfigError", err)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "p1", Enabled: true, DependsOn: []string{"ghost"}})

	if err := r.Validate(); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestValidate_DependencyMustRunEarlier(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "early", Enabled: true, Rank: 10, DependsOn: []string{"late"}})
	mustRegister(t, r, &Descriptor{Name: "late", Enabled: true, Rank: 20})

	if err := r.Validate(); err == nil {
		t.Fatal("expected error: dependency sorts after dependent")
	}
}

func TestMatch_OrderAndDeterminism(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	// declared out of rank order on purpose
	mustRegister(t, r, &Descriptor{Name: "classify", Enabled: true, Rank: 900})
	mustRegister(t, r, &Descriptor{Name: "enrich", Enabled: true, Rank: 110,
		Match: Predicate{SourceTypes: []alert.SourceType{alert.SourceElastic}}})
	mustRegister(t, r, &Descriptor{Name: "escalate", Enabled: true, Rank: 300})
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	al := alert.New(alert.SourceElastic, "1", "t", 50, nil)

	first := r.Match(al)
	want := []string{"enrich", "escalate", "classify"}
	if len(first) != len(want) {
		t.Fatalf("matched %d playbooks, want %d", len(first), len(want))
	}
	for i, name := range want {
		if first[i].Desc.Name != name {
			t.Errorf("match[%d] = %q, want %q", i, first[i].Desc.Name, name)
		}
	}

	// stable across repeated calls
	for range 5 {
		again := r.Match(al)
		for i := range again {
			if again[i].Desc.Name != first[i].Desc.Name {
				t.Fatalf("match order changed between calls at index %d", i)
			}
		}
	}
}

func TestMatch_RankTieBrokenByDeclarationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "b-second", Enabled: true, Rank: 100})
	mustRegister(t, r, &Descriptor{Name: "a-first", Enabled: true, Rank: 100})
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	got := r.Match(alert.New(alert.SourceQRadar, "1", "t", 0, nil))
	if got[0].Desc.Name != "b-second" || got[1].Desc.Name != "a-first" {
		t.Errorf("tie order = [%s %s], want declaration order [b-second a-first]",
			got[0].Desc.Name, got[1].Desc.Name)
	}
}

func TestMatch_SkipsDisabled(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "off", Enabled: false, Rank: 1})
	mustRegister(t, r, &Descriptor{Name: "on", Enabled: true, Rank: 2})
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	got := r.Match(alert.New(alert.SourceElastic, "1", "t", 0, nil))
	if len(got) != 1 || got[0].Desc.Name != "on" {
		t.Errorf("expected only enabled playbook to match, got %d", len(got))
	}
}

func TestMatch_EmptyIsNotError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	mustRegister(t, r, &Descriptor{Name: "qradar-only", Enabled: true,
		Match: Predicate{SourceTypes: []alert.SourceType{alert.SourceQRadar}}})
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got := r.Match(alert.New(alert.SourceElastic, "1", "t", 0, nil)); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestPredicate(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"source":{"ip":"10.0.0.1"},"event":{"kind":"signal"}}`)
	al := alert.New(alert.SourceElastic, "1", "t", 60, raw)

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"empty matches all", Predicate{}, true},
		{"source type match", Predicate{SourceTypes: []alert.SourceType{alert.SourceElastic}}, true},
		{"source type mismatch", Predicate{SourceTypes: []alert.SourceType{alert.SourceQRadar}}, false},
		{"raw exists", Predicate{RawExists: []string{"source.ip"}}, true},
		{"raw missing", Predicate{RawExists: []string{"destination.ip"}}, false},
		{"raw equals", Predicate{RawEquals: map[string]string{"event.kind": "signal"}}, true},
		{"raw not equals", Predicate{RawEquals: map[string]string{"event.kind": "alert"}}, false},
		{"severity floor met", Predicate{MinSeverity: 60}, true},
		{"severity floor unmet", Predicate{MinSeverity: 61}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.p.Matches(al); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
