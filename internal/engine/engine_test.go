package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/dedup"
	"github.com/linnemanlabs/rampart/internal/pipeline"
	"github.com/linnemanlabs/rampart/internal/playbook"
	"github.com/linnemanlabs/rampart/internal/source"
)

type fakeCollector struct {
	name   string
	alerts []*alert.Alert
	err    error
	polled chan struct{}
	polls  int
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Poll(context.Context) ([]*alert.Alert, error) {
	f.polls++
	if f.polled != nil {
		f.polled <- struct{}{}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.alerts, nil
}

type okPlaybook struct{}

func (okPlaybook) Run(context.Context, *alert.Alert, *adapter.Set) error { return nil }

type failPlaybook struct{}

func (failPlaybook) Run(context.Context, *alert.Alert, *adapter.Set) error {
	return errors.New("down")
}

func newTestCache(t *testing.T) *dedup.Cache {
	t.Helper()
	store := dedup.NewFileStore(filepath.Join(t.TempDir(), "cache.json"))
	return dedup.NewCache(store, dedup.Limits{MaxAge: time.Hour, MaxBytes: 1 << 20}, log.Nop())
}

func newTestRegistry(t *testing.T, impl playbook.Playbook) *playbook.Registry {
	t.Helper()
	reg := playbook.NewRegistry()
	if err := reg.Register(&playbook.Descriptor{Name: "notify", Enabled: true, Rank: 900}, impl); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return reg
}

func newTestEngine(t *testing.T, collectors ...*fakeCollector) (*Engine, *dedup.Cache) {
	t.Helper()
	cache := newTestCache(t)
	pipe := pipeline.New(cache, &adapter.Set{}, pipeline.Config{}, log.Nop(), nil)
	srcs := make([]source.Collector, len(collectors))
	for i, c := range collectors {
		srcs[i] = c
	}
	return New(srcs, pipe, cache, 2, log.Nop(), nil), cache
}

func TestRunIteration_Counts(t *testing.T) {
	t.Parallel()

	c := &fakeCollector{name: "elastic", alerts: []*alert.Alert{
		alert.New(alert.SourceElastic, "1", "a", 50, nil),
		alert.New(alert.SourceElastic, "2", "b", 50, nil),
	}}
	eng, _ := newTestEngine(t, c)

	result := eng.RunIteration(context.Background(), newTestRegistry(t, okPlaybook{}))

	if result.ID == "" {
		t.Error("iteration ID must be set")
	}
	if result.AlertsSeen != 2 {
		t.Errorf("AlertsSeen = %d, want 2", result.AlertsSeen)
	}
	if result.Completed != 2 {
		t.Errorf("Completed = %d, want 2", result.Completed)
	}
	if result.Failed != 0 || result.Deduped != 0 || result.Unmatched != 0 {
		t.Errorf("unexpected counts: %+v", result)
	}
	if len(result.Results) != 2 {
		t.Errorf("Results = %d, want 2", len(result.Results))
	}
}

func TestRunIteration_CollectorFailureIsolated(t *testing.T) {
	t.Parallel()

	good := &fakeCollector{name: "elastic", alerts: []*alert.Alert{
		alert.New(alert.SourceElastic, "1", "a", 50, nil),
	}}
	bad := &fakeCollector{name: "qradar", err: errors.New("connection refused")}
	eng, _ := newTestEngine(t, good, bad)

	result := eng.RunIteration(context.Background(), newTestRegistry(t, okPlaybook{}))

	if result.AlertsSeen != 1 {
		t.Errorf("AlertsSeen = %d, want 1 from the healthy source", result.AlertsSeen)
	}
	if result.SourceErrors["qradar"] == "" {
		t.Errorf("SourceErrors = %v, want qradar entry", result.SourceErrors)
	}
	if _, ok := result.SourceErrors["elastic"]; ok {
		t.Error("healthy source must not report an error")
	}
}

func TestRunIteration_DedupAcrossIterations(t *testing.T) {
	t.Parallel()

	mk := func() []*alert.Alert {
		return []*alert.Alert{alert.New(alert.SourceElastic, "same", "a", 50, nil)}
	}
	c := &fakeCollector{name: "elastic", alerts: mk()}
	eng, _ := newTestEngine(t, c)
	reg := newTestRegistry(t, okPlaybook{})

	first := eng.RunIteration(context.Background(), reg)
	if first.Completed != 1 {
		t.Fatalf("first iteration: %+v", first)
	}

	c.alerts = mk()
	second := eng.RunIteration(context.Background(), reg)
	if second.Deduped != 1 || second.Completed != 0 {
		t.Errorf("second iteration = %+v, want the re-sighting deduped", second)
	}
}

func TestRunIteration_FailedPlaybookCounted(t *testing.T) {
	t.Parallel()

	c := &fakeCollector{name: "elastic", alerts: []*alert.Alert{
		alert.New(alert.SourceElastic, "1", "a", 50, nil),
	}}
	eng, _ := newTestEngine(t, c)

	result := eng.RunIteration(context.Background(), newTestRegistry(t, failPlaybook{}))
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
}

func TestRunIteration_FlushPersistsCache(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.json")
	store := dedup.NewFileStore(path)
	cache := dedup.NewCache(store, dedup.Limits{MaxAge: time.Hour, MaxBytes: 1 << 20}, log.Nop())
	pipe := pipeline.New(cache, &adapter.Set{}, pipeline.Config{}, log.Nop(), nil)
	al := alert.New(alert.SourceElastic, "persisted", "a", 50, nil)
	c := &fakeCollector{name: "elastic", alerts: []*alert.Alert{al}}
	eng := New([]source.Collector{c}, pipe, cache, 1, log.Nop(), nil)

	eng.RunIteration(context.Background(), newTestRegistry(t, okPlaybook{}))

	reloaded := dedup.NewCache(dedup.NewFileStore(path), dedup.Limits{MaxAge: time.Hour, MaxBytes: 1 << 20}, log.Nop())
	reloaded.Load(context.Background())
	if !reloaded.Contains(al.Fingerprint()) {
		t.Error("fingerprint not persisted across restart")
	}
}
