package playbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

const (
	defaultCorrelationWindow    = 30 * time.Minute
	defaultCorrelationThreshold = 3
)

// CorrelateHosts counts dispatched alerts per host inside a sliding window
// and attaches a "correlation" enrichment. Downstream playbooks read the
// escalate flag to decide whether the host warrants a case even when the
// individual alert would not.
type CorrelateHosts struct {
	window    time.Duration
	threshold int
	now       func() time.Time

	mu        sync.Mutex
	sightings map[string][]time.Time
}

// NewCorrelateHosts creates the playbook. Non-positive window or threshold
// select the defaults.
func NewCorrelateHosts(window time.Duration, threshold int) *CorrelateHosts {
	if window <= 0 {
		window = defaultCorrelationWindow
	}
	if threshold <= 0 {
		threshold = defaultCorrelationThreshold
	}
	return &CorrelateHosts{
		window:    window,
		threshold: threshold,
		now:       time.Now,
		sightings: make(map[string][]time.Time),
	}
}

func (p *CorrelateHosts) Run(ctx context.Context, al *alert.Alert, _ *adapter.Set) error {
	host := al.Host()
	if host == "" {
		return nil
	}

	count := p.record(host)

	data, err := json.Marshal(map[string]any{
		"host":           host,
		"sightings":      count,
		"window_seconds": int(p.window.Seconds()),
		"escalate":       count >= p.threshold,
	})
	if err != nil {
		return fmt.Errorf("marshal correlation: %w", err)
	}
	al.AddEnrichment("correlation", data)
	return nil
}

// record notes a sighting for the host, drops sightings older than the
// window, and returns the current count.
func (p *CorrelateHosts) record(host string) int {
	now := p.now()
	cutoff := now.Add(-p.window)

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.sightings[host][:0]
	for _, t := range p.sightings[host] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	p.sightings[host] = kept
	return len(kept)
}
