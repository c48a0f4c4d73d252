// Package alert defines the normalized alert model shared by collectors,
// the dedup cache, and the playbook pipeline.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// SourceType identifies the system an alert originated from.
type SourceType string

const (
	SourceElastic     SourceType = "elastic"
	SourceQRadar      SourceType = "qradar"
	SourceSuricata    SourceType = "suricata"
	SourceThreatIntel SourceType = "threat_intel"
)

// State tracks where an alert is in the processing lifecycle.
type State string

const (
	// StateNew means yielded by a collector, not yet dedup-checked.
	StateNew State = "new"

	// StateDeduped means the fingerprint was already in the cache. Terminal.
	StateDeduped State = "deduped"

	// StateDispatched means the alert passed dedup and playbooks are running.
	StateDispatched State = "dispatched"

	// StateCompleted means every matched playbook finished without failure.
	StateCompleted State = "completed"

	// StateFailed means at least one matched playbook failed.
	StateFailed State = "failed"
)

// Alert is a normalized unit of work. Collectors create alerts; only the
// pipeline advances State. The raw payload is opaque to the core - playbooks
// read individual fields through Field.
type Alert struct {
	ID         string          `json:"id"`
	SourceType SourceType      `json:"source_type"`
	Title      string          `json:"title"`
	Severity   int             `json:"severity"` // 0..100
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	State      State           `json:"state"`

	mu          sync.Mutex
	caseID      string
	enrichments map[string]json.RawMessage
}

// New builds an alert whose ID is derived from the source and the
// source-native alert ID, so the same upstream event always maps to the
// same fingerprint.
func New(source SourceType, nativeID, title string, severity int, raw json.RawMessage) *Alert {
	return &Alert{
		ID:         string(source) + ":" + nativeID,
		SourceType: source,
		Title:      title,
		Severity:   severity,
		ReceivedAt: time.Now().UTC(),
		Raw:        raw,
		State:      StateNew,
	}
}

// Fingerprint returns the stable dedup identifier for this alert.
func (a *Alert) Fingerprint() string {
	sum := sha256.Sum256([]byte(a.ID))
	return hex.EncodeToString(sum[:])
}

// Field looks up a path in the raw payload (gjson syntax). Missing paths
// return a zero Result; callers check Exists().
func (a *Alert) Field(path string) gjson.Result {
	return gjson.GetBytes(a.Raw, path)
}

// SizeEstimate is the number of bytes this alert is charged against the
// dedup cache budget.
func (a *Alert) SizeEstimate() int64 {
	// fingerprint + timestamps + map overhead
	const entryOverhead = 160
	return int64(len(a.Raw)) + entryOverhead
}

// AddEnrichment attaches named context produced by a playbook. Later
// playbooks in the chain read it with Enrichment. Safe for concurrent use;
// a timed-out playbook may still be writing when its successor runs.
func (a *Alert) AddEnrichment(name string, data json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enrichments == nil {
		a.enrichments = make(map[string]json.RawMessage)
	}
	a.enrichments[name] = data
}

// Enrichment returns the named enrichment, if a playbook attached one.
func (a *Alert) Enrichment(name string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.enrichments[name]
	return d, ok
}

// Enrichments returns a copy of all attached enrichments.
func (a *Alert) Enrichments() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]json.RawMessage, len(a.enrichments))
	for k, v := range a.enrichments {
		out[k] = v
	}
	return out
}

// SetCaseID records the case-management reference created for this alert.
func (a *Alert) SetCaseID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caseID = id
}

// CaseID returns the case reference, empty if no case was created.
func (a *Alert) CaseID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caseID
}

// Host returns the host name the alert concerns, if the payload carries one.
// Collectors normalize it to host.name where possible.
func (a *Alert) Host() string {
	if v := a.Field("host.name"); v.Exists() {
		return v.String()
	}
	return ""
}
