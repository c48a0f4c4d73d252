// Package playbooks holds the built-in playbook implementations and the
// factory that binds configured names to them.
package playbooks

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/playbook"
)

// Built-in playbook names, matched against the pipeline config file.
const (
	NameEnrichVirusTotal = "enrich_virustotal"
	NameCorrelateHosts   = "correlate_hosts"
	NameEscalateCase     = "escalate_case"
	NameAISummary        = "ai_summary"
	NameClassifyNotify   = "classify_notify"
)

// Summarizer produces a short analyst summary for a prompt. The Claude
// client satisfies this; tests substitute a canned implementation.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// Deps carries the shared wiring playbook implementations draw from.
// Summarizer may be nil when no LLM is configured; Build still succeeds and
// the ai_summary playbook fails at run time if it is selected anyway.
type Deps struct {
	Logger               log.Logger
	Summarizer           Summarizer
	NotifyChannel        string
	CorrelationWindow    time.Duration
	CorrelationThreshold int
	MaxLookups           int
}

// Build returns the implementation for a configured playbook name. Unknown
// names are a ConfigError so a typo in the config file fails startup instead
// of silently never running.
func Build(name string, deps Deps) (playbook.Playbook, error) {
	switch name {
	case NameEnrichVirusTotal:
		return NewEnrichVirusTotal(deps.Logger, deps.MaxLookups), nil
	case NameCorrelateHosts:
		return NewCorrelateHosts(deps.CorrelationWindow, deps.CorrelationThreshold), nil
	case NameEscalateCase:
		return NewEscalateCase(deps.Logger), nil
	case NameAISummary:
		return NewAISummary(deps.Summarizer), nil
	case NameClassifyNotify:
		return NewClassifyNotify(deps.NotifyChannel), nil
	default:
		return nil, &playbook.ConfigError{Reason: fmt.Sprintf("unknown playbook %q", name)}
	}
}
