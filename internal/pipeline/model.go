// Package pipeline advances alerts through the processing state machine:
// dedup check, playbook matching, and rank-ordered playbook execution with
// failure isolation.
package pipeline

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/rampart/internal/alert"
)

// Outcome is the result of a single playbook invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeFailed  Outcome = "FAILED"
)

// PlaybookRun records one playbook invocation against one alert. Runs are
// retained in the iteration result only; they are not persisted.
type PlaybookRun struct {
	Playbook string        `json:"playbook"`
	AlertID  string        `json:"alert_id"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AlertResult is the pipeline's verdict for one alert.
type AlertResult struct {
	AlertID   string        `json:"alert_id"`
	State     alert.State   `json:"state"`
	Unmatched bool          `json:"unmatched,omitempty"`
	Runs      []PlaybookRun `json:"runs,omitempty"`
}

// PlaybookError wraps a single playbook failure. It is isolated to the
// invoking playbook and its declared dependents.
type PlaybookError struct {
	Playbook string
	Reason   string
	Err      error
}

func (e *PlaybookError) Error() string {
	return fmt.Sprintf("playbook %s: %s", e.Playbook, e.Reason)
}

func (e *PlaybookError) Unwrap() error { return e.Err }
