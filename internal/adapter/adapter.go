// Package adapter defines the capability surface playbooks use to reach
// external systems. The pipeline depends only on these interfaces; one
// implementation exists per concrete back-end (VirusTotal, IRIS, Matrix).
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/rampart/internal/alert"
)

// ContextFetcher looks up enrichment context for a query such as
// "ip:203.0.113.7" or "hash:44d88612...".
type ContextFetcher interface {
	FetchContext(ctx context.Context, query string) (json.RawMessage, error)
}

// CaseManager creates or updates a case for an alert and returns the case
// reference. Implementations must be idempotent per alert ID so that a
// reprocessed alert updates its existing case instead of opening a second one.
type CaseManager interface {
	CreateOrUpdateCase(ctx context.Context, al *alert.Alert, fields map[string]any) (string, error)
}

// Notifier delivers a message to a channel owned by the concrete back-end
// (a Matrix room ID, for instance).
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Set bundles the adapters handed to every playbook invocation. Nil fields
// are legal; a playbook requiring an absent adapter fails its run.
type Set struct {
	Reputation ContextFetcher
	Cases      CaseManager
	Notifier   Notifier
}

// NotFoundError reports that the backing system has no context for a query.
// Playbooks treat it as an empty answer, not a failure.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no context found for %q", e.Query)
}

// IntegrationError wraps an adapter-specific failure (auth, network, rate
// limit). It is always isolated to the invoking playbook.
type IntegrationError struct {
	System string
	Err    error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s: %v", e.System, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }
