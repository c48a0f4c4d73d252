package playbooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

const analystSystemPrompt = "You are a SOC analyst assistant. Given a security alert " +
	"and its enrichment context, write a concise summary for the on-call analyst: " +
	"what happened, why it matters, and a recommended next step. Plain text, no markdown."

// AISummary asks the configured LLM for an analyst summary of the alert and
// attaches it as the "analysis" enrichment. When the alert already has a
// case, the summary is pushed into the case as well.
type AISummary struct {
	summarizer Summarizer
}

// NewAISummary creates the playbook. A nil summarizer is tolerated at
// construction so configuration without an API key still loads; a run then
// fails with a clear error.
func NewAISummary(s Summarizer) *AISummary {
	return &AISummary{summarizer: s}
}

func (p *AISummary) Run(ctx context.Context, al *alert.Alert, adapters *adapter.Set) error {
	if p.summarizer == nil {
		return errors.New("no summarizer configured")
	}

	text, err := p.summarizer.Summarize(ctx, analystSystemPrompt, buildPrompt(al))
	if err != nil {
		return fmt.Errorf("summarize %s: %w", al.ID, err)
	}

	data, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	al.AddEnrichment("analysis", data)

	if al.CaseID() != "" && adapters.Cases != nil {
		if _, err := adapters.Cases.CreateOrUpdateCase(ctx, al, map[string]any{"analysis": text}); err != nil {
			return fmt.Errorf("attach analysis to case: %w", err)
		}
	}
	return nil
}

func buildPrompt(al *alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s\n", al.Title)
	fmt.Fprintf(&b, "Source: %s\n", al.SourceType)
	fmt.Fprintf(&b, "Severity: %d/100\n", al.Severity)
	if host := al.Host(); host != "" {
		fmt.Fprintf(&b, "Host: %s\n", host)
	}
	for name, data := range al.Enrichments() {
		fmt.Fprintf(&b, "Context (%s): %s\n", name, data)
	}
	return b.String()
}
