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

const maxAnalysisExcerpt = 500

// ClassifyNotify is the terminal playbook: it derives a severity class from
// the numeric severity and notifies the configured channel.
type ClassifyNotify struct {
	channel string
}

// NewClassifyNotify creates the playbook targeting the given channel.
func NewClassifyNotify(channel string) *ClassifyNotify {
	return &ClassifyNotify{channel: channel}
}

func (p *ClassifyNotify) Run(ctx context.Context, al *alert.Alert, adapters *adapter.Set) error {
	if adapters.Notifier == nil {
		return errors.New("no notifier configured")
	}

	class := severityClass(al.Severity)
	data, err := json.Marshal(class)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	al.AddEnrichment("classification", data)

	if err := adapters.Notifier.Notify(ctx, p.channel, buildNotification(al, class)); err != nil {
		return fmt.Errorf("notify %s: %w", al.ID, err)
	}
	return nil
}

// severityClass buckets a 0..100 severity into the operator-facing class.
func severityClass(severity int) string {
	switch {
	case severity >= 90:
		return "critical"
	case severity >= 70:
		return "high"
	case severity >= 40:
		return "medium"
	default:
		return "low"
	}
}

func buildNotification(al *alert.Alert, class string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", classEmoji(class), strings.ToUpper(class), al.Title)
	fmt.Fprintf(&b, "source: %s | id: %s | severity: %d", al.SourceType, al.ID, al.Severity)
	if host := al.Host(); host != "" {
		fmt.Fprintf(&b, "\nhost: %s", host)
	}
	if caseID := al.CaseID(); caseID != "" {
		fmt.Fprintf(&b, "\ncase: %s", caseID)
	}
	if analysis, ok := al.Enrichment("analysis"); ok {
		var text string
		if err := json.Unmarshal(analysis, &text); err == nil && text != "" {
			fmt.Fprintf(&b, "\n\n%s", excerpt(text, maxAnalysisExcerpt))
		}
	}
	return b.String()
}

func classEmoji(class string) string {
	switch class {
	case "critical", "high":
		return "\U0001f534" // red circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
