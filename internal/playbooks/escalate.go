package playbooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

// EscalateCase creates or updates the case for an alert, carrying along every
// enrichment attached by earlier playbooks. The case manager is idempotent
// per alert ID, so a redelivered alert lands in its existing case.
type EscalateCase struct {
	logger log.Logger
}

// NewEscalateCase creates the playbook.
func NewEscalateCase(logger log.Logger) *EscalateCase {
	return &EscalateCase{logger: logger}
}

func (p *EscalateCase) Run(ctx context.Context, al *alert.Alert, adapters *adapter.Set) error {
	if adapters.Cases == nil {
		return errors.New("no case manager configured")
	}

	fields := make(map[string]any)
	for name, data := range al.Enrichments() {
		fields["enrichment_"+name] = data
	}

	caseID, err := adapters.Cases.CreateOrUpdateCase(ctx, al, fields)
	if err != nil {
		return fmt.Errorf("escalate %s: %w", al.ID, err)
	}
	al.SetCaseID(caseID)
	p.logger.Info(ctx, "case escalated", "alert_id", al.ID, "case_id", caseID)
	return nil
}
