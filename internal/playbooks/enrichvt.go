package playbooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

const defaultMaxLookups = 5

// Payload paths probed for reputation indicators, in priority order.
var indicatorPaths = []struct {
	path string
	kind string
}{
	{"source.ip", "ip"},
	{"destination.ip", "ip"},
	{"file.hash.sha256", "hash"},
	{"file.hash.md5", "hash"},
}

// EnrichVirusTotal looks up IP and file-hash indicators from the alert
// payload and attaches the reputation verdicts as the "virustotal"
// enrichment. Indicators the reputation service has never seen are skipped;
// any other lookup failure fails the run.
type EnrichVirusTotal struct {
	logger     log.Logger
	maxLookups int
}

// NewEnrichVirusTotal creates the playbook. maxLookups <= 0 selects the
// default cap, which bounds API quota spent per alert.
func NewEnrichVirusTotal(logger log.Logger, maxLookups int) *EnrichVirusTotal {
	if maxLookups <= 0 {
		maxLookups = defaultMaxLookups
	}
	return &EnrichVirusTotal{logger: logger, maxLookups: maxLookups}
}

func (p *EnrichVirusTotal) Run(ctx context.Context, al *alert.Alert, adapters *adapter.Set) error {
	if adapters.Reputation == nil {
		return errors.New("no reputation adapter configured")
	}

	queries := indicatorQueries(al, p.maxLookups)
	if len(queries) == 0 {
		return nil
	}

	verdicts := make(map[string]json.RawMessage, len(queries))
	for _, q := range queries {
		raw, err := adapters.Reputation.FetchContext(ctx, q)
		if err != nil {
			var nf *adapter.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return fmt.Errorf("lookup %s: %w", q, err)
		}
		verdicts[q] = raw
	}
	if len(verdicts) == 0 {
		return nil
	}

	data, err := json.Marshal(verdicts)
	if err != nil {
		return fmt.Errorf("marshal verdicts: %w", err)
	}
	al.AddEnrichment("virustotal", data)
	p.logger.Info(ctx, "reputation enrichment attached",
		"alert_id", al.ID, "indicators", len(queries), "verdicts", len(verdicts))
	return nil
}

// indicatorQueries extracts deduplicated adapter queries from the payload,
// capped at limit.
func indicatorQueries(al *alert.Alert, limit int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ind := range indicatorPaths {
		v := al.Field(ind.path)
		if !v.Exists() || v.String() == "" {
			continue
		}
		q := ind.kind + ":" + v.String()
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if len(out) >= limit {
			break
		}
	}
	return out
}
