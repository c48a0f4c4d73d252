// Package elastic polls open detection signals from an Elastic SIEM.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/source"
)

const (
	defaultIndex = ".alerts-security.alerts-*"
	pageSize     = 200
	httpTimeout  = 30 * time.Second
)

// severityRank maps Elastic severity labels onto the 0..100 scale.
var severityRank = map[string]int{
	"low":      25,
	"medium":   50,
	"high":     75,
	"critical": 95,
}

// Collector polls an Elastic SIEM's alert index for open signals newer than
// the last poll.
type Collector struct {
	name     string
	endpoint string
	index    string
	apiKey   string
	client   *http.Client

	mu    sync.Mutex
	since time.Time
}

// New creates a collector. Empty index falls back to the security alerts
// data stream. The first poll looks back one hour; the dedup cache absorbs
// any overlap after a restart.
func New(name, endpoint, index, apiKey string) *Collector {
	if index == "" {
		index = defaultIndex
	}
	return &Collector{
		name:     name,
		endpoint: endpoint,
		index:    index,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: httpTimeout},
		since:    time.Now().UTC().Add(-time.Hour),
	}
}

// Name implements source.Collector.
func (c *Collector) Name() string { return c.name }

// Poll searches for open signals since the previous poll and advances the
// high-water mark only on success.
func (c *Collector) Poll(ctx context.Context) ([]*alert.Alert, error) {
	c.mu.Lock()
	since := c.since
	c.mu.Unlock()
	pollStart := time.Now().UTC()

	body, err := json.Marshal(searchBody(since))
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}

	url := fmt.Sprintf("%s/%s/_search", c.endpoint, c.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &source.CollectorError{
			Source: c.name,
			Err:    fmt.Errorf("search returned %d: %s", resp.StatusCode, truncate(respBody, 256)),
		}
	}

	var alerts []*alert.Alert
	for _, hit := range gjson.GetBytes(respBody, "hits.hits").Array() {
		id := hit.Get("_id").String()
		src := hit.Get("_source")
		title := src.Get("kibana\\.alert\\.rule\\.name").String()
		if title == "" {
			title = src.Get("message").String()
		}
		severity := severityRank[src.Get("kibana\\.alert\\.severity").String()]
		alerts = append(alerts, alert.New(alert.SourceElastic, id, title, severity, json.RawMessage(src.Raw)))
	}

	c.mu.Lock()
	c.since = pollStart
	c.mu.Unlock()
	return alerts, nil
}

func searchBody(since time.Time) map[string]any {
	return map[string]any{
		"size": pageSize,
		"sort": []map[string]any{{"@timestamp": "asc"}},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"kibana.alert.workflow_status": "open"}},
					{"range": map[string]any{"@timestamp": map[string]any{"gt": since.Format(time.RFC3339)}}},
				},
			},
		},
	}
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
