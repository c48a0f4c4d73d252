// Package qradar polls open offenses from an IBM QRadar console.
package qradar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/rampart/internal/alert"
	"github.com/linnemanlabs/rampart/internal/source"
)

const httpTimeout = 30 * time.Second

var offenseFields = "id,description,start_time,rules,categories,credibility," +
	"device_count,log_sources,magnitude,offense_source,relevance,severity,follow_up"

// Collector polls QRadar offenses with status OPEN that are not yet flagged
// for follow-up, ascending by offense ID past the last seen one.
type Collector struct {
	name     string
	endpoint string
	token    string
	client   *http.Client

	mu     sync.Mutex
	lastID int64
}

// New creates a collector authenticating with QRadar's SEC token header.
func New(name, endpoint, token string) *Collector {
	return &Collector{
		name:     name,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// Name implements source.Collector.
func (c *Collector) Name() string { return c.name }

// Poll fetches open offenses newer than the highest offense ID seen so far.
func (c *Collector) Poll(ctx context.Context) ([]*alert.Alert, error) {
	c.mu.Lock()
	lastID := c.lastID
	c.mu.Unlock()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}
	u.Path = "/api/siem/offenses"
	q := u.Query()
	q.Set("fields", offenseFields)
	q.Set("filter", fmt.Sprintf("status = OPEN and follow_up = False and id > %d", lastID))
	q.Set("sort", "+id")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	req.Header.Set("SEC", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.CollectorError{Source: c.name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &source.CollectorError{
			Source: c.name,
			Err:    fmt.Errorf("offenses returned %d", resp.StatusCode),
		}
	}

	var alerts []*alert.Alert
	maxID := lastID
	for _, off := range gjson.ParseBytes(body).Array() {
		id := off.Get("id").Int()
		title := off.Get("description").String()
		// QRadar severity is 0..10
		severity := int(off.Get("severity").Int()) * 10
		al := alert.New(alert.SourceQRadar, strconv.FormatInt(id, 10), title, severity, json.RawMessage(off.Raw))
		alerts = append(alerts, al)
		if id > maxID {
			maxID = id
		}
	}

	c.mu.Lock()
	c.lastID = maxID
	c.mu.Unlock()
	return alerts, nil
}
