// Package iris implements adapter.CaseManager against a DFIR-IRIS style
// case-management REST API.
package iris

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/alert"
)

const httpTimeout = 30 * time.Second

// Client creates and updates cases. It keeps an alert-ID -> case-ID map so a
// reprocessed alert (at-least-once delivery) updates its existing case
// instead of opening a duplicate.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client

	mu    sync.Mutex
	cases map[string]string // alert ID -> case ID
}

// New creates a client authenticating with a bearer API key.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: httpTimeout},
		cases:    make(map[string]string),
	}
}

// CreateOrUpdateCase implements adapter.CaseManager.
func (c *Client) CreateOrUpdateCase(ctx context.Context, al *alert.Alert, fields map[string]any) (string, error) {
	c.mu.Lock()
	caseID, known := c.cases[al.ID]
	c.mu.Unlock()

	payload := map[string]any{
		"case_name":        al.Title,
		"case_description": fmt.Sprintf("Alert %s from %s", al.ID, al.SourceType),
		"case_severity":    al.Severity,
		"case_tags":        []string{"rampart", string(al.SourceType)},
		"alert_id":         al.ID,
	}
	for k, v := range fields {
		payload[k] = v
	}

	method := http.MethodPost
	url := c.endpoint + "/manage/cases/add"
	if known {
		method = http.MethodPut
		url = c.endpoint + "/manage/cases/update/" + caseID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &adapter.IntegrationError{System: "iris", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", &adapter.IntegrationError{System: "iris", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &adapter.IntegrationError{System: "iris", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &adapter.IntegrationError{System: "iris", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &adapter.IntegrationError{
			System: "iris",
			Err:    fmt.Errorf("case api returned %d: %s", resp.StatusCode, truncate(respBody, 256)),
		}
	}

	if !known {
		caseID = gjson.GetBytes(respBody, "data.case_id").String()
		if caseID == "" {
			return "", &adapter.IntegrationError{System: "iris", Err: fmt.Errorf("response missing data.case_id")}
		}
		c.mu.Lock()
		c.cases[al.ID] = caseID
		c.mu.Unlock()
	}
	return caseID, nil
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
