// Package virustotal implements adapter.ContextFetcher against the
// VirusTotal v3 API for IP and file-hash reputation lookups.
package virustotal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/rampart/internal/adapter"
)

const (
	defaultEndpoint = "https://www.virustotal.com/api/v3"
	httpTimeout     = 20 * time.Second
)

// Client queries VirusTotal. Queries take the form "ip:<addr>" or
// "hash:<sha256>".
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a client. Empty endpoint uses the public API.
func New(endpoint, apiKey string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// FetchContext implements adapter.ContextFetcher. The result is slimmed to
// the analysis stats and reputation score so enrichments stay small in the
// alert and the case.
func (c *Client) FetchContext(ctx context.Context, query string) (json.RawMessage, error) {
	kind, value, ok := strings.Cut(query, ":")
	if !ok {
		return nil, &adapter.IntegrationError{System: "virustotal", Err: fmt.Errorf("malformed query %q", query)}
	}

	var path string
	switch kind {
	case "ip":
		path = "/ip_addresses/" + value
	case "hash":
		path = "/files/" + value
	default:
		return nil, &adapter.IntegrationError{System: "virustotal", Err: fmt.Errorf("unsupported query kind %q", kind)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, &adapter.IntegrationError{System: "virustotal", Err: err}
	}
	req.Header.Set("x-apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &adapter.IntegrationError{System: "virustotal", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &adapter.IntegrationError{System: "virustotal", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusNotFound:
		return nil, &adapter.NotFoundError{Query: query}
	case http.StatusTooManyRequests:
		return nil, &adapter.IntegrationError{System: "virustotal", Err: fmt.Errorf("rate limited")}
	default:
		return nil, &adapter.IntegrationError{System: "virustotal", Err: fmt.Errorf("api returned %d", resp.StatusCode)}
	}

	attrs := gjson.GetBytes(body, "data.attributes")
	stats := attrs.Get("last_analysis_stats")
	out := map[string]any{
		"query":      query,
		"malicious":  stats.Get("malicious").Int(),
		"suspicious": stats.Get("suspicious").Int(),
		"harmless":   stats.Get("harmless").Int(),
		"undetected": stats.Get("undetected").Int(),
		"reputation": attrs.Get("reputation").Int(),
	}
	return json.Marshal(out)
}
