// Package matrix sends operator notifications to a Matrix room via the
// client-server API.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/rampart/internal/adapter"
)

const (
	maxBodyLen  = 4000
	httpTimeout = 10 * time.Second
)

// Notifier implements adapter.Notifier against a Matrix homeserver. The
// channel argument of Notify is the room ID.
type Notifier struct {
	homeserver  string
	accessToken string
	client      *http.Client
}

// New creates a notifier. If homeserver is empty, Notify is a no-op so the
// daemon can run without a configured chat back-end.
func New(homeserver, accessToken string) *Notifier {
	return &Notifier{
		homeserver:  strings.TrimRight(homeserver, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: httpTimeout},
	}
}

// Notify puts an m.room.message event into the room. Each send uses a fresh
// transaction ID, so Matrix-side dedup never swallows distinct alerts.
func (n *Notifier) Notify(ctx context.Context, channel, message string) error {
	if n.homeserver == "" {
		return nil
	}

	event := map[string]any{
		"msgtype": "m.text",
		"body":    truncate(message, maxBodyLen),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return &adapter.IntegrationError{System: "matrix", Err: err}
	}

	txnID := ulid.Make().String()
	sendURL := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		n.homeserver, url.PathEscape(channel), txnID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sendURL, bytes.NewReader(body))
	if err != nil {
		return &adapter.IntegrationError{System: "matrix", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.accessToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return &adapter.IntegrationError{System: "matrix", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &adapter.IntegrationError{
			System: "matrix",
			Err:    fmt.Errorf("send returned %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
