// Package claude provides a one-shot analyst-summary client backed by the
// Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 1024

// Client wraps the Anthropic SDK for single-turn summarization requests.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a client for the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Summarize sends a single user turn under the given system prompt and
// returns the model's text output. Tool use is not offered, so the response
// is expected to be plain text.
func (c *Client) Summarize(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude request: %w", err)
	}

	text := textContent(msg)
	if text == "" {
		return "", fmt.Errorf("claude response contained no text (stop reason %q)", msg.StopReason)
	}
	return text, nil
}

// textContent concatenates the text blocks of a response, ignoring any other
// block types.
func textContent(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
