package claude

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestTextContent_SingleBlock(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "likely credential stuffing"},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}

	if got := textContent(msg); got != "likely credential stuffing" {
		t.Errorf("textContent = %q, want %q", got, "likely credential stuffing")
	}
}

func TestTextContent_ConcatenatesAndSkipsNonText(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "part one. "},
			{Type: "tool_use", ID: "tu-1", Name: "lookup", Input: json.RawMessage(`{}`)},
			{Type: "text", Text: "part two."},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}

	if got := textContent(msg); got != "part one. part two." {
		t.Errorf("textContent = %q, want concatenated text blocks", got)
	}
}

func TestTextContent_Empty(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{StopReason: anthropic.StopReasonEndTurn}
	if got := textContent(msg); got != "" {
		t.Errorf("textContent = %q, want empty", got)
	}
}
