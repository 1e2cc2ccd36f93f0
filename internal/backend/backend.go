// Package backend unifies the two AI invocation strategies (gemini CLI
// subprocess and OpenAI-compatible HTTP endpoint) behind one contract, so the
// chat pipeline never cares which one produced a response.
package backend

import (
	"context"
	"encoding/json"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

// Message is one entry of native conversation history for the HTTP variant.
// ToolCalls is set on assistant messages that requested tool runs, so the
// tool-role replies that follow stay attributable.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured request from the model to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool in a backend-neutral shape. The
// HTTP variant converts it to a function schema; the CLI variant relies on
// the subprocess's own tool surface and ignores it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is the unified input for one backend call.
type Request struct {
	Prompt        string
	System        string
	Messages      []Message
	ContextTokens []string // @-prefixed attachment tokens, including the CLI context artifact
	Tools         []ToolDefinition
	ToolChoice    string
	Model         string
	ApprovalMode  string
	WorkspacePath string
	IncludeDirs   []string
}

// Response is the unified output shape of both variants.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Stats     *stats.UsageStats
}

// Chunk is one ordered element of a streaming response. Exactly one of Text,
// ToolCalls, Done or Err is meaningful per chunk; chunks are never reordered.
// The Done chunk carries the call's usage accounting when the backend
// reported any.
type Chunk struct {
	Text      string
	ToolCalls []ToolCall
	Done      bool
	Stats     *stats.UsageStats
	Err       error
}

// AIBackend is the single contract both variants implement.
type AIBackend interface {
	// Invoke performs one synchronous call.
	Invoke(ctx context.Context, req Request) (*Response, error)
	// Stream emits ordered chunks and closes the channel after the Done or
	// Err chunk. Cancelling ctx stops production; already delivered text is
	// not rolled back.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
