package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

// OpenAIBackend talks to a chat-completions style endpoint with function
// calling, in both single-shot and streaming mode.
type OpenAIBackend struct {
	client *openai.Client
	logger *logging.Logger
}

func NewOpenAIBackend(apiKey, baseURL string, logger *logging.Logger) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg), logger: logger}
}

// buildSystemPrompt assembles the structured system section: workspace path,
// attachment tokens, a note about the tool surface, and a continuation notice
// when history is present.
func buildSystemPrompt(req Request) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n\n")
	}
	if req.WorkspacePath != "" {
		fmt.Fprintf(&sb, "Workspace: %s\n", req.WorkspacePath)
	}
	if len(req.ContextTokens) > 0 {
		fmt.Fprintf(&sb, "Attached context: %s\n", strings.Join(req.ContextTokens, " "))
	}
	if len(req.Tools) > 0 {
		names := make([]string, 0, len(req.Tools))
		for _, t := range req.Tools {
			names = append(names, t.Name)
		}
		fmt.Fprintf(&sb, "You may call the following tools: %s\n", strings.Join(names, ", "))
	}
	if len(req.Messages) > 0 {
		sb.WriteString("This is a continuation of an existing conversation; earlier messages are included above the latest user prompt.\n")
	}
	return strings.TrimSpace(sb.String())
}

func (b *OpenAIBackend) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+2)
	if system := buildSystemPrompt(req); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, cm)
	}
	if req.Prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != "" {
		out.ToolChoice = req.ToolChoice
	}
	return out
}

func usageToStats(model string, usage openai.Usage, latencyMs int64) *stats.UsageStats {
	st := stats.New()
	st.RecordRequest(model, latencyMs, false)
	tokens := stats.TokenStats{
		Prompt:     usage.PromptTokens,
		Candidates: usage.CompletionTokens,
		Total:      usage.TotalTokens,
	}
	if usage.PromptTokensDetails != nil {
		tokens.Cached = usage.PromptTokensDetails.CachedTokens
	}
	st.RecordTokens(model, tokens)
	return st
}

func convertToolCalls(calls []openai.ToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func (b *OpenAIBackend) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Message: "chat completion request failed", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformedResponse, Message: "response carries no choices"}
	}

	msg := resp.Choices[0].Message

	// Some gateways report tool failures inside a 200 body instead of the
	// error channel; surface those as structured errors.
	if structured := embeddedStructuredError(msg.Content); structured != nil {
		return nil, structured
	}

	b.logger.Info("http backend call finished", map[string]interface{}{
		"model":      req.Model,
		"latency_ms": latency,
		"tool_calls": len(msg.ToolCalls),
	})

	return &Response{
		Text:      msg.Content,
		ToolCalls: convertToolCalls(msg.ToolCalls),
		Stats:     usageToStats(req.Model, resp.Usage, latency),
	}, nil
}

// toolCallAccumulator reassembles tool-call fragments spread across stream
// deltas. Fragments are keyed by index; the arguments string grows until
// finish_reason signals completion.
type toolCallAccumulator struct {
	byIndex map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialToolCall)}
}

func (a *toolCallAccumulator) add(fragments []openai.ToolCall) {
	for _, f := range fragments {
		idx := 0
		if f.Index != nil {
			idx = *f.Index
		}
		p, ok := a.byIndex[idx]
		if !ok {
			p = &partialToolCall{}
			a.byIndex[idx] = p
		}
		if f.ID != "" {
			p.id = f.ID
		}
		if f.Function.Name != "" {
			p.name = f.Function.Name
		}
		p.args.WriteString(f.Function.Arguments)
	}
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.byIndex[i]
		out = append(out, ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(p.args.String()),
		})
	}
	return out
}

func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	start := time.Now()
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Message: "chat completion stream failed", Err: err}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := newToolCallAccumulator()
		var usage *openai.Usage
		for {
			r, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				done := Chunk{Done: true}
				if usage != nil {
					done.Stats = usageToStats(req.Model, *usage, time.Since(start).Milliseconds())
				}
				emit(done)
				return
			}
			if err != nil {
				emit(Chunk{Err: &Error{Kind: KindUnreachable, Message: "stream read failed", Err: err}})
				return
			}
			if r.Usage != nil {
				usage = r.Usage
			}
			if len(r.Choices) == 0 {
				continue
			}
			choice := r.Choices[0]
			if choice.Delta.Content != "" {
				if !emit(Chunk{Text: choice.Delta.Content}) {
					return
				}
			}
			if len(choice.Delta.ToolCalls) > 0 {
				acc.add(choice.Delta.ToolCalls)
			}
			if choice.FinishReason != "" {
				if calls := acc.calls(); len(calls) > 0 {
					if !emit(Chunk{ToolCalls: calls}) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// embeddedStructuredError detects a {"error": {...}} object hiding inside a
// successful body.
func embeddedStructuredError(content string) *StructuredError {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var env errorEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Error != nil {
		return env.Error
	}
	return nil
}
