package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/convo"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/store"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/tools"
)

// StreamPrompt is SendPrompt with incremental delivery. Text chunks arrive
// as the model produces them; the assistant message is persisted once the
// stream settles, and the channel closes after a final Done or Err chunk.
func (a *Application) StreamPrompt(ctx context.Context, workspaceID, sessionID, prompt string) (<-chan backend.Chunk, error) {
	ctx, release, err := a.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ws, err := a.store.GetWorkspace(workspaceID)
	if err != nil {
		release()
		return nil, err
	}
	session, err := a.store.LoadSession(workspaceID, sessionID)
	if err != nil {
		release()
		return nil, err
	}

	c := convo.Build(session, prompt)
	if _, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
		Role:    store.RoleUser,
		Content: prompt,
	}); err != nil {
		release()
		return nil, err
	}

	req := backend.Request{
		Prompt:        prompt,
		Messages:      c.Messages,
		ContextTokens: c.Tokens(),
		Model:         a.cfg.Model,
		ApprovalMode:  a.cfg.ApprovalMode,
		WorkspacePath: ws.RootPath,
		Tools:         tools.Definitions(),
	}

	var artifact *convo.Artifact
	if a.cfg.Backend == BackendCLI {
		artifact, err = convo.WriteArtifact(sessionID, c, a.logger)
		if err != nil {
			release()
			return nil, err
		}
		req.ContextTokens = append(req.ContextTokens, "@file:"+artifact.Path)
	}

	out := make(chan backend.Chunk)
	go func() {
		defer close(out)
		defer release()
		defer artifact.Release()

		text, agg, err := a.streamRounds(ctx, ws, req, out)
		if err != nil {
			msg, failErr := a.appendFailure(workspaceID, sessionID, err, false)
			if failErr == nil && msg != nil {
				// A classified failure becomes advisory text, delivered like
				// a normal reply.
				select {
				case out <- backend.Chunk{Text: msg.Content}:
				case <-ctx.Done():
					return
				}
				select {
				case out <- backend.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- backend.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		if _, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
			Role:    store.RoleAssistant,
			Content: text,
			Stats:   agg,
		}); err != nil {
			select {
			case out <- backend.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- backend.Chunk{Done: true, Stats: agg}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// streamRounds forwards text chunks while driving the same tool loop the
// synchronous path uses.
func (a *Application) streamRounds(ctx context.Context, ws *store.Workspace, req backend.Request, out chan<- backend.Chunk) (string, *stats.UsageStats, error) {
	executor := tools.NewExecutor(ws.RootPath, a.logger)
	mode := tools.ParseApprovalMode(a.cfg.ApprovalMode)
	agg := stats.New()

	var text strings.Builder
	msgs := append([]backend.Message{}, req.Messages...)
	for round := 0; round < maxToolRounds; round++ {
		ch, err := a.backend.Stream(ctx, req)
		if err != nil {
			return "", agg, err
		}

		var calls []backend.ToolCall
		var roundText strings.Builder
		for chunk := range ch {
			switch {
			case chunk.Err != nil:
				return "", agg, chunk.Err
			case chunk.Text != "":
				roundText.WriteString(chunk.Text)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return "", agg, ctx.Err()
				}
			case len(chunk.ToolCalls) > 0:
				calls = chunk.ToolCalls
			case chunk.Done:
				if chunk.Stats != nil {
					agg.Add(chunk.Stats)
				}
			}
		}
		text.WriteString(roundText.String())

		if len(calls) == 0 {
			return text.String(), agg, nil
		}

		msgs = append(msgs, backend.Message{
			Role:      store.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: calls,
		})
		var rendered []string
		for _, call := range calls {
			res := executor.Execute(ctx, call, mode)
			agg.Add(res.Stats)
			content := res.Output
			if res.Err != nil {
				content = tools.Classify(res.Err).Advisory
			}
			msgs = append(msgs, backend.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			rendered = append(rendered, fmt.Sprintf("%s: %s", call.Name, content))
		}
		req.Messages = msgs
		if a.cfg.Backend == BackendCLI {
			req.Prompt = "Tool results:\n" + strings.Join(rendered, "\n")
		} else {
			req.Prompt = ""
		}
	}
	return "", agg, fmt.Errorf("model kept requesting tools after %d rounds", maxToolRounds)
}
