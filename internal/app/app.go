// Package app wires the session store, conversation builder, backends and
// tool executor into the operations the UI layer calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/agent"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/convo"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/store"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/tools"
)

// ErrCallInFlight means the session already has an active backend call;
// a session processes one prompt at a time.
var ErrCallInFlight = errors.New("a call for this session is already in flight")

// maxToolRounds bounds the model-requests-tool/tool-answers loop per prompt.
const maxToolRounds = 8

// Application is the orchestration core behind the UI.
type Application struct {
	cfg     Config
	store   *store.Store
	backend backend.AIBackend
	logger  *logging.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

func New(cfg Config, st *store.Store, logger *logging.Logger) (*Application, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Application{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		inFlight: make(map[string]context.CancelFunc),
	}
	b, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.backend = b
	return a, nil
}

func buildBackend(cfg Config, logger *logging.Logger) (backend.AIBackend, error) {
	switch cfg.Backend {
	case BackendCLI, "":
		return backend.NewCLIBackend(cfg.CLIBinary, logger), nil
	case BackendHTTP:
		if cfg.APIKey == "" {
			return nil, errors.New("http backend requires an api key")
		}
		return backend.NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, logger), nil
	case BackendMock:
		return backend.NewFake(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// SetBackend swaps the backend; used by tests and the mock toggle.
func (a *Application) SetBackend(b backend.AIBackend) { a.backend = b }

// Store exposes the session store for read paths the UI drives directly.
func (a *Application) Store() *store.Store { return a.store }

// acquire marks a session busy for the duration of one call and registers a
// cancel handle so the UI can abort it.
func (a *Application) acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inFlight[sessionID]; busy {
		return nil, nil, ErrCallInFlight
	}
	callCtx, cancel := context.WithCancel(ctx)
	a.inFlight[sessionID] = cancel
	release := func() {
		a.mu.Lock()
		delete(a.inFlight, sessionID)
		a.mu.Unlock()
		cancel()
	}
	return callCtx, release, nil
}

// Cancel aborts the session's active call, if any.
func (a *Application) Cancel(sessionID string) {
	a.mu.Lock()
	cancel := a.inFlight[sessionID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendPrompt runs one full prompt round trip: persist the user message, call
// the backend, serve any tool calls, persist and return the assistant reply.
func (a *Application) SendPrompt(ctx context.Context, workspaceID, sessionID, prompt string) (*store.ChatMessage, error) {
	return a.send(ctx, workspaceID, sessionID, prompt, false)
}

func (a *Application) send(ctx context.Context, workspaceID, sessionID, prompt string, hidden bool) (*store.ChatMessage, error) {
	ctx, release, err := a.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	ws, err := a.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	session, err := a.store.LoadSession(workspaceID, sessionID)
	if err != nil {
		return nil, err
	}

	c := convo.Build(session, prompt)
	if _, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
		Role:    store.RoleUser,
		Content: prompt,
		Hidden:  hidden,
	}); err != nil {
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

	// The CLI variant reads history from an ephemeral context file rather
	// than native messages. The artifact must not outlive the call.
	if a.cfg.Backend == BackendCLI {
		artifact, err := convo.WriteArtifact(sessionID, c, a.logger)
		if err != nil {
			return nil, err
		}
		defer artifact.Release()
		req.ContextTokens = append(req.ContextTokens, "@file:"+artifact.Path)
	}

	start := time.Now()
	text, agg, err := a.converse(ctx, ws, req)
	if err != nil {
		return a.appendFailure(workspaceID, sessionID, err, hidden)
	}

	reply, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
		Role:    store.RoleAssistant,
		Content: text,
		Hidden:  hidden,
		Stats:   agg,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("prompt served", map[string]interface{}{
		"session": sessionID,
		"elapsed": formatElapsedTime(time.Since(start)),
	})
	a.maybeSuggestCompaction(workspaceID, sessionID)
	return reply, nil
}

// converse drives the backend call and the tool loop until the model settles
// on a text answer.
func (a *Application) converse(ctx context.Context, ws *store.Workspace, req backend.Request) (string, *stats.UsageStats, error) {
	executor := tools.NewExecutor(ws.RootPath, a.logger)
	mode := tools.ParseApprovalMode(a.cfg.ApprovalMode)
	agg := stats.New()

	msgs := append([]backend.Message{}, req.Messages...)
	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.backend.Invoke(ctx, req)
		if err != nil {
			return "", agg, err
		}
		if resp.Stats != nil {
			agg.Add(resp.Stats)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Text, agg, nil
		}

		msgs = append(msgs, backend.Message{
			Role:      store.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		var rendered []string
		for _, call := range resp.ToolCalls {
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
			// The subprocess takes tool results as a follow-up prompt.
			req.Prompt = "Tool results:\n" + strings.Join(rendered, "\n")
		} else {
			req.Prompt = ""
		}
	}
	return "", agg, fmt.Errorf("model kept requesting tools after %d rounds", maxToolRounds)
}

// appendFailure turns a failed call into a conversation entry. Classifiable
// tool failures become advisories and do not surface as errors; hard backend
// failures are recorded and returned.
func (a *Application) appendFailure(workspaceID, sessionID string, callErr error, hidden bool) (*store.ChatMessage, error) {
	var structured *backend.StructuredError
	if errors.As(callErr, &structured) {
		c := tools.Classify(structured)
		msg, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
			Role:    store.RoleAssistant,
			Content: c.Advisory,
			Hidden:  hidden,
		})
		if err != nil {
			return nil, err
		}
		return msg, nil
	}

	msg, err := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
		Role:    store.RoleAssistant,
		Content: fmt.Sprintf("The request failed: %v", callErr),
		Hidden:  hidden,
	})
	if err != nil {
		return nil, fmt.Errorf("record failure: %w (original: %v)", err, callErr)
	}
	return msg, callErr
}

func (a *Application) maybeSuggestCompaction(workspaceID, sessionID string) {
	session, err := a.store.LoadSession(workspaceID, sessionID)
	if err != nil {
		return
	}
	if len(session.Messages) > a.cfg.MaxMessagesBeforeCompact {
		a.logger.Info("session is long, compaction recommended", map[string]interface{}{
			"session":  sessionID,
			"messages": len(session.Messages),
		})
	}
}

// ResendMessage replays an earlier user message as a fresh prompt at the end
// of the conversation. History is never rewritten.
func (a *Application) ResendMessage(ctx context.Context, workspaceID, sessionID, messageID string) (*store.ChatMessage, error) {
	session, err := a.store.LoadSession(workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range session.Messages {
		if m.ID == messageID {
			if m.Role != store.RoleUser {
				return nil, fmt.Errorf("message %s is not a user message", messageID)
			}
			return a.SendPrompt(ctx, workspaceID, sessionID, m.Content)
		}
	}
	return nil, store.ErrMessageNotFound
}

// CompactSession trims non-system history. An already empty history is not
// an error to the user; it becomes an explanatory reply.
func (a *Application) CompactSession(workspaceID, sessionID string) error {
	err := a.store.CompactSession(workspaceID, sessionID)
	if errors.Is(err, store.ErrCompactionEmptyHistory) {
		_, appendErr := a.store.AppendMessage(workspaceID, sessionID, store.ChatMessage{
			Role:    store.RoleAssistant,
			Content: "There is nothing to compact: the conversation has no removable history yet.",
		})
		return appendErr
	}
	return err
}

// SessionStats folds the per-message usage records of a session into one
// aggregate.
func (a *Application) SessionStats(workspaceID, sessionID string) (*stats.UsageStats, error) {
	session, err := a.store.LoadSession(workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	return session.AggregateStats(), nil
}

// sessionDispatcher adapts the prompt pipeline to the agent's Dispatcher.
type sessionDispatcher struct {
	app         *Application
	workspaceID string
	sessionID   string
}

func (d *sessionDispatcher) Dispatch(ctx context.Context, prompt string, hidden bool) (string, error) {
	msg, err := d.app.send(ctx, d.workspaceID, d.sessionID, prompt, hidden)
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// NewAgentRun builds an agent run whose exchanges flow through the given
// session.
func (a *Application) NewAgentRun(workspaceID, sessionID, request string) *agent.Run {
	return agent.NewRun(request, &sessionDispatcher{
		app:         a,
		workspaceID: workspaceID,
		sessionID:   sessionID,
	}, a.logger)
}
