package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/store"
)

func newTestApp(t *testing.T) (*Application, string, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = BackendMock
	st := store.New(t.TempDir(), logging.Nop())
	a, err := New(cfg, st, logging.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ws, err := st.OpenWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	session, err := st.CreateSession(ws.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return a, ws.ID, session.ID
}

func TestSendPromptPersistsRoundTrip(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(backend.FakeStep{
		Response: &backend.Response{Text: "the answer"},
	}))

	reply, err := a.SendPrompt(context.Background(), wsID, sessID, "the question")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if reply.Content != "the answer" || reply.Role != store.RoleAssistant {
		t.Errorf("unexpected reply: %+v", reply)
	}

	session, err := a.Store().LoadSession(wsID, sessID)
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected user+assistant, got %d messages", len(session.Messages))
	}
	if session.Messages[0].Role != store.RoleUser || session.Messages[0].Content != "the question" {
		t.Errorf("user message wrong: %+v", session.Messages[0])
	}
	if session.TokenUsage == 0 {
		t.Error("session token usage should grow")
	}
}

func TestSendPromptServesToolCalls(t *testing.T) {
	a, wsID, sessID := newTestApp(t)

	fake := backend.NewFake(
		backend.FakeStep{Response: &backend.Response{ToolCalls: []backend.ToolCall{{
			ID: "call_1", Name: "write_file",
			Arguments: json.RawMessage(`{"path":"note.txt","content":"remembered"}`),
		}}}},
		backend.FakeStep{Response: &backend.Response{Text: "noted"}},
	)
	a.SetBackend(fake)
	a.cfg.ApprovalMode = "auto_edit"

	reply, err := a.SendPrompt(context.Background(), wsID, sessID, "write a note")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if reply.Content != "noted" {
		t.Errorf("final text lost: %q", reply.Content)
	}
	if reply.Stats == nil || reply.Stats.Tools.TotalCalls != 1 || reply.Stats.Tools.TotalSuccess != 1 {
		t.Errorf("tool accounting missing: %+v", reply.Stats)
	}
	if reply.Stats.Files.LinesAdded != 1 {
		t.Errorf("file delta missing: %+v", reply.Stats.Files)
	}

	// The follow-up request must carry the tool exchange.
	second := fake.Requests[1]
	var sawToolMsg bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Errorf("tool result not threaded into follow-up: %+v", second.Messages)
	}
}

func TestSendPromptToolFailureBecomesAdvisory(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	fake := backend.NewFake(
		backend.FakeStep{Response: &backend.Response{ToolCalls: []backend.ToolCall{{
			ID: "call_1", Name: "write_file",
			Arguments: json.RawMessage(`{"path":"../outside.txt","content":"x"}`),
		}}}},
		backend.FakeStep{Response: &backend.Response{Text: "understood"}},
	)
	a.SetBackend(fake)
	a.cfg.ApprovalMode = "yolo"

	if _, err := a.SendPrompt(context.Background(), wsID, sessID, "escape"); err != nil {
		t.Fatalf("a contained tool failure must not fail the prompt: %v", err)
	}

	second := fake.Requests[1]
	var advisory string
	for _, m := range second.Messages {
		if m.Role == "tool" {
			advisory = m.Content
		}
	}
	if !strings.Contains(advisory, "workspace") {
		t.Errorf("boundary advisory not delivered to the model: %q", advisory)
	}
}

func TestSendPromptStructuredErrorBecomesAdvisoryReply(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(backend.FakeStep{
		Err: &backend.StructuredError{
			Type: "FatalToolExecutionError", Code: "permission_denied", Message: "blocked",
		},
	}))

	reply, err := a.SendPrompt(context.Background(), wsID, sessID, "do something bold")
	if err != nil {
		t.Fatalf("classified failures are advisories, not errors: %v", err)
	}
	if !strings.Contains(reply.Content, "approval mode") {
		t.Errorf("advisory text missing: %q", reply.Content)
	}
}

func TestSendPromptHardFailureRecordedAndReturned(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(backend.FakeStep{
		Err: &backend.Error{Kind: backend.KindUnreachable, Message: "no route"},
	}))

	reply, err := a.SendPrompt(context.Background(), wsID, sessID, "hello")
	if err == nil {
		t.Fatal("hard failure must surface as an error")
	}
	if reply == nil || !strings.Contains(reply.Content, "failed") {
		t.Errorf("failure should still be in the transcript: %+v", reply)
	}
}

// blockingBackend parks every Invoke until released.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Invoke(ctx context.Context, _ backend.Request) (*backend.Response, error) {
	close(b.started)
	select {
	case <-b.release:
		return &backend.Response{Text: "late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	resp, err := b.Invoke(ctx, req)
	out := make(chan backend.Chunk, 2)
	if err != nil {
		out <- backend.Chunk{Err: err}
	} else {
		out <- backend.Chunk{Text: resp.Text}
		out <- backend.Chunk{Done: true}
	}
	close(out)
	return out, nil
}

func TestSendPromptRejectsConcurrentCallSameSession(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	bb := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	a.SetBackend(bb)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.SendPrompt(context.Background(), wsID, sessID, "first")
		errCh <- err
	}()
	<-bb.started

	if _, err := a.SendPrompt(context.Background(), wsID, sessID, "second"); !errors.Is(err, ErrCallInFlight) {
		t.Errorf("expected ErrCallInFlight, got %v", err)
	}

	close(bb.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// The slot frees once the call finishes.
	a.SetBackend(backend.NewFake())
	if _, err := a.SendPrompt(context.Background(), wsID, sessID, "third"); err != nil {
		t.Errorf("session should accept calls again: %v", err)
	}
}

func TestCancelAbortsInFlightCall(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	bb := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	a.SetBackend(bb)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.SendPrompt(context.Background(), wsID, sessID, "first")
		errCh <- err
	}()
	<-bb.started
	a.Cancel(sessID)

	if err := <-errCh; err == nil {
		t.Fatal("cancelled call should fail")
	}
}

// newCLITestApp wires a real CLI-backend application against a shell script
// standing in for the AI binary.
func newCLITestApp(t *testing.T, script string) (*Application, string, string) {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-gemini")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Backend = BackendCLI
	cfg.CLIBinary = bin
	st := store.New(t.TempDir(), logging.Nop())
	a, err := New(cfg, st, logging.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ws, err := st.OpenWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	session, err := st.CreateSession(ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a, ws.ID, session.ID
}

func artifactDirs(t *testing.T, sessionID string) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join(os.TempDir(), "geminigui-ctx-"+sessionID+"-*"))
	if err != nil {
		t.Fatal(err)
	}
	return dirs
}

func TestSendPromptCLIArtifactGoneAfterSuccess(t *testing.T) {
	a, wsID, sessID := newCLITestApp(t, `echo '{"response":"done","stats":null}'`)

	reply, err := a.SendPrompt(context.Background(), wsID, sessID, "hello")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if reply.Content != "done" {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if dirs := artifactDirs(t, sessID); len(dirs) != 0 {
		t.Errorf("context artifact survived a successful call: %v", dirs)
	}
}

func TestSendPromptCLIArtifactGoneAfterFailure(t *testing.T) {
	a, wsID, sessID := newCLITestApp(t, `echo 'crash' >&2
exit 3`)

	if _, err := a.SendPrompt(context.Background(), wsID, sessID, "hello"); err == nil {
		t.Fatal("expected the call to fail")
	}
	if dirs := artifactDirs(t, sessID); len(dirs) != 0 {
		t.Errorf("context artifact survived a failed call: %v", dirs)
	}
}

func TestResendMessageAppends(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(
		backend.FakeStep{Response: &backend.Response{Text: "first answer"}},
		backend.FakeStep{Response: &backend.Response{Text: "second answer"}},
	))

	if _, err := a.SendPrompt(context.Background(), wsID, sessID, "repeat me"); err != nil {
		t.Fatal(err)
	}
	session, _ := a.Store().LoadSession(wsID, sessID)
	userID := session.Messages[0].ID

	if _, err := a.ResendMessage(context.Background(), wsID, sessID, userID); err != nil {
		t.Fatalf("ResendMessage: %v", err)
	}
	session, _ = a.Store().LoadSession(wsID, sessID)
	if len(session.Messages) != 4 {
		t.Fatalf("resend must append, not rewrite: %d messages", len(session.Messages))
	}
	if session.Messages[2].Content != "repeat me" {
		t.Errorf("resent prompt wrong: %q", session.Messages[2].Content)
	}
}

func TestResendMessageUnknownID(t *testing.T) {
	a, wsID, sessID := newTestApp(t)

	_, err := a.ResendMessage(context.Background(), wsID, sessID, "no-such-id")
	if !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestCompactSessionEmptyHistoryExplains(t *testing.T) {
	a, wsID, sessID := newTestApp(t)

	if err := a.CompactSession(wsID, sessID); err != nil {
		t.Fatalf("empty compaction must not error: %v", err)
	}
	session, _ := a.Store().LoadSession(wsID, sessID)
	if len(session.Messages) != 1 || !strings.Contains(session.Messages[0].Content, "nothing to compact") {
		t.Errorf("expected explanatory reply: %+v", session.Messages)
	}
}

func TestAgentRunThroughSession(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(
		backend.FakeStep{Response: &backend.Response{Text: "- [ ] inspect\n- [ ] fix"}},
		backend.FakeStep{Response: &backend.Response{Text: "inspected"}},
		backend.FakeStep{Response: &backend.Response{Text: "fixed"}},
		backend.FakeStep{Response: &backend.Response{Text: "all done"}},
	))

	run := a.NewAgentRun(wsID, sessID, "fix the bug")
	if err := run.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("agent run: %v", err)
	}
	if run.Summary != "all done" || len(run.Tasks) != 2 {
		t.Errorf("run state wrong: summary=%q tasks=%d", run.Summary, len(run.Tasks))
	}

	// The planning exchange is persisted but hidden.
	session, _ := a.Store().LoadSession(wsID, sessID)
	if !session.Messages[0].Hidden || !session.Messages[1].Hidden {
		t.Error("planning exchange should be hidden")
	}
	if session.Messages[2].Hidden {
		t.Error("task execution should be visible")
	}
}

func TestStreamPromptDeliversAndPersists(t *testing.T) {
	a, wsID, sessID := newTestApp(t)
	a.SetBackend(backend.NewFake(backend.FakeStep{
		Response: &backend.Response{Text: "streamed answer"},
	}))

	ch, err := a.StreamPrompt(context.Background(), wsID, sessID, "stream it")
	if err != nil {
		t.Fatalf("StreamPrompt: %v", err)
	}
	var text string
	var done bool
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		text += c.Text
		done = done || c.Done
	}
	if text != "streamed answer" || !done {
		t.Errorf("stream wrong: text=%q done=%v", text, done)
	}

	session, _ := a.Store().LoadSession(wsID, sessID)
	if len(session.Messages) != 2 || session.Messages[1].Content != "streamed answer" {
		t.Errorf("assistant message not persisted: %+v", session.Messages)
	}
}
