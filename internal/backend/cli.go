package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

// CLIBackend drives an external AI CLI (gemini) in machine-readable output
// mode. Arguments are always passed as a vector; nothing is ever shelled
// through a string.
type CLIBackend struct {
	Binary string
	Logger *logging.Logger
}

func NewCLIBackend(binary string, logger *logging.Logger) *CLIBackend {
	if strings.TrimSpace(binary) == "" {
		binary = "gemini"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &CLIBackend{Binary: binary, Logger: logger}
}

// cliResponse is the success schema expected on stdout. Response is a
// pointer so a body that merely parses, like null or {}, is still told apart
// from one that carries the field.
type cliResponse struct {
	Response *string           `json:"response"`
	Stats    *stats.UsageStats `json:"stats"`
	Error    *StructuredError  `json:"error,omitempty"`
}

func (b *CLIBackend) buildArgs(req Request) []string {
	args := []string{"--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ApprovalMode != "" {
		args = append(args, "--approval-mode", req.ApprovalMode)
	}
	for _, dir := range req.IncludeDirs {
		args = append(args, "--include-directories", dir)
	}

	prompt := req.Prompt
	if len(req.ContextTokens) > 0 {
		prompt = strings.Join(req.ContextTokens, " ") + "\n" + prompt
	}
	args = append(args, prompt)
	return args
}

func (b *CLIBackend) Invoke(ctx context.Context, req Request) (*Response, error) {
	args := b.buildArgs(req)
	cmd := exec.CommandContext(ctx, b.Binary, args...)
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	latency := time.Since(start).Milliseconds()

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, &Error{Kind: KindSpawnFailure, Message: "failed to start " + b.Binary, Err: runErr}
		}
	}

	b.Logger.Info("cli backend call finished", map[string]interface{}{
		"binary":     b.Binary,
		"latency_ms": latency,
		"exit_ok":    runErr == nil,
	})

	// stdout is authoritative when it parses to the success or error schema.
	// The process may still report a tool failure inside a structurally valid
	// body; a body with neither field is not a response at all.
	var parsed cliResponse
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err == nil {
		if parsed.Error != nil {
			return nil, parsed.Error
		}
		if parsed.Response != nil {
			st := parsed.Stats
			if st == nil {
				st = stats.New()
			}
			st.RecordRequest(req.Model, latency, false)
			return &Response{Text: *parsed.Response, Stats: st}, nil
		}
	}

	// The process can exit non-zero and still emit a structured error on
	// stderr; that machine response is authoritative over the exit code.
	if structured := extractStructuredError(stderr.String()); structured != nil {
		return nil, structured
	}

	if runErr != nil {
		return nil, &Error{
			Kind:    KindProcessFailed,
			Message: "process exited non-zero without machine-readable output: " + truncate(stderr.String(), 400),
			Err:     runErr,
		}
	}
	return nil, &Error{
		Kind:    KindMalformedResponse,
		Message: "stdout carries no machine-readable response: " + truncate(stdout.String(), 400),
	}
}

// Stream satisfies the streaming contract by delegating to Invoke; the CLI
// contract has no incremental output mode, so the full text arrives as a
// single ordered chunk.
func (b *CLIBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 2)
	go func() {
		defer close(out)
		resp, err := b.Invoke(ctx, req)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		if resp.Text != "" {
			out <- Chunk{Text: resp.Text}
		}
		out <- Chunk{Done: true, Stats: resp.Stats}
	}()
	return out, nil
}

// extractStructuredError finds a JSON object carrying an "error" field inside
// free-form process output.
func extractStructuredError(output string) *StructuredError {
	idx := strings.Index(output, "{")
	for idx >= 0 {
		candidate := output[idx:]
		if end := matchBraces(candidate); end > 0 {
			var env errorEnvelope
			if err := json.Unmarshal([]byte(candidate[:end]), &env); err == nil && env.Error != nil {
				return env.Error
			}
		}
		next := strings.Index(output[idx+1:], "{")
		if next < 0 {
			return nil
		}
		idx = idx + 1 + next
	}
	return nil
}

// matchBraces returns the length of the balanced JSON object starting at
// s[0] == '{', or -1 when unbalanced. Quoted braces are skipped.
func matchBraces(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
