package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxToolOutputBytes    = 64 * 1024
)

// Executor runs tool calls against a single workspace root. Every path a
// tool touches must resolve inside that root.
type Executor struct {
	Root   string
	Logger *logging.Logger
}

func NewExecutor(root string, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{Root: root, Logger: logger}
}

// Result is the record of one tool execution. Err is nil on success; Stats
// always carries the call's accounting (duration, decision, line deltas).
type Result struct {
	ToolCallID string
	Name       string
	Output     string
	Err        error
	Stats      *stats.UsageStats
}

// Execute dispatches a tool call. Failures come back inside the Result, never
// as a panic or a fatal error: the caller turns them into advisories.
func (e *Executor) Execute(ctx context.Context, call backend.ToolCall, mode ApprovalMode) *Result {
	start := time.Now()
	res := &Result{ToolCallID: call.ID, Name: call.Name, Stats: stats.New()}

	decision, err := e.approve(call.Name, mode)
	if err != nil {
		res.Err = err
		res.Stats.Tools.Decisions.Reject++
		res.Stats.RecordToolCall(call.Name, time.Since(start).Milliseconds(), false)
		return res
	}

	output, files, err := e.dispatch(ctx, call)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		res.Err = err
		res.Stats.RecordToolCall(call.Name, elapsed, false)
		e.Logger.Warn("tool call failed", map[string]interface{}{
			"tool":        call.Name,
			"duration_ms": elapsed,
			"error":       err.Error(),
		})
		return res
	}

	res.Output = truncateOutput(output)
	res.Stats.Files.LinesAdded += files.LinesAdded
	res.Stats.Files.LinesRemoved += files.LinesRemoved
	switch decision {
	case "auto_accept":
		res.Stats.Tools.Decisions.AutoAccept++
	default:
		res.Stats.Tools.Decisions.Accept++
	}
	res.Stats.RecordToolCall(call.Name, elapsed, true)
	e.Logger.Info("tool call finished", map[string]interface{}{
		"tool":        call.Name,
		"duration_ms": elapsed,
	})
	return res
}

// approve applies the approval mode policy. Read-only tools always run;
// mutations need auto_edit or yolo; command execution needs yolo.
func (e *Executor) approve(name string, mode ApprovalMode) (string, error) {
	switch name {
	case "read_file", "list_dir", "search_files":
		if mode == ApprovalYolo {
			return "auto_accept", nil
		}
		return "accept", nil
	case "write_file", "edit_file":
		switch mode {
		case ApprovalAutoEdit:
			return "accept", nil
		case ApprovalYolo:
			return "auto_accept", nil
		}
		return "", &backend.StructuredError{
			Type:    "ToolExecutionError",
			Code:    "permission_denied",
			Message: fmt.Sprintf("approval mode %q forbids %s", mode, name),
		}
	case "run_command":
		if mode == ApprovalYolo {
			return "auto_accept", nil
		}
		return "", &backend.StructuredError{
			Type:    "ToolExecutionError",
			Code:    "permission_denied",
			Message: fmt.Sprintf("approval mode %q forbids run_command", mode),
		}
	}
	return "", &backend.StructuredError{
		Type:    "ToolExecutionError",
		Code:    "tool_not_registered",
		Message: fmt.Sprintf("unknown tool: %s", name),
	}
}

func (e *Executor) dispatch(ctx context.Context, call backend.ToolCall) (string, stats.FileStats, error) {
	var none stats.FileStats
	switch call.Name {
	case "read_file":
		out, err := e.readFile(call.Arguments)
		return out, none, err
	case "write_file":
		return e.writeFile(call.Arguments)
	case "edit_file":
		return e.editFile(call.Arguments)
	case "list_dir":
		out, err := e.listDir(call.Arguments)
		return out, none, err
	case "search_files":
		out, err := e.searchFiles(call.Arguments)
		return out, none, err
	case "run_command":
		out, err := e.runCommand(ctx, call.Arguments)
		return out, none, err
	}
	return "", none, &backend.StructuredError{
		Type:    "ToolExecutionError",
		Code:    "tool_not_registered",
		Message: fmt.Sprintf("unknown tool: %s", call.Name),
	}
}

// resolve joins a tool-supplied path onto the workspace root and rejects
// anything that escapes it, symlink-free traversal included.
func (e *Executor) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.Root, rel)
	}
	abs = filepath.Clean(abs)
	root := filepath.Clean(e.Root)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", &backend.StructuredError{
			Type:    "ToolExecutionError",
			Code:    "invalid_tool_params",
			Message: fmt.Sprintf("path %q is outside of the allowed workspace directories", rel),
		}
	}
	return abs, nil
}

func invalidParams(format string, args ...interface{}) error {
	return &backend.StructuredError{
		Type:    "ToolExecutionError",
		Code:    "invalid_tool_params",
		Message: fmt.Sprintf(format, args...),
	}
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidParams("malformed tool arguments: %v", err)
	}
	return nil
}

func (e *Executor) readFile(raw json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Path == "" {
		return "", invalidParams("read_file requires a path")
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	return string(data), nil
}

func (e *Executor) writeFile(raw json.RawMessage) (string, stats.FileStats, error) {
	var none stats.FileStats
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", none, err
	}
	if args.Path == "" {
		return "", none, invalidParams("write_file requires a path")
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", none, err
	}
	var before string
	if data, err := os.ReadFile(abs); err == nil {
		before = string(data)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", none, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return "", none, fmt.Errorf("write %s: %w", args.Path, err)
	}
	files := LineDiffStats(before, args.Content)
	return fmt.Sprintf("wrote %d bytes to %s (+%d/-%d lines)",
		len(args.Content), args.Path, files.LinesAdded, files.LinesRemoved), files, nil
}

func (e *Executor) editFile(raw json.RawMessage) (string, stats.FileStats, error) {
	var none stats.FileStats
	var args struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", none, err
	}
	if args.Path == "" || args.OldText == "" {
		return "", none, invalidParams("edit_file requires path and old_text")
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", none, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", none, fmt.Errorf("read %s: %w", args.Path, err)
	}
	before := string(data)
	if !strings.Contains(before, args.OldText) {
		return "", none, invalidParams("old_text not found in %s", args.Path)
	}
	after := strings.Replace(before, args.OldText, args.NewText, 1)
	if err := os.WriteFile(abs, []byte(after), 0o644); err != nil {
		return "", none, fmt.Errorf("write %s: %w", args.Path, err)
	}
	files := LineDiffStats(before, after)
	return fmt.Sprintf("edited %s (+%d/-%d lines)",
		args.Path, files.LinesAdded, files.LinesRemoved), files, nil
}

func (e *Executor) listDir(raw json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	abs, err := e.resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", args.Path, err)
	}
	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s\n", entry.Name())
	}
	if sb.Len() == 0 {
		return "(empty directory)", nil
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

var searchSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"target":       true,
}

func (e *Executor) searchFiles(raw json.RawMessage) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Pattern == "" {
		return "", invalidParams("search_files requires a pattern")
	}
	if !doublestar.ValidatePattern(args.Pattern) {
		return "", invalidParams("invalid glob pattern %q", args.Pattern)
	}

	root := filepath.Clean(e.Root)
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if searchSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(args.Pattern, rel); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search workspace: %w", err)
	}
	if len(matches) == 0 {
		return "(no matches)", nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

func (e *Executor) runCommand(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", invalidParams("run_command requires a command")
	}

	timeout := defaultCommandTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = e.Root
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s", err, truncateOutput(string(output)))
	}
	if len(output) == 0 {
		return "(no output)", nil
	}
	return truncateOutput(string(output)), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	return s[:maxToolOutputBytes] + "\n... [output truncated]"
}
