package convo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
)

// Artifact is the ephemeral context file a CLI invocation reads. It lives in
// a per-call temp directory and must be released when the call finishes,
// success or not.
type Artifact struct {
	Path string

	dir      string
	logger   *logging.Logger
	mu       sync.Mutex
	released bool
}

type artifactPayload struct {
	SessionID   string            `json:"sessionId"`
	Messages    []artifactMessage `json:"messages"`
	Attachments []string          `json:"attachments,omitempty"`
}

type artifactMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WriteArtifact serializes the context into a fresh temp directory and
// returns a handle whose Release removes both the file and the directory.
func WriteArtifact(sessionID string, c *Context, logger *logging.Logger) (*Artifact, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	dir, err := os.MkdirTemp("", "geminigui-ctx-"+sessionID+"-")
	if err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}

	payload := artifactPayload{
		SessionID:   sessionID,
		Attachments: c.Tokens(),
	}
	for _, m := range c.Messages {
		payload.Messages = append(payload.Messages, artifactMessage{Role: m.Role, Content: m.Content})
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	path := filepath.Join(dir, "context.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write context file: %w", err)
	}
	return &Artifact{Path: path, dir: dir, logger: logger}, nil
}

// Release removes the artifact and its directory. It is idempotent and safe
// to defer next to error returns; removal problems are logged, not returned,
// since the call outcome must not depend on cleanup.
func (a *Artifact) Release() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	if err := os.RemoveAll(a.dir); err != nil {
		a.logger.Warn("failed to remove context artifact", map[string]interface{}{
			"dir":   a.dir,
			"error": err.Error(),
		})
	}
}
