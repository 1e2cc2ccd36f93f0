// Package convo assembles the conversation context sent to a backend: the
// trailing message window, @-attachment tokens pulled from the prompt, and
// the ephemeral context artifact handed to CLI invocations.
package convo

import (
	"strings"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/backend"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/store"
)

// WindowSize caps how many trailing non-system messages accompany a prompt.
const WindowSize = 10

// Attachment kinds recognized in a prompt.
const (
	AttachFile     = "file"
	AttachFolder   = "folder"
	AttachCodebase = "codebase"
)

// Attachment is one @-token from the user's prompt.
type Attachment struct {
	Kind string
	Path string
	Raw  string
}

// Context is everything a backend call needs beyond the prompt itself.
type Context struct {
	Messages    []backend.Message
	Attachments []Attachment
}

// Tokens returns the attachment tokens in normalized form.
func (c *Context) Tokens() []string {
	out := make([]string, 0, len(c.Attachments))
	for _, a := range c.Attachments {
		out = append(out, a.Raw)
	}
	return out
}

// ExtractAttachments scans a prompt for @file:<path>, @folder:<path> and
// @codebase tokens. Tokens are whitespace-delimited; anything else in the
// prompt is left untouched.
func ExtractAttachments(prompt string) []Attachment {
	var out []Attachment
	for _, word := range strings.Fields(prompt) {
		switch {
		case strings.HasPrefix(word, "@file:"):
			path := strings.TrimPrefix(word, "@file:")
			if path == "" {
				continue
			}
			out = append(out, Attachment{Kind: AttachFile, Path: path, Raw: "@file:" + path})
		case strings.HasPrefix(word, "@folder:"):
			path := strings.TrimPrefix(word, "@folder:")
			if path == "" {
				continue
			}
			out = append(out, Attachment{Kind: AttachFolder, Path: path, Raw: "@folder:" + path})
		case word == "@codebase":
			out = append(out, Attachment{Kind: AttachCodebase, Raw: "@codebase"})
		}
	}
	return out
}

// Window returns the last WindowSize non-system messages in their original
// order. System messages never consume window slots; they are delivered
// through the system section instead. Hidden messages stay out of the
// visible transcript but still inform the model, so they count here.
func Window(messages []store.ChatMessage) []store.ChatMessage {
	var window []store.ChatMessage
	for _, m := range messages {
		if m.Role == store.RoleSystem {
			continue
		}
		window = append(window, m)
	}
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	return window
}

// Build assembles the context for a new prompt against a session's history.
func Build(session *store.ChatSession, prompt string) *Context {
	c := &Context{Attachments: ExtractAttachments(prompt)}
	var history []store.ChatMessage
	if session != nil {
		history = session.Messages
	}
	for _, m := range Window(history) {
		c.Messages = append(c.Messages, backend.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return c
}
