package store

import (
	"time"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/stats"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RootPath     string    `json:"root_path"`
	LastOpenedAt time.Time `json:"last_opened_at"`
	IsFavorite   bool      `json:"is_favorite"`
}

// SessionMeta is the index entry kept in sessions.json. It carries no
// messages so listing stays cheap.
type SessionMeta struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TokenUsage int       `json:"token_usage"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatSession is the detail record kept in sessions/<id>.json.
type ChatSession struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	CreatedAt  time.Time     `json:"created_at"`
	TokenUsage int           `json:"token_usage"`
	Messages   []ChatMessage `json:"messages"`
}

// ChatMessage is immutable once stored. Resend appends a new message and
// compaction truncates; nothing edits a stored message in place.
type ChatMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenUsage int       `json:"token_usage,omitempty"`
	// Hidden messages stay in the model context but are excluded from
	// display and export.
	Hidden bool              `json:"hidden,omitempty"`
	Stats  *stats.UsageStats `json:"stats,omitempty"`
}

// Meta returns the index entry for a session.
func (s *ChatSession) Meta() SessionMeta {
	return SessionMeta{
		ID:         s.ID,
		Name:       s.Name,
		TokenUsage: s.TokenUsage,
		CreatedAt:  s.CreatedAt,
	}
}

// AggregateStats folds every non-nil per-message aggregate in the session.
func (s *ChatSession) AggregateStats() *stats.UsageStats {
	all := make([]*stats.UsageStats, 0, len(s.Messages))
	for i := range s.Messages {
		all = append(all, s.Messages[i].Stats)
	}
	return stats.Fold(all)
}
