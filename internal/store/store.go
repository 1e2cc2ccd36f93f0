package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
)

// MaxSessionsPerWorkspace is a hard cap. Creation beyond it is rejected, not
// queued, and must leave the existing sessions untouched.
const MaxSessionsPerWorkspace = 5

var (
	ErrSessionLimit           = errors.New("session limit reached for workspace")
	ErrSessionNotFound        = errors.New("session not found")
	ErrMessageNotFound        = errors.New("message not found in session")
	ErrWorkspaceNotFound      = errors.New("workspace not found")
	ErrCompactionEmptyHistory = errors.New("no messages to compact")
)

// Store is the durable JSON-on-disk store for workspaces, sessions and
// messages.
//
// Layout:
//
//	<root>/workspaces.json
//	<root>/<workspaceID>/sessions.json          (metadata index, no messages)
//	<root>/<workspaceID>/sessions/<id>.json     (full session detail)
//
// The index is written only after the detail write succeeded, so a failed
// detail write never leaves the index pointing at stale data. All mutations
// for one session are serialized through a per-session lock.
type Store struct {
	Root   string
	logger *logging.Logger

	mu       sync.Mutex // guards workspaces.json and the lock map
	sessLock map[string]*sync.Mutex
}

func New(root string, logger *logging.Logger) *Store {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		Root:     root,
		logger:   logger,
		sessLock: make(map[string]*sync.Mutex),
	}
}

// DefaultRoot prefers the XDG data dir and falls back to ~/.local/share.
func DefaultRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "geminigui", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "geminigui", "storage")
	}
	return filepath.Join(os.TempDir(), "geminigui", "storage")
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sessLock[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessLock[sessionID] = lock
	}
	return lock
}

func (s *Store) workspacesPath() string {
	return filepath.Join(s.Root, "workspaces.json")
}

func (s *Store) workspaceDir(workspaceID string) string {
	return filepath.Join(s.Root, workspaceID)
}

func (s *Store) indexPath(workspaceID string) string {
	return filepath.Join(s.workspaceDir(workspaceID), "sessions.json")
}

func (s *Store) sessionsDir(workspaceID string) string {
	return filepath.Join(s.workspaceDir(workspaceID), "sessions")
}

func (s *Store) sessionPath(workspaceID, sessionID string) string {
	return filepath.Join(s.sessionsDir(workspaceID), sessionID+".json")
}

// --- Workspaces ---

func (s *Store) readWorkspaces() ([]Workspace, error) {
	b, err := os.ReadFile(s.workspacesPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Workspace{}, nil
		}
		return nil, err
	}
	var list []Workspace
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("parse workspaces.json: %w", err)
	}
	return list, nil
}

func (s *Store) writeWorkspaces(list []Workspace) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.workspacesPath(), b, 0o644)
}

// OpenWorkspace returns the workspace for rootPath, creating it on first
// open. Workspaces are deduplicated by absolute root path and lastOpenedAt is
// updated on every call.
func (s *Store) OpenWorkspace(rootPath string) (*Workspace, error) {
	abs, err := filepath.Abs(strings.TrimSpace(rootPath))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.readWorkspaces()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].RootPath == abs {
			list[i].LastOpenedAt = time.Now()
			if err := s.writeWorkspaces(list); err != nil {
				return nil, err
			}
			ws := list[i]
			return &ws, nil
		}
	}

	ws := Workspace{
		ID:           uuid.NewString(),
		Name:         filepath.Base(abs),
		RootPath:     abs,
		LastOpenedAt: time.Now(),
	}
	list = append(list, ws)
	if err := s.writeWorkspaces(list); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *Store) ListWorkspaces() ([]Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readWorkspaces()
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastOpenedAt.After(list[j].LastOpenedAt)
	})
	return list, nil
}

func (s *Store) GetWorkspace(workspaceID string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readWorkspaces()
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == workspaceID {
			ws := list[i]
			return &ws, nil
		}
	}
	return nil, ErrWorkspaceNotFound
}

func (s *Store) SetWorkspaceFavorite(workspaceID string, favorite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readWorkspaces()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == workspaceID {
			list[i].IsFavorite = favorite
			return s.writeWorkspaces(list)
		}
	}
	return ErrWorkspaceNotFound
}

// --- Sessions ---

func (s *Store) readIndex(workspaceID string) ([]SessionMeta, error) {
	b, err := os.ReadFile(s.indexPath(workspaceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []SessionMeta{}, nil
		}
		return nil, err
	}
	var metas []SessionMeta
	if err := json.Unmarshal(b, &metas); err != nil {
		return nil, fmt.Errorf("parse sessions.json: %w", err)
	}
	return metas, nil
}

func (s *Store) writeIndex(workspaceID string, metas []SessionMeta) error {
	if err := os.MkdirAll(s.workspaceDir(workspaceID), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(workspaceID), b, 0o644)
}

// writeDetail persists the full session file. This must happen before any
// index update.
func (s *Store) writeDetail(workspaceID string, sess *ChatSession) error {
	if err := os.MkdirAll(s.sessionsDir(workspaceID), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.sessionPath(workspaceID, sess.ID), b, 0o644)
}

// upsertIndex replaces (or inserts) the index entry for sess.
func (s *Store) upsertIndex(workspaceID string, sess *ChatSession) error {
	metas, err := s.readIndex(workspaceID)
	if err != nil {
		return err
	}
	found := false
	for i := range metas {
		if metas[i].ID == sess.ID {
			metas[i] = sess.Meta()
			found = true
			break
		}
	}
	if !found {
		metas = append(metas, sess.Meta())
	}
	return s.writeIndex(workspaceID, metas)
}

func (s *Store) ListSessions(workspaceID string) ([]SessionMeta, error) {
	return s.readIndex(workspaceID)
}

func (s *Store) LoadSession(workspaceID, sessionID string) (*ChatSession, error) {
	b, err := os.ReadFile(s.sessionPath(workspaceID, sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var sess ChatSession
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// CreateSession makes a new empty session. It fails with ErrSessionLimit once
// the workspace holds MaxSessionsPerWorkspace sessions, without touching any
// existing state.
func (s *Store) CreateSession(workspaceID string) (*ChatSession, error) {
	metas, err := s.readIndex(workspaceID)
	if err != nil {
		return nil, err
	}
	if len(metas) >= MaxSessionsPerWorkspace {
		return nil, ErrSessionLimit
	}

	sess := &ChatSession{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("Session %d", len(metas)+1),
		CreatedAt: time.Now(),
		Messages:  []ChatMessage{},
	}

	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.writeDetail(workspaceID, sess); err != nil {
		return nil, err
	}
	if err := s.upsertIndex(workspaceID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage appends msg to the session and re-derives the session token
// total from its messages. It returns the stored message (with ID, timestamp
// and token estimate filled in).
func (s *Store) AppendMessage(workspaceID, sessionID string, msg ChatMessage) (*ChatMessage, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.LoadSession(workspaceID, sessionID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.TokenUsage == 0 {
		msg.TokenUsage = EstimateTokens(msg.Content)
	}

	sess.Messages = append(sess.Messages, msg)
	sess.TokenUsage = sumTokenUsage(sess.Messages)

	if err := s.writeDetail(workspaceID, sess); err != nil {
		return nil, err
	}
	if err := s.upsertIndex(workspaceID, sess); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) RenameSession(workspaceID, sessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing session name")
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.LoadSession(workspaceID, sessionID)
	if err != nil {
		return err
	}
	sess.Name = name
	if err := s.writeDetail(workspaceID, sess); err != nil {
		return err
	}
	return s.upsertIndex(workspaceID, sess)
}

// DeleteSession removes the detail file and index entry. Pruning of now-empty
// directories is best-effort; failures are logged and swallowed.
func (s *Store) DeleteSession(workspaceID, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(workspaceID, sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	metas, err := s.readIndex(workspaceID)
	if err != nil {
		return err
	}
	kept := metas[:0]
	for _, m := range metas {
		if m.ID != sessionID {
			kept = append(kept, m)
		}
	}
	if err := s.writeIndex(workspaceID, kept); err != nil {
		return err
	}

	if len(kept) == 0 {
		s.pruneEmptyDirs(workspaceID)
	}
	return nil
}

// pruneEmptyDirs removes the sessions dir when the last session is gone.
// Non-fatal by design.
func (s *Store) pruneEmptyDirs(workspaceID string) {
	dir := s.sessionsDir(workspaceID)
	ents, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("prune sessions dir failed", map[string]interface{}{
				"workspace": workspaceID,
				"error":     err.Error(),
			})
		}
		return
	}
	if len(ents) != 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		s.logger.Warn("prune sessions dir failed", map[string]interface{}{
			"workspace": workspaceID,
			"error":     err.Error(),
		})
	}
}

// CompactSession removes every non-system message and keeps system messages
// in their original order. Compacting a session that holds no non-system
// messages fails with ErrCompactionEmptyHistory so the caller can explain the
// no-op instead of silently succeeding.
func (s *Store) CompactSession(workspaceID, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.LoadSession(workspaceID, sessionID)
	if err != nil {
		return err
	}

	kept := make([]ChatMessage, 0, len(sess.Messages))
	removed := 0
	for _, m := range sess.Messages {
		if m.Role == RoleSystem {
			kept = append(kept, m)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return ErrCompactionEmptyHistory
	}

	sess.Messages = kept
	sess.TokenUsage = sumTokenUsage(sess.Messages)

	if err := s.writeDetail(workspaceID, sess); err != nil {
		return err
	}
	return s.upsertIndex(workspaceID, sess)
}

func sumTokenUsage(msgs []ChatMessage) int {
	total := 0
	for i := range msgs {
		total += msgs[i].TokenUsage
	}
	return total
}
