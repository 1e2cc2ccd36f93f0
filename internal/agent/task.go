// Package agent drives autonomous multi-step runs: plan a request into a
// task checklist, execute the tasks one by one, then summarize the outcome.
package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of one planned task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// maxResultLen bounds the stored per-task result so summaries stay small.
const maxResultLen = 200

// Task is one step of an agent run.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Result      string     `json:"result,omitempty"`
}

func newTask(description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (t *Task) setStatus(s TaskStatus) {
	t.Status = s
	t.UpdatedAt = time.Now().UTC()
}

func (t *Task) setResult(result string) {
	t.Result = truncateResult(result)
	t.UpdatedAt = time.Now().UTC()
}

func truncateResult(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxResultLen {
		return s
	}
	return s[:maxResultLen] + "..."
}

// ChecklistItem is one parsed checklist line: what to do and whether the
// plan already marks it finished.
type ChecklistItem struct {
	Description string
	Completed   bool
}

var checklistPrefixes = []struct {
	prefix    string
	completed bool
}{
	{"- [ ]", false},
	{"- [x]", true},
	{"- [X]", true},
	{"* [ ]", false},
	{"* [x]", true},
	{"* [X]", true},
}

// ParseChecklist extracts tasks from a markdown checklist. It is line
// oriented: every "- [ ]" or "- [x]" item counts, in source order, and
// anything else (prose, headings, fenced code) is ignored. "*" bullets are
// accepted as well since models mix them freely. A checked box marks the
// item as already completed.
func ParseChecklist(text string) []ChecklistItem {
	var out []ChecklistItem
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, p := range checklistPrefixes {
			if strings.HasPrefix(trimmed, p.prefix) {
				desc := strings.TrimSpace(trimmed[len(p.prefix):])
				if desc != "" {
					out = append(out, ChecklistItem{Description: desc, Completed: p.completed})
				}
				break
			}
		}
	}
	return out
}
