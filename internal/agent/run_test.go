package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// scriptedDispatcher replays canned replies and records every prompt.
type scriptedDispatcher struct {
	replies []reply
	pos     int
	prompts []string
	hidden  []bool
}

type reply struct {
	text string
	err  error
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, prompt string, hidden bool) (string, error) {
	d.prompts = append(d.prompts, prompt)
	d.hidden = append(d.hidden, hidden)
	if d.pos >= len(d.replies) {
		return "ok", nil
	}
	r := d.replies[d.pos]
	d.pos++
	return r.text, r.err
}

func TestParseChecklist(t *testing.T) {
	text := `Here is the plan:

- [ ] create the config file
- [x] already known step
* [ ] starred bullet
- not a checklist item
- [ ]
Some closing prose.`
	got := ParseChecklist(text)
	want := []ChecklistItem{
		{Description: "create the config file"},
		{Description: "already known step", Completed: true},
		{Description: "starred bullet"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseChecklistPreservesSourceOrder(t *testing.T) {
	var lines []string
	for i := 0; i < 8; i++ {
		lines = append(lines, fmt.Sprintf("- [ ] task %d", i))
	}
	got := ParseChecklist(strings.Join(lines, "\n"))
	for i, item := range got {
		if item.Description != fmt.Sprintf("task %d", i) {
			t.Fatalf("order broken at %d: %q", i, item.Description)
		}
	}
}

func TestRunPreCompletedTasksAreSkipped(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "- [ ] A\n- [x] B\n- [ ] C"},
		{text: "did A"},
		{text: "did C"},
		{text: "summary"},
	}}
	r := NewRun("req", d, nil)

	// After planning, checked items carry their status from the plan.
	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("plan: %v", err)
	}
	wantStatus := []TaskStatus{StatusPending, StatusCompleted, StatusPending}
	for i, task := range r.Tasks {
		if task.Status != wantStatus[i] {
			t.Errorf("task %d (%q): status = %q, want %q",
				i, task.Description, task.Status, wantStatus[i])
		}
	}

	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// B is never dispatched: plan, A, C, summary.
	if len(d.prompts) != 4 {
		t.Fatalf("expected 4 dispatches, got %d", len(d.prompts))
	}
	for _, p := range d.prompts[1:3] {
		if strings.Contains(p, "Current task: B") {
			t.Errorf("completed task was re-executed: %q", p)
		}
	}
	if r.Tasks[1].Status != StatusCompleted || r.Tasks[1].Result != "" {
		t.Errorf("pre-completed task should be untouched: %+v", r.Tasks[1])
	}
}

func TestRunHappyPath(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "- [ ] step one\n- [ ] step two"},
		{text: "did step one"},
		{text: "did step two"},
		{text: "both steps done"},
	}}
	r := NewRun("build the thing", d, nil)

	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if r.Phase != PhaseDone {
		t.Errorf("phase = %v", r.Phase)
	}
	if len(r.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(r.Tasks))
	}
	for _, task := range r.Tasks {
		if task.Status != StatusCompleted {
			t.Errorf("task %q not completed: %s", task.Description, task.Status)
		}
	}
	if r.Summary != "both steps done" {
		t.Errorf("summary = %q", r.Summary)
	}
	// Planning is a hidden exchange; execution and summary are visible.
	if !d.hidden[0] || d.hidden[1] || d.hidden[2] || d.hidden[3] {
		t.Errorf("hidden flags wrong: %v", d.hidden)
	}
}

func TestRunTaskFailureIsContained(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "- [ ] first\n- [ ] second"},
		{err: errors.New("backend exploded")},
		{text: "second worked"},
		{text: "summary"},
	}}
	r := NewRun("req", d, nil)

	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("a task failure must not fail the run: %v", err)
	}
	if r.Tasks[0].Status != StatusFailed {
		t.Errorf("first task should be failed: %s", r.Tasks[0].Status)
	}
	if r.Tasks[1].Status != StatusCompleted {
		t.Errorf("second task should still run: %s", r.Tasks[1].Status)
	}
	if !strings.Contains(r.Tasks[0].Result, "backend exploded") {
		t.Errorf("failure reason lost: %q", r.Tasks[0].Result)
	}
}

func TestRunPlanningFailureAborts(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{err: errors.New("unreachable")},
	}}
	r := NewRun("req", d, nil)

	err := r.RunToCompletion(context.Background())
	if err == nil {
		t.Fatal("planning failure must abort the run")
	}
	if r.Phase != PhaseDone || len(r.Tasks) != 0 {
		t.Errorf("aborted run in wrong state: phase=%v tasks=%d", r.Phase, len(r.Tasks))
	}
}

func TestRunProseChecklistBecomesSingleTask(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "I would start by looking at the code."},
		{text: "done"},
		{text: "summary"},
	}}
	r := NewRun("refactor the store", d, nil)

	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(r.Tasks) != 1 || r.Tasks[0].Description != "refactor the store" {
		t.Errorf("expected single synthetic task, got %+v", r.Tasks)
	}
}

func TestRunExecutionPromptCarriesOrdinalAndRemaining(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "- [ ] alpha\n- [ ] beta\n- [ ] gamma"},
		{text: "ok"}, {text: "ok"}, {text: "ok"}, {text: "summary"},
	}}
	r := NewRun("req", d, nil)
	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := d.prompts[1]
	if !strings.Contains(first, "task 1 of 3") {
		t.Errorf("ordinal missing: %q", first)
	}
	if !strings.Contains(first, "beta") || !strings.Contains(first, "gamma") {
		t.Errorf("remaining tasks missing: %q", first)
	}
	last := d.prompts[3]
	if !strings.Contains(last, "final task") {
		t.Errorf("final task note missing: %q", last)
	}
}

func TestTruncateResult(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := truncateResult(long)
	if len(got) != maxResultLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("bad truncation: len=%d", len(got))
	}
	if truncateResult("short") != "short" {
		t.Error("short results must pass through")
	}
}

func TestRunSummaryFailureFallsBack(t *testing.T) {
	d := &scriptedDispatcher{replies: []reply{
		{text: "- [ ] only"},
		{text: "done"},
		{err: errors.New("gone")},
	}}
	r := NewRun("req", d, nil)
	if err := r.RunToCompletion(context.Background()); err != nil {
		t.Fatalf("summary failure must not fail the run: %v", err)
	}
	if !strings.Contains(r.Summary, "All tasks completed") {
		t.Errorf("fallback summary missing: %q", r.Summary)
	}
}
