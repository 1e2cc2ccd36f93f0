package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
)

// Phase is where an agent run currently stands.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseExecuting
	PhaseSummarizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseExecuting:
		return "executing"
	case PhaseSummarizing:
		return "summarizing"
	default:
		return "done"
	}
}

// Dispatcher sends one prompt through the conversation pipeline and returns
// the assistant's reply. Hidden exchanges are persisted but excluded from
// the visible transcript and the context window.
type Dispatcher interface {
	Dispatch(ctx context.Context, prompt string, hidden bool) (string, error)
}

// Run is one agent execution. Step advances it a single transition at a
// time so callers can surface progress between tasks.
type Run struct {
	Request string
	Phase   Phase
	Tasks   []*Task
	Summary string
	Err     error

	current    int
	dispatcher Dispatcher
	logger     *logging.Logger
}

func NewRun(request string, dispatcher Dispatcher, logger *logging.Logger) *Run {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Run{
		Request:    request,
		Phase:      PhasePlanning,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Current returns the task being executed, or nil outside the executing
// phase.
func (r *Run) Current() *Task {
	if r.Phase != PhaseExecuting || r.current >= len(r.Tasks) {
		return nil
	}
	return r.Tasks[r.current]
}

// Step performs one transition and reports whether the run has finished.
// A task failing does not stop the run; a planning failure does.
func (r *Run) Step(ctx context.Context) (bool, error) {
	switch r.Phase {
	case PhasePlanning:
		return false, r.plan(ctx)
	case PhaseExecuting:
		r.executeCurrent(ctx)
		return false, nil
	case PhaseSummarizing:
		r.summarize(ctx)
		return true, nil
	default:
		return true, r.Err
	}
}

// RunToCompletion drives Step until the run is done or the context ends.
func (r *Run) RunToCompletion(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.Err = err
			r.Phase = PhaseDone
			return err
		}
		done, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return r.Err
		}
	}
}

func (r *Run) plan(ctx context.Context) error {
	prompt := fmt.Sprintf(
		"Break the following request into a short ordered task list. "+
			"Reply with a markdown checklist only, one '- [ ]' item per task, "+
			"no prose before or after.\n\nRequest: %s", r.Request)

	reply, err := r.dispatcher.Dispatch(ctx, prompt, true)
	if err != nil {
		// Without a plan there is nothing to execute.
		r.Err = fmt.Errorf("planning failed: %w", err)
		r.Phase = PhaseDone
		return r.Err
	}

	items := ParseChecklist(reply)
	if len(items) == 0 {
		// The model answered in prose; treat the whole request as one task.
		items = []ChecklistItem{{Description: r.Request}}
	}
	for _, item := range items {
		task := newTask(item.Description)
		if item.Completed {
			task.setStatus(StatusCompleted)
		}
		r.Tasks = append(r.Tasks, task)
	}
	r.logger.Info("agent plan ready", map[string]interface{}{
		"tasks": len(r.Tasks),
	})
	r.Phase = PhaseExecuting
	return nil
}

func (r *Run) executeCurrent(ctx context.Context) {
	task := r.Tasks[r.current]
	if task.Status == StatusCompleted {
		// The plan already marked this one done; nothing to execute.
		r.advance()
		return
	}
	task.setStatus(StatusInProgress)

	prompt := fmt.Sprintf(
		"You are executing task %d of %d for the request: %s\n\n"+
			"Current task: %s\n%s"+
			"Carry out this task now and report what you did.",
		r.current+1, len(r.Tasks), r.Request, task.Description,
		r.remainingNote())

	reply, err := r.dispatcher.Dispatch(ctx, prompt, false)
	if err != nil {
		task.setStatus(StatusFailed)
		task.setResult(err.Error())
		r.logger.Warn("agent task failed", map[string]interface{}{
			"task":  task.Description,
			"error": err.Error(),
		})
	} else {
		task.setStatus(StatusCompleted)
		task.setResult(reply)
	}

	r.advance()
}

func (r *Run) advance() {
	r.current++
	if r.current >= len(r.Tasks) {
		r.Phase = PhaseSummarizing
	}
}

func (r *Run) remainingNote() string {
	remaining := len(r.Tasks) - r.current - 1
	if remaining <= 0 {
		return "This is the final task.\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Remaining after this one (%d):\n", remaining)
	for _, t := range r.Tasks[r.current+1:] {
		fmt.Fprintf(&sb, "- %s\n", t.Description)
	}
	return sb.String()
}

func (r *Run) summarize(ctx context.Context) {
	var sb strings.Builder
	sb.WriteString("All tasks have been processed. Summarize the outcome for the user.\n\n")
	for i, t := range r.Tasks {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, t.Status, t.Description)
		if t.Result != "" {
			fmt.Fprintf(&sb, ": %s", t.Result)
		}
		sb.WriteString("\n")
	}

	reply, err := r.dispatcher.Dispatch(ctx, sb.String(), false)
	if err != nil {
		// A missing summary should not fail an otherwise finished run.
		reply = fmt.Sprintf("All tasks completed (%d/%d succeeded).",
			r.countCompleted(), len(r.Tasks))
		r.logger.Warn("agent summary failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	r.Summary = reply
	r.Phase = PhaseDone
}

func (r *Run) countCompleted() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == StatusCompleted {
			n++
		}
	}
	return n
}
