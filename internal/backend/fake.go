package backend

import (
	"context"
	"sync"
)

// Fake is a scripted backend for tests and offline mode. Each Invoke consumes
// the next script step; when the script runs out the last step repeats.
type Fake struct {
	mu       sync.Mutex
	script   []FakeStep
	pos      int
	Requests []Request
}

type FakeStep struct {
	Response *Response
	Err      error
}

func NewFake(steps ...FakeStep) *Fake {
	return &Fake{script: steps}
}

// Push appends further steps to the script.
func (f *Fake) Push(steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, steps...)
}

func (f *Fake) next(req Request) FakeStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if len(f.script) == 0 {
		return FakeStep{Response: &Response{Text: "ok"}}
	}
	step := f.script[f.pos]
	if f.pos < len(f.script)-1 {
		f.pos++
	}
	return step
}

func (f *Fake) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := f.next(req)
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

func (f *Fake) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 3)
	resp, err := f.Invoke(ctx, req)
	if err != nil {
		out <- Chunk{Err: err}
		close(out)
		return out, nil
	}
	if resp.Text != "" {
		out <- Chunk{Text: resp.Text}
	}
	if len(resp.ToolCalls) > 0 {
		out <- Chunk{ToolCalls: resp.ToolCalls}
	}
	out <- Chunk{Done: true, Stats: resp.Stats}
	close(out)
	return out, nil
}
