package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptedName is the registry name of the scripted provider.
const ScriptedName = "scripted"

// ScriptFunc produces the response for one scripted call.
type ScriptFunc func(ctx context.Context, model string, req Request) (*Response, error)

// Call records one request a Scripted provider served.
type Call struct {
	Model   string
	Request Request
}

// Scripted is a deterministic in-process provider. It serves any model listed
// in Models (or any model at all when Models is empty) and answers with Script.
// It is used by tests and by dry runs.
type Scripted struct {
	Script ScriptFunc
	Models []string
	// CostPerToken is charged for input and output tokens alike.
	CostPerToken float64

	name  string
	mu    sync.Mutex
	calls []Call
}

// NewScripted creates a scripted provider registered as name.
// A nil script echoes the prompt.
func NewScripted(name string, script ScriptFunc) *Scripted {
	if name == "" {
		name = ScriptedName
	}
	if script == nil {
		script = Echo
	}
	return &Scripted{Script: script, name: name}
}

// Echo returns the prompt as the response text.
func Echo(_ context.Context, _ string, req Request) (*Response, error) {
	return &Response{
		Text:       req.Prompt,
		Usage:      Usage{InputTokens: wordCount(req.System) + wordCount(req.Prompt), OutputTokens: wordCount(req.Prompt)},
		StopReason: "end_turn",
	}, nil
}

// Replies returns a script that answers with replies in order and repeats the last one.
func Replies(replies ...string) ScriptFunc {
	var mu sync.Mutex
	i := 0
	return func(_ context.Context, _ string, req Request) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return nil, fmt.Errorf("no scripted replies")
		}
		text := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return &Response{
			Text:       text,
			Usage:      Usage{InputTokens: wordCount(req.Prompt), OutputTokens: wordCount(text)},
			StopReason: "end_turn",
		}, nil
	}
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) DefaultModel() string {
	if len(s.Models) > 0 {
		return s.Models[0]
	}
	return "scripted-1"
}

func (s *Scripted) ValidateModel(model string) error {
	if len(s.Models) == 0 {
		return nil
	}
	for _, m := range s.Models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidModel, model)
}

func (s *Scripted) NewBackend(model string, _ Credentials) (Backend, error) {
	return &scriptedBackend{owner: s, model: model}, nil
}

// Calls returns a copy of every request served so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Scripted) record(model string, req Request) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Model: model, Request: req})
	s.mu.Unlock()
}

type scriptedBackend struct {
	owner *Scripted
	model string
}

func (b *scriptedBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	b.owner.record(b.model, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.owner.Script(ctx, b.model, req)
}

func (b *scriptedBackend) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	resp, err := b.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for i, word := range strings.Fields(resp.Text) {
		if i > 0 {
			word = " " + word
		}
		onChunk(word)
	}
	return resp, nil
}

func (b *scriptedBackend) EstimateCost(usage Usage) float64 {
	return float64(usage.InputTokens+usage.OutputTokens) * b.owner.CostPerToken
}

func wordCount(s string) int64 {
	return int64(len(strings.Fields(s)))
}

var (
	_ Provider = (*Scripted)(nil)
	_ Backend  = (*scriptedBackend)(nil)
)
