// Package providertest provides a scripted in-process Provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// Call records one GenerateContent invocation
type Call struct {
	Model  string
	Prompt string
	Turns  int // history length
}

// Scripted is a Provider whose responses are driven by the test. Each
// GenerateContent call pops the next step; when the script is exhausted the
// default response is returned. Delay simulates provider latency and honors
// ctx cancellation.
type Scripted struct {
	ProviderName string
	Caps         types.ProviderCapability
	Delay        time.Duration
	Default      string

	mu    sync.Mutex
	steps []Step
	calls []Call
}

// Step is one scripted response: either an error or a text. A per-step
// Delay overrides the provider-wide one.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// New creates a scripted provider with the given model aliases
func New(name string, models ...string) *Scripted {
	return &Scripted{
		ProviderName: name,
		Caps: types.ProviderCapability{
			Name:          name,
			Models:        models,
			ContextWindow: 128000,
			Supports:      types.Support{Files: true, Streaming: true},
		},
		Default: "scripted response",
	}
}

// Enqueue appends steps to the script
func (s *Scripted) Enqueue(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls returns a copy of the recorded invocations
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns the number of GenerateContent invocations
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Name implements provider.Provider
func (s *Scripted) Name() string {
	return s.ProviderName
}

// Capabilities implements provider.Provider
func (s *Scripted) Capabilities() types.ProviderCapability {
	return s.Caps
}

// GenerateContent pops the next scripted step
func (s *Scripted) GenerateContent(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Model: req.Model, Prompt: req.Prompt, Turns: len(req.History)})
	var step *Step
	if len(s.steps) > 0 {
		popped := s.steps[0]
		s.steps = s.steps[1:]
		step = &popped
	}
	delay := s.Delay
	s.mu.Unlock()

	if step != nil && step.Delay > 0 {
		delay = step.Delay
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step != nil && step.Err != nil {
		return nil, step.Err
	}
	text := s.Default
	if step != nil {
		text = step.Text
	}
	return &provider.Response{
		Text: text,
		Usage: types.Usage{
			TokensIn:  len(req.Prompt) / 4,
			TokensOut: len(text) / 4,
			Provider:  s.ProviderName,
			Model:     req.Model,
		},
	}, nil
}

// StreamContent streams the next scripted step as a single chunk
func (s *Scripted) StreamContent(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	resp, err := s.GenerateContent(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan provider.Chunk, 2)
	out <- provider.Chunk{Text: resp.Text}
	usage := resp.Usage
	out <- provider.Chunk{Done: true, Usage: &usage}
	close(out)
	return out, nil
}

// UploadFile returns a deterministic external id
func (s *Scripted) UploadFile(ctx context.Context, data []byte, meta provider.FileMeta) (string, error) {
	return "ext-" + s.ProviderName + "-" + meta.Name, nil
}
