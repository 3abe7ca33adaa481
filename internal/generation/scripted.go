package generation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/open-dialogue/internal/prompt"
)

// ScriptFunc computes a reply from the instruction set.
type ScriptFunc func(ctx context.Context, c prompt.Context) (string, error)

// Scripted is an in-process Generator driven by a ScriptFunc. It is used for
// local runs without a generator service and in tests.
type Scripted struct {
	fn    ScriptFunc
	delay time.Duration
	calls atomic.Int64
}

// NewScripted wraps fn. A nil fn uses Canned.
func NewScripted(fn ScriptFunc, delay time.Duration) *Scripted {
	if fn == nil {
		fn = Canned
	}
	return &Scripted{fn: fn, delay: delay}
}

// Generate implements Generator.
func (s *Scripted) Generate(ctx context.Context, c prompt.Context) (Reply, error) {
	s.calls.Add(1)
	start := time.Now()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	text, err := s.fn(ctx, c)
	if err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{Text: text, Elapsed: time.Since(start)}, nil
}

// Calls returns how many generations were requested.
func (s *Scripted) Calls() int {
	return int(s.calls.Load())
}

// Canned answers with a fixed line and introduces the agent when asked to.
func Canned(_ context.Context, c prompt.Context) (string, error) {
	name := c.Agent.Name
	if strings.Contains(c.System(), "introducing yourself") {
		return fmt.Sprintf("Hello, I am %s. %s", name, strings.TrimSpace(c.Agent.Role)), nil
	}
	return fmt.Sprintf("%s is listening and would like to hear more.", name), nil
}
