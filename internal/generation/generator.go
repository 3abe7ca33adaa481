// Package generation talks to the collaborator that turns an instruction
// set into an agent's reply.
package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/open-dialogue/internal/prompt"
)

// ErrEmptyReply is returned when the generator produced no usable text.
var ErrEmptyReply = errors.New("generator returned an empty reply")

// ErrUnavailable is returned for every turn while no generator service could
// be reached.
var ErrUnavailable = errors.New("generator unavailable")

// Reply is the final text of one generation.
type Reply struct {
	Text    string
	Elapsed time.Duration
}

// Generator produces a reply for one agent turn. Any tool-calling loop is
// internal to the implementation.
type Generator interface {
	Generate(ctx context.Context, c prompt.Context) (Reply, error)
}

// Unavailable fails every generation with ErrUnavailable wrapping Cause. It
// stands in for a configured generator service that could not be reached, so
// turns fail visibly instead of producing replies nobody generated.
type Unavailable struct {
	Cause error
}

// Generate implements Generator.
func (u Unavailable) Generate(context.Context, prompt.Context) (Reply, error) {
	if u.Cause == nil {
		return Reply{}, ErrUnavailable
	}
	return Reply{}, fmt.Errorf("%w: %w", ErrUnavailable, u.Cause)
}

var echoedPrefix = regexp.MustCompile(`(?i)^At\s+\d{4}-\d{2}-\d{2}\s+\d{1,2}:\d{2}(?::?\d{2})?\s+\S+\s+said:\s*`)

// CleanReply removes an echoed "At <date> <time> <name> said:" header and
// any leading "<agentName>:" labels from a reply.
func CleanReply(text, agentName string) string {
	out := strings.TrimSpace(text)
	if loc := echoedPrefix.FindStringIndex(out); loc != nil {
		out = strings.TrimSpace(out[loc[1]:])
	}
	if agentName == "" {
		return out
	}
	label := agentName + ":"
	for len(out) >= len(label) && strings.EqualFold(out[:len(label)], label) {
		out = strings.TrimSpace(out[len(label):])
	}
	return out
}
