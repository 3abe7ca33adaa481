// Package domain contains core domain types for the dialogue server.
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Identity names who authored a transcript entry or who may speak next.
type Identity string

const (
	Instructor Identity = "instructor"
	Moderator  Identity = "moderator"
	AgentA     Identity = "agent_a"
	AgentB     Identity = "agent_b"
)

// InstructorLabel is the display label stored for instructor entries.
const InstructorLabel = "Instructor"

// MaxModeratorNameLen bounds the moderator display name, in runes.
const MaxModeratorNameLen = 15

var (
	ErrEmptyModeratorName = errors.New("moderator name is required")
	ErrUnknownIdentity    = errors.New("unknown identity")
)

// ParseIdentity accepts the canonical identity strings plus the short agent
// aliases "a" and "b".
func ParseIdentity(s string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(Instructor):
		return Instructor, nil
	case string(Moderator):
		return Moderator, nil
	case string(AgentA), "a", "agent1":
		return AgentA, nil
	case string(AgentB), "b", "agent2":
		return AgentB, nil
	}
	return "", ErrUnknownIdentity
}

// IsAgent reports whether the identity is one of the two agents.
func (i Identity) IsAgent() bool {
	return i == AgentA || i == AgentB
}

// IsHuman reports whether the identity is the instructor or a moderator.
func (i Identity) IsHuman() bool {
	return i == Instructor || i == Moderator
}

// Other returns the opposite agent. Non-agents return "".
func (i Identity) Other() Identity {
	switch i {
	case AgentA:
		return AgentB
	case AgentB:
		return AgentA
	}
	return ""
}

// SanitizeModeratorName trims the name and truncates it to MaxModeratorNameLen runes.
func SanitizeModeratorName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyModeratorName
	}
	if utf8.RuneCountInString(name) > MaxModeratorNameLen {
		name = strings.TrimSpace(string([]rune(name)[:MaxModeratorNameLen]))
	}
	return name, nil
}

// Author identifies the human submitting a message.
type Author struct {
	Role Identity
	Name string
}

// Label returns the display label stored with the author's entries.
func (a Author) Label() string {
	if a.Role == Instructor {
		return InstructorLabel
	}
	return a.Name
}
