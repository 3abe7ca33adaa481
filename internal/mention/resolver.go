// Package mention parses "@name" address markers and full-name references.
package mention

import (
	"regexp"
	"strings"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// Marker is the address token that introduces a mention.
const Marker = "@"

type agentPattern struct {
	agent   domain.Agent
	mention *regexp.Regexp
	word    *regexp.Regexp
}

// Resolver resolves mentions against a fixed set of agents.
type Resolver struct {
	agents []agentPattern
}

// NewResolver compiles mention and name patterns for each agent, in order.
// Agents with an empty name are ignored.
func NewResolver(agents ...domain.Agent) *Resolver {
	r := &Resolver{}
	for _, a := range agents {
		if strings.TrimSpace(a.Name) == "" {
			continue
		}
		r.agents = append(r.agents, agentPattern{
			agent:   a,
			mention: regexp.MustCompile(mentionPattern(a.Name)),
			word:    regexp.MustCompile(wordPattern(a.Name)),
		})
	}
	return r
}

// mentionPattern matches the marker, at most one whitespace character, then
// any non-empty consecutive prefix of name, case-insensitively. For "Gosha"
// this is @\s?g(?:o(?:s(?:h(?:a)?)?)?)?.
func mentionPattern(name string) string {
	runes := []rune(strings.ToLower(name))
	tail := ""
	for i := len(runes) - 1; i >= 1; i-- {
		tail = "(?:" + regexp.QuoteMeta(string(runes[i])) + tail + ")?"
	}
	return `(?i)` + regexp.QuoteMeta(Marker) + `\s?` + regexp.QuoteMeta(string(runes[0])) + tail
}

func wordPattern(name string) string {
	return `(?i)\b` + regexp.QuoteMeta(name) + `\b`
}

// ResolveMentions returns every agent addressed by a marker mention, in
// roster order. A prefix shared by two agents resolves to both.
func (r *Resolver) ResolveMentions(text string) []domain.Identity {
	var out []domain.Identity
	for _, p := range r.agents {
		if p.mention.MatchString(text) {
			out = append(out, p.agent.ID)
		}
	}
	return out
}

// NamedAgents returns agents whose full canonical name appears as a word.
func (r *Resolver) NamedAgents(text string) []domain.Identity {
	var out []domain.Identity
	for _, p := range r.agents {
		if p.word.MatchString(text) {
			out = append(out, p.agent.ID)
		}
	}
	return out
}

// Addresses reports whether text addresses the agent either by marker mention
// or by its full name as a word. Agents use this looser form with each other.
func (r *Resolver) Addresses(text string, id domain.Identity) bool {
	for _, p := range r.agents {
		if p.agent.ID != id {
			continue
		}
		return p.mention.MatchString(text) || p.word.MatchString(text)
	}
	return false
}

// ExpandMentionsToNames rewrites every marker mention to the agent's
// canonical name. When two agents share a prefix the first agent wins.
func (r *Resolver) ExpandMentionsToNames(text string) string {
	if text == "" {
		return text
	}
	for _, p := range r.agents {
		text = p.mention.ReplaceAllLiteralString(text, p.agent.Name)
	}
	return text
}

// IsNamedAsWord reports whether name occurs in text as a whole word,
// case-insensitively. "Joshi" is named in "thanks, Joshi?" but not in
// "Joshimania".
func IsNamedAsWord(text, name string) bool {
	if text == "" || name == "" {
		return false
	}
	return regexp.MustCompile(wordPattern(name)).MatchString(text)
}
