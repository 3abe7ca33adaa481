// Package prompt assembles the instruction set that is handed to the
// generator for one agent turn.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/transcript"
)

//go:embed principles.md
var principles string

// TimestampLayout is the per-line timestamp format in the transcript block.
const TimestampLayout = "2006-01-02 15:04"

// Kind tags an instruction.
type Kind string

// Instruction kinds.
const (
	KindSystem     Kind = "system"
	KindTranscript Kind = "transcript"
)

// Instruction is one block of the ordered instruction set.
type Instruction struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
}

// Context is the ordered instruction set for one agent turn.
type Context struct {
	Agent        domain.Agent  `json:"agent"`
	Instructions []Instruction `json:"instructions"`
}

// System returns the system block.
func (c Context) System() string {
	return c.content(KindSystem)
}

// Transcript returns the transcript block.
func (c Context) Transcript() string {
	return c.content(KindTranscript)
}

func (c Context) content(k Kind) string {
	for _, in := range c.Instructions {
		if in.Kind == k {
			return in.Content
		}
	}
	return ""
}

// Request describes the turn being prepared.
type Request struct {
	Agent             domain.Agent
	Other             domain.Agent
	Transcript        []domain.Entry
	NeedsIntroduction bool
	Reflection        bool
	ToolsEnabled      bool
}

// Builder renders Requests into Contexts.
type Builder struct {
	loc *time.Location
}

// NewBuilder returns a Builder that renders timestamps in loc. A nil loc
// means UTC.
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{loc: loc}
}

// IntroductionRequired reports whether the agent must introduce itself: it
// has never posted in the transcript, or its role changed since it last did.
func IntroductionRequired(agent domain.Identity, entries []domain.Entry, needsIntroduction bool) bool {
	return needsIntroduction || !transcript.HasSpoken(entries, agent)
}

// Build produces the system block followed by the transcript block.
func (b *Builder) Build(req Request) Context {
	return Context{
		Agent: req.Agent,
		Instructions: []Instruction{
			{Kind: KindSystem, Content: b.system(req)},
			{Kind: KindTranscript, Content: b.transcript(req)},
		},
	}
}

func (b *Builder) system(req Request) string {
	name, other := req.Agent.Name, req.Other.Name

	var sb strings.Builder
	fmt.Fprintf(&sb, "IDENTITY (strict): You are %s. %s\n\n", name, strings.TrimSpace(req.Agent.Role))
	fmt.Fprintf(&sb, "Speak only as %s, in the first person. The conversation includes you, %s, one or more human Moderators and an Instructor.\n\n", name, other)
	sb.WriteString("Rules:\n")
	fmt.Fprintf(&sb, "- Never write lines for the Moderators, the Instructor or %s, and never say what they would say.\n", other)
	sb.WriteString("- Keep track of who said what and attribute ideas to the right participant.\n")
	sb.WriteString("- Ask at most one question at a time.\n")
	fmt.Fprintf(&sb, "- Bring your own perspective. Where it fits, take a different angle from %s instead of echoing them.\n", other)
	sb.WriteString("- Instructor entries are directives that shape how you behave from now on. Never reply to them or reflect on them as part of the dialogue.\n")
	sb.WriteString("- Do not start reflecting unless a Moderator asks you to or you are in a reflection phase.\n")
	sb.WriteString("- Reply with the message text only. Do not prefix it with \"At <date> <time> <name> said:\" or with your own name.\n")

	if req.ToolsEnabled {
		sb.WriteString("\nYou can search the web. Use it for recent events or facts you are unsure of, then answer from the results.\n")
	}
	if IntroductionRequired(req.Agent.ID, req.Transcript, req.NeedsIntroduction) {
		fmt.Fprintf(&sb, "\nBegin this message by introducing yourself: state your name, then your role. Your role is: %s\n", strings.TrimSpace(req.Agent.Role))
	}
	if req.Reflection {
		fmt.Fprintf(&sb, "\nREFLECTION PHASE: You are in a short reflection phase with %s. ", other)
		sb.WriteString("Reflect on what everyone has said so far and on your own part in it. ")
		fmt.Fprintf(&sb, "Reflect, do not paraphrase: never summarize or repeat what %s or others just said. ", other)
		sb.WriteString("Offer your own take, add a new thought or question something that was said.\n")
	}

	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(principles))
	return sb.String()
}

func (b *Builder) transcript(req Request) string {
	lines := make([]string, 0, len(req.Transcript)+1)
	for _, e := range req.Transcript {
		lines = append(lines, fmt.Sprintf("At %s %s said: %s", e.CreatedAt.In(b.loc).Format(TimestampLayout), e.Label, e.Text))
	}
	lines = append(lines, fmt.Sprintf("[Reply now only as %s.]", req.Agent.Name))
	return strings.Join(lines, "\n\n")
}
