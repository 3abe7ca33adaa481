package scheduler

import (
	"slices"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// AgentState is the turn state of one agent.
type AgentState int

// Agent states.
const (
	Idle AgentState = iota
	Queued
	Generating
)

func (s AgentState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Generating:
		return "generating"
	}
	return "unknown"
}

// Trigger names what scheduled an agent turn.
type Trigger string

// Trigger sources.
const (
	TriggerRespond    Trigger = "respond"
	TriggerMention    Trigger = "mention"
	TriggerQueue      Trigger = "queue"
	TriggerDeferred   Trigger = "deferred"
	TriggerCross      Trigger = "cross"
	TriggerReflection Trigger = "reflection"
)

// automatic reports whether the trigger came from the scheduler rather than
// a direct human action.
func (t Trigger) automatic() bool {
	switch t {
	case TriggerRespond, TriggerMention:
		return false
	}
	return true
}

// agentRuntime is the per-agent mutable state of a session.
type agentRuntime struct {
	agent      domain.Agent
	needsIntro bool
	state      AgentState
	trigger    Trigger
}

// enqueue moves Idle to Queued.
func (a *agentRuntime) enqueue(t Trigger) bool {
	if a.state != Idle {
		return false
	}
	a.state = Queued
	a.trigger = t
	return true
}

// start moves Queued to Generating.
func (a *agentRuntime) start() bool {
	if a.state != Queued {
		return false
	}
	a.state = Generating
	return true
}

// finish moves Generating to Idle.
func (a *agentRuntime) finish() {
	if a.state == Generating {
		a.state = Idle
		a.trigger = ""
	}
}

// cancel moves Queued to Idle.
func (a *agentRuntime) cancel() bool {
	if a.state != Queued {
		return false
	}
	a.state = Idle
	a.trigger = ""
	return true
}

// ChainState counts consecutive agent-authored entries since the last human
// action.
type ChainState struct {
	Consecutive int     `json:"consecutive"`
	Cap         int     `json:"cap"`
	Probability float64 `json:"probability"`
}

// UnderCap reports whether another automatic turn is allowed.
func (c ChainState) UnderCap() bool {
	return c.Consecutive < c.Cap
}

// MentionQueue is the order in which a moderator message summoned agents,
// plus agents that were named in it without a marker.
type MentionQueue struct {
	Order    []domain.Identity `json:"order"`
	Deferred []domain.Identity `json:"deferred"`
}

// Head returns the first queued agent.
func (q *MentionQueue) Head() (domain.Identity, bool) {
	if len(q.Order) == 0 {
		return "", false
	}
	return q.Order[0], true
}

// Pop removes the head.
func (q *MentionQueue) Pop() {
	if len(q.Order) > 0 {
		q.Order = q.Order[1:]
	}
}

// Clear empties the queue and the deferred list.
func (q *MentionQueue) Clear() {
	q.Order = nil
	q.Deferred = nil
}

func (q MentionQueue) clone() MentionQueue {
	return MentionQueue{Order: slices.Clone(q.Order), Deferred: slices.Clone(q.Deferred)}
}

// ReflectionWindow is a timed mode in which the agents alternate.
type ReflectionWindow struct {
	Deadline time.Time
}

// Active reports whether the window is set and not yet over.
func (w ReflectionWindow) Active(now time.Time) bool {
	return !w.Deadline.IsZero() && now.Before(w.Deadline)
}

// Expired reports whether the window is set but its deadline has passed.
func (w ReflectionWindow) Expired(now time.Time) bool {
	return !w.Deadline.IsZero() && !now.Before(w.Deadline)
}

// Set opens the window until deadline.
func (w *ReflectionWindow) Set(deadline time.Time) {
	w.Deadline = deadline
}

// Clear closes the window.
func (w *ReflectionWindow) Clear() {
	w.Deadline = time.Time{}
}
