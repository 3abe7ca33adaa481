package domain

import "strings"

// Agent is a fixed participant with a canonical name and mutable role text.
type Agent struct {
	ID   Identity `json:"id" yaml:"-"`
	Name string   `json:"name" yaml:"name"`
	Role string   `json:"role" yaml:"role"`
}

// Roster holds the two agents of a dialogue.
type Roster struct {
	A Agent `json:"agent_a" yaml:"agent_a"`
	B Agent `json:"agent_b" yaml:"agent_b"`
}

const defaultRole = "You are an AI agent participating in a research on multicultural polyphony where you are one of the voices of modernity. " +
	"You are knowledgeable in the open dialogue psychotherapeutic approach, its goals and its philosophy."

// DefaultRoster returns the stock pair of agents.
func DefaultRoster() Roster {
	return Roster{
		A: Agent{ID: AgentA, Name: "Gosha", Role: defaultRole},
		B: Agent{ID: AgentB, Name: "Joshi", Role: defaultRole},
	}
}

// Agents returns the agents in roster order.
func (r Roster) Agents() []Agent {
	return []Agent{r.A, r.B}
}

// Agent looks up an agent by identity.
func (r Roster) Agent(id Identity) (Agent, bool) {
	switch id {
	case AgentA:
		return r.A, true
	case AgentB:
		return r.B, true
	}
	return Agent{}, false
}

// IdentityForLabel maps a stored author label back to an identity. Any label
// that is neither the instructor nor an agent name belongs to a moderator.
func (r Roster) IdentityForLabel(label string) Identity {
	switch label {
	case InstructorLabel:
		return Instructor
	case r.A.Name:
		return AgentA
	case r.B.Name:
		return AgentB
	}
	return Moderator
}

// Normalize fills identities and falls back to defaults for blank fields.
func (r Roster) Normalize() Roster {
	def := DefaultRoster()
	r.A.ID, r.B.ID = AgentA, AgentB
	if strings.TrimSpace(r.A.Name) == "" {
		r.A.Name = def.A.Name
	}
	if strings.TrimSpace(r.B.Name) == "" {
		r.B.Name = def.B.Name
	}
	if strings.TrimSpace(r.A.Role) == "" {
		r.A.Role = def.A.Role
	}
	if strings.TrimSpace(r.B.Role) == "" {
		r.B.Role = def.B.Role
	}
	return r
}
