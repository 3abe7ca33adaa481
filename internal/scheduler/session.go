// Package scheduler decides which agent speaks next in a conversation and
// when.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/generation"
	"github.com/ashureev/open-dialogue/internal/mention"
	"github.com/ashureev/open-dialogue/internal/prompt"
	"github.com/ashureev/open-dialogue/internal/store"
	"github.com/ashureev/open-dialogue/internal/transcript"
)

var (
	// ErrConversationNotFound means the conversation no longer exists in the
	// store. The session has been reset and must be discarded.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrAgentBusy is returned when an agent is already queued or generating.
	ErrAgentBusy = errors.New("agent is already queued or generating")
	// ErrReflectionActive is returned when a reflection window is already open.
	ErrReflectionActive = errors.New("reflection already active")
	// ErrEmptyMessage is returned for blank submissions.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrNotHuman is returned when a submission is attributed to an agent.
	ErrNotHuman = errors.New("author must be a moderator or the instructor")
	// ErrEmptyRole is returned for blank role updates.
	ErrEmptyRole = errors.New("role text is empty")
)

const exchangeLogLimit = 2000

// Recorder observes turn lifecycle events.
type Recorder interface {
	TurnStarted(agent domain.Identity, trigger Trigger)
	TurnCompleted(agent domain.Identity, elapsed time.Duration)
	TurnFailed(agent domain.Identity, err error)
	TurnCancelled(agent domain.Identity, reason string)
	EntryUnsynced(speaker domain.Identity)
}

type nopRecorder struct{}

func (nopRecorder) TurnStarted(domain.Identity, Trigger)        {}
func (nopRecorder) TurnCompleted(domain.Identity, time.Duration) {}
func (nopRecorder) TurnFailed(domain.Identity, error)            {}
func (nopRecorder) TurnCancelled(domain.Identity, string)        {}
func (nopRecorder) EntryUnsynced(domain.Identity)                {}

// Config wires a Session.
type Config struct {
	ConversationID string
	Roster         domain.Roster
	Settings       domain.Settings
	ToolsEnabled   bool
	Store          store.TranscriptStore
	Generator      generation.Generator
	Builder        *prompt.Builder
	Recorder       Recorder
	Logger         *slog.Logger
	// Now and Roll default to time.Now and rand.Float64.
	Now  func() time.Time
	Roll func() float64
}

// Exchange is the last request sent to the generator and what came back.
type Exchange struct {
	Agent    string        `json:"agent"`
	Request  string        `json:"request"`
	Response string        `json:"response"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	At       time.Time     `json:"at"`
}

// Session owns the turn-taking state of one conversation. Exported methods
// are safe for concurrent use. At most one agent generates at a time.
type Session struct {
	mu sync.Mutex

	id       string
	store    store.TranscriptStore
	view     *transcript.View
	resolver *mention.Resolver
	builder  *prompt.Builder
	gen      generation.Generator
	rec      Recorder
	logger   *slog.Logger
	now      func() time.Time
	roll     func() float64

	settings     domain.Settings
	toolsEnabled bool
	agents       map[domain.Identity]*agentRuntime
	pending      []domain.Identity
	chain        ChainState
	queue        MentionQueue
	reflection   ReflectionWindow
	epoch        uint64
	lastErr      error
	lastExchange *Exchange
	gone         bool

	onAppend func(domain.Entry)
}

// NewSession creates a session with default turn state. Nothing is loaded
// until Sync.
func NewSession(cfg Config) *Session {
	roster := cfg.Roster.Normalize()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", cfg.ConversationID)
	builder := cfg.Builder
	if builder == nil {
		builder = prompt.NewBuilder(nil)
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	roll := cfg.Roll
	if roll == nil {
		roll = rand.Float64
	}
	settings := cfg.Settings.Normalize()

	s := &Session{
		id:           cfg.ConversationID,
		store:        cfg.Store,
		view:         transcript.NewView(cfg.ConversationID, cfg.Store, roster, logger),
		resolver:     mention.NewResolver(roster.Agents()...),
		builder:      builder,
		gen:          cfg.Generator,
		rec:          rec,
		logger:       logger,
		now:          now,
		roll:         roll,
		settings:     settings,
		toolsEnabled: cfg.ToolsEnabled,
		agents: map[domain.Identity]*agentRuntime{
			domain.AgentA: {agent: roster.A},
			domain.AgentB: {agent: roster.B},
		},
		chain: ChainState{Cap: settings.ChainCap, Probability: settings.CrossProbability},
	}
	return s
}

// ID returns the conversation ID.
func (s *Session) ID() string {
	return s.id
}

// OnAppend registers a hook that receives every entry this session appends
// or learns about through Sync. The hook runs without session locks held.
func (s *Session) OnAppend(fn func(domain.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

func (s *Session) emit(entries ...domain.Entry) {
	s.mu.Lock()
	fn := s.onAppend
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, e := range entries {
		fn(e)
	}
}

// Entries returns the local transcript.
func (s *Session) Entries() []domain.Entry {
	return s.view.Entries()
}

// Since returns entries strictly after the given store timestamp.
func (s *Session) Since(ctx context.Context, after time.Time) ([]domain.Entry, error) {
	entries, err := s.view.Since(ctx, after)
	if errors.Is(err, store.ErrNotFound) {
		s.reset()
		return nil, ErrConversationNotFound
	}
	return entries, err
}

// SubmitMessage appends a human message. Any human message resets the chain
// counter and drops queued triggers. A moderator message additionally queues
// the agents it mentions, in roster order, and remembers agents it only
// names as deferred.
func (s *Session) SubmitMessage(ctx context.Context, author domain.Author, text string) (domain.Entry, error) {
	if !author.Role.IsHuman() {
		return domain.Entry{}, ErrNotHuman
	}
	raw := strings.TrimSpace(text)
	if raw == "" {
		return domain.Entry{}, ErrEmptyMessage
	}
	if s.isGone() {
		return domain.Entry{}, ErrConversationNotFound
	}

	entry, err := s.view.Append(ctx, author.Role, author.Label(), s.resolver.ExpandMentionsToNames(raw))
	if errors.Is(err, store.ErrNotFound) {
		s.reset()
		return domain.Entry{}, ErrConversationNotFound
	}
	if err != nil {
		s.rec.EntryUnsynced(author.Role)
	}

	s.mu.Lock()
	s.epoch++
	s.cancelPendingLocked("human message")
	s.queue.Clear()
	s.chain.Consecutive = 0
	if s.reflection.Expired(s.now()) {
		s.reflection.Clear()
	}

	if author.Role == domain.Moderator {
		mentioned := s.resolver.ResolveMentions(raw)
		if len(mentioned) > 0 {
			s.queue.Order = mentioned
			for _, id := range s.resolver.NamedAgents(raw) {
				if !slices.Contains(mentioned, id) {
					s.queue.Deferred = append(s.queue.Deferred, id)
				}
			}
			s.enqueueLocked(mentioned[0], TriggerMention)
		}
	}
	s.mu.Unlock()

	s.emit(entry)
	return entry, nil
}

// Respond asks an agent to speak now. It resets the chain counter.
func (s *Session) Respond(id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return ErrConversationNotFound
	}
	rt, ok := s.agents[id]
	if !ok {
		return domain.ErrUnknownIdentity
	}
	if rt.state != Idle {
		return ErrAgentBusy
	}
	if s.enqueueLocked(id, TriggerRespond) {
		s.chain.Consecutive = 0
	}
	return nil
}

// UpdateRole replaces an agent's role text, forces it to introduce itself on
// its next turn and records the change in the transcript.
func (s *Session) UpdateRole(ctx context.Context, id domain.Identity, role string) (domain.Entry, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return domain.Entry{}, ErrEmptyRole
	}

	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return domain.Entry{}, ErrConversationNotFound
	}
	rt, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return domain.Entry{}, domain.ErrUnknownIdentity
	}
	name := rt.agent.Name
	s.mu.Unlock()

	entry, err := s.view.Append(ctx, domain.Instructor, domain.InstructorLabel, roleUpdateText(name, role))
	if errors.Is(err, store.ErrNotFound) {
		s.reset()
		return domain.Entry{}, ErrConversationNotFound
	}
	if err != nil {
		s.rec.EntryUnsynced(domain.Instructor)
	}

	s.mu.Lock()
	rt.agent.Role = role
	rt.needsIntro = true
	s.chain.Consecutive = 0
	s.mu.Unlock()

	s.emit(entry)
	return entry, nil
}

func roleUpdatePrefix(name string) string {
	return fmt.Sprintf("Updated %s's role:\n\n", name)
}

func roleUpdateText(name, role string) string {
	return roleUpdatePrefix(name) + role
}

// Configure applies new session settings. Out-of-range values are clamped.
func (s *Session) Configure(settings domain.Settings) domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings.Normalize()
	s.chain.Cap = s.settings.ChainCap
	s.chain.Probability = s.settings.CrossProbability
	return s.settings
}

// StartReflection opens a reflection window for the configured duration.
// AgentA starts unless a turn is already running or queued, in which case
// the running turn hands over on completion.
func (s *Session) StartReflection() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return time.Time{}, ErrConversationNotFound
	}
	now := s.now()
	if s.reflection.Active(now) {
		return time.Time{}, ErrReflectionActive
	}
	deadline := now.Add(s.settings.ReflectionDuration)
	s.reflection.Set(deadline)
	if s.generatingLocked() == "" && len(s.pending) == 0 {
		s.enqueueLocked(domain.AgentA, TriggerReflection)
	}
	s.logger.Info("reflection started", "deadline", deadline)
	return deadline, nil
}

// StopReflection closes the window and drops queued turns. A generation
// already in flight completes, but triggers nothing further.
func (s *Session) StopReflection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reflection.Clear()
	s.cancelPendingLocked("reflection stopped")
	s.queue.Clear()
	s.epoch++
}

// HasPending reports whether a queued turn is waiting and nobody generates.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gone && len(s.pending) > 0 && s.generatingLocked() == ""
}

// RunUntilIdle runs queued turns until none is left.
func (s *Session) RunUntilIdle(ctx context.Context) error {
	var errs []error
	for {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ran, err := s.Step(ctx)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrConversationNotFound) {
				break
			}
		}
		if !ran {
			break
		}
	}
	return errors.Join(errs...)
}

// Step runs the next queued turn, if any. It reports whether a queued turn
// was consumed.
func (s *Session) Step(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.gone {
		s.mu.Unlock()
		return false, ErrConversationNotFound
	}
	if s.generatingLocked() != "" || len(s.pending) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	rt := s.agents[id]

	now := s.now()
	if s.reflection.Expired(now) {
		s.reflection.Clear()
		if rt.trigger.automatic() {
			rt.cancel()
			s.mu.Unlock()
			s.rec.TurnCancelled(id, "reflection deadline passed")
			s.logger.Info("turn cancelled, reflection deadline passed", "agent", id)
			return true, nil
		}
	}

	trigger := rt.trigger
	rt.start()
	epoch := s.epoch
	reflecting := s.reflection.Active(now)
	agent := rt.agent
	other := s.agents[id.Other()].agent
	needsIntro := rt.needsIntro
	tools := s.toolsEnabled
	s.mu.Unlock()

	s.rec.TurnStarted(id, trigger)
	s.logger.Debug("turn started", "agent", id, "trigger", trigger)

	if _, err := s.view.Refresh(ctx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.reset()
			return true, ErrConversationNotFound
		}
		s.logger.Warn("transcript refresh failed, using local transcript", "error", err)
	}

	pc := s.builder.Build(prompt.Request{
		Agent:             agent,
		Other:             other,
		Transcript:        s.view.Entries(),
		NeedsIntroduction: needsIntro,
		Reflection:        reflecting,
		ToolsEnabled:      tools,
	})

	reply, err := s.gen.Generate(ctx, pc)
	text := ""
	if err == nil {
		text = generation.CleanReply(reply.Text, agent.Name)
		if text == "" {
			err = generation.ErrEmptyReply
		}
	}
	s.recordExchange(agent.Name, pc, reply, err)

	if err != nil {
		return true, s.failTurn(id, epoch, fmt.Errorf("generate %s: %w", agent.Name, err))
	}

	addressed := s.resolver.Addresses(text, other.ID)
	entry, appendErr := s.view.Append(ctx, id, agent.Name, s.resolver.ExpandMentionsToNames(text))
	if errors.Is(appendErr, store.ErrNotFound) {
		s.reset()
		return true, ErrConversationNotFound
	}

	s.mu.Lock()
	rt.finish()
	rt.needsIntro = false
	if appendErr != nil {
		// Kept locally but not persisted: the chain does not advance and no
		// continuation fires.
		s.abandonLocked(id, epoch)
		s.lastErr = appendErr
		s.mu.Unlock()
		s.rec.EntryUnsynced(id)
		s.emit(entry)
		return true, fmt.Errorf("store %s reply: %w", agent.Name, appendErr)
	}
	s.chain.Consecutive++
	s.lastErr = nil
	if epoch == s.epoch {
		s.afterReplyLocked(id, addressed)
	} else {
		s.resumeLocked(id)
	}
	s.mu.Unlock()

	s.rec.TurnCompleted(id, reply.Elapsed)
	s.emit(entry)
	return true, nil
}

func (s *Session) failTurn(id domain.Identity, epoch uint64, err error) error {
	s.mu.Lock()
	s.agents[id].finish()
	s.abandonLocked(id, epoch)
	s.lastErr = err
	s.mu.Unlock()

	s.rec.TurnFailed(id, err)
	s.logger.Error("turn failed", "agent", id, "error", err)
	return err
}

// abandonLocked ends a turn that produced no usable reply. A current turn
// drops the mention queue; a superseded one leaves the newer human action
// to run.
func (s *Session) abandonLocked(id domain.Identity, epoch uint64) {
	if epoch == s.epoch {
		s.queue.Clear()
		return
	}
	s.resumeLocked(id)
}

// resumeLocked runs after a turn that a human action superseded while it was
// generating. The reply triggers nothing of its own, but whatever the newer
// action set up and could not queue because this agent was busy starts now:
// an open reflection window continues with the other agent, and a mention
// queue headed by an idle agent gets that agent's turn. A head that is the
// finishing agent answers again, since its reply predates the mention.
func (s *Session) resumeLocked(id domain.Identity) {
	if len(s.pending) > 0 {
		return
	}
	now := s.now()
	if s.reflection.Active(now) {
		s.enqueueLocked(id.Other(), TriggerReflection)
		return
	}
	if head, ok := s.queue.Head(); ok {
		s.enqueueLocked(head, TriggerMention)
	}
}

// afterReplyLocked applies the completion rules in order: reflection
// hand-over, reflection expiry, mention-queue progression, cross-trigger.
// Only the trigger decisions happen here; the reply is already appended.
func (s *Session) afterReplyLocked(id domain.Identity, addressed bool) {
	now := s.now()
	other := id.Other()

	if s.reflection.Active(now) {
		s.enqueueLocked(other, TriggerReflection)
		return
	}
	if s.reflection.Expired(now) {
		s.reflection.Clear()
	}

	if head, ok := s.queue.Head(); ok && head == id {
		s.queue.Pop()
		if next, ok := s.queue.Head(); ok {
			s.enqueueLocked(next, TriggerQueue)
			return
		}
		if len(s.queue.Deferred) > 0 {
			if s.chain.UnderCap() {
				s.enqueueLocked(s.queue.Deferred[0], TriggerDeferred)
			}
			s.queue.Deferred = nil
			return
		}
		// A drained queue with nothing deferred continues like any reply.
	}

	if !s.chain.UnderCap() {
		return
	}
	if addressed || s.rollLocked() {
		s.enqueueLocked(other, TriggerCross)
	}
}

func (s *Session) rollLocked() bool {
	p := domain.ClampProbability(s.chain.Probability)
	return p > 0 && s.roll() < p
}

func (s *Session) enqueueLocked(id domain.Identity, t Trigger) bool {
	rt, ok := s.agents[id]
	if !ok || !rt.enqueue(t) {
		return false
	}
	s.pending = append(s.pending, id)
	return true
}

func (s *Session) cancelPendingLocked(reason string) {
	for _, id := range s.pending {
		if s.agents[id].cancel() {
			s.rec.TurnCancelled(id, reason)
		}
	}
	s.pending = nil
}

func (s *Session) generatingLocked() domain.Identity {
	for _, id := range []domain.Identity{domain.AgentA, domain.AgentB} {
		if s.agents[id].state == Generating {
			return id
		}
	}
	return ""
}

func (s *Session) isGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// reset drops all local conversation state after the conversation vanished.
func (s *Session) reset() {
	s.view.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = true
	s.pending = nil
	for _, rt := range s.agents {
		rt.state = Idle
		rt.trigger = ""
		rt.needsIntro = false
	}
	s.queue.Clear()
	s.reflection.Clear()
	s.chain.Consecutive = 0
	s.lastErr = nil
	s.lastExchange = nil
	s.logger.Warn("conversation no longer exists, local state reset")
}

// Sync reconciles the local transcript with the store and re-derives
// per-agent role text and introduction flags from it. Store failures leave
// the local state untouched.
func (s *Session) Sync(ctx context.Context) ([]domain.Entry, error) {
	if s.isGone() {
		return nil, ErrConversationNotFound
	}
	ok, err := s.store.Exists(ctx, s.id)
	if err != nil {
		s.logger.Warn("conversation existence check failed", "error", err)
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !ok {
		s.reset()
		return nil, ErrConversationNotFound
	}

	added, err := s.view.Refresh(ctx)
	if errors.Is(err, store.ErrNotFound) {
		s.reset()
		return nil, ErrConversationNotFound
	}
	if err != nil {
		s.logger.Warn("transcript refresh failed", "error", err)
		return nil, fmt.Errorf("refresh transcript: %w", err)
	}

	entries := s.view.Entries()
	s.mu.Lock()
	for _, rt := range s.agents {
		role, needs, found := deriveAgentState(entries, rt.agent)
		if found {
			rt.agent.Role = role
		}
		if rt.state == Idle {
			rt.needsIntro = needs
		}
	}
	s.mu.Unlock()

	s.emit(added...)
	return added, nil
}

// deriveAgentState scans the transcript for the agent's latest role update
// and latest post. The agent needs to introduce itself when the update is
// newer than the post.
func deriveAgentState(entries []domain.Entry, agent domain.Agent) (role string, needsIntro, found bool) {
	prefix := roleUpdatePrefix(agent.Name)
	lastUpdate, lastPost := -1, -1
	for i, e := range entries {
		switch {
		case e.Speaker == agent.ID:
			lastPost = i
		case e.Speaker == domain.Instructor && strings.HasPrefix(e.Text, prefix):
			lastUpdate = i
			role = strings.TrimPrefix(e.Text, prefix)
		}
	}
	return role, lastUpdate > lastPost, lastUpdate >= 0
}

func (s *Session) recordExchange(agent string, pc prompt.Context, reply generation.Reply, err error) {
	ex := &Exchange{
		Agent:    agent,
		Request:  truncateMiddle(pc.System()+"\n\n"+pc.Transcript(), exchangeLogLimit),
		Response: truncateMiddle(reply.Text, exchangeLogLimit),
		Elapsed:  reply.Elapsed,
		At:       s.now(),
	}
	if err != nil {
		ex.Error = err.Error()
	}
	s.mu.Lock()
	s.lastExchange = ex
	s.mu.Unlock()
}

// truncateMiddle keeps the head and tail of s within limit runes.
func truncateMiddle(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	const marker = "\n...\n"
	keep := limit - len(marker)
	head := keep / 2
	tail := keep - head
	return string(r[:head]) + marker + string(r[len(r)-tail:])
}

// AgentStatus is the externally visible state of one agent.
type AgentStatus struct {
	ID                domain.Identity `json:"id"`
	Name              string          `json:"name"`
	Role              string          `json:"role"`
	State             string          `json:"state"`
	Trigger           Trigger         `json:"trigger,omitempty"`
	NeedsIntroduction bool            `json:"needs_introduction"`
}

// Status is a read-only snapshot of a session.
type Status struct {
	ConversationID     string          `json:"conversation_id"`
	Agents             []AgentStatus   `json:"agents"`
	Chain              ChainState      `json:"chain"`
	Queue              MentionQueue    `json:"queue"`
	ReflectionDeadline *time.Time      `json:"reflection_deadline,omitempty"`
	Settings           domain.Settings `json:"settings"`
	Participants       []string        `json:"participants"`
	LastError          string          `json:"last_error,omitempty"`
	LastExchange       *Exchange       `json:"last_exchange,omitempty"`
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Status {
	entries := s.view.Entries()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ConversationID: s.id,
		Chain:          s.chain,
		Queue:          s.queue.clone(),
		Settings:       s.settings,
		Participants:   transcript.Participants(entries),
	}
	for _, id := range []domain.Identity{domain.AgentA, domain.AgentB} {
		rt := s.agents[id]
		st.Agents = append(st.Agents, AgentStatus{
			ID:                id,
			Name:              rt.agent.Name,
			Role:              rt.agent.Role,
			State:             rt.state.String(),
			Trigger:           rt.trigger,
			NeedsIntroduction: rt.needsIntro,
		})
	}
	if !s.reflection.Deadline.IsZero() {
		d := s.reflection.Deadline
		st.ReflectionDeadline = &d
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.lastExchange != nil {
		ex := *s.lastExchange
		st.LastExchange = &ex
	}
	return st
}

// State returns an agent's current state.
func (s *Session) State(id domain.Identity) AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.agents[id]; ok {
		return rt.state
	}
	return Idle
}

// Chain returns the current chain state.
func (s *Session) Chain() ChainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}
