package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/identity"
	"github.com/ashureev/open-dialogue/internal/scheduler"
)

// ConversationHandler serves the human-facing dialogue controls.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/latest", h.Latest)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.Delete)
			r.Get("/messages", h.Messages)
			r.Post("/messages", h.PostMessage)
			r.Post("/agents/{agent}/respond", h.Respond)
			r.Put("/agents/{agent}/role", h.UpdateRole)
			r.Put("/settings", h.UpdateSettings)
			r.Post("/reflection", h.StartReflection)
			r.Delete("/reflection", h.StopReflection)
			r.Get("/status", h.Status)
		})
	})
}

// session resolves the {id} conversation, writing a response on failure.
func (h *ConversationHandler) session(w http.ResponseWriter, r *http.Request) (*scheduler.Session, bool) {
	s, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sessionError(w, err)
		return nil, false
	}
	return s, true
}

// agentParam parses the {agent} path parameter.
func agentParam(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, err := domain.ParseIdentity(chi.URLParam(r, "agent"))
	if err != nil || !id.IsAgent() {
		Error(w, http.StatusBadRequest, "unknown agent")
		return "", false
	}
	return id, true
}

// Create starts a new, empty conversation.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.CreateConversation(r.Context())
	if err != nil {
		sessionError(w, err)
		return
	}
	h.listChanged(r.Context())
	h.logger.Info("Conversation created", "conversation_id", c.ID, "moderator", identity.ModeratorFromContext(r.Context()))
	JSON(w, http.StatusCreated, c)
}

// List returns the most recent conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.poller.Conversations(r.Context(), limit)
	if err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": list})
}

// Latest returns the most recently created conversation.
func (h *ConversationHandler) Latest(w http.ResponseWriter, r *http.Request) {
	c, ok, err := h.poller.Latest(r.Context())
	if err != nil {
		sessionError(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "no conversations")
		return
	}
	JSON(w, http.StatusOK, c)
}

// Delete removes a conversation and its transcript. Only the admin
// moderator holding the admin password may delete.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	moderator := identity.ModeratorFromContext(r.Context())
	if !h.admin.Allows(r) {
		Error(w, http.StatusForbidden, "only the admin moderator can delete conversations")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		sessionError(w, err)
		return
	}
	h.registry.Remove(id)
	h.hub.CloseConversation(id)
	h.listChanged(r.Context())
	if err := h.notifier.Publish(r.Context(), id); err != nil {
		h.logger.Warn("change notification failed", "conversation_id", id, "error", err)
	}

	h.logger.Info("Conversation deleted", "conversation_id", id, "moderator", moderator)
	w.WriteHeader(http.StatusNoContent)
}

// Messages returns the transcript, or only entries strictly after ?since.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if v := r.URL.Query().Get("since"); v != "" {
		after, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			Error(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		entries, err := s.Since(r.Context(), after)
		if err != nil {
			sessionError(w, err)
			return
		}
		JSON(w, http.StatusOK, map[string]interface{}{"conversation_id": s.ID(), "messages": entries})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"conversation_id": s.ID(), "messages": s.Entries()})
}

type postMessageRequest struct {
	Role string `json:"role"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// PostMessage appends a moderator or instructor message and schedules any
// agents it mentions.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if !decode(w, r, &req) {
		return
	}

	role := domain.Moderator
	if req.Role != "" {
		parsed, err := domain.ParseIdentity(req.Role)
		if err != nil {
			sessionError(w, err)
			return
		}
		role = parsed
	}
	if !role.IsHuman() {
		sessionError(w, scheduler.ErrNotHuman)
		return
	}

	author := domain.Author{Role: role}
	if role == domain.Moderator {
		name := req.Name
		if name == "" {
			name = identity.ModeratorFromContext(r.Context())
		}
		clean, err := domain.SanitizeModeratorName(name)
		if err != nil {
			sessionError(w, err)
			return
		}
		author.Name = clean
	}

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	entry, err := s.SubmitMessage(r.Context(), author, req.Text)
	if err != nil {
		sessionError(w, err)
		return
	}
	h.changed(r.Context(), s.ID())
	JSON(w, http.StatusCreated, entry)
}

// Respond asks an agent to speak now.
func (h *ConversationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentParam(w, r)
	if !ok {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Respond(agent); err != nil {
		sessionError(w, err)
		return
	}
	h.registry.Kick(s.ID())
	JSON(w, http.StatusAccepted, map[string]string{"status": "queued", "agent": string(agent)})
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateRole replaces an agent's role text.
func (h *ConversationHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentParam(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	entry, err := s.UpdateRole(r.Context(), agent, req.Role)
	if err != nil {
		sessionError(w, err)
		return
	}
	h.changed(r.Context(), s.ID())
	JSON(w, http.StatusOK, entry)
}

type settingsRequest struct {
	ChainCap          *int     `json:"chain_cap"`
	CrossProbability  *float64 `json:"cross_probability"`
	ReflectionMinutes *int     `json:"reflection_minutes"`
}

// UpdateSettings changes the turn-taking controls. Omitted fields keep
// their value and out-of-range values are clamped.
func (h *ConversationHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	settings := s.Snapshot().Settings
	if req.ChainCap != nil {
		settings.ChainCap = *req.ChainCap
	}
	if req.CrossProbability != nil {
		settings.CrossProbability = *req.CrossProbability
	}
	if req.ReflectionMinutes != nil {
		settings.ReflectionDuration = domain.ReflectionMinutes(*req.ReflectionMinutes)
	}
	JSON(w, http.StatusOK, s.Configure(settings))
}

// StartReflection opens a timed reflection window.
func (h *ConversationHandler) StartReflection(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	deadline, err := s.StartReflection()
	if err != nil {
		sessionError(w, err)
		return
	}
	h.registry.Kick(s.ID())
	JSON(w, http.StatusAccepted, map[string]interface{}{"deadline": deadline})
}

// StopReflection ends the reflection window early.
func (h *ConversationHandler) StopReflection(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.StopReflection()
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Status returns the live turn-taking state.
func (h *ConversationHandler) Status(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, s.Snapshot())
}
