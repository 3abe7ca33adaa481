// Package api provides HTTP handlers for the dialogue API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/identity"
	"github.com/ashureev/open-dialogue/internal/live"
	"github.com/ashureev/open-dialogue/internal/notify"
	"github.com/ashureev/open-dialogue/internal/poller"
	"github.com/ashureev/open-dialogue/internal/scheduler"
	"github.com/ashureev/open-dialogue/internal/store"
)

const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	store    store.TranscriptStore
	registry *scheduler.Registry
	poller   *poller.Poller
	notifier notify.Notifier
	hub      *live.Hub
	admin    identity.Admin
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. A nil notifier
// disables cross-instance notifications.
func NewHandler(st store.TranscriptStore, reg *scheduler.Registry, p *poller.Poller, n notify.Notifier, hub *live.Hub, admin identity.Admin, logger *slog.Logger) *Handler {
	if n == nil {
		n = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		registry: reg,
		poller:   p,
		notifier: n,
		hub:      hub,
		admin:    admin,
		logger:   logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a bounded JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// sessionError maps scheduler and domain errors to HTTP responses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrConversationNotFound), errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, scheduler.ErrAgentBusy), errors.Is(err, scheduler.ErrReflectionActive):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrEmptyMessage),
		errors.Is(err, scheduler.ErrEmptyRole),
		errors.Is(err, scheduler.ErrNotHuman),
		errors.Is(err, domain.ErrUnknownIdentity),
		errors.Is(err, domain.ErrEmptyModeratorName):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// changed tells other instances that a conversation moved on and makes sure
// queued turns run here.
func (h *Handler) changed(ctx context.Context, conversationID string) {
	h.registry.Kick(conversationID)
	if err := h.notifier.Publish(ctx, conversationID); err != nil {
		h.logger.Warn("change notification failed", "conversation_id", conversationID, "error", err)
	}
}

// listChanged drops the cached conversation list here and elsewhere.
func (h *Handler) listChanged(ctx context.Context) {
	h.poller.Invalidate()
	if err := h.notifier.Publish(ctx, notify.ListChanged); err != nil {
		h.logger.Warn("list change notification failed", "error", err)
	}
}

// Backlog returns a conversation's transcript for new websocket viewers.
func (h *Handler) Backlog(ctx context.Context, conversationID string) ([]domain.Entry, error) {
	s, err := h.registry.Get(ctx, conversationID)
	if errors.Is(err, scheduler.ErrConversationNotFound) {
		return nil, live.ErrUnknownConversation
	}
	if err != nil {
		return nil, err
	}
	return s.Entries(), nil
}
