package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// ErrUnknownConversation is returned by a BacklogFunc for missing
// conversations.
var ErrUnknownConversation = errors.New("unknown conversation")

// BacklogFunc returns the current transcript of a conversation.
type BacklogFunc func(ctx context.Context, conversationID string) ([]domain.Entry, error)

// WebSocketHandler upgrades viewers and streams a conversation to them.
type WebSocketHandler struct {
	hub           *Hub
	backlog       BacklogFunc
	param         func(r *http.Request) string
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a handler. param extracts the conversation ID
// from the request.
func NewWebSocketHandler(hub *Hub, backlog BacklogFunc, param func(r *http.Request) string, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		backlog:       backlog,
		param:         param,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type inbound struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := h.param(r)
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	entries, err := h.backlog(r.Context(), conversationID)
	if errors.Is(err, ErrUnknownConversation) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Warn("backlog unavailable, streaming without it", "conversation_id", conversationID, "error", err)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "conversation_id", conversationID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := h.hub.Register(conversationID, ws)
	defer h.hub.Unregister(conversationID, client)

	h.hub.deliver(conversationID, client, Message{Type: TypeBacklog, ConversationID: conversationID, Entries: entries})

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writeLoop(ctx)
	}()

	h.readLoop(ctx, ws, conversationID, client)
	h.hub.Unregister(conversationID, client)
	<-done
}

// readLoop answers pings and returns when the viewer goes away.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conversationID string, client *Client) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg inbound
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			h.hub.deliver(conversationID, client, Message{Type: TypePong, ConversationID: conversationID})
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
