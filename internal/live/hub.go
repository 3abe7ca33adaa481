// Package live streams newly appended transcript entries to websocket
// viewers of a conversation.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/open-dialogue/internal/domain"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Message types sent to viewers.
const (
	TypeBacklog = "backlog"
	TypeEntry   = "entry"
	TypeDeleted = "deleted"
	TypePong    = "pong"
)

// Message is the JSON frame written to viewers.
type Message struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Entry          *domain.Entry  `json:"entry,omitempty"`
	Entries        []domain.Entry `json:"entries,omitempty"`
}

// Client is one registered viewer connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks viewers per conversation.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Client]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a viewer connection to a conversation.
func (h *Hub) Register(conversationID string, conn *websocket.Conn) *Client {
	c := &Client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[conversationID]; !ok {
		h.active[conversationID] = make(map[*Client]struct{})
	}
	h.active[conversationID][c] = struct{}{}
	h.logger.Info("Viewer registered", "conversation_id", conversationID, "viewers", len(h.active[conversationID]))
	return c
}

// Unregister removes a viewer and closes its send queue.
func (h *Hub) Unregister(conversationID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.active[conversationID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			c.closeSend()
			if len(clients) == 0 {
				delete(h.active, conversationID)
			}
			h.logger.Info("Viewer unregistered", "conversation_id", conversationID)
		}
	}
}

// Broadcast queues an entry for every viewer of the conversation. Viewers
// whose queue is full are disconnected rather than blocking the caller.
func (h *Hub) Broadcast(conversationID string, e domain.Entry) {
	h.publish(conversationID, Message{Type: TypeEntry, ConversationID: conversationID, Entry: &e})
}

// CloseConversation tells viewers the conversation is gone and drops them.
func (h *Hub) CloseConversation(conversationID string) {
	h.publish(conversationID, Message{Type: TypeDeleted, ConversationID: conversationID})

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.active[conversationID] {
		c.closeSend()
	}
	delete(h.active, conversationID)
}

func (h *Hub) publish(conversationID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode live message", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.active[conversationID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Viewer too slow, disconnecting", "conversation_id", conversationID)
		h.Unregister(conversationID, c)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "too slow")
	}
}

// deliver queues a frame for one client if it is still registered.
func (h *Hub) deliver(conversationID string, c *Client, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.active[conversationID][c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Viewers returns the number of viewers of a conversation.
func (h *Hub) Viewers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[conversationID])
}

// writeLoop drains the client's queue to its connection until the queue is
// closed or a write fails.
func (c *Client) writeLoop(ctx context.Context) {
	for data := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("live write failed", "error", err)
			return
		}
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "stream closed")
}
