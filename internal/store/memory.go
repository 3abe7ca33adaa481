package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// MemoryStore is an in-process TranscriptStore with the same ordering rules
// as SQLiteStore. It backs tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
	order []string
	now   func() time.Time
}

type memConversation struct {
	createdAt time.Time
	messages  []domain.StoredMessage
}

// NewMemory creates an empty MemoryStore. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{convs: map[string]*memConversation{}, now: now}
}

// CreateConversation implements TranscriptStore.
func (m *MemoryStore) CreateConversation(_ context.Context) (domain.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := domain.ConversationSummary{ID: uuid.NewString(), CreatedAt: m.now().UTC().Truncate(time.Microsecond)}
	m.convs[c.ID] = &memConversation{createdAt: c.CreatedAt}
	m.order = append(m.order, c.ID)
	return c, nil
}

// Append implements TranscriptStore.
func (m *MemoryStore) Append(_ context.Context, conversationID, author, text string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	ts := m.now().UTC().Truncate(time.Microsecond)
	if n := len(c.messages); n > 0 && !ts.After(c.messages[n-1].CreatedAt) {
		ts = c.messages[n-1].CreatedAt.Add(time.Microsecond)
	}
	c.messages = append(c.messages, domain.StoredMessage{Author: author, Text: text, CreatedAt: ts})
	return ts, nil
}

// LoadFull implements TranscriptStore.
func (m *MemoryStore) LoadFull(_ context.Context, conversationID string) ([]domain.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(c.messages), nil
}

// LoadSince implements TranscriptStore.
func (m *MemoryStore) LoadSince(_ context.Context, conversationID string, after time.Time) ([]domain.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(after)
	})
	return slices.Clone(c.messages[i:]), nil
}

// Delete implements TranscriptStore.
func (m *MemoryStore) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conversationID]; !ok {
		return ErrNotFound
	}
	delete(m.convs, conversationID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == conversationID })
	return nil
}

// Exists implements TranscriptStore.
func (m *MemoryStore) Exists(_ context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.convs[conversationID]
	return ok, nil
}

// ListRecent implements TranscriptStore.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]domain.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConversationSummary, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		out = append(out, domain.ConversationSummary{ID: id, CreatedAt: m.convs[id].createdAt})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements TranscriptStore.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements TranscriptStore.
func (m *MemoryStore) Close() error { return nil }
