package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds a fresh session for a conversation.
type Factory func(conversationID string) *Session

// Registry maps conversation IDs to live sessions and runs at most one
// driver goroutine per session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	driving  map[string]bool
	factory  Factory
	loads    singleflight.Group
	ctx      context.Context
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRegistry creates a registry. Drivers run under ctx and stop when it is
// cancelled.
func NewRegistry(ctx context.Context, factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		driving:  make(map[string]bool),
		factory:  factory,
		ctx:      ctx,
		logger:   logger,
	}
}

// Get returns the session for a conversation, loading it on first use.
// A conversation missing from the store yields ErrConversationNotFound and
// nothing is cached.
func (r *Registry) Get(ctx context.Context, conversationID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := r.loads.Do(conversationID, func() (any, error) {
		r.mu.Lock()
		if s, ok := r.sessions[conversationID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		s := r.factory(conversationID)
		if _, err := s.Sync(ctx); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				return nil, err
			}
			// Degraded: keep the session and let the poller retry.
			r.logger.Warn("initial sync failed", "conversation_id", conversationID, "error", err)
		}

		r.mu.Lock()
		r.sessions[conversationID] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns a loaded session without touching the store.
func (r *Registry) Lookup(conversationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// Kick makes sure a driver is running for the conversation if it has queued
// turns.
func (r *Registry) Kick(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok || r.driving[conversationID] || r.ctx.Err() != nil {
		return
	}
	r.driving[conversationID] = true
	r.wg.Add(1)
	go r.drive(conversationID, s)
}

func (r *Registry) drive(conversationID string, s *Session) {
	defer r.wg.Done()
	for {
		if err := s.RunUntilIdle(r.ctx); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				r.mu.Lock()
				r.driving[conversationID] = false
				r.mu.Unlock()
				r.Remove(conversationID)
				return
			}
			r.logger.Warn("turn driver stopped with errors", "conversation_id", conversationID, "error", err)
		}

		// Checked under r.mu so a concurrent Kick cannot be lost.
		r.mu.Lock()
		if r.ctx.Err() != nil || !s.HasPending() {
			r.driving[conversationID] = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// Remove forgets a session.
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[conversationID]; ok {
		delete(r.sessions, conversationID)
		delete(r.driving, conversationID)
		r.logger.Info("session removed", "conversation_id", s.ID())
	}
}

// Each calls fn for every loaded session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	for _, s := range list {
		fn(s)
	}
}

// IDs returns the IDs of loaded sessions.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every driver has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
