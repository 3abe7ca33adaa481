// Package poller keeps loaded conversations and the recent-conversation list
// fresh on a timer, and reacts early to change notifications.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/notify"
	"github.com/ashureev/open-dialogue/internal/scheduler"
	"github.com/ashureev/open-dialogue/internal/store"
	"github.com/ashureev/open-dialogue/internal/transcript"
)

const (
	DefaultTranscriptInterval   = 2 * time.Second
	DefaultConversationInterval = 10 * time.Second
	DefaultListLimit            = 20
)

// Observer receives poller health signals.
type Observer interface {
	SyncFailed()
	SetActiveSessions(n int)
}

type nopObserver struct{}

func (nopObserver) SyncFailed()           {}
func (nopObserver) SetActiveSessions(int) {}

// Config wires a Poller.
type Config struct {
	Registry             *scheduler.Registry
	Store                store.TranscriptStore
	Notifier             notify.Notifier
	Observer             Observer
	TranscriptInterval   time.Duration
	ConversationInterval time.Duration
	// OnRemoved is called after a deleted conversation's session is dropped.
	OnRemoved func(conversationID string)
	Logger    *slog.Logger
}

// Poller refreshes sessions and caches the conversation list.
type Poller struct {
	registry           *scheduler.Registry
	store              store.TranscriptStore
	notifier           notify.Notifier
	observer           Observer
	transcriptInterval time.Duration
	listInterval       time.Duration
	onRemoved          func(string)
	logger             *slog.Logger

	lists *gocache.Cache
	loads singleflight.Group
}

// New creates a poller. Zero intervals fall back to the defaults.
func New(cfg Config) *Poller {
	p := &Poller{
		registry:           cfg.Registry,
		store:              cfg.Store,
		notifier:           cfg.Notifier,
		observer:           cfg.Observer,
		transcriptInterval: cfg.TranscriptInterval,
		listInterval:       cfg.ConversationInterval,
		onRemoved:          cfg.OnRemoved,
		logger:             cfg.Logger,
	}
	if p.notifier == nil {
		p.notifier = notify.Noop{}
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.transcriptInterval <= 0 {
		p.transcriptInterval = DefaultTranscriptInterval
	}
	if p.listInterval <= 0 {
		p.listInterval = DefaultConversationInterval
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.lists = gocache.New(p.listInterval, 2*p.listInterval)
	return p
}

// Run blocks until ctx is done, refreshing on both tickers and on change
// notifications.
func (p *Poller) Run(ctx context.Context) error {
	changes, err := p.notifier.Subscribe(ctx)
	if err != nil {
		p.logger.Warn("change notifications unavailable, polling only", "error", err)
		changes = nil
	}

	transcriptTicker := time.NewTicker(p.transcriptInterval)
	defer transcriptTicker.Stop()
	listTicker := time.NewTicker(p.listInterval)
	defer listTicker.Stop()

	p.logger.Info("Poller started",
		"transcript_interval", p.transcriptInterval,
		"conversation_interval", p.listInterval)

	for {
		select {
		case <-transcriptTicker.C:
			p.SyncAll(ctx)
		case <-listTicker.C:
			p.Invalidate()
			if _, err := p.Conversations(ctx, DefaultListLimit); err != nil {
				p.logger.Warn("conversation list refresh failed", "error", err)
			}
		case id, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			p.handleChange(ctx, id)
		case <-ctx.Done():
			p.logger.Info("Poller shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (p *Poller) handleChange(ctx context.Context, conversationID string) {
	p.Invalidate()
	if conversationID == notify.ListChanged {
		return
	}
	if _, ok := p.registry.Lookup(conversationID); ok {
		p.SyncOne(ctx, conversationID)
	}
}

// SyncAll refreshes every loaded session.
func (p *Poller) SyncAll(ctx context.Context) {
	for _, id := range p.registry.IDs() {
		if ctx.Err() != nil {
			return
		}
		p.SyncOne(ctx, id)
	}
	p.observer.SetActiveSessions(len(p.registry.IDs()))
}

// SyncOne refreshes a single loaded session. A conversation deleted
// elsewhere is dropped from the registry.
func (p *Poller) SyncOne(ctx context.Context, conversationID string) {
	s, ok := p.registry.Lookup(conversationID)
	if !ok {
		return
	}
	added, err := s.Sync(ctx)
	switch {
	case errors.Is(err, scheduler.ErrConversationNotFound):
		p.registry.Remove(conversationID)
		p.Invalidate()
		if p.onRemoved != nil {
			p.onRemoved(conversationID)
		}
	case err != nil:
		p.observer.SyncFailed()
		p.logger.Warn("transcript sync failed", "conversation_id", conversationID, "error", err)
	case len(added) > 0:
		p.logger.Debug("transcript synced", "conversation_id", conversationID, "added", len(added))
		p.registry.Kick(conversationID)
	}
}

// Conversations returns the most recent conversations, deduplicated and
// newest first. Results are cached for one conversation poll interval.
func (p *Poller) Conversations(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	key := fmt.Sprintf("recent:%d", limit)
	if v, ok := p.lists.Get(key); ok {
		return v.([]domain.ConversationSummary), nil
	}

	v, err, _ := p.loads.Do(key, func() (any, error) {
		list, err := p.store.ListRecent(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		list = transcript.DedupeConversations(list)
		p.lists.Set(key, list, gocache.DefaultExpiration)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.ConversationSummary), nil
}

// Latest returns the most recently created conversation.
func (p *Poller) Latest(ctx context.Context) (domain.ConversationSummary, bool, error) {
	list, err := p.Conversations(ctx, DefaultListLimit)
	if err != nil || len(list) == 0 {
		return domain.ConversationSummary{}, false, err
	}
	return list[0], true, nil
}

// Invalidate drops the cached conversation list.
func (p *Poller) Invalidate() {
	p.lists.Flush()
}
