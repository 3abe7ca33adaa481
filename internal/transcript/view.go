// Package transcript keeps a per-conversation cache of the transcript store
// and reconciles it against the store's authoritative state.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/store"
)

// View is the local copy of one conversation. All store round-trips for the
// conversation go through the view's mutex, so a refresh never interleaves
// with an append.
type View struct {
	mu      sync.Mutex
	id      string
	store   store.TranscriptStore
	roster  domain.Roster
	entries []domain.Entry
	loaded  bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewView creates an empty view. Nothing is loaded until Full or Refresh.
func NewView(conversationID string, st store.TranscriptStore, roster domain.Roster, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{
		id:     conversationID,
		store:  st,
		roster: roster.Normalize(),
		now:    time.Now,
		logger: logger.With("conversation_id", conversationID),
	}
}

// ConversationID returns the conversation this view tracks.
func (v *View) ConversationID() string {
	return v.id
}

// Append persists text and adds it to the local transcript. If the store
// rejects the write for any reason other than a missing conversation, the
// entry is still kept locally, flagged Unsynced, and the error is returned
// alongside it.
func (v *View) Append(ctx context.Context, speaker domain.Identity, label, text string) (domain.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry := domain.Entry{Speaker: speaker, Label: label, Text: text}
	ts, err := v.store.Append(ctx, v.id, label, text)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Entry{}, err
	}
	if err != nil {
		entry.CreatedAt = v.now().UTC()
		entry.Unsynced = true
		v.entries = append(v.entries, entry)
		v.logger.Warn("store append failed, keeping entry locally", "speaker", speaker, "error", err)
		return entry, fmt.Errorf("append to store: %w", err)
	}
	entry.CreatedAt = ts

	if !v.loaded {
		v.insertSynced([]domain.Entry{entry})
		return entry, nil
	}
	// Pick up anything other writers appended before us along with our own row.
	if _, err := v.sinceLocked(ctx); err != nil {
		v.insertSynced([]domain.Entry{entry})
		v.loaded = false
		v.logger.Warn("refresh after append failed", "error", err)
	}
	return entry, nil
}

// Full loads the whole conversation and reconciles it into the view.
func (v *View) Full(ctx context.Context) ([]domain.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.fullLocked(ctx); err != nil {
		return slices.Clone(v.entries), err
	}
	return slices.Clone(v.entries), nil
}

// Since reads entries strictly after the given store timestamp without
// touching the view.
func (v *View) Since(ctx context.Context, after time.Time) ([]domain.Entry, error) {
	msgs, err := v.store.LoadSince(ctx, v.id, after)
	if err != nil {
		return nil, err
	}
	return FromStored(v.roster, msgs), nil
}

// Refresh brings the view up to date and returns the entries it gained. A
// loaded view only asks for entries after the newest synced timestamp.
func (v *View) Refresh(ctx context.Context) ([]domain.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.loaded {
		return v.fullLocked(ctx)
	}
	return v.sinceLocked(ctx)
}

func (v *View) fullLocked(ctx context.Context) ([]domain.Entry, error) {
	msgs, err := v.store.LoadFull(ctx, v.id)
	if err != nil {
		return nil, err
	}
	prev := v.entries
	v.entries = Reconcile(v.entries, FromStored(v.roster, msgs))
	v.loaded = true
	return added(prev, v.entries), nil
}

func (v *View) sinceLocked(ctx context.Context) ([]domain.Entry, error) {
	msgs, err := v.store.LoadSince(ctx, v.id, v.lastSyncedLocked())
	if err != nil {
		return nil, err
	}
	fresh := FromStored(v.roster, msgs)
	v.insertSynced(fresh)
	return fresh, nil
}

// insertSynced appends store-confirmed entries ahead of any unsynced tail.
func (v *View) insertSynced(fresh []domain.Entry) {
	if len(fresh) == 0 {
		return
	}
	synced, pending := splitUnsynced(v.entries)
	synced = append(synced, fresh...)
	v.entries = append(synced, pending...)
}

func (v *View) lastSyncedLocked() time.Time {
	for i := len(v.entries) - 1; i >= 0; i-- {
		if !v.entries[i].Unsynced {
			return v.entries[i].CreatedAt
		}
	}
	return time.Time{}
}

// added returns what a reconcile contributed beyond the previous local
// state. A replaced transcript is returned whole.
func added(prev, merged []domain.Entry) []domain.Entry {
	synced, _ := splitUnsynced(prev)
	fresh, _ := splitUnsynced(merged)
	n := len(synced)
	if n > 0 && len(fresh) >= n && sameEntry(synced[n-1], fresh[n-1]) {
		return slices.Clone(fresh[n:])
	}
	return slices.Clone(fresh)
}

// LastSynced returns the store timestamp of the newest persisted entry.
func (v *View) LastSynced() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSyncedLocked()
}

// Entries returns a copy of the local transcript.
func (v *View) Entries() []domain.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.entries)
}

// Loaded reports whether the view has completed a full load.
func (v *View) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}

// HasSpoken reports whether the identity appears in the local transcript.
func (v *View) HasSpoken(id domain.Identity) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return HasSpoken(v.entries, id)
}

// Reset drops all local state.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = nil
	v.loaded = false
}
