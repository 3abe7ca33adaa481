package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/generation"
	"github.com/ashureev/open-dialogue/internal/scheduler"
	"github.com/ashureev/open-dialogue/internal/store"
)

type countingStore struct {
	*store.MemoryStore
	lists atomic.Int32
}

func (c *countingStore) ListRecent(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	c.lists.Add(1)
	return c.MemoryStore.ListRecent(ctx, limit)
}

type chanNotifier struct {
	ch chan string
}

func (n *chanNotifier) Publish(_ context.Context, id string) error {
	n.ch <- id
	return nil
}

func (n *chanNotifier) Subscribe(context.Context) (<-chan string, error) { return n.ch, nil }
func (n *chanNotifier) Close() error                                     { return nil }

type recordingObserver struct {
	mu       sync.Mutex
	failures int
	active   int
}

func (o *recordingObserver) SyncFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *recordingObserver) SetActiveSessions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func newRegistry(t *testing.T, st store.TranscriptStore) *scheduler.Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := scheduler.NewRegistry(ctx, func(id string) *scheduler.Session {
		return scheduler.NewSession(scheduler.Config{
			ConversationID: id,
			Roster:         domain.DefaultRoster(),
			Settings:       domain.DefaultSettings(),
			Store:          st,
			Generator:      generation.NewScripted(nil, 0),
		})
	}, nil)
	t.Cleanup(func() {
		cancel()
		reg.Wait()
	})
	return reg
}

func TestConversationsCachedUntilInvalidated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &countingStore{MemoryStore: store.NewMemory(nil)}
	first, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	p := New(Config{Registry: newRegistry(t, st), Store: st, ConversationInterval: time.Minute})

	list, err := p.Conversations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	_, err = st.CreateConversation(ctx)
	require.NoError(t, err)

	list, err = p.Conversations(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, list, 1, "cached list should be served")
	assert.EqualValues(t, 1, st.lists.Load())

	p.Invalidate()
	list, err = p.Conversations(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.EqualValues(t, 2, st.lists.Load())

	latest, ok, err := p.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, list[0].ID, latest.ID)
}

func TestSyncAllPicksUpExternalAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(nil)
	conv, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	reg := newRegistry(t, st)
	sess, err := reg.Get(ctx, conv.ID)
	require.NoError(t, err)

	obs := &recordingObserver{}
	p := New(Config{Registry: reg, Store: st, Observer: obs})

	_, err = st.Append(ctx, conv.ID, "Ana", "written by another instance")
	require.NoError(t, err)

	p.SyncAll(ctx)
	entries := sess.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "written by another instance", entries[0].Text)
	assert.Equal(t, domain.Moderator, entries[0].Speaker)
	assert.Equal(t, 1, obs.active)
	assert.Zero(t, obs.failures)
}

func TestSyncDropsDeletedConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(nil)
	conv, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	reg := newRegistry(t, st)
	_, err = reg.Get(ctx, conv.ID)
	require.NoError(t, err)

	var removed []string
	p := New(Config{Registry: reg, Store: st, OnRemoved: func(id string) { removed = append(removed, id) }})

	require.NoError(t, st.Delete(ctx, conv.ID))
	p.SyncOne(ctx, conv.ID)

	_, ok := reg.Lookup(conv.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{conv.ID}, removed)
}

func TestRunReactsToChangeNotification(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory(nil)
	conv, err := st.CreateConversation(ctx)
	require.NoError(t, err)

	reg := newRegistry(t, st)
	sess, err := reg.Get(ctx, conv.ID)
	require.NoError(t, err)

	seen := make(chan domain.Entry, 4)
	sess.OnAppend(func(e domain.Entry) { seen <- e })

	n := &chanNotifier{ch: make(chan string, 4)}
	p := New(Config{
		Registry:             reg,
		Store:                st,
		Notifier:             n,
		TranscriptInterval:   time.Hour,
		ConversationInterval: time.Hour,
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err = st.Append(ctx, conv.ID, "Ana", "ping from elsewhere")
	require.NoError(t, err)
	require.NoError(t, n.Publish(ctx, conv.ID))

	select {
	case e := <-seen:
		assert.Equal(t, "ping from elsewhere", e.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("notification did not trigger a sync")
	}

	cancel()
	require.NoError(t, <-done)
}
