package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "dialogue.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	t1, err := s.Append(ctx, conv.ID, "Ana", "hello")
	require.NoError(t, err)
	t2, err := s.Append(ctx, conv.ID, "Gosha", "hi Ana")
	require.NoError(t, err)
	assert.True(t, t2.After(t1), "timestamps must strictly increase")

	full, err := s.LoadFull(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, full, 2)
	assert.Equal(t, "Ana", full[0].Author)
	assert.Equal(t, "hi Ana", full[1].Text)
	assert.True(t, full[0].CreatedAt.Equal(t1))
}

func TestAppendBumpsFrozenClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	frozen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return frozen }))

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		ts, err := s.Append(ctx, conv.ID, "Ana", "msg")
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}
	assert.True(t, stamps[0].Equal(frozen))
	assert.Equal(t, time.Microsecond, stamps[1].Sub(stamps[0]))
	assert.Equal(t, time.Microsecond, stamps[2].Sub(stamps[1]))
}

func TestLoadSinceIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = s.Append(ctx, conv.ID, "Ana", "one")
	require.NoError(t, err)
	boundary, err := s.Append(ctx, conv.ID, "Gosha", "two")
	require.NoError(t, err)
	_, err = s.Append(ctx, conv.ID, "Joshi", "three")
	require.NoError(t, err)

	since, err := s.LoadSince(ctx, conv.ID, boundary)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "three", since[0].Text)
}

func TestMissingConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Append(ctx, "nope", "Ana", "hello")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.LoadFull(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(s.Delete(ctx, "nope"), ErrNotFound))
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = s.Append(ctx, conv.ID, "Ana", "hello")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, conv.ID))

	ok, err := s.Exists(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM od_messages WHERE conversation_id = ?`, conv.ID).Scan(&n))
	assert.Zero(t, n)
}

func TestListRecentNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s := newTestStore(t, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := s.CreateConversation(ctx)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	list, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
}

func TestConcurrentAppendsKeepOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, conv.ID, "Ana", "concurrent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	full, err := s.LoadFull(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, full, 10)
	for i := 1; i < len(full); i++ {
		assert.True(t, full[i].CreatedAt.After(full[i-1].CreatedAt))
	}
}
