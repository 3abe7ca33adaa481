package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublishSubscribe(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := NewRedis(ctx, mr.Addr(), nil)
	require.NoError(t, err)
	defer func() { _ = n.Close() }()

	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, "conv-1"))
	require.NoError(t, n.Publish(ctx, ListChanged))

	for _, want := range []string{"conv-1", ListChanged} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestNewRedisFailsWhenUnreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, addr, nil)
	require.Error(t, err)
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	n := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	require.NoError(t, n.Close())

	_, err := n.Subscribe(context.Background())
	require.ErrorIs(t, err, redis.ErrClosed)
}

func TestNoop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	var n Notifier = Noop{}
	require.NoError(t, n.Publish(ctx, "x"))
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, n.Close())
}
