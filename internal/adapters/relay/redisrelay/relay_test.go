package redisrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := Connect(context.Background(), Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestPublishReachesSubscribers(t *testing.T) {
	r, _ := newRelay(t)
	ctx := context.Background()

	got := make(chan string, 4)
	sub, err := r.Subscribe(ctx, "voice:lobby", func(b []byte) { got <- string(b) })
	require.NoError(t, err)
	defer sub.Close()

	other, err := r.Subscribe(ctx, "voice:other", func(b []byte) { t.Errorf("unexpected delivery %q", b) })
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, r.Publish(ctx, "voice:lobby", []byte("one")))
	require.NoError(t, r.Publish(ctx, "voice:lobby", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestCloseEndsSubscription(t *testing.T) {
	r, _ := newRelay(t)
	sub, err := r.Subscribe(context.Background(), "voice:lobby", func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case <-sub.(core.DoneNotifier).Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Connect(ctx, Config{Addr: addr}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSignalingUnavailable))
}

func TestPublishAfterServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	r := New(client, nil)
	defer r.Close()
	mr.Close()

	err := r.Publish(context.Background(), "voice:lobby", []byte("x"))
	assert.ErrorIs(t, err, core.ErrSignalingUnavailable)
}
