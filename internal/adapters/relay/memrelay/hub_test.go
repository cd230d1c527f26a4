package memrelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(b))
	c.mu.Unlock()
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	var got collector
	sub, err := h.Subscribe(ctx, "voice:a", got.add)
	require.NoError(t, err)
	defer sub.Close()

	var want []string
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		require.NoError(t, h.Publish(ctx, "voice:a", []byte(msg)))
	}
	require.Eventually(t, func() bool { return len(got.get()) == 50 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.get())
}

func TestPublishIsTopicScoped(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	var a, b collector
	subA, err := h.Subscribe(ctx, "voice:a", a.add)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := h.Subscribe(ctx, "voice:b", b.add)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, h.Publish(ctx, "voice:a", []byte("hello")))
	require.Eventually(t, func() bool { return len(a.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.get())
}

func TestCloseIsIdempotentAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	sub, err := h.Subscribe(ctx, "voice:a", func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers("voice:a"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, h.Subscribers("voice:a"))
}

func TestSetDownFailsAndEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	sub, err := h.Subscribe(ctx, "voice:a", func([]byte) {})
	require.NoError(t, err)

	h.SetDown(true)
	select {
	case <-sub.(core.DoneNotifier).Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}
	assert.ErrorIs(t, h.Publish(ctx, "voice:a", []byte("x")), ErrDown)
	_, err = h.Subscribe(ctx, "voice:a", func([]byte) {})
	assert.ErrorIs(t, err, ErrDown)

	h.SetDown(false)
	assert.NoError(t, h.Publish(ctx, "voice:a", []byte("x")))
}
