package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channel domain.ChannelID = "general-voice"

type changes struct {
	mu  sync.Mutex
	got []domain.ParticipantChange
}

func (c *changes) add(ch domain.ParticipantChange) {
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
}

func (c *changes) kinds() []domain.ChangeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.ChangeKind
	for _, ch := range c.got {
		out = append(out, ch.Kind)
	}
	return out
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(100, 0)
	s := New().WithClock(func() time.Time { return now })

	first, err := s.Join(ctx, channel, "alice")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := s.Join(ctx, channel, "alice")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	rows, err := s.List(ctx, channel)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLeaveWithoutSessionIsNoop(t *testing.T) {
	s := New()
	assert.NoError(t, s.Leave(context.Background(), channel, "ghost"))
}

func TestUpdateFlagsPartial(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Join(ctx, channel, "alice")
	require.NoError(t, err)

	muted, deaf := true, true
	_, err = s.UpdateFlags(ctx, channel, "alice", domain.FlagsUpdate{IsDeafened: &deaf})
	require.NoError(t, err)
	p, err := s.UpdateFlags(ctx, channel, "alice", domain.FlagsUpdate{IsMuted: &muted})
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.True(t, p.IsDeafened)

	_, err = s.UpdateFlags(ctx, channel, "bob", domain.FlagsUpdate{IsMuted: &muted})
	assert.ErrorIs(t, err, core.ErrPersistenceFailure)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSubscribeStreamsChangesInOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	var got changes
	sub, err := s.Subscribe(ctx, channel, got.add)
	require.NoError(t, err)
	defer sub.Close()

	other, err := s.Subscribe(ctx, "other", func(domain.ParticipantChange) { t.Error("wrong channel") })
	require.NoError(t, err)
	defer other.Close()

	_, err = s.Join(ctx, channel, "alice")
	require.NoError(t, err)
	require.NoError(t, s.UpdateConnection(ctx, channel, "alice", domain.ConnectionInfo{ConnectionState: domain.ConnectionStateConnected}))
	require.NoError(t, s.Heartbeat(ctx, channel, "alice"))
	require.NoError(t, s.Leave(ctx, channel, "alice"))
	require.NoError(t, s.Leave(ctx, channel, "alice"))

	want := []domain.ChangeKind{domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeUpdate, domain.ChangeDelete}
	require.Eventually(t, func() bool { return len(got.kinds()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.kinds())
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	var got changes
	sub, err := s.Subscribe(ctx, channel, got.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = s.Join(ctx, channel, "alice")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.kinds())
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(100, 0)
	s := New().WithClock(func() time.Time { return now })

	_, err := s.Join(ctx, channel, "alice")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = s.Join(ctx, channel, "bob")
	require.NoError(t, err)

	n, err := s.EvictStale(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.List(ctx, channel)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.UserID("bob"), rows[0].UserID)
}

func TestInjectedFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.Fail("join", boom)

	_, err := s.Join(ctx, channel, "alice")
	assert.ErrorIs(t, err, core.ErrPersistenceFailure)
	assert.ErrorIs(t, err, boom)

	s.Fail("join", nil)
	_, err = s.Join(ctx, channel, "alice")
	assert.NoError(t, err)
}
