package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/adapters/relay/memrelay"
	"github.com/dkeye/voicelink/internal/adapters/store/memstore"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/core/coretest"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const general domain.ChannelID = "general-voice"

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errSink) add(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errSink) has(target error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, err := range e.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type harness struct {
	hub   *memrelay.Hub
	store *memstore.Store
	net   *coretest.Network
}

func newHarness() *harness {
	return &harness{hub: memrelay.New(nil), store: memstore.New(), net: coretest.NewNetwork()}
}

type client struct {
	*Controller
	media *coretest.Provider
	errs  *errSink
}

func (h *harness) client(t *testing.T, id domain.UserID, tweak ...func(*Config)) *client {
	t.Helper()
	cl := &client{media: &coretest.Provider{}, errs: &errSink{}}
	cfg := Config{
		Local:             id,
		Relay:             h.hub,
		Store:             h.store,
		Media:             cl.media,
		Factory:           h.net.Factory(id),
		HeartbeatInterval: -1,
		PollInterval:      -1,
		OnError:           cl.errs.add,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	cl.Controller = New(cfg)
	t.Cleanup(func() { _ = cl.Leave(context.Background()) })
	return cl
}

func (c *client) linkState(remote domain.UserID) webrtc.PeerConnectionState {
	return c.View().Remotes[remote].LinkState
}

func (c *client) links() map[domain.UserID]webrtc.PeerConnectionState {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	out := map[domain.UserID]webrtc.PeerConnectionState{}
	if s == nil {
		return out
	}
	for id, l := range s.peers.Links() {
		out[id] = l.State()
	}
	return out
}

func connected(a, b *client) func() bool {
	return func() bool {
		return a.linkState(b.cfg.Local) == webrtc.PeerConnectionStateConnected &&
			b.linkState(a.cfg.Local) == webrtc.PeerConnectionStateConnected
	}
}

func rowState(t *testing.T, store *memstore.Store, user domain.UserID) domain.ConnectionState {
	t.Helper()
	rows, err := store.List(context.Background(), general)
	require.NoError(t, err)
	for _, p := range rows {
		if p.UserID == user {
			return p.ConnectionState
		}
	}
	return ""
}

func TestTwoParticipantsConnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	bob := h.client(t, "bob")

	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, bob.Join(ctx, general))

	require.Eventually(t, connected(alice, bob), waitFor, tick)
	assert.Equal(t, map[domain.UserID]webrtc.PeerConnectionState{"bob": webrtc.PeerConnectionStateConnected}, alice.links())
	assert.Equal(t, map[domain.UserID]webrtc.PeerConnectionState{"alice": webrtc.PeerConnectionStateConnected}, bob.links())

	require.Eventually(t, func() bool {
		return rowState(t, h.store, "alice") == domain.ConnectionStateConnected &&
			rowState(t, h.store, "bob") == domain.ConnectionStateConnected
	}, waitFor, tick)

	// Remote media surfaces in the view.
	require.Eventually(t, func() bool { return alice.View().Remotes["bob"].Track != nil }, waitFor, tick)
	assert.Equal(t, StateConnected, alice.State())
}

func TestJoinSameChannelTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")

	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, alice.Join(ctx, general))

	rows, err := h.store.List(ctx, general)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, general, alice.Channel())
}

func TestJoinOtherChannelLeavesFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")

	require.NoError(t, alice.Join(ctx, general))
	first := alice.media.Last()
	require.NoError(t, alice.Join(ctx, "afk"))

	rows, err := h.store.List(ctx, general)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, first.Stopped())
	assert.Equal(t, domain.ChannelID("afk"), alice.Channel())
}

func TestJoinFailuresRollBack(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(h *harness, c *client)
		want  error
	}{
		{
			name:  "media denied",
			setup: func(_ *harness, c *client) { c.media.Err = boom },
			want:  core.ErrMediaAcquisitionDenied,
		},
		{
			name:  "store join fails",
			setup: func(h *harness, _ *client) { h.store.Fail("join", boom) },
			want:  core.ErrPersistenceFailure,
		},
		{
			name:  "store heartbeat fails",
			setup: func(h *harness, _ *client) { h.store.Fail("heartbeat", boom) },
			want:  core.ErrPersistenceFailure,
		},
		{
			name:  "store subscribe fails",
			setup: func(h *harness, _ *client) { h.store.Fail("subscribe", boom) },
			want:  core.ErrPersistenceFailure,
		},
		{
			name:  "relay down",
			setup: func(h *harness, _ *client) { h.hub.SetDown(true) },
			want:  core.ErrSignalingUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness()
			alice := h.client(t, "alice")
			tt.setup(h, alice)

			err := alice.Join(ctx, general)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateDisconnected, alice.State())

			h.store.Fail("list", nil)
			rows, err := h.store.List(ctx, general)
			require.NoError(t, err)
			assert.Empty(t, rows)
			if m := alice.media.Last(); m != nil {
				assert.True(t, m.Stopped())
			}
		})
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")

	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, alice.Leave(ctx))
	require.NoError(t, alice.Leave(ctx))

	assert.Equal(t, StateDisconnected, alice.State())
	assert.True(t, alice.media.Last().Stopped())
	rows, err := h.store.List(ctx, general)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 0, h.hub.Subscribers(core.ChannelTopic(general)))
}

func TestLeaveSucceedsWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	require.NoError(t, alice.Join(ctx, general))

	h.store.Fail("leave", errors.New("db down"))
	require.NoError(t, alice.Leave(ctx))
	assert.Equal(t, StateDisconnected, alice.State())
	assert.True(t, alice.media.Last().Stopped())
	assert.True(t, alice.errs.has(core.ErrPersistenceFailure))
}

func TestMuteIsLocalFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	require.NoError(t, alice.Join(ctx, general))

	h.store.Fail("update_flags", errors.New("db down"))
	alice.SetMuted(true)

	assert.False(t, alice.media.Last().Enabled())
	assert.True(t, alice.View().Local.Muted)
	require.Eventually(t, func() bool { return alice.errs.has(core.ErrPersistenceFailure) }, waitFor, tick)
	assert.False(t, alice.media.Last().Enabled())

	h.store.Fail("update_flags", nil)
	alice.SetMuted(false)
	assert.True(t, alice.media.Last().Enabled())
	require.Eventually(t, func() bool {
		rows, err := h.store.List(ctx, general)
		return err == nil && len(rows) == 1 && !rows[0].IsMuted
	}, waitFor, tick)
}

func TestMutedBeforeJoinIsApplied(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")

	alice.SetMuted(true)
	require.NoError(t, alice.Join(ctx, general))

	assert.False(t, alice.media.Last().Enabled())
	require.Eventually(t, func() bool {
		rows, err := h.store.List(ctx, general)
		return err == nil && len(rows) == 1 && rows[0].IsMuted
	}, waitFor, tick)
}

func TestDeafenStopsPlayback(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	bob := h.client(t, "bob")
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, bob.Join(ctx, general))

	require.Eventually(t, func() bool { return alice.View().Remotes["bob"].Track != nil }, waitFor, tick)
	track := alice.View().Remotes["bob"].Track

	alice.SetDeafened(true)
	assert.False(t, track.Playback())
	assert.True(t, alice.media.Last().Enabled(), "deafen does not mute")

	alice.SetDeafened(false)
	assert.True(t, track.Playback())
}

func TestRemoteLeaveClosesLink(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	bob := h.client(t, "bob")
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, bob.Join(ctx, general))
	require.Eventually(t, connected(alice, bob), waitFor, tick)

	require.NoError(t, bob.Leave(ctx))

	require.Eventually(t, func() bool {
		return len(alice.links()) == 0 && len(alice.View().Remotes) == 0
	}, waitFor, tick)
	assert.Equal(t, StateConnected, alice.State())
	require.Eventually(t, func() bool {
		return rowState(t, h.store, "alice") == domain.ConnectionStateNew
	}, waitFor, tick)
}

func TestLinkFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice", func(c *Config) { c.MaxReconnects = 1 })
	bob := h.client(t, "bob")
	carol := h.client(t, "carol")
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, bob.Join(ctx, general))
	require.NoError(t, carol.Join(ctx, general))
	require.Eventually(t, connected(alice, bob), waitFor, tick)
	require.Eventually(t, connected(alice, carol), waitFor, tick)

	toCarol := h.net.Conn("alice", "carol")
	h.net.Conn("alice", "bob").SetConnectionState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool { return alice.errs.has(core.ErrConnectionFailed) }, waitFor, tick)
	assert.Equal(t, StateConnected, alice.State())
	assert.False(t, toCarol.Closed())
	assert.Equal(t, webrtc.PeerConnectionStateConnected, alice.linkState("carol"))

	rows, err := h.store.List(ctx, general)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// One reconnect attempt brings bob back on a fresh link.
	require.Eventually(t, connected(alice, bob), waitFor, tick)
}

func TestSignalingLossDisconnects(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	require.NoError(t, alice.Join(ctx, general))

	h.hub.SetDown(true)

	require.Eventually(t, func() bool { return alice.State() == StateDisconnected }, waitFor, tick)
	assert.True(t, alice.errs.has(core.ErrSignalingUnavailable))
	assert.True(t, alice.media.Last().Stopped())
}

func TestStaleParticipantIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	old := time.Now().Add(-4 * time.Hour)
	h.store.WithClock(func() time.Time { return old })
	_, err := h.store.Join(ctx, general, "ghost")
	require.NoError(t, err)
	h.store.WithClock(time.Now)

	alice := h.client(t, "alice", func(c *Config) { c.HeartbeatInterval = time.Hour })
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, alice.Resync(ctx))

	assert.Empty(t, alice.View().Remotes)
	assert.Empty(t, alice.links())
}

func TestRejoinOverStaleRowConnects(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	old := time.Now().Add(-4 * time.Hour)
	h.store.WithClock(func() time.Time { return old })
	_, err := h.store.Join(ctx, general, "bob")
	require.NoError(t, err)
	h.store.WithClock(time.Now)

	slow := func(c *Config) { c.HeartbeatInterval = time.Hour }
	alice := h.client(t, "alice", slow)
	bob := h.client(t, "bob", slow)
	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, bob.Join(ctx, general))

	require.Eventually(t, connected(alice, bob), waitFor, tick)
	assert.Equal(t, map[domain.UserID]webrtc.PeerConnectionState{"bob": webrtc.PeerConnectionStateConnected}, alice.links())
}

// quietStore swallows the store's own change feed so a test can drive it.
type quietStore struct {
	*memstore.Store
	mu       sync.Mutex
	onChange func(domain.ParticipantChange)
}

func (q *quietStore) Subscribe(ctx context.Context, channelID domain.ChannelID, onChange func(domain.ParticipantChange)) (core.Subscription, error) {
	q.mu.Lock()
	q.onChange = onChange
	q.mu.Unlock()
	return q.Store.Subscribe(ctx, channelID, func(domain.ParticipantChange) {})
}

func (q *quietStore) emit(change domain.ParticipantChange) {
	q.mu.Lock()
	fn := q.onChange
	q.mu.Unlock()
	fn(change)
}

func TestResyncChangeRelistsChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	store := &quietStore{Store: h.store}
	alice := h.client(t, "alice", func(c *Config) { c.Store = store })
	require.NoError(t, alice.Join(ctx, general))

	_, err := h.store.Join(ctx, general, "bob")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, alice.View().Remotes)

	store.emit(domain.ParticipantChange{Kind: domain.ChangeResync, Participant: domain.Participant{ChannelID: general}})
	require.Eventually(t, func() bool {
		_, ok := alice.View().Remotes["bob"]
		return ok
	}, waitFor, tick)
}

func TestResyncReportsPresenceError(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")
	assert.ErrorIs(t, alice.Resync(ctx), core.ErrNotJoined)

	require.NoError(t, alice.Join(ctx, general))
	h.store.Fail("list", errors.New("db down"))
	require.ErrorIs(t, alice.Resync(ctx), core.ErrPersistenceFailure)
	assert.ErrorIs(t, alice.View().PresenceError, core.ErrPersistenceFailure)

	h.store.Fail("list", nil)
	require.NoError(t, alice.Resync(ctx))
	assert.NoError(t, alice.View().PresenceError)
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice := h.client(t, "alice")

	var mu sync.Mutex
	var seen []State
	cancel := alice.Subscribe(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != v.State {
			seen = append(seen, v.State)
		}
	})
	defer cancel()

	require.NoError(t, alice.Join(ctx, general))
	require.NoError(t, alice.Leave(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateDisconnected, StateJoining, StateConnected, StateLeaving, StateDisconnected}, seen)
}
