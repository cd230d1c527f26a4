package voice

import (
	"sort"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// State is the controller lifecycle state for the local user.
type State string

const (
	StateDisconnected State = "disconnected"
	StateJoining      State = "joining"
	StateConnected    State = "connected"
	StateLeaving      State = "leaving"
)

// View is the presentation snapshot handed to subscribers.
type View struct {
	ChannelID domain.ChannelID
	State     State
	Local     LocalView
	Remotes   map[domain.UserID]RemoteView
	// PresenceError is set while the participant list cannot be refreshed.
	// Resync clears it.
	PresenceError error
}

type LocalView struct {
	UserID   domain.UserID
	Muted    bool
	Deafened bool
	Speaking bool
}

type RemoteView struct {
	Participant domain.Participant
	LinkState   webrtc.PeerConnectionState
	// Track is nil until media arrives and after the link fails.
	Track    core.RemoteTrack
	Speaking bool
	Err      error
}

// SortedRemotes returns the remotes ordered by join time.
func (v View) SortedRemotes() []RemoteView {
	out := make([]RemoteView, 0, len(v.Remotes))
	for _, r := range v.Remotes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Participant, out[j].Participant
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.UserID < b.UserID
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return out
}

// notifier delivers views in version order; older versions are skipped.
type notifier struct {
	mu        sync.Mutex
	next      int
	subs      map[int]func(View)
	delivered uint64
}

func (n *notifier) add(fn func(View)) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(View))
	}
	n.next++
	n.subs[n.next] = fn
	return n.next
}

func (n *notifier) remove(id int) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

func (n *notifier) deliver(version uint64, v View) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if version <= n.delivered {
		return
	}
	n.delivered = version
	for _, fn := range n.subs {
		fn(v)
	}
}
