package peers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Link is one local-to-remote media connection.
type Link struct {
	remote    domain.UserID
	conn      core.MediaConnection
	createdAt time.Time

	// mu serializes negotiation steps and guards the pending buffer.
	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	state  atomic.Value // webrtc.PeerConnectionState
	closed atomic.Bool
}

func newLink(remote domain.UserID, conn core.MediaConnection, now time.Time) *Link {
	l := &Link{remote: remote, conn: conn, createdAt: now}
	l.state.Store(webrtc.PeerConnectionStateNew)
	return l
}

func (l *Link) Remote() domain.UserID      { return l.remote }
func (l *Link) Conn() core.MediaConnection { return l.conn }
func (l *Link) CreatedAt() time.Time       { return l.createdAt }
func (l *Link) Closed() bool               { return l.closed.Load() }

func (l *Link) SignalingState() webrtc.SignalingState { return l.conn.SignalingState() }

func (l *Link) State() webrtc.PeerConnectionState {
	return l.state.Load().(webrtc.PeerConnectionState)
}

// Pending returns the number of buffered remote candidates.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) setState(s webrtc.PeerConnectionState) {
	l.state.Store(s)
}

// flush applies buffered candidates in receipt order. Caller holds l.mu.
func (l *Link) flush() []error {
	var errs []error
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	return errs
}

// close releases the connection once; it reports whether this call closed it.
func (l *Link) close() bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = l.conn.Close()
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	return true
}
