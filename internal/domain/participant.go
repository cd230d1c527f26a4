package domain

import "time"

// ConnectionState mirrors RTCPeerConnectionState as persisted in the session row.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// ICEConnectionState mirrors RTCIceConnectionState.
type ICEConnectionState string

const (
	ICEConnectionStateNew          ICEConnectionState = "new"
	ICEConnectionStateChecking     ICEConnectionState = "checking"
	ICEConnectionStateConnected    ICEConnectionState = "connected"
	ICEConnectionStateCompleted    ICEConnectionState = "completed"
	ICEConnectionStateDisconnected ICEConnectionState = "disconnected"
	ICEConnectionStateFailed       ICEConnectionState = "failed"
	ICEConnectionStateClosed       ICEConnectionState = "closed"
)

// SignalingState mirrors RTCSignalingState.
type SignalingState string

const (
	SignalingStateStable          SignalingState = "stable"
	SignalingStateHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingStateHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingStateClosed          SignalingState = "closed"
)

// Participant is one user's presence in one voice channel.
// At most one row exists per (ChannelID, UserID).
type Participant struct {
	ChannelID          ChannelID          `json:"channel_id"`
	UserID             UserID             `json:"user_id"`
	IsMuted            bool               `json:"is_muted"`
	IsDeafened         bool               `json:"is_deafened"`
	ConnectionState    ConnectionState    `json:"connection_state"`
	ICEConnectionState ICEConnectionState `json:"ice_connection_state"`
	SignalingState     SignalingState     `json:"signaling_state"`
	LastHeartbeat      time.Time          `json:"last_heartbeat"`
	JoinedAt           time.Time          `json:"joined_at"`
}

// NewParticipant returns a fresh row for a join at now.
func NewParticipant(channelID ChannelID, userID UserID, now time.Time) Participant {
	return Participant{
		ChannelID:          channelID,
		UserID:             userID,
		ConnectionState:    ConnectionStateNew,
		ICEConnectionState: ICEConnectionStateNew,
		SignalingState:     SignalingStateStable,
		LastHeartbeat:      now,
		JoinedAt:           now,
	}
}

// Stale reports whether the heartbeat is older than timeout at now.
// A zero timeout disables staleness.
func (p Participant) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(p.LastHeartbeat) > timeout
}

// FlagsUpdate is a partial update of the user-controlled flags. Nil fields are left untouched.
type FlagsUpdate struct {
	IsMuted    *bool
	IsDeafened *bool
}

func (u FlagsUpdate) Empty() bool { return u.IsMuted == nil && u.IsDeafened == nil }

// Apply returns p with the non-nil fields of u applied.
func (u FlagsUpdate) Apply(p Participant) Participant {
	if u.IsMuted != nil {
		p.IsMuted = *u.IsMuted
	}
	if u.IsDeafened != nil {
		p.IsDeafened = *u.IsDeafened
	}
	return p
}

// ConnectionInfo is the connection-state triple persisted alongside the heartbeat.
type ConnectionInfo struct {
	ConnectionState    ConnectionState
	ICEConnectionState ICEConnectionState
	SignalingState     SignalingState
}

func (c ConnectionInfo) Apply(p Participant) Participant {
	if c.ConnectionState != "" {
		p.ConnectionState = c.ConnectionState
	}
	if c.ICEConnectionState != "" {
		p.ICEConnectionState = c.ICEConnectionState
	}
	if c.SignalingState != "" {
		p.SignalingState = c.SignalingState
	}
	return p
}

// ChangeKind is the kind of a realtime change on the participants table.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
	// ChangeResync carries only the channel id. Changes may have been missed
	// and the subscriber should list the channel again.
	ChangeResync ChangeKind = "RESYNC"
)

// ParticipantChange is one realtime event for a channel's session rows.
type ParticipantChange struct {
	Kind        ChangeKind  `json:"kind"`
	Participant Participant `json:"participant"`
}
