package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDValidate(t *testing.T) {
	tests := []struct {
		name string
		id   UserID
		err  error
	}{
		{"ok", "alice", nil},
		{"empty", "", ErrUserIDEmpty},
		{"too long", UserID(strings.Repeat("a", 65)), ErrUserIDTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.id.Validate(), tt.err)
		})
	}
}

func TestChannelIDValidate(t *testing.T) {
	assert.NoError(t, ChannelID("general-voice").Validate())
	assert.ErrorIs(t, ChannelID("").Validate(), ErrChannelIDEmpty)
	assert.ErrorIs(t, ChannelID(strings.Repeat("c", 65)).Validate(), ErrChannelIDTooLong)
}

func TestPoliteIsAsymmetric(t *testing.T) {
	assert.True(t, Polite("bob", "alice"))
	assert.False(t, Polite("alice", "bob"))
	assert.False(t, Polite("alice", "alice"))
}

func TestEnvelopeFor(t *testing.T) {
	tests := []struct {
		name   string
		env    Envelope
		local  UserID
		expect bool
	}{
		{"broadcast from other", Envelope{SenderID: "a"}, "b", true},
		{"self echo", Envelope{SenderID: "b"}, "b", false},
		{"targeted at me", Envelope{SenderID: "a", TargetID: "b"}, "b", true},
		{"targeted elsewhere", Envelope{SenderID: "a", TargetID: "c"}, "b", false},
		{"self targeted self", Envelope{SenderID: "b", TargetID: "b"}, "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.env.For(tt.local))
		})
	}
}

func TestNewEnvelopePayload(t *testing.T) {
	type sdp struct {
		SDP string `json:"sdp"`
	}
	env, err := NewEnvelope(SignalOffer, "general-voice", "alice", "bob", sdp{SDP: "v=0"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Broadcast())

	data, err := env.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	var out sdp
	require.NoError(t, got.Decode(&out))
	assert.Equal(t, "v=0", out.SDP)

	leave, err := NewEnvelope(SignalLeave, "general-voice", "alice", "", nil)
	require.NoError(t, err)
	assert.True(t, leave.Broadcast())
	assert.ErrorIs(t, leave.Decode(&out), ErrEnvelopeInvalid)
}

func TestUnmarshalEnvelopeRejectsIncomplete(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"type":"offer","channel_id":"x"}`))
	assert.ErrorIs(t, err, ErrEnvelopeInvalid)

	_, err = UnmarshalEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestParticipantStale(t *testing.T) {
	now := time.Now()
	p := NewParticipant("ch", "alice", now.Add(-31*time.Second))
	assert.True(t, p.Stale(now, 30*time.Second))
	assert.False(t, p.Stale(now, time.Minute))
	assert.False(t, p.Stale(now, 0))
}

func TestFlagsUpdateApplyIsPartial(t *testing.T) {
	muted := true
	p := NewParticipant("ch", "alice", time.Now())
	p.IsDeafened = true

	upd := FlagsUpdate{IsMuted: &muted}
	assert.False(t, upd.Empty())
	got := upd.Apply(p)
	assert.True(t, got.IsMuted)
	assert.True(t, got.IsDeafened)
	assert.True(t, FlagsUpdate{}.Empty())
}

func TestConnectionInfoApplySkipsEmpty(t *testing.T) {
	p := NewParticipant("ch", "alice", time.Now())
	got := ConnectionInfo{ConnectionState: ConnectionStateConnected}.Apply(p)
	assert.Equal(t, ConnectionStateConnected, got.ConnectionState)
	assert.Equal(t, ICEConnectionStateNew, got.ICEConnectionState)
	assert.Equal(t, SignalingStateStable, got.SignalingState)
}
