package core

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

// SessionStore is the durable record of who is in a voice channel.
type SessionStore interface {
	// Join is an idempotent upsert: an existing row is returned unchanged.
	Join(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) (domain.Participant, error)
	// Leave deletes the row. A missing row is not an error.
	Leave(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	UpdateFlags(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, upd domain.FlagsUpdate) (domain.Participant, error)
	UpdateConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, info domain.ConnectionInfo) error
	Heartbeat(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	List(ctx context.Context, channelID domain.ChannelID) ([]domain.Participant, error)
	// Subscribe streams insert/update/delete events for the channel's rows.
	Subscribe(ctx context.Context, channelID domain.ChannelID, onChange func(domain.ParticipantChange)) (Subscription, error)
}

// StaleEvictor removes rows whose heartbeat is older than the cutoff.
type StaleEvictor interface {
	EvictStale(ctx context.Context, olderThan time.Time) (int64, error)
}
