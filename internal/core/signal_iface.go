package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
)

// Subscription is a disposable handle returned by Subscribe calls. Close is idempotent.
type Subscription interface {
	Close() error
}

// Relay is a topic scoped publish/subscribe transport with best-effort delivery.
// Handlers for one subscription are invoked sequentially in receipt order.
type Relay interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, handler func([]byte)) (Subscription, error)
}

// DoneNotifier is implemented by subscriptions that can end on their own,
// for example when the underlying relay connection drops.
type DoneNotifier interface {
	Done() <-chan struct{}
}

// ChannelTopic is the relay topic carrying signaling for one voice channel.
func ChannelTopic(id domain.ChannelID) string {
	return "voice:" + string(id)
}
