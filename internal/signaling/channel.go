// Package signaling publishes and receives typed envelopes on a channel-scoped relay topic.
package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultDedupeWindow = 512

// Channel is the local participant's view of the signaling relay.
// It does not buffer or replay missed envelopes.
type Channel struct {
	relay   core.Relay
	local   domain.UserID
	metrics *observability.Metrics

	mu   sync.Mutex
	seen *window
}

func New(relay core.Relay, local domain.UserID, metrics *observability.Metrics) *Channel {
	return &Channel{
		relay:   relay,
		local:   local,
		metrics: metrics,
		seen:    newWindow(defaultDedupeWindow),
	}
}

func (c *Channel) Local() domain.UserID { return c.local }

// Subscribe invokes onEnvelope for every envelope on the channel topic that is
// addressed to the local user and was not sent by it. Duplicate ids are dropped.
// The returned subscription may also implement core.DoneNotifier.
func (c *Channel) Subscribe(ctx context.Context, channelID domain.ChannelID, onEnvelope func(domain.Envelope)) (core.Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, core.ChannelTopic(channelID), func(data []byte) {
		env, err := domain.UnmarshalEnvelope(data)
		if err != nil {
			c.metrics.EnvelopeDropped("invalid")
			log.Debug().Str("module", "signaling").Err(err).Msg("drop malformed envelope")
			return
		}
		if env.ChannelID != channelID {
			c.metrics.EnvelopeDropped("invalid")
			return
		}
		if env.SenderID == c.local {
			c.metrics.EnvelopeDropped("self")
			return
		}
		if !env.For(c.local) {
			c.metrics.EnvelopeDropped("target")
			return
		}
		if !c.firstSeen(env.ID) {
			c.metrics.EnvelopeDropped("duplicate")
			return
		}
		c.metrics.EnvelopeReceived(string(env.Type))
		onEnvelope(env)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", core.ErrSignalingUnavailable, channelID, err)
	}
	return sub, nil
}

// Send publishes env on the channel topic. The sender is always stamped as the
// local user. It resolves on relay acceptance only, never on remote delivery.
func (c *Channel) Send(ctx context.Context, channelID domain.ChannelID, env domain.Envelope) error {
	env.SenderID = c.local
	env.ChannelID = channelID
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	err = c.relay.Publish(ctx, core.ChannelTopic(channelID), data)
	c.metrics.EnvelopeSent(string(env.Type), err)
	if err != nil {
		log.Warn().Str("module", "signaling").
			Str("channel", string(channelID)).
			Str("type", string(env.Type)).
			Err(err).Msg("publish failed")
		return fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, err)
	}
	return nil
}

func (c *Channel) firstSeen(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.add(id)
}

// window remembers the last n ids.
type window struct {
	ids  []string
	pos  int
	seen map[string]struct{}
}

func newWindow(n int) *window {
	return &window{ids: make([]string, n), seen: make(map[string]struct{}, n)}
}

func (w *window) add(id string) bool {
	if _, ok := w.seen[id]; ok {
		return false
	}
	if old := w.ids[w.pos]; old != "" {
		delete(w.seen, old)
	}
	w.ids[w.pos] = id
	w.pos = (w.pos + 1) % len(w.ids)
	w.seen[id] = struct{}{}
	return true
}
