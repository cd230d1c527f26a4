package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicelink/internal/adapters/relay/memrelay"
	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/adapters/store/memstore"
	"github.com/dkeye/voicelink/internal/app/voice"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
)

func buildDemoCmd() *cobra.Command {
	var (
		peers   int
		channel string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run several participants in one process over loopback",
		Long: `Run several participants in one process. They share an in-memory relay and
session store and connect to each other with real peer connections over
loopback. The command succeeds once every participant sees every other one
connected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), peers, domain.ChannelID(channel), timeout)
		},
	}
	cmd.Flags().IntVarP(&peers, "peers", "n", 3, "Number of participants")
	cmd.Flags().StringVarP(&channel, "channel", "c", "general-voice", "Voice channel id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func runDemo(ctx context.Context, peers int, channel domain.ChannelID, timeout time.Duration) error {
	if peers < 2 {
		return fmt.Errorf("demo needs at least 2 peers, got %d", peers)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	relay := memrelay.New(nil)
	store := memstore.New()
	factory, err := rtc.NewFactory(rtc.FactoryConfig{ICEServers: []webrtc.ICEServer{}, Loopback: true})
	if err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		connected = make(map[domain.UserID]int)
		ready     = make(chan struct{})
		once      sync.Once
	)
	ctrls := make([]*voice.Controller, 0, peers)
	for i := 1; i <= peers; i++ {
		user := domain.UserID(fmt.Sprintf("user-%d", i))
		ctrl := voice.New(voice.Config{
			Local:   user,
			Relay:   relay,
			Store:   store,
			Media:   rtc.SilenceProvider(),
			Factory: factory,
			OnError: func(err error) {
				log.Warn().Err(err).Str("module", "voiceclient").Str("user", string(user)).Msg("voice error")
			},
		})
		unsubscribe := ctrl.Subscribe(func(v voice.View) {
			n := 0
			for _, r := range v.Remotes {
				if r.LinkState == webrtc.PeerConnectionStateConnected {
					n++
				}
			}
			mu.Lock()
			connected[user] = n
			done := len(connected) == peers
			for _, c := range connected {
				done = done && c == peers-1
			}
			mu.Unlock()
			if done {
				once.Do(func() { close(ready) })
			}
		})
		defer unsubscribe()
		ctrls = append(ctrls, ctrl)
	}
	defer func() {
		for _, ctrl := range ctrls {
			_ = ctrl.Leave(context.Background())
		}
	}()

	for _, ctrl := range ctrls {
		if err := ctrl.Join(ctx, channel); err != nil {
			return err
		}
	}

	select {
	case <-ready:
		log.Info().Str("module", "voiceclient").Int("peers", peers).Msg("full mesh connected")
		return nil
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("mesh incomplete: %v: %w", connected, ctx.Err())
	}
}
