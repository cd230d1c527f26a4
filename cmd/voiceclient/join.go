package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/adapters/relay/redisrelay"
	"github.com/dkeye/voicelink/internal/adapters/relay/wsrelay"
	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/adapters/store/postgres"
	"github.com/dkeye/voicelink/internal/app/voice"
	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// joinFlags maps command line flags onto config keys.
var joinFlags = map[string]string{
	"relay": "relay.backend",
	"redis": "relay.redis_addr",
	"store": "store.backend",
	"dsn":   "store.dsn",
}

func buildJoinCmd() *cobra.Command {
	var (
		user     string
		channel  string
		server   string
		token    string
		relayURL string
		duration time.Duration
		muted    bool
	)
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a voice channel and stay until interrupted",
		Example: `  voiceclient join --user alice --channel general-voice
  voiceclient join --user bob --channel general-voice --store postgres --dsn postgres://...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range joinFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			cfg, err := config.LoadWith(v)
			if err != nil {
				return err
			}
			joinDefaults(cfg, cmd)
			return runJoin(cmd.Context(), cfg, joinOptions{
				user:     domain.UserID(user),
				channel:  domain.ChannelID(channel),
				server:   server,
				token:    token,
				relayURL: relayURL,
				duration: duration,
				muted:    muted,
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Local user id")
	cmd.Flags().StringVarP(&channel, "channel", "c", "general-voice", "Voice channel id")
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Relay server base URL for tokens and ICE servers")
	cmd.Flags().StringVar(&token, "token", "", "Relay token; requested from --server when empty")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Leave after this long; zero stays until interrupted")
	cmd.Flags().BoolVar(&muted, "muted", false, "Join muted")
	cmd.Flags().String("relay", "ws", "Relay backend (ws, redis)")
	cmd.Flags().StringVar(&relayURL, "relay-url", "", "Relay websocket URL; derived from --server when empty")
	cmd.Flags().String("redis", "", "Redis address for the redis relay")
	cmd.Flags().String("store", "postgres", "Session store shared with the other clients (postgres)")
	cmd.Flags().String("dsn", "", "Postgres DSN for the postgres store")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// joinDefaults swaps the in-process backends, which only serve the relay
// server, for the join command's own flag defaults unless set explicitly.
func joinDefaults(cfg *config.Config, cmd *cobra.Command) {
	if cfg.Relay.Backend == "memory" && !cmd.Flags().Changed("relay") {
		cfg.Relay.Backend = cmd.Flags().Lookup("relay").DefValue
	}
	if cfg.Store.Backend == "memory" && !cmd.Flags().Changed("store") {
		cfg.Store.Backend = cmd.Flags().Lookup("store").DefValue
	}
}

type joinOptions struct {
	user     domain.UserID
	channel  domain.ChannelID
	server   string
	token    string
	relayURL string
	duration time.Duration
	muted    bool
}

func runJoin(ctx context.Context, cfg *config.Config, opts joinOptions) error {
	if err := opts.user.Validate(); err != nil {
		return err
	}
	relay, iceServers, closeRelay, err := openRelay(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeRelay()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	factory, err := rtc.NewFactory(rtc.FactoryConfig{ICEServers: iceServers})
	if err != nil {
		return err
	}

	ctrl := voice.New(voice.Config{
		Local:             opts.user,
		Relay:             relay,
		Store:             store,
		Media:             rtc.SilenceProvider(),
		Factory:           factory,
		Analyzer:          audio.NewAnalyzer(cfg.Voice.FFTSize, cfg.Voice.SpeakingThreshold),
		HeartbeatInterval: cfg.Voice.HeartbeatInterval,
		HeartbeatMisses:   cfg.Voice.HeartbeatMisses,
		PollInterval:      cfg.Voice.PollInterval,
		OnError: func(err error) {
			log.Warn().Err(err).Str("module", "voiceclient").Msg("voice error")
		},
	})
	unsubscribe := ctrl.Subscribe(logView)
	defer unsubscribe()

	ctrl.SetMuted(opts.muted)
	if err := ctrl.Join(ctx, opts.channel); err != nil {
		return fmt.Errorf("join %s: %w", opts.channel, err)
	}
	defer func() { _ = ctrl.Leave(context.Background()) }()

	wait := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	<-wait.Done()
	log.Info().Str("module", "voiceclient").Str("channel", string(opts.channel)).Msg("leaving")
	return nil
}

func openRelay(ctx context.Context, cfg *config.Config, opts joinOptions) (core.Relay, []webrtc.ICEServer, func(), error) {
	servers := cfg.WebRTCServers()
	switch cfg.Relay.Backend {
	case "ws":
		token := opts.token
		if token == "" {
			t, err := router.RequestToken(ctx, nil, opts.server, string(opts.user))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: request token: %w", core.ErrSignalingUnavailable, err)
			}
			token = t
		}
		if fetched, err := router.FetchICEServers(ctx, nil, opts.server, token); err == nil {
			servers = (&config.Config{ICEServers: fetched}).WebRTCServers()
		} else {
			log.Warn().Err(err).Str("module", "voiceclient").Msg("using configured ICE servers")
		}
		url := opts.relayURL
		if url == "" && opts.server != "" {
			url = wsURL(opts.server)
		}
		if url == "" {
			url = cfg.Relay.WSURL
		}
		client, err := wsrelay.Dial(ctx, wsrelay.ClientConfig{URL: url, Token: token, PingPeriod: cfg.Relay.PingPeriod})
		if err != nil {
			return nil, nil, nil, err
		}
		return client, servers, func() { _ = client.Close() }, nil
	case "redis":
		rr, err := redisrelay.Connect(ctx, redisrelay.Config{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		}, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return rr, servers, func() { _ = rr.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("relay backend %q cannot reach other clients", cfg.Relay.Backend)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (core.SessionStore, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Store.DSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory", "":
		return nil, nil, fmt.Errorf("store backend %q cannot share presence with other clients, use --store postgres", cfg.Store.Backend)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// wsURL turns an http(s) base URL into the relay websocket endpoint.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws/relay"
}

func logView(view voice.View) {
	ev := log.Info().Str("module", "voiceclient").
		Str("channel", string(view.ChannelID)).
		Str("state", string(view.State)).
		Bool("muted", view.Local.Muted).
		Bool("deafened", view.Local.Deafened).
		Bool("speaking", view.Local.Speaking).
		Int("remotes", len(view.Remotes))
	if view.PresenceError != nil {
		ev = ev.AnErr("presence", view.PresenceError)
	}
	ev.Msg("view")
	for _, r := range view.SortedRemotes() {
		log.Debug().Str("module", "voiceclient").
			Str("remote", string(r.Participant.UserID)).
			Str("link", r.LinkState.String()).
			Bool("speaking", r.Speaking).
			Bool("muted", r.Participant.IsMuted).
			Msg("remote")
	}
}
