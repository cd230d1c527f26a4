package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/adapters/relay/memrelay"
	"github.com/dkeye/voicelink/internal/adapters/relay/redisrelay"
	"github.com/dkeye/voicelink/internal/adapters/relay/wsrelay"
	"github.com/dkeye/voicelink/internal/adapters/store/memstore"
	"github.com/dkeye/voicelink/internal/adapters/store/postgres"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/observability"
)

type sessionBackend interface {
	core.SessionStore
	core.StaleEvictor
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("jwt_secret is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	backend, ready, closeBackend, err := openRelay(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("relay backend")
	}
	defer closeBackend()

	store, closeStore, err := openStore(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("session store")
	}
	defer closeStore()

	janitor := &app.Janitor{
		Evictor:    store,
		Interval:   cfg.Store.JanitorInterval,
		StaleAfter: cfg.Voice.StaleAfter(),
		Metrics:    metrics,
	}
	go janitor.Run(ctx)

	relay := wsrelay.NewServer(wsrelay.ServerConfig{
		Backend:    backend,
		Limiter:    wsrelay.NewRateLimiter(cfg.Relay.PublishRate, cfg.Relay.PublishWindow),
		Policy:     wsrelay.SimplePolicy{KickAfter: wsrelay.DefaultSendQueue},
		Metrics:    metrics,
		ReadLimit:  cfg.Relay.ReadLimit,
		PingPeriod: cfg.Relay.PingPeriod,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Relay:    relay,
		Store:    store,
		Gatherer: reg,
		Ready:    ready,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicelink relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openRelay(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (core.Relay, func(context.Context) error, func(), error) {
	switch cfg.Relay.Backend {
	case "redis":
		rr, err := redisrelay.Connect(ctx, redisrelay.Config{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		}, metrics)
		if err != nil {
			return nil, nil, nil, err
		}
		return rr, rr.Ping, func() { _ = rr.Close() }, nil
	case "memory", "":
		return memrelay.New(metrics), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}

func openStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (sessionBackend, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Store.DSN, metrics)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory", "":
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
