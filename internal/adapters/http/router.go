// Package http exposes the relay server over gin: token issuance, ICE server
// discovery, the websocket relay endpoint, presence listing, health and metrics.
package http

import (
	"context"
	"net/http"

	"github.com/dkeye/voicelink/internal/adapters/relay/wsrelay"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Relay    *wsrelay.Server
	Store    core.SessionStore
	Gatherer prometheus.Gatherer
	// Ready reports backend health for /healthz. Nil means always healthy.
	Ready func(ctx context.Context) error
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{ctx: ctx, cfg: cfg, deps: deps}

	r.GET("/healthz", h.health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/auth/token", h.issueToken)

	authed := api.Group("", JWTAuth(cfg.JWTSecret))
	authed.GET("/ice", h.iceServers)
	authed.GET("/ws/relay", h.relay)
	if deps.Store != nil {
		authed.GET("/channels/:id/participants", h.participants)
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.deps.Ready != nil {
		if err := h.deps.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
