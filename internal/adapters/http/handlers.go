package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handlers struct {
	ctx  context.Context
	cfg  *config.Config
	deps Deps
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// issueToken trusts the caller's claimed id; identity proper is an upstream concern.
func (h *handlers) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user := domain.UserID(req.UserID)
	if err := user.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := IssueToken(h.cfg.JWTSecret, user, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token, UserID: string(user)})
}

type iceResponse struct {
	ICEServers []config.ICEServer `json:"ice_servers"`
}

func (h *handlers) iceServers(c *gin.Context) {
	servers := make([]config.ICEServer, 0, len(h.cfg.ICEServers)+len(h.cfg.TURNServers))
	servers = append(servers, h.cfg.ICEServers...)
	servers = append(servers, h.cfg.TURNServers...)
	c.JSON(http.StatusOK, iceResponse{ICEServers: servers})
}

func (h *handlers) participants(c *gin.Context) {
	channel := domain.ChannelID(c.Param("id"))
	if err := channel.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := h.deps.Store.List(c.Request.Context(), channel)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrPersistenceFailure) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": list})
}

func (h *handlers) relay(c *gin.Context) {
	user := currentUser(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", string(user)).Msg("relay connection")
	h.deps.Relay.Serve(h.ctx, ws, user)
}
