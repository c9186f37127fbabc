// Package admin serves the operator HTTP API for a running chat server.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/aeolun/relaychat/pkg/server"
)

// Controller is the set of server operations the API exposes.
// *server.Server implements it.
type Controller interface {
	Clients() []server.ClientInfo
	Channels() []server.ChannelInfo
	ChannelHistory(name string) ([]server.HistoryEntry, error)
	CreateChannel(name string) error
	DeleteChannel(name string) ([]string, error)
	Kick(nickname, reason string) error
	Announce(channel, message string) error
	SendToClient(nickname, message string) error
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateChannelRequest represents the create channel request body.
type CreateChannelRequest struct {
	Name string `json:"name" binding:"required"`
}

// KickRequest represents the kick request body.
type KickRequest struct {
	Nickname string `json:"nickname" binding:"required"`
	Reason   string `json:"reason"`
}

// AnnounceRequest represents the announce request body. An empty channel
// announces to every channel.
type AnnounceRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message" binding:"required"`
}

// MessageRequest represents the direct server message body.
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// DeleteChannelResponse lists the nicknames moved to the default channel.
type DeleteChannelResponse struct {
	Channel string   `json:"channel"`
	Moved   []string `json:"moved"`
}

// Handlers provides HTTP handlers for the admin endpoints.
type Handlers struct {
	ctl Controller
	log *zerolog.Logger
}

// NewHandlers creates a new admin handlers instance.
func NewHandlers(ctl Controller, logger *zerolog.Logger) *Handlers {
	return &Handlers{ctl: ctl, log: logger}
}

// ListClients handles GET /api/clients
func (h *Handlers) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Clients())
}

// ListChannels handles GET /api/channels
func (h *Handlers) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Channels())
}

// ChannelHistory handles GET /api/channels/:name/history
func (h *Handlers) ChannelHistory(c *gin.Context) {
	entries, err := h.ctl.ChannelHistory(c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// CreateChannel handles POST /api/channels
func (h *Handlers) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create channel request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.ctl.CreateChannel(req.Name); err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().Str("channel", req.Name).Msg("channel created via admin API")
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

// DeleteChannel handles DELETE /api/channels/:name
func (h *Handlers) DeleteChannel(c *gin.Context) {
	name := c.Param("name")
	moved, err := h.ctl.DeleteChannel(name)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().Str("channel", name).Int("moved", len(moved)).Msg("channel deleted via admin API")
	c.JSON(http.StatusOK, DeleteChannelResponse{Channel: name, Moved: moved})
}

// Kick handles POST /api/kick
func (h *Handlers) Kick(c *gin.Context) {
	var req KickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid kick request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.ctl.Kick(req.Nickname, req.Reason); err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().Str("nickname", req.Nickname).Str("reason", req.Reason).Msg("client kicked via admin API")
	c.Status(http.StatusNoContent)
}

// Announce handles POST /api/announce
func (h *Handlers) Announce(c *gin.Context) {
	var req AnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid announce request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.ctl.Announce(req.Channel, req.Message); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendToClient handles POST /api/clients/:nickname/message
func (h *Handlers) SendToClient(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid client message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.ctl.SendToClient(c.Param("nickname"), req.Message); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps server sentinel errors to HTTP status codes
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, server.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel not found"})
	case errors.Is(err, server.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
	case errors.Is(err, server.ErrChannelExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "channel already exists"})
	case errors.Is(err, server.ErrChannelName):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid channel name"})
	case errors.Is(err, server.ErrChannelProtected):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "channel is protected"})
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("admin operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
