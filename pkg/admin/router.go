package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter builds the admin API. Every route requires the bearer token.
func NewRouter(ctl Controller, token string, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	h := NewHandlers(ctl, logger)

	api := router.Group("/api")
	api.Use(AuthMiddleware(token, logger))
	{
		api.GET("/clients", h.ListClients)
		api.POST("/clients/:nickname/message", h.SendToClient)
		api.GET("/channels", h.ListChannels)
		api.POST("/channels", h.CreateChannel)
		api.GET("/channels/:name/history", h.ChannelHistory)
		api.DELETE("/channels/:name", h.DeleteChannel)
		api.POST("/kick", h.Kick)
		api.POST("/announce", h.Announce)
	}

	return router
}
