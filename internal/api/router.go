package api

import (
	"github.com/gin-gonic/gin"

	"github.com/asedra/fleetctl/internal/wsgateway"
)

// SetupRoutes wires the HTTP API onto router.
func SetupRoutes(router *gin.Engine, h *Handler, agentWS *wsgateway.Handler, terminalWS *wsgateway.TerminalHandler) {
	router.GET("/agents", h.ListAgents)
	router.POST("/agents/register", h.RegisterAgent)
	router.GET("/agents/:id/status", h.GetAgentStatus)
	router.POST("/agents/:id/refresh", h.RefreshAgent)
	router.POST("/agents/:id/command", h.ExecuteCommand)
	router.POST("/agents/:id/command/async", h.ExecuteCommandAsync)
	router.GET("/agents/:id/history", h.GetAgentHistory)
	router.POST("/agents/bulk", h.BulkOperation)

	router.GET("/commands/:request_id", h.GetCommandResult)

	savedCommands := router.Group("/saved-commands")
	{
		savedCommands.GET("", h.ListSavedCommands)
		savedCommands.POST("", h.CreateSavedCommand)
		savedCommands.PUT("/:id", h.UpdateSavedCommand)
		savedCommands.DELETE("/:id", h.DeleteSavedCommand)
		savedCommands.POST("/:id/execute", h.ExecuteSavedCommand)
	}

	settings := router.Group("/settings")
	{
		settings.GET("", h.ListSettings)
		settings.PUT("/:key", h.UpdateSetting)
	}

	// WebSocket endpoints: agents connect to /ws/agent, UIs connect to
	// /agents/:id/terminal.
	router.GET("/ws/agent", func(c *gin.Context) { agentWS.HandleConnection(c) })
	router.GET("/agents/:id/terminal", func(c *gin.Context) { terminalWS.HandleConnection(c) })
}
