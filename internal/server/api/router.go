package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the control surface under /api/v1.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.DELETE("/:taskId", handler.CancelTask)
	}

	router.POST("/plans", handler.SubmitPlan)
	router.GET("/queue", handler.QueueStatus)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.PATCH("/:agentId", handler.UpdateAgent)
		agents.GET("/:agentId/history", handler.AgentHistory)
		agents.POST("/:agentId/rollback", handler.RollbackAgent)
	}

	router.GET("/traces", handler.ListTraces)
	router.GET("/events", handler.RecentEvents)

	playbooks := router.Group("/playbooks")
	{
		playbooks.GET("", handler.ListPlaybooks)
		playbooks.POST("/:playbookId/trigger", handler.TriggerPlaybook)
	}

	proposals := router.Group("/proposals")
	{
		proposals.GET("", handler.ListProposals)
		proposals.GET("/:proposalId", handler.GetProposal)
		proposals.POST("/:proposalId/approve", handler.ApproveProposal)
		proposals.POST("/:proposalId/reject", handler.RejectProposal)
	}

	router.GET("/health", handler.SystemHealth)
	router.POST("/heartbeat/tick", handler.TriggerHeartbeat)
}
