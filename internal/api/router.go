package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/orchestrator"
)

// SetupRoutes mounts the orchestrator's REST surface under router.
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	h := NewHandler(service, log)

	router.GET("/workspaces", h.ListWorkspaces)
	router.POST("/workspaces", h.CreateWorkspace)

	ws := router.Group("/workspaces/:workspaceId")
	{
		ws.GET("", h.GetWorkspace)
		ws.DELETE("", h.DeleteWorkspace)

		ws.GET("/tasks", h.ListTasks)
		ws.POST("/tasks", h.CreateTask)
		ws.POST("/tasks/reorder", h.ReorderTasks)

		ws.POST("/activity", h.AppendActivity)
		ws.GET("/activity", h.WorkspaceActivity)

		ws.GET("/automation", h.GetAutomation)
		ws.PATCH("/automation", h.UpdateAutomation)

		ws.POST("/queue/start", h.QueueStart)
		ws.POST("/queue/stop", h.QueueStop)
		ws.POST("/queue/status", h.QueueStatus)

		tasks := ws.Group("/tasks/:taskId")
		{
			tasks.GET("", h.GetTask)
			tasks.PATCH("", h.UpdateTask)
			tasks.DELETE("", h.DeleteTask)
			tasks.POST("/move", h.MoveTask)
			tasks.POST("/stop", h.StopTask)
			tasks.POST("/execute", h.ExecuteTask)
			tasks.POST("/plan/regenerate", h.RegeneratePlan)
			tasks.POST("/acceptance-criteria/regenerate", h.RegeneratePlan)
			tasks.GET("/summary", h.GetSummary)
			tasks.POST("/summary/generate", h.GenerateSummary)
			tasks.GET("/activity", h.TaskActivity)
			tasks.POST("/attachments", h.UploadAttachment)
			tasks.GET("/attachments/:storedName", h.DownloadAttachment)
		}
	}
}
