package router

import (
	"fetchd/internal/handler"
	"fetchd/utils"

	"github.com/gin-gonic/gin"
)

// InitRouter builds API routes.
func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Use(utils.CORSMiddleware())

	api := r.Group("/api")
	{
		task := api.Group("/task")
		{
			task.POST("/enqueue", handler.EnqueueTask)
			task.POST("/pause", handler.PauseTask)
			task.POST("/resume", handler.ResumeTask)
			task.POST("/cancel", handler.CancelTask)
			task.POST("/retry", handler.RetryTask)
			task.POST("/priority", handler.SetTaskPriority)
			task.POST("/pause_all", handler.PauseAllTasks)
			task.POST("/resume_all", handler.ResumeAllTasks)
			task.POST("/purge", handler.PurgeTasks)
			task.GET("/list", handler.ListTasks)
			task.GET("/events", handler.StreamEvents)
			task.GET("/:taskID", handler.GetTask)
		}

		api.POST("/network", handler.SetNetworkClass)
		api.GET("/network", handler.GetNetworkClass)
		api.POST("/throttle", handler.ConfigureThrottle)
	}
	return r
}
