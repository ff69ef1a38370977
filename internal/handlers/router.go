package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
)

// Per-endpoint-group rate budgets (requests per minute per IP).
const (
	roomRateLimit    = 60
	messageRateLimit = 100
)

// Register mounts the HTTP surface on the router.
func Register(r *gin.Engine, rooms *RoomHandlers, files *FileHandlers, status *StatusHandlers,
	verifier *auth.TokenVerifier, sessions auth.SessionValidator, wsHandler http.HandlerFunc) {

	r.GET("/health", status.Liveness)

	instance := r.Group("/api/instance-status")
	{
		instance.GET("/health", status.Health)
		instance.GET("/detailed", status.Detailed)
		instance.GET("/load-metrics", status.LoadMetrics)
		instance.POST("/drain", status.Drain)
		instance.GET("/peers", status.Peers)
	}

	authed := r.Group("/api", AuthRequired(verifier, sessions))

	roomGroup := authed.Group("/rooms", RateLimit(roomRateLimit))
	{
		roomGroup.GET("", rooms.List)
		roomGroup.POST("", rooms.Create)
		roomGroup.GET("/:roomId", rooms.Get)
		roomGroup.POST("/:roomId/join", rooms.Join)
	}

	messageGroup := authed.Group("/rooms/:roomId/messages", RateLimit(messageRateLimit))
	{
		messageGroup.GET("", rooms.Messages)
	}

	fileGroup := authed.Group("/files", RateLimit(messageRateLimit))
	{
		fileGroup.POST("/presigned-url", files.PresignUpload)
		fileGroup.POST("/upload-complete", files.UploadComplete)
		fileGroup.GET("/s3-url/download/:filename", files.Download)
		fileGroup.GET("/s3-url/view/:filename", files.View)
	}

	r.GET("/socket.io", gin.WrapF(wsHandler))
	r.GET("/ws", gin.WrapF(wsHandler))
}
