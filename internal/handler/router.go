package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/middleware"
	"docqa-go/pkg/metrics"
	"docqa-go/pkg/token"
)

// RouterDeps 汇总注册路由所需的处理器。
type RouterDeps struct {
	Documents      *DocumentHandler
	Chat           *ChatHandler
	JWTManager     *token.JWTManager
	MetricsEnabled bool
}

// NewRouter 创建 gin 引擎并注册全部路由。
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	if d.MetricsEnabled {
		r.Use(middleware.Metrics())
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok"})
	})

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(d.JWTManager))
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("", d.Documents.Upload)
			documents.GET("", d.Documents.List)
			documents.GET("/:id/status", d.Documents.Status)
			documents.GET("/:id/download", d.Documents.Download)
		}

		folders := apiV1.Group("/folders")
		{
			folders.GET("/:folder/status", d.Documents.FolderStatus)
			folders.POST("/query", d.Chat.QueryFolder)
		}

		chat := apiV1.Group("/chat")
		{
			chat.POST("", d.Chat.Chat)
			chat.GET("/history", d.Chat.DocumentHistory)
			chat.GET("/history/all", d.Chat.UserHistory)
			chat.GET("/sessions/:session_id", d.Chat.SessionHistory)
		}
	}

	// WebSocket 路由在路径中携带 token，不经过 AuthMiddleware
	r.GET("/chat/stream/:token", d.Chat.Stream)
	return r
}
