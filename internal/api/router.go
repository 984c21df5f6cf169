package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/qa-realtime/config"
	_ "github.com/d60-Lab/qa-realtime/docs"
	"github.com/d60-Lab/qa-realtime/internal/api/handler"
	"github.com/d60-Lab/qa-realtime/internal/api/middleware"
	"github.com/d60-Lab/qa-realtime/pkg/monitoring"
)

const StreamPath = "/api/v1/realtime/stream"

// NewRouter 组装中间件与路由
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	if monitoring.Enabled() {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(middleware.AccessLog())
	// compression would buffer the event stream
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{StreamPath})))

	r.GET("/health", h.Health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1/realtime")
	v1.Use(middleware.JWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer))
	{
		v1.GET("/stream", middleware.RateLimit(cfg.Realtime.AttachRate, cfg.Realtime.AttachBurst), h.Stream)
		v1.GET("/status", h.Status)
		v1.POST("/notifications/read", h.MarkRead)

		v1.POST("/publish/question", h.PublishQuestion)
		v1.POST("/publish/answer", h.PublishAnswer)
		v1.POST("/publish/question-update", h.PublishQuestionUpdate)
	}
	return r
}
