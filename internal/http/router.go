package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/graphingest/internal/http/handlers"
	httpMW "github.com/yungbote/graphingest/internal/http/middleware"
	"github.com/yungbote/graphingest/internal/observability"
	"github.com/yungbote/graphingest/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	HealthHandler    *httpH.HealthHandler
	SchemaHandler    *httpH.SchemaHandler
	IngestionHandler *httpH.IngestionHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := r.Group("/api")
	{
		if cfg.SchemaHandler != nil {
			api.POST("/schemas", cfg.SchemaHandler.CreateSchema)
			api.GET("/schemas/:id", cfg.SchemaHandler.GetSchema)
		}
		if cfg.IngestionHandler != nil {
			api.POST("/ingestions", cfg.IngestionHandler.CreateIngestion)
			api.GET("/ingestions", cfg.IngestionHandler.ListIngestions)
			api.GET("/ingestions/:id", cfg.IngestionHandler.GetIngestion)
			api.POST("/ingestions/:id/cancel", cfg.IngestionHandler.CancelIngestion)
			api.GET("/ingestions/:id/events", cfg.IngestionHandler.StreamIngestion)
		}
	}
	return r
}
