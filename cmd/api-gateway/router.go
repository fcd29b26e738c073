package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-enrollment-api/api/swagger"
	"github.com/noah-isme/campus-enrollment-api/internal/handler"
	"github.com/noah-isme/campus-enrollment-api/internal/middleware"
	"github.com/noah-isme/campus-enrollment-api/internal/service"
	"github.com/noah-isme/campus-enrollment-api/pkg/config"
	"github.com/noah-isme/campus-enrollment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-enrollment-api/pkg/middleware/requestid"
)

type routeHandlers struct {
	enrollments *handler.EnrollmentHandler
	sagas       *handler.SagaHandler
	metrics     *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, metricsSvc *service.MetricsService, h routeHandlers) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(middleware.Tracing(cfg.Telemetry.ServiceName))
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", h.metrics.Prometheus)
	}

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	enrollments := api.Group("/enrollments")
	enrollments.POST("", h.enrollments.Enroll)
	enrollments.POST("/enroll", h.enrollments.Enroll)
	enrollments.GET("", h.enrollments.List)
	enrollments.GET("/:id", h.enrollments.Get)

	api.GET("/students/:studentId/cycles/:cycleId/enrollments", h.enrollments.ListByStudentAndCycle)
	api.GET("/sections/:id", h.sagas.GetSection)
	api.GET("/sagas/:id", h.sagas.Get)
	api.POST("/sagas/:id/resume", h.sagas.Resume)
	api.GET("/metrics/summary", h.metrics.Summary)

	return r
}
