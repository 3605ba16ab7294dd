package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/handler"
	"github.com/noah-isme/sma-assessment-api/internal/middleware"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/service"
	"github.com/noah-isme/sma-assessment-api/pkg/config"
	"github.com/noah-isme/sma-assessment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-assessment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-assessment-api/pkg/middleware/requestid"
)

type routerDeps struct {
	tokens      *service.TokenService
	metrics     *service.MetricsService
	assessments *handler.AssessmentHandler
	scores      *handler.ScoreHandler
	ranking     *handler.RankingHandler
	sheets      *handler.SheetHandler
	health      *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))

	r.GET("/health", deps.health.Health)
	r.GET("/ready", deps.health.Ready)
	r.GET("/metrics", deps.health.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	// Signed tokens authorize archived downloads on their own.
	api.GET("/exports/:token", deps.sheets.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.tokens), middleware.TenantScope(), middleware.WithResponseMeta())

	staff := middleware.RequireRoles(middleware.StaffRoles...)
	readers := middleware.RequireRoles(append([]models.UserRole{models.RoleStudent}, middleware.StaffRoles...)...)

	assessments := secured.Group("/assessments")
	assessments.POST("", staff, deps.assessments.Create)
	assessments.GET("", staff, deps.assessments.List)
	assessments.GET("/:kind/:id", staff, deps.assessments.Get)
	assessments.PUT("/:kind/:id", staff, deps.assessments.Update)
	assessments.DELETE("/:kind/:id", staff, deps.assessments.Delete)
	assessments.POST("/:kind/:id/publish", staff, deps.assessments.Publish)
	assessments.GET("/:kind/:id/scores", staff, deps.scores.ListByAssessment)
	assessments.GET("/:kind/:id/sheet", readers, deps.sheets.Get)
	assessments.GET("/:kind/:id/sheet/export", readers, deps.sheets.Export)
	assessments.POST("/:kind/:id/sheet/export-link", readers, deps.sheets.CreateLink)

	scores := secured.Group("/scores")
	scores.POST("", staff, deps.scores.Upsert)
	scores.POST("/bulk", staff, deps.scores.Bulk)
	scores.DELETE("/:id", staff, deps.scores.Delete)

	secured.GET("/students/:id/scores", middleware.RequireRolesOrSelf("id", middleware.StaffRoles...), deps.scores.ListByStudent)
	secured.POST("/rankings/:assessmentId/recalculate", staff, deps.ranking.Recalculate)

	return r
}
