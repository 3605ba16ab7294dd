package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-assessment-api/api/swagger"
	"github.com/noah-isme/sma-assessment-api/internal/handler"
	"github.com/noah-isme/sma-assessment-api/internal/repository"
	"github.com/noah-isme/sma-assessment-api/internal/service"
	"github.com/noah-isme/sma-assessment-api/pkg/cache"
	"github.com/noah-isme/sma-assessment-api/pkg/config"
	"github.com/noah-isme/sma-assessment-api/pkg/database"
	"github.com/noah-isme/sma-assessment-api/pkg/jobs"
	"github.com/noah-isme/sma-assessment-api/pkg/logger"
	"github.com/noah-isme/sma-assessment-api/pkg/storage"
)

// @title SMA Assessment API
// @version 1.0.0
// @description Assessment scoring and ranking engine
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, sheet cache disabled", zap.Error(err))
		redisClient = nil
	}
	cacheRepo := repository.NewCacheRepository(redisClient, "assessment:", logr)
	defer cacheRepo.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	validate := validator.New()

	assessmentRepo := repository.NewAssessmentRepository(db)
	scoreRepo := repository.NewScoreRepository(db)
	rankingRepo := repository.NewRankingRepository(db)
	referenceRepo := repository.NewReferenceRepository(db)

	sheetCache := service.NewCacheService(cacheRepo, metrics, cfg.Assessments.SheetCacheTTL, logr, cfg.Assessments.SheetCacheEnabled && redisClient != nil)
	assessments := service.NewAssessmentService(assessmentRepo, referenceRepo, sheetCache, validate, logr)
	scores := service.NewScoreService(scoreRepo, assessmentRepo, referenceRepo, sheetCache, metrics, validate, logr)
	ranking := service.NewRankingService(assessmentRepo, scoreRepo, rankingRepo, referenceRepo, sheetCache, metrics, logr)
	publisher := service.NewPublishService(assessmentRepo, sheetCache, metrics, logr)
	sheets := service.NewSheetService(assessmentRepo, scoreRepo, sheetCache, nil, logr)
	tokens := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	scheduler := service.NewRankingScheduler(ranking, logr)
	rankingQueue := jobs.NewQueue("ranking", scheduler.Handle, jobs.QueueConfig{
		Workers:    cfg.Ranking.Workers,
		MaxRetries: cfg.Ranking.Retries,
		RetryDelay: cfg.Ranking.RetryDelay,
		Logger:     logr,
	})
	scheduler.Bind(rankingQueue)
	bulk := service.NewBulkService(scores, scheduler, metrics, validate, logr, service.BulkOptions{
		MaxRows:     cfg.Assessments.BulkMaxRows,
		Concurrency: cfg.Assessments.BulkConcurrency,
	})

	archive, err := storage.NewArchive(cfg.Exports.Dir)
	if err != nil {
		logr.Fatal("failed to prepare export archive", zap.Error(err))
	}
	exportLinks := service.NewExportLinkService(sheets, archive, storage.NewLinkSigner(cfg.Exports.SigningSecret, cfg.Exports.LinkTTL), logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rankingQueue.Start(ctx)
	defer rankingQueue.Stop()
	go purgeExports(ctx, exportLinks, cfg.Exports.Retention)

	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, redisClient) }
	}

	r := newRouter(cfg, logr, routerDeps{
		tokens:      tokens,
		metrics:     metrics,
		assessments: handler.NewAssessmentHandler(assessments, publisher),
		scores:      handler.NewScoreHandler(scores, bulk),
		ranking:     handler.NewRankingHandler(ranking, scheduler),
		sheets:      handler.NewSheetHandler(sheets, exportLinks),
		health:      handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func purgeExports(ctx context.Context, links *service.ExportLinkService, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			links.Purge(retention)
		}
	}
}
