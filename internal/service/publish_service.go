package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/models"
)

type assessmentPublisher interface {
	Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, at time.Time) (*models.Assessment, bool, error)
}

// PublishService moves assessments from draft to published. There is no way back.
type PublishService struct {
	repo    assessmentPublisher
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewPublishService constructs the publish lifecycle controller.
func NewPublishService(repo assessmentPublisher, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *PublishService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishService{repo: repo, cache: cache, metrics: metrics, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Publish publishes a draft assessment. Publishing an already published assessment returns it unchanged.
func (s *PublishService) Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	assessment, transitioned, err := s.repo.Publish(ctx, scope, id, kind, s.now())
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to publish assessment")
	}
	s.metrics.ObservePublish(string(kind), transitioned)
	if transitioned {
		s.cache.Invalidate(ctx, sheetCacheKey(assessment.ID))
		s.logger.Info("assessment published",
			zap.String("assessment_id", assessment.ID),
			zap.String("kind", string(kind)),
			zap.String("tenant_id", assessment.TenantID))
	}
	return assessment, nil
}
