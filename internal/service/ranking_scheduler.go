package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/jobs"
)

const rankingJobType = "ranking.recalculate"

type rankingJob struct {
	AssessmentID string
	Scope        models.TenantScope
}

type jobQueue interface {
	Enqueue(job jobs.Job) error
}

type rankCalculator interface {
	Rankable(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.Assessment, error)
	Recalculate(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.RecalcSummary, error)
}

// RankingScheduler runs ranking passes in the background. Requests for an assessment that already has a pass
// waiting are folded into that pass.
type RankingScheduler struct {
	queue   jobQueue
	ranking rankCalculator
	logger  *zap.Logger
}

// NewRankingScheduler constructs the scheduler; attach a queue with Bind before scheduling.
func NewRankingScheduler(ranking rankCalculator, logger *zap.Logger) *RankingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RankingScheduler{ranking: ranking, logger: logger}
}

// Bind sets the queue jobs are pushed onto.
func (s *RankingScheduler) Bind(queue jobQueue) {
	s.queue = queue
}

// Schedule resolves the assessment and enqueues a ranking pass for it. Unknown, foreign and non-summative
// assessments are rejected here rather than in the worker. It reports false when a pass for the same assessment
// was already waiting.
func (s *RankingScheduler) Schedule(ctx context.Context, scope models.TenantScope, assessmentID string) (bool, error) {
	if s == nil || s.queue == nil || s.ranking == nil {
		return false, errors.New("ranking scheduler not configured")
	}
	assessment, err := s.ranking.Rankable(ctx, scope, assessmentID)
	if err != nil {
		return false, err
	}
	err = s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Key:     rankingJobKey(assessment),
		Type:    rankingJobType,
		Payload: rankingJob{AssessmentID: assessment.ID, Scope: scope},
	})
	if errors.Is(err, jobs.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func rankingJobKey(assessment *models.Assessment) string {
	return "ranking:" + assessment.TenantID + ":" + assessment.ID
}

// Handle is the queue handler executing one ranking pass. Failures that a retry cannot fix, such as an assessment
// deleted or changed after scheduling, are logged and dropped.
func (s *RankingScheduler) Handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(rankingJob)
	if !ok {
		return fmt.Errorf("unexpected payload %T for job %s", job.Payload, job.Type)
	}
	summary, err := s.ranking.Recalculate(ctx, payload.Scope, payload.AssessmentID)
	if err != nil {
		if permanentRankingFailure(err) {
			s.logger.Warn("dropping background ranking pass",
				zap.String("job_id", job.ID),
				zap.String("assessment_id", payload.AssessmentID),
				zap.Error(err))
			return nil
		}
		return err
	}
	s.logger.Info("background ranking pass completed",
		zap.String("job_id", job.ID),
		zap.String("assessment_id", summary.AssessmentID),
		zap.Int("affected", summary.Affected))
	return nil
}

func permanentRankingFailure(err error) bool {
	for _, code := range []string{
		appErrors.ErrNotFound.Code,
		appErrors.ErrNotApplicable.Code,
		appErrors.ErrValidation.Code,
		appErrors.ErrUnauthorized.Code,
	} {
		if appErrors.IsCode(err, code) {
			return true
		}
	}
	return false
}
