package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

const (
	defaultBulkMaxRows     = 500
	defaultBulkConcurrency = 4
)

type rankScheduler interface {
	Schedule(ctx context.Context, scope models.TenantScope, assessmentID string) (bool, error)
}

// BulkResult reports per-row outcomes of a batch.
type BulkResult struct {
	AssessmentID string           `json:"assessment_id"`
	Succeeded    []models.Score   `json:"succeeded"`
	Failed       []BulkRowFailure `json:"failed"`
	RanksQueued  bool             `json:"ranks_queued"`
}

// BulkRowFailure identifies a rejected row by its 1-based position in the batch.
type BulkRowFailure struct {
	Row       int              `json:"row"`
	StudentID string           `json:"student_id"`
	Error     *appErrors.Error `json:"error"`
}

// BulkOptions tunes batch processing.
type BulkOptions struct {
	MaxRows     int
	Concurrency int
}

// BulkService applies a grading sheet row by row. Rows commit independently; a failed row never affects its
// siblings and committed rows stay committed if the caller goes away.
type BulkService struct {
	ledger    *ScoreService
	scheduler rankScheduler
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	opts      BulkOptions
}

// NewBulkService constructs the bulk submission coordinator.
func NewBulkService(ledger *ScoreService, scheduler rankScheduler, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, opts BulkOptions) *BulkService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultBulkMaxRows
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBulkConcurrency
	}
	return &BulkService{ledger: ledger, scheduler: scheduler, metrics: metrics, validator: validate, logger: logger, opts: opts}
}

// Submit upserts every row through the score ledger. Only a malformed batch or an unknown assessment fails the
// whole call.
func (s *BulkService) Submit(ctx context.Context, scope models.TenantScope, req dto.BulkScoreRequest, graderID string) (*BulkResult, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk payload")
	}
	if len(req.Rows) > s.opts.MaxRows {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, fmt.Sprintf("batch exceeds %d rows", s.opts.MaxRows), map[string]interface{}{
			"rows":     len(req.Rows),
			"max_rows": s.opts.MaxRows,
		})
	}
	assessment, err := s.ledger.assessments.FindAnyKind(ctx, scope, req.AssessmentID)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}

	failures := make([]*appErrors.Error, len(req.Rows))
	studentIDs := make([]string, len(req.Rows))
	seen := make(map[string]int, len(req.Rows))
	refs := make([]models.Reference, 0, len(req.Rows))
	for i, row := range req.Rows {
		studentID := strings.TrimSpace(row.StudentID)
		studentIDs[i] = studentID
		if studentID == "" {
			failures[i] = appErrors.Clone(appErrors.ErrValidation, "student_id is required")
			continue
		}
		if first, dup := seen[studentID]; dup {
			failures[i] = appErrors.WithDetails(appErrors.ErrValidation, "student appears more than once in the batch", map[string]interface{}{
				"first_row": first + 1,
			})
			continue
		}
		seen[studentID] = i
		refs = append(refs, models.Reference{Kind: models.RefStudent, ID: studentID})
	}
	missing, err := s.missingStudents(ctx, assessment.TenantID, refs)
	if err != nil {
		return nil, err
	}

	scores := make([]*models.Score, len(req.Rows))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for i := range req.Rows {
		if failures[i] != nil {
			continue
		}
		if missing[studentIDs[i]] {
			failures[i] = appErrors.Clone(appErrors.ErrNotFound, "student not found")
			continue
		}
		i := i
		g.Go(func() error {
			detail, err := decodeScoreInput(assessment.Kind, req.Rows[i].Detail)
			if err != nil {
				failures[i] = appErrors.FromError(err)
				return nil
			}
			score, err := s.ledger.upsert(ctx, scope, assessment, studentIDs[i], detail, graderID)
			if err != nil {
				failures[i] = appErrors.FromError(err)
				return nil
			}
			scores[i] = score
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkResult{AssessmentID: assessment.ID, Succeeded: []models.Score{}, Failed: []BulkRowFailure{}}
	for i := range req.Rows {
		if failures[i] != nil {
			result.Failed = append(result.Failed, BulkRowFailure{Row: i + 1, StudentID: studentIDs[i], Error: failures[i]})
			continue
		}
		if scores[i] != nil {
			result.Succeeded = append(result.Succeeded, *scores[i])
		}
	}
	s.metrics.ObserveBulk(len(result.Succeeded), len(result.Failed))

	if req.RecalculateRanks && assessment.Kind == models.KindSummative && len(result.Succeeded) > 0 && s.scheduler != nil {
		if _, err := s.scheduler.Schedule(ctx, scope, assessment.ID); err != nil {
			s.logger.Warn("failed to schedule ranking after bulk submission", zap.String("assessment_id", assessment.ID), zap.Error(err))
		} else {
			result.RanksQueued = true
		}
	}
	s.logger.Info("bulk score submission processed",
		zap.String("assessment_id", assessment.ID),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Bool("ranks_queued", result.RanksQueued))
	return result, nil
}

func (s *BulkService) missingStudents(ctx context.Context, tenantID string, refs []models.Reference) (map[string]bool, error) {
	missing := make(map[string]bool)
	if s.ledger.refs == nil || len(refs) == 0 {
		return missing, nil
	}
	unresolved, err := s.ledger.refs.Missing(ctx, tenantID, refs)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to resolve students")
	}
	for _, ref := range unresolved {
		missing[ref.ID] = true
	}
	return missing, nil
}
