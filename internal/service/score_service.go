package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/repository"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

// scoreTolerance absorbs float noise when comparing a score against its maximum.
const scoreTolerance = 1e-9

type scoreStore interface {
	ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string) ([]models.Score, error)
	ListByStudent(ctx context.Context, scope models.TenantScope, filter models.ScoreFilter) ([]models.Score, error)
	FindByID(ctx context.Context, scope models.TenantScope, id string) (*models.Score, error)
	Upsert(ctx context.Context, scope models.TenantScope, assessmentID, studentID string, mutate repository.ScoreMutation) (*models.Score, bool, error)
	Delete(ctx context.Context, scope models.TenantScope, id string, guard repository.ScoreGuard) (*models.Score, error)
}

type assessmentFinder interface {
	FindByID(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error)
	FindAnyKind(ctx context.Context, scope models.TenantScope, id string) (*models.Assessment, error)
}

// ScoreService is the score ledger: one score per assessment and student, shaped by the assessment kind.
type ScoreService struct {
	scores      scoreStore
	assessments assessmentFinder
	refs        referenceChecker
	cache       *CacheService
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewScoreService constructs the score ledger.
func NewScoreService(scores scoreStore, assessments assessmentFinder, refs referenceChecker, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ScoreService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoreService{
		scores:      scores,
		assessments: assessments,
		refs:        refs,
		cache:       cache,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
	}
}

// ListByAssessment returns every score recorded against an assessment.
func (s *ScoreService) ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string, kind models.AssessmentKind) ([]models.Score, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if _, err := s.assessments.FindByID(ctx, scope, assessmentID, kind); err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}
	scores, err := s.scores.ListByAssessment(ctx, scope, assessmentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list scores")
	}
	return scores, nil
}

// ListByStudent returns a student's scores, optionally for one term. publishedOnly hides scores of assessments
// that are still drafts, as required when students read their own results.
func (s *ScoreService) ListByStudent(ctx context.Context, scope models.TenantScope, studentID, termID string, publishedOnly bool) ([]models.Score, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}
	scores, err := s.scores.ListByStudent(ctx, scope, models.ScoreFilter{
		StudentID:     studentID,
		TermID:        strings.TrimSpace(termID),
		PublishedOnly: publishedOnly,
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list student scores")
	}
	return scores, nil
}

// Upsert creates or updates the score of one student. Summative derived fields are computed before the write;
// rank fields are left for the next ranking pass.
func (s *ScoreService) Upsert(ctx context.Context, scope models.TenantScope, req dto.UpsertScoreRequest, graderID string) (*models.Score, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid score payload")
	}
	assessment, err := s.assessments.FindAnyKind(ctx, scope, req.AssessmentID)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}
	if req.Kind != "" {
		kind, ok := models.ParseAssessmentKind(req.Kind)
		if !ok || kind != assessment.Kind {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("kind %q does not match assessment kind %s", req.Kind, assessment.Kind))
		}
	}
	studentID := strings.TrimSpace(req.StudentID)
	if err := requireReferences(ctx, s.refs, assessment.TenantID, models.Reference{Kind: models.RefStudent, ID: studentID}); err != nil {
		return nil, err
	}
	detail, err := decodeScoreInput(assessment.Kind, req.Detail)
	if err != nil {
		return nil, err
	}
	return s.upsert(ctx, scope, assessment, studentID, detail, graderID)
}

// upsert writes a decoded score for an assessment the caller already resolved. State checks run again against
// the locked assessment row so a concurrent publish is never missed.
func (s *ScoreService) upsert(ctx context.Context, scope models.TenantScope, assessment *models.Assessment, studentID string, detail models.ScoreDetail, graderID string) (*models.Score, error) {
	score, created, err := s.scores.Upsert(ctx, scope, assessment.ID, studentID, func(locked *models.Assessment, existing *models.Score) (*models.Score, error) {
		if locked.IsPublished() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "assessment is published; scores are read-only")
		}
		if existing != nil && existing.Locked() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, lockedMessage(existing.Kind))
		}
		if err := prepareScoreDetail(locked, detail); err != nil {
			return nil, err
		}
		return &models.Score{RecordedBy: graderID, Detail: detail}, nil
	})
	if err != nil {
		s.metrics.ObserveScoreWrite(string(assessment.Kind), "rejected")
		return nil, translateScoreErr(err, "failed to save score")
	}
	outcome := "updated"
	if created {
		outcome = "created"
	}
	s.metrics.ObserveScoreWrite(string(assessment.Kind), outcome)
	s.cache.Invalidate(ctx, sheetCacheKey(assessment.ID))
	return score, nil
}

// Delete removes a score unless its assessment is published or the score itself is finalized.
func (s *ScoreService) Delete(ctx context.Context, scope models.TenantScope, id string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	deleted, err := s.scores.Delete(ctx, scope, id, func(assessment *models.Assessment, score *models.Score) error {
		if assessment.IsPublished() {
			return appErrors.Clone(appErrors.ErrForbidden, "assessment is published; scores are read-only")
		}
		if score.Locked() {
			return appErrors.Clone(appErrors.ErrForbidden, lockedMessage(score.Kind))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("score")
		}
		return translateScoreErr(err, "failed to delete score")
	}
	s.metrics.ObserveScoreWrite(string(deleted.Kind), "deleted")
	s.cache.Invalidate(ctx, sheetCacheKey(deleted.AssessmentID))
	return nil
}

// decodeScoreInput turns a submitted detail payload into a score detail, reporting shape problems as validation
// errors so a typo never overwrites a stored score with zeros.
func decodeScoreInput(kind models.AssessmentKind, raw []byte) (models.ScoreDetail, error) {
	detail, err := models.DecodeScoreInput(kind, raw)
	if err != nil {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "invalid score detail", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return detail, nil
}

func lockedMessage(kind models.AssessmentKind) string {
	if kind == models.KindCompetency {
		return "score is finalized and can no longer be changed"
	}
	return "score is submitted and can no longer be changed"
}

// prepareScoreDetail validates a score payload against its assessment and fills defaults and derived values.
func prepareScoreDetail(assessment *models.Assessment, detail models.ScoreDetail) error {
	if detail.Kind() != assessment.Kind {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("score kind %s does not match assessment kind %s", detail.Kind(), assessment.Kind))
	}
	switch d := detail.(type) {
	case *models.FormativeScore:
		return prepareFormative(assessment, d)
	case *models.SummativeScore:
		return prepareSummative(assessment, d)
	case *models.CompetencyScore:
		return prepareCompetency(assessment, d)
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unsupported score detail")
	}
}

func prepareFormative(assessment *models.Assessment, d *models.FormativeScore) error {
	if d.MaxScore == 0 {
		d.MaxScore = assessment.MaxScore
	}
	if d.MaxScore < 0 || d.MaxScore > assessment.MaxScore+scoreTolerance {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("max_score must be between 0 and %g", assessment.MaxScore))
	}
	return checkRange("raw_score", d.RawScore, d.MaxScore)
}

func prepareSummative(assessment *models.Assessment, d *models.SummativeScore) error {
	exam, ok := assessment.Detail.(*models.SummativeDetail)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, "assessment detail is not summative")
	}
	if !exam.HasPracticalComponent {
		if d.PracticalScore != nil {
			return appErrors.Clone(appErrors.ErrValidation, "practical_score is not allowed without a practical component")
		}
		d.MaxPracticalScore = nil
	} else if d.PracticalScore == nil {
		return appErrors.Clone(appErrors.ErrValidation, "practical_score is required")
	}

	if d.MaxTheoryScore == 0 {
		d.MaxTheoryScore = assessment.MaxScore * exam.TheoryWeight / 100
	}
	if exam.HasPracticalComponent && d.MaxPracticalScore == nil {
		maxPractical := assessment.MaxScore * exam.PracticalWeight / 100
		d.MaxPracticalScore = &maxPractical
	}
	maxTotal := d.MaxTheoryScore
	if d.MaxPracticalScore != nil {
		if *d.MaxPracticalScore < 0 {
			return appErrors.Clone(appErrors.ErrValidation, "max_practical_score cannot be negative")
		}
		maxTotal += *d.MaxPracticalScore
	}
	if d.MaxTheoryScore < 0 {
		return appErrors.Clone(appErrors.ErrValidation, "max_theory_score cannot be negative")
	}
	if maxTotal > assessment.MaxScore+scoreTolerance {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("maximum theory and practical scores exceed the assessment maximum of %g", assessment.MaxScore))
	}
	if err := checkRange("theory_score", d.TheoryScore, d.MaxTheoryScore); err != nil {
		return err
	}
	if d.PracticalScore != nil {
		if err := checkRange("practical_score", *d.PracticalScore, *d.MaxPracticalScore); err != nil {
			return err
		}
	}
	return applySummative(d, exam.PassMark)
}

func prepareCompetency(assessment *models.Assessment, d *models.CompetencyScore) error {
	rubric, ok := assessment.Detail.(*models.CompetencyDetail)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, "assessment detail is not competency")
	}
	scale, ok := ratingScales[normalizeRatingScale(rubric.RatingScale)]
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown rating scale %q", rubric.RatingScale))
	}
	if d.Rating < scale.min || d.Rating > scale.max {
		return appErrors.WithDetails(appErrors.ErrValidation, fmt.Sprintf("rating must be between %d and %d", scale.min, scale.max), map[string]interface{}{
			"rating_scale": normalizeRatingScale(rubric.RatingScale),
			"rating":       d.Rating,
		})
	}
	return nil
}

func checkRange(field string, value, max float64) error {
	if value < 0 {
		return appErrors.Clone(appErrors.ErrValidation, field+" cannot be negative")
	}
	if value > max+scoreTolerance {
		return appErrors.WithDetails(appErrors.ErrValidation, fmt.Sprintf("%s exceeds maximum of %g", field, max), map[string]interface{}{
			"field": field,
			"value": value,
			"max":   max,
		})
	}
	return nil
}

func translateScoreErr(err error, message string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound("assessment")
	case errors.Is(err, repository.ErrConcurrentWrite):
		return appErrors.Clone(appErrors.ErrConflict, "score was written concurrently; retry the request")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Internal(err, message)
}
