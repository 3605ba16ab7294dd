package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/repository"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

type assessmentStore interface {
	Create(ctx context.Context, assessment *models.Assessment) error
	FindByID(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error)
	FindAnyKind(ctx context.Context, scope models.TenantScope, id string) (*models.Assessment, error)
	List(ctx context.Context, scope models.TenantScope, filter models.AssessmentFilter) ([]models.Assessment, int, error)
	CountScores(ctx context.Context, id string) (int, error)
	Update(ctx context.Context, scope models.TenantScope, assessment *models.Assessment) error
	Delete(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) error
	Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, at time.Time) (*models.Assessment, bool, error)
}

const (
	defaultAssessmentPageSize = 20
	maxAssessmentPageSize     = 100
)

// AssessmentService stores and validates the three assessment variants.
type AssessmentService struct {
	repo      assessmentStore
	refs      referenceChecker
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAssessmentService constructs the assessment variant store.
func NewAssessmentService(repo assessmentStore, refs referenceChecker, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *AssessmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentService{repo: repo, refs: refs, cache: cache, validator: validate, logger: logger}
}

// Create validates and stores a new draft assessment of the requested kind.
func (s *AssessmentService) Create(ctx context.Context, scope models.TenantScope, req dto.CreateAssessmentRequest) (*models.Assessment, error) {
	tenantID, err := ownerTenant(scope)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment payload")
	}
	kind, ok := models.ParseAssessmentKind(req.Kind)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown assessment kind %q", req.Kind))
	}
	assessment, err := buildAssessment(kind, req.AssessmentRequest)
	if err != nil {
		return nil, err
	}
	if err := requireReferences(ctx, s.refs, tenantID, assessmentReferences(assessment)...); err != nil {
		return nil, err
	}
	assessment.TenantID = tenantID
	assessment.PublishState = models.PublishStateDraft
	assessment.PublishedAt = nil
	if err := s.repo.Create(ctx, assessment); err != nil {
		return nil, appErrors.Internal(err, "failed to create assessment")
	}
	s.logger.Info("assessment created",
		zap.String("assessment_id", assessment.ID),
		zap.String("kind", string(kind)),
		zap.String("tenant_id", tenantID))
	return assessment, nil
}

// Get loads an assessment of the given kind inside scope.
func (s *AssessmentService) Get(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	assessment, err := s.repo.FindByID(ctx, scope, id, kind)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}
	return assessment, nil
}

// List returns assessments matching the filter, paginated.
func (s *AssessmentService) List(ctx context.Context, scope models.TenantScope, filter models.AssessmentFilter) ([]models.Assessment, *models.Pagination, error) {
	if err := checkScope(scope); err != nil {
		return nil, nil, err
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultAssessmentPageSize
	}
	if filter.PageSize > maxAssessmentPageSize {
		filter.PageSize = maxAssessmentPageSize
	}
	items, total, err := s.repo.List(ctx, scope, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list assessments")
	}
	return items, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Update replaces the mutable fields of a draft assessment. The kind never changes.
func (s *AssessmentService) Update(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, req dto.UpdateAssessmentRequest) (*models.Assessment, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment payload")
	}
	current, err := s.repo.FindByID(ctx, scope, id, kind)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}
	if current.IsPublished() {
		return nil, publishedConflict("published assessments cannot be edited")
	}
	next, err := buildAssessment(kind, req.AssessmentRequest)
	if err != nil {
		return nil, err
	}
	if err := requireReferences(ctx, s.refs, current.TenantID, assessmentReferences(next)...); err != nil {
		return nil, err
	}
	if err := s.guardScoredChanges(ctx, current, next); err != nil {
		return nil, err
	}

	next.ID = current.ID
	next.TenantID = current.TenantID
	next.PublishState = current.PublishState
	next.PublishedAt = current.PublishedAt
	next.CreatedAt = current.CreatedAt
	if err := s.repo.Update(ctx, scope, next); err != nil {
		return nil, translateAssessmentErr(err, "failed to update assessment")
	}
	s.cache.Invalidate(ctx, sheetCacheKey(next.ID))
	return next, nil
}

// Delete removes a draft assessment that has no scores. The Conflict details name the blocker.
func (s *AssessmentService) Delete(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, scope, id, kind); err != nil {
		return translateAssessmentErr(err, "failed to delete assessment")
	}
	s.cache.Invalidate(ctx, sheetCacheKey(id))
	s.logger.Info("assessment deleted", zap.String("assessment_id", id), zap.String("kind", string(kind)))
	return nil
}

// guardScoredChanges rejects edits that would reinterpret scores already recorded against the assessment.
func (s *AssessmentService) guardScoredChanges(ctx context.Context, current, next *models.Assessment) error {
	var reasons []string
	switch cur := current.Detail.(type) {
	case *models.SummativeDetail:
		upd := next.Detail.(*models.SummativeDetail)
		if cur.HasPracticalComponent != upd.HasPracticalComponent {
			reasons = append(reasons, "practical component cannot change once scores exist")
		}
	case *models.CompetencyDetail:
		upd := next.Detail.(*models.CompetencyDetail)
		if normalizeRatingScale(cur.RatingScale) != normalizeRatingScale(upd.RatingScale) {
			reasons = append(reasons, "rating scale cannot change once scores exist")
		}
	case *models.FormativeDetail:
	}
	if next.MaxScore < current.MaxScore {
		reasons = append(reasons, "maximum score cannot decrease once scores exist")
	}
	if len(reasons) == 0 {
		return nil
	}
	count, err := s.repo.CountScores(ctx, current.ID)
	if err != nil {
		return appErrors.Internal(err, "failed to count scores")
	}
	if count == 0 {
		return nil
	}
	return appErrors.WithDetails(appErrors.ErrConflict, strings.Join(reasons, "; "), map[string]interface{}{
		"blocker":     "scores",
		"score_count": count,
		"reasons":     reasons,
	})
}

func buildAssessment(kind models.AssessmentKind, req dto.AssessmentRequest) (*models.Assessment, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title is required")
	}
	if req.MaxScore <= 0 || math.IsNaN(req.MaxScore) || math.IsInf(req.MaxScore, 0) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "max_score must be greater than zero")
	}
	detail, err := models.DecodeAssessmentDetail(kind, req.Detail)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment detail")
	}
	if err := validateAssessmentDetail(detail); err != nil {
		return nil, err
	}
	return &models.Assessment{
		Kind:           kind,
		Title:          title,
		Description:    req.Description,
		ClassID:        strings.TrimSpace(req.ClassID),
		SubjectID:      strings.TrimSpace(req.SubjectID),
		TeacherID:      strings.TrimSpace(req.TeacherID),
		TermID:         strings.TrimSpace(req.TermID),
		AcademicYearID: strings.TrimSpace(req.AcademicYearID),
		AssessmentDate: req.AssessmentDate.UTC(),
		MaxScore:       req.MaxScore,
		Detail:         detail,
	}, nil
}

// validateAssessmentDetail checks variant rules and normalises defaults in place.
func validateAssessmentDetail(detail models.AssessmentDetail) error {
	switch d := detail.(type) {
	case *models.FormativeDetail:
		if strings.TrimSpace(d.CompetencyArea) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "competency_area is required")
		}
		if d.Weight < 0 || d.Weight > 100 {
			return appErrors.Clone(appErrors.ErrValidation, "weight must be between 0 and 100")
		}
		return nil
	case *models.SummativeDetail:
		if d.DurationMinutes < 0 || d.QuestionCount < 0 {
			return appErrors.Clone(appErrors.ErrValidation, "duration_minutes and question_count cannot be negative")
		}
		if d.PassMark < 0 || d.PassMark > 100 {
			return appErrors.Clone(appErrors.ErrValidation, "pass_mark must be between 0 and 100")
		}
		return normalizeSummativeWeights(d)
	case *models.CompetencyDetail:
		if strings.TrimSpace(d.CompetencyName) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "competency_name is required")
		}
		scale := normalizeRatingScale(d.RatingScale)
		if _, ok := ratingScales[scale]; !ok {
			return appErrors.WithDetails(appErrors.ErrValidation, fmt.Sprintf("unknown rating scale %q", d.RatingScale), map[string]interface{}{
				"allowed": ratingScaleNames(),
			})
		}
		d.RatingScale = scale
		return nil
	default:
		return appErrors.Clone(appErrors.ErrValidation, "unsupported assessment detail")
	}
}

// normalizeSummativeWeights enforces theory + practical = 100 with a practical component, and 100/0 without.
// Omitted weights on a theory-only exam are filled in.
func normalizeSummativeWeights(d *models.SummativeDetail) error {
	if !d.HasPracticalComponent && d.TheoryWeight == 0 && d.PracticalWeight == 0 {
		d.TheoryWeight = 100
		return nil
	}
	valid := d.TheoryWeight >= 0 && d.PracticalWeight >= 0
	if d.HasPracticalComponent {
		valid = valid && math.Abs(d.TheoryWeight+d.PracticalWeight-100) < 1e-9
	} else {
		valid = valid && d.TheoryWeight == 100 && d.PracticalWeight == 0
	}
	if valid {
		return nil
	}
	message := "theory_weight and practical_weight must total 100"
	if !d.HasPracticalComponent {
		message = "theory_weight must be 100 and practical_weight 0 without a practical component"
	}
	return appErrors.WithDetails(appErrors.ErrWeightMismatch, message, map[string]interface{}{
		"has_practical_component": d.HasPracticalComponent,
		"theory_weight":           d.TheoryWeight,
		"practical_weight":        d.PracticalWeight,
		"total":                   d.TheoryWeight + d.PracticalWeight,
	})
}

func assessmentReferences(a *models.Assessment) []models.Reference {
	return []models.Reference{
		{Kind: models.RefClass, ID: a.ClassID},
		{Kind: models.RefSubject, ID: a.SubjectID},
		{Kind: models.RefTeacher, ID: a.TeacherID},
		{Kind: models.RefTerm, ID: a.TermID},
		{Kind: models.RefAcademicYear, ID: a.AcademicYearID},
	}
}

func publishedConflict(message string) error {
	return appErrors.WithDetails(appErrors.ErrConflict, message, map[string]interface{}{"blocker": "published"})
}

func translateAssessmentErr(err error, message string) error {
	var scoresExist *repository.ScoresExistError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound("assessment")
	case errors.Is(err, repository.ErrAssessmentPublished):
		return publishedConflict("assessment is published")
	case errors.As(err, &scoresExist):
		return appErrors.WithDetails(appErrors.ErrConflict, "assessment has scores", map[string]interface{}{
			"blocker":     "scores",
			"score_count": scoresExist.Count,
		})
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Internal(err, message)
}
