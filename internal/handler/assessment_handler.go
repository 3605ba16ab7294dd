package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/middleware"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

type assessmentService interface {
	Create(ctx context.Context, scope models.TenantScope, req dto.CreateAssessmentRequest) (*models.Assessment, error)
	Get(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error)
	List(ctx context.Context, scope models.TenantScope, filter models.AssessmentFilter) ([]models.Assessment, *models.Pagination, error)
	Update(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, req dto.UpdateAssessmentRequest) (*models.Assessment, error)
	Delete(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) error
}

type publishService interface {
	Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error)
}

// AssessmentHandler exposes assessment endpoints.
type AssessmentHandler struct {
	assessments assessmentService
	publisher   publishService
}

// NewAssessmentHandler constructs the handler.
func NewAssessmentHandler(assessments assessmentService, publisher publishService) *AssessmentHandler {
	return &AssessmentHandler{assessments: assessments, publisher: publisher}
}

// Create godoc
// @Summary Create assessment
// @Description Creates a draft assessment. The detail object is shaped by kind.
// @Tags Assessments
// @Accept json
// @Produce json
// @Param payload body dto.CreateAssessmentRequest true "Assessment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /assessments [post]
func (h *AssessmentHandler) Create(c *gin.Context) {
	var req dto.CreateAssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	assessment, err := h.assessments.Create(c.Request.Context(), middleware.ScopeFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "assessment created", assessment)
}

// List godoc
// @Summary List assessments
// @Tags Assessments
// @Produce json
// @Param kind query string false "FORMATIVE, SUMMATIVE or COMPETENCY"
// @Param classId query string false "Filter by class"
// @Param termId query string false "Filter by term"
// @Param subjectId query string false "Filter by subject"
// @Param teacherId query string false "Filter by teacher"
// @Param publishState query string false "DRAFT or PUBLISHED"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /assessments [get]
func (h *AssessmentHandler) List(c *gin.Context) {
	filter := models.AssessmentFilter{
		ClassID:   c.Query("classId"),
		TermID:    c.Query("termId"),
		SubjectID: c.Query("subjectId"),
		TeacherID: c.Query("teacherId"),
		Page:      intQuery(c, "page", 1),
		PageSize:  intQuery(c, "pageSize", 0),
	}
	if raw := c.Query("kind"); raw != "" {
		kind, ok := models.ParseAssessmentKind(raw)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid kind filter"))
			return
		}
		filter.Kind = kind
	}
	if raw := c.Query("publishState"); raw != "" {
		state, ok := models.ParsePublishState(raw)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid publishState filter"))
			return
		}
		filter.PublishState = state
	}
	items, pagination, err := h.assessments.List(c.Request.Context(), middleware.ScopeFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, "assessments retrieved", items, pagination)
}

// Get godoc
// @Summary Get assessment
// @Tags Assessments
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /assessments/{kind}/{id} [get]
func (h *AssessmentHandler) Get(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	assessment, err := h.assessments.Get(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "assessment retrieved", assessment)
}

// Update godoc
// @Summary Update draft assessment
// @Tags Assessments
// @Accept json
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Param payload body dto.UpdateAssessmentRequest true "Assessment payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assessments/{kind}/{id} [put]
func (h *AssessmentHandler) Update(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.UpdateAssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	assessment, err := h.assessments.Update(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "assessment updated", assessment)
}

// Delete godoc
// @Summary Delete draft assessment without scores
// @Tags Assessments
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /assessments/{kind}/{id} [delete]
func (h *AssessmentHandler) Delete(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.assessments.Delete(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Publish godoc
// @Summary Publish assessment
// @Description Publishing is one-way; publishing again returns the assessment unchanged.
// @Tags Assessments
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Success 200 {object} response.Envelope
// @Router /assessments/{kind}/{id}/publish [post]
func (h *AssessmentHandler) Publish(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	assessment, err := h.publisher.Publish(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "assessment published", assessment)
}
