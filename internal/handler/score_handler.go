package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/middleware"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/service"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

type scoreService interface {
	ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string, kind models.AssessmentKind) ([]models.Score, error)
	ListByStudent(ctx context.Context, scope models.TenantScope, studentID, termID string, publishedOnly bool) ([]models.Score, error)
	Upsert(ctx context.Context, scope models.TenantScope, req dto.UpsertScoreRequest, graderID string) (*models.Score, error)
	Delete(ctx context.Context, scope models.TenantScope, id string) error
}

type bulkScoreService interface {
	Submit(ctx context.Context, scope models.TenantScope, req dto.BulkScoreRequest, graderID string) (*service.BulkResult, error)
}

// ScoreHandler exposes the score ledger.
type ScoreHandler struct {
	scores scoreService
	bulk   bulkScoreService
}

// NewScoreHandler constructs the handler.
func NewScoreHandler(scores scoreService, bulk bulkScoreService) *ScoreHandler {
	return &ScoreHandler{scores: scores, bulk: bulk}
}

// Upsert godoc
// @Summary Record score
// @Description Creates or replaces the score of one student on one assessment.
// @Tags Scores
// @Accept json
// @Produce json
// @Param payload body dto.UpsertScoreRequest true "Score payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /scores [post]
func (h *ScoreHandler) Upsert(c *gin.Context) {
	var req dto.UpsertScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	score, err := h.scores.Upsert(c.Request.Context(), middleware.ScopeFromContext(c), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "score recorded", score)
}

// Bulk godoc
// @Summary Record scores in bulk
// @Description Rows are applied independently; failed rows are reported alongside the stored ones.
// @Tags Scores
// @Accept json
// @Produce json
// @Param payload body dto.BulkScoreRequest true "Bulk payload"
// @Success 200 {object} response.Envelope
// @Router /scores/bulk [post]
func (h *ScoreHandler) Bulk(c *gin.Context) {
	var req dto.BulkScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.bulk.Submit(c.Request.Context(), middleware.ScopeFromContext(c), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, "bulk scores processed", result, nil, map[string]interface{}{
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
	})
}

// ListByAssessment godoc
// @Summary List assessment scores
// @Tags Scores
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Success 200 {object} response.Envelope
// @Router /assessments/{kind}/{id}/scores [get]
func (h *ScoreHandler) ListByAssessment(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	scores, err := h.scores.ListByAssessment(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "scores retrieved", scores)
}

// ListByStudent godoc
// @Summary List student scores
// @Description Students reading their own scores only see published assessments.
// @Tags Scores
// @Produce json
// @Param id path string true "Student ID"
// @Param termId query string false "Term filter"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/scores [get]
func (h *ScoreHandler) ListByStudent(c *gin.Context) {
	scores, err := h.scores.ListByStudent(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), c.Query("termId"), isStudent(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "scores retrieved", scores)
}

// Delete godoc
// @Summary Delete score
// @Tags Scores
// @Param id path string true "Score ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Router /scores/{id} [delete]
func (h *ScoreHandler) Delete(c *gin.Context) {
	if err := h.scores.Delete(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
