package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/middleware"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

type rankingService interface {
	Recalculate(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.RecalcSummary, error)
}

type rankingScheduler interface {
	Schedule(ctx context.Context, scope models.TenantScope, assessmentID string) (bool, error)
}

// RankingHandler triggers ranking passes.
type RankingHandler struct {
	ranking   rankingService
	scheduler rankingScheduler
}

// NewRankingHandler constructs the handler. A nil scheduler disables async passes.
func NewRankingHandler(ranking rankingService, scheduler rankingScheduler) *RankingHandler {
	return &RankingHandler{ranking: ranking, scheduler: scheduler}
}

// Recalculate godoc
// @Summary Recalculate ranks
// @Description Recomputes class and stream ranks for a summative assessment. With async=true the pass is queued.
// @Tags Rankings
// @Produce json
// @Param assessmentId path string true "Assessment ID"
// @Param async query bool false "Queue the pass instead of running it inline"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /rankings/{assessmentId}/recalculate [post]
func (h *RankingHandler) Recalculate(c *gin.Context) {
	scope := middleware.ScopeFromContext(c)
	assessmentID := c.Param("assessmentId")
	if boolQuery(c, "async") && h.scheduler != nil {
		queued, err := h.scheduler.Schedule(c.Request.Context(), scope, assessmentID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Accepted(c, "ranking scheduled", gin.H{"assessment_id": assessmentID, "queued": queued})
		return
	}
	summary, err := h.ranking.Recalculate(c.Request.Context(), scope, assessmentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "ranks recalculated", summary)
}
