package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/middleware"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/internal/service"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

type sheetService interface {
	Sheet(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, publishedOnly bool) (*models.AssessmentSheet, bool, error)
	Export(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, format string, publishedOnly bool) (*service.ExportFile, error)
}

type exportLinkService interface {
	Create(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, format string, publishedOnly bool) (*service.ExportLink, error)
	Resolve(token string) (*service.ExportFile, error)
}

// SheetHandler serves the assessment sheet projection and its exports.
type SheetHandler struct {
	sheets sheetService
	links  exportLinkService
}

// NewSheetHandler constructs the handler.
func NewSheetHandler(sheets sheetService, links exportLinkService) *SheetHandler {
	return &SheetHandler{sheets: sheets, links: links}
}

// Get godoc
// @Summary Assessment sheet
// @Description Returns the assessment with its scores ordered by class rank. Students only see published sheets.
// @Tags Sheets
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /assessments/{kind}/{id}/sheet [get]
func (h *SheetHandler) Get(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	sheet, hit, err := h.sheets.Sheet(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind, isStudent(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, "assessment sheet", sheet, nil, middleware.ResponseMeta(c))
}

// Export godoc
// @Summary Export assessment sheet
// @Tags Sheets
// @Produce text/csv
// @Produce application/pdf
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /assessments/{kind}/{id}/sheet/export [get]
func (h *SheetHandler) Export(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.sheets.Export(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind, c.Query("format"), isStudent(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	sendFile(c, file)
}

// CreateLink godoc
// @Summary Archive export and issue download link
// @Description Renders the sheet once and returns a signed token for GET /exports/{token}.
// @Tags Sheets
// @Produce json
// @Param kind path string true "Assessment kind"
// @Param id path string true "Assessment ID"
// @Param format query string false "csv or pdf"
// @Success 201 {object} response.Envelope
// @Router /assessments/{kind}/{id}/sheet/export-link [post]
func (h *SheetHandler) CreateLink(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	link, err := h.links.Create(c.Request.Context(), middleware.ScopeFromContext(c), c.Param("id"), kind, c.Query("format"), isStudent(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "export link created", link)
}

// Download godoc
// @Summary Download archived export
// @Tags Sheets
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /exports/{token} [get]
func (h *SheetHandler) Download(c *gin.Context) {
	file, err := h.links.Resolve(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	sendFile(c, file)
}

func sendFile(c *gin.Context, file *service.ExportFile) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Data(http.StatusOK, file.ContentType, file.Content)
}
