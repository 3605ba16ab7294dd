package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/export"
)

// SheetExporter renders a tabular sheet into a downloadable format.
type SheetExporter interface {
	Render(sheet export.Sheet) ([]byte, error)
	ContentType() string
	Extension() string
}

// ExportFile is a rendered score sheet.
type ExportFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SheetService builds the read-only assessment and scores projection used by report rendering.
type SheetService struct {
	assessments assessmentFinder
	scores      rankScoreReader
	cache       *CacheService
	exporters   map[string]SheetExporter
	logger      *zap.Logger
	now         func() time.Time
}

// NewSheetService constructs the projection service. Exporters are keyed by format name.
func NewSheetService(assessments assessmentFinder, scores rankScoreReader, cache *CacheService, exporters map[string]SheetExporter, logger *zap.Logger) *SheetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exporters == nil {
		exporters = map[string]SheetExporter{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		}
	}
	return &SheetService{
		assessments: assessments,
		scores:      scores,
		cache:       cache,
		exporters:   exporters,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Sheet returns the assessment with all its scores and whether it was served from cache. publishedOnly
// restricts the result to published assessments, as required for student viewers.
func (s *SheetService) Sheet(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, publishedOnly bool) (*models.AssessmentSheet, bool, error) {
	if err := checkScope(scope); err != nil {
		return nil, false, err
	}
	sheet, hit, err := s.load(ctx, scope, id, kind)
	if err != nil {
		return nil, false, err
	}
	if publishedOnly && !sheet.Assessment.IsPublished() {
		return nil, false, appErrors.Clone(appErrors.ErrForbidden, "assessment is not published yet")
	}
	return sheet, hit, nil
}

func (s *SheetService) load(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.AssessmentSheet, bool, error) {
	var cached models.AssessmentSheet
	// Entries are shared across callers, so visibility is re-checked on every hit.
	if s.cache.Get(ctx, sheetCacheKey(id), &cached) && cached.Assessment != nil &&
		cached.Assessment.Kind == kind && scope.Allows(cached.Assessment.TenantID) {
		return &cached, true, nil
	}

	assessment, err := s.assessments.FindByID(ctx, scope, id, kind)
	if err != nil {
		return nil, false, translateAssessmentErr(err, "failed to load assessment")
	}
	scores, err := s.scores.ListByAssessment(ctx, scope, assessment.ID)
	if err != nil {
		return nil, false, appErrors.Internal(err, "failed to load scores")
	}
	sheet := buildSheet(assessment, scores, s.now())
	s.cache.Set(ctx, sheetCacheKey(assessment.ID), sheet, 0)
	return sheet, false, nil
}

// buildSheet orders summative rows by class rank, unranked last, and reports whether stored ranks trail the scores.
func buildSheet(assessment *models.Assessment, scores []models.Score, now time.Time) *models.AssessmentSheet {
	sheet := &models.AssessmentSheet{Assessment: assessment, Scores: scores, GeneratedAt: now}
	if sheet.Scores == nil {
		sheet.Scores = []models.Score{}
	}
	if assessment.Kind != models.KindSummative {
		return sheet
	}
	for i := range scores {
		if scores[i].RanksStale() {
			sheet.RanksStale = true
		}
		at := scores[i].RanksComputedAt
		if at != nil && (sheet.RanksComputedAt == nil || at.After(*sheet.RanksComputedAt)) {
			sheet.RanksComputedAt = at
		}
	}
	if !sheet.RanksStale && classRanksDrifted(scores) {
		sheet.RanksStale = true
	}
	sort.SliceStable(sheet.Scores, func(i, j int) bool {
		ri, rj := sheet.Scores[i].ClassRank, sheet.Scores[j].ClassRank
		switch {
		case ri == nil && rj == nil:
			return false
		case ri == nil:
			return false
		case rj == nil:
			return true
		}
		return *ri < *rj
	})
	return sheet
}

// classRanksDrifted reports whether stored class ranks no longer match a competition ranking of the ranked rows,
// which is what a deleted score leaves behind. A stream rank can only be off when some class rank is too.
func classRanksDrifted(scores []models.Score) bool {
	entries := make([]RankEntry, 0, len(scores))
	stored := make(map[string]int, len(scores))
	for i := range scores {
		detail, ok := scores[i].Detail.(*models.SummativeScore)
		if !ok || scores[i].ClassRank == nil {
			continue
		}
		entries = append(entries, RankEntry{ScoreID: scores[i].ID, Total: detail.RawTotal()})
		stored[scores[i].ID] = *scores[i].ClassRank
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return !sameTotal(entries[i].Total, entries[j].Total) && entries[i].Total > entries[j].Total
	})
	for i, rank := range competitionRanks(entries) {
		if stored[entries[i].ScoreID] != rank {
			return true
		}
	}
	return false
}

// Export renders the sheet in the requested format.
func (s *SheetService) Export(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, format string, publishedOnly bool) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	exporter, ok := s.exporters[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	sheet, _, err := s.Sheet(ctx, scope, id, kind, publishedOnly)
	if err != nil {
		return nil, err
	}
	content, err := exporter.Render(tabulate(sheet))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render score sheet")
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("%s-%s.%s", strings.ToLower(string(kind)), sheet.Assessment.ID, exporter.Extension()),
		ContentType: exporter.ContentType(),
		Content:     content,
	}, nil
}

// ContentTypeFor returns the content type of a rendered export by its file extension.
func (s *SheetService) ContentTypeFor(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, exporter := range s.exporters {
		if exporter.Extension() == ext {
			return exporter.ContentType()
		}
	}
	return "application/octet-stream"
}

func tabulate(sheet *models.AssessmentSheet) export.Sheet {
	a := sheet.Assessment
	out := export.Sheet{
		Title: a.Title,
		Caption: []string{
			fmt.Sprintf("Kind: %s  Max score: %s  State: %s", a.Kind, formatNumber(a.MaxScore), a.PublishState),
			fmt.Sprintf("Class: %s  Subject: %s  Term: %s", a.ClassID, a.SubjectID, a.TermID),
		},
	}
	if sheet.RanksStale {
		out.Caption = append(out.Caption, "Ranks are out of date; recalculate before relying on positions.")
	}
	switch a.Kind {
	case models.KindSummative:
		out.Headers = []string{"Student", "Theory", "Practical", "Total", "Percent", "Grade", "Band", "Passed", "Class Rank", "Stream Rank", "Remarks"}
	case models.KindFormative:
		out.Headers = []string{"Student", "Score", "Max", "Submitted", "Remarks"}
	case models.KindCompetency:
		out.Headers = []string{"Student", "Rating", "Level", "Finalized", "Observations"}
	}
	rubricScale := ""
	if d, ok := a.Detail.(*models.CompetencyDetail); ok {
		rubricScale = d.RatingScale
	}
	for _, score := range sheet.Scores {
		switch d := score.Detail.(type) {
		case *models.SummativeScore:
			practical := ""
			if d.PracticalScore != nil {
				practical = formatNumber(*d.PracticalScore)
			}
			out.Rows = append(out.Rows, []string{
				score.StudentID, formatNumber(d.TheoryScore), practical, formatNumber(d.Total), strconv.Itoa(d.Percent),
				d.LetterGrade, d.PerformanceBand, strconv.FormatBool(d.Passed), formatRank(score.ClassRank), formatRank(score.StreamRank), d.Remarks,
			})
		case *models.FormativeScore:
			out.Rows = append(out.Rows, []string{
				score.StudentID, formatNumber(d.RawScore), formatNumber(d.MaxScore), strconv.FormatBool(d.Submitted), d.Remarks,
			})
		case *models.CompetencyScore:
			out.Rows = append(out.Rows, []string{
				score.StudentID, strconv.Itoa(d.Rating), RatingLabel(rubricScale, d.Rating), strconv.FormatBool(d.Finalized), d.Observations,
			})
		}
	}
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatRank(rank *int) string {
	if rank == nil {
		return "-"
	}
	return strconv.Itoa(*rank)
}
