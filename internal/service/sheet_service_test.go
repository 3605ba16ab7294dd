package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

func TestSheetServiceProjection(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":40,"practical_score":20}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, exam.ID, "student-2", `{"theory_score":60,"practical_score":25}`)
	require.NoError(t, err)

	sheet, _, err := e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, false)
	require.NoError(t, err)
	assert.True(t, sheet.RanksStale)
	assert.Nil(t, sheet.RanksComputedAt)

	_, err = e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	sheet, _, err = e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, false)
	require.NoError(t, err)
	assert.False(t, sheet.RanksStale)
	require.NotNil(t, sheet.RanksComputedAt)
	require.Len(t, sheet.Scores, 2)
	assert.Equal(t, "student-2", sheet.Scores[0].StudentID)
	assert.Equal(t, 1, *sheet.Scores[0].ClassRank)
}

func TestSheetServiceDeletedScoreMarksRanksStale(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	top, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":65,"practical_score":25}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, exam.ID, "student-2", `{"theory_score":50,"practical_score":20}`)
	require.NoError(t, err)
	bottom, err := upsertScore(e, scopeA, exam.ID, "student-3", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)
	_, err = e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)

	require.NoError(t, e.scores.Delete(ctx, scopeA, bottom.ID))
	sheet, _, err := e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, false)
	require.NoError(t, err)
	assert.False(t, sheet.RanksStale, "removing the last place leaves the other positions valid")

	require.NoError(t, e.scores.Delete(ctx, scopeA, top.ID))
	sheet, _, err = e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, false)
	require.NoError(t, err)
	assert.True(t, sheet.RanksStale)
	require.Len(t, sheet.Scores, 1)
	assert.Equal(t, 2, *sheet.Scores[0].ClassRank)

	_, err = e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	sheet, _, err = e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, false)
	require.NoError(t, err)
	assert.False(t, sheet.RanksStale)
}

func TestSheetServiceStudentViewRequiresPublish(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	_, _, err := e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, true)
	assertCode(t, err, appErrors.ErrForbidden)

	_, err = e.publish.Publish(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	sheet, _, err := e.sheets.Sheet(ctx, scopeA, exam.ID, models.KindSummative, true)
	require.NoError(t, err)
	assert.Empty(t, sheet.Scores)
	assert.False(t, sheet.RanksStale)

	_, _, err = e.sheets.Sheet(ctx, scopeB, exam.ID, models.KindSummative, false)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestSheetServiceExport(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	competency := createAssessment(t, e, scopeA, models.KindCompetency, map[string]interface{}{"competency_name": "Creativity"})
	_, err := upsertScore(e, scopeA, competency.ID, "student-1", `{"rating":4,"observations":"Leads group work"}`)
	require.NoError(t, err)

	file, err := e.sheets.Export(ctx, scopeA, competency.ID, models.KindCompetency, "CSV", false)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	assert.Equal(t, "competency-"+competency.ID+".csv", file.Filename)
	lines := strings.Split(strings.TrimSpace(string(file.Content)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Student,Rating,Level,Finalized,Observations", lines[0])
	assert.Equal(t, "student-1,4,EE,false,Leads group work", lines[1])

	pdf, err := e.sheets.Export(ctx, scopeA, competency.ID, models.KindCompetency, "pdf", false)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", pdf.ContentType)
	assert.True(t, strings.HasPrefix(string(pdf.Content), "%PDF"))

	_, err = e.sheets.Export(ctx, scopeA, competency.ID, models.KindCompetency, "xlsx", false)
	assertCode(t, err, appErrors.ErrValidation)
}

func TestBuildSheetIgnoresRanksForNonSummative(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	sheet := buildSheet(&models.Assessment{Kind: models.KindFormative}, nil, now)
	assert.False(t, sheet.RanksStale)
	assert.NotNil(t, sheet.Scores)
	assert.Equal(t, now, sheet.GeneratedAt)
}
