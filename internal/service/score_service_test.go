package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/dto"
	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

func upsertScore(e *testEngine, scope models.TenantScope, assessmentID, studentID, detail string) (*models.Score, error) {
	return e.scores.Upsert(context.Background(), scope, dto.UpsertScoreRequest{
		AssessmentID: assessmentID,
		StudentID:    studentID,
		Detail:       json.RawMessage(detail),
	}, "teacher-1")
}

func TestScoreServiceSummativeDerivesResult(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	score, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":55,"practical_score":22.5,"total":1,"percent":1,"letter_grade":"F"}`)
	require.NoError(t, err)

	detail := score.Detail.(*models.SummativeScore)
	assert.Equal(t, 70.0, detail.MaxTheoryScore)
	require.NotNil(t, detail.MaxPracticalScore)
	assert.Equal(t, 30.0, *detail.MaxPracticalScore)
	assert.Equal(t, 77.5, detail.Total)
	assert.Equal(t, 78, detail.Percent)
	assert.True(t, detail.Passed)
	assert.Equal(t, BandVeryGood, detail.PerformanceBand)
	assert.Equal(t, "B", detail.LetterGrade)
	assert.Nil(t, score.ClassRank)
	assert.Equal(t, "teacher-1", score.RecordedBy)
}

func TestScoreServicePercentRoundTrips(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	inputs := [][2]float64{{0, 0}, {70, 30}, {35.5, 14.5}, {44.5, 20}, {12.25, 3.25}, {69.99, 29.99}, {1, 0.5}}
	for i, in := range inputs {
		_, err := upsertScore(e, scopeA, exam.ID, fmt.Sprintf("student-%d", i), fmt.Sprintf(`{"theory_score":%g,"practical_score":%g}`, in[0], in[1]))
		require.NoError(t, err)
	}

	stored, err := e.scores.ListByAssessment(context.Background(), scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	require.Len(t, stored, len(inputs))
	for _, score := range stored {
		d := score.Detail.(*models.SummativeScore)
		recomputed, err := ComputeSummative(d.TheoryScore, d.PracticalScore, d.MaxTheoryScore, d.MaxPracticalScore, 50)
		require.NoError(t, err)
		assert.Equal(t, recomputed.Percent, d.Percent, "student %s", score.StudentID)
		assert.Equal(t, recomputed.Total, d.Total)
	}
}

func TestScoreServiceMaximumBoundary(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	score, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":70,"practical_score":30}`)
	require.NoError(t, err)
	assert.Equal(t, 100, score.Detail.(*models.SummativeScore).Percent)

	_, err = upsertScore(e, scopeA, exam.ID, "student-2", `{"theory_score":70.01,"practical_score":30}`)
	appErr := assertCode(t, err, appErrors.ErrValidation)
	assert.Equal(t, "theory_score", appErr.Details["field"])

	_, err = upsertScore(e, scopeA, exam.ID, "student-3", `{"theory_score":10,"practical_score":31}`)
	assertCode(t, err, appErrors.ErrValidation)

	_, err = upsertScore(e, scopeA, exam.ID, "student-4", `{"theory_score":10,"practical_score":10,"max_theory_score":80}`)
	assertCode(t, err, appErrors.ErrValidation)

	_, err = upsertScore(e, scopeA, exam.ID, "student-5", `{"theory_score":-1,"practical_score":10}`)
	assertCode(t, err, appErrors.ErrValidation)
}

func TestScoreServiceSummativePracticalRules(t *testing.T) {
	e := newTestEngine()
	theoryOnly := createAssessment(t, e, scopeA, models.KindSummative, map[string]interface{}{"pass_mark": 50})
	practical := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	_, err := upsertScore(e, scopeA, theoryOnly.ID, "student-1", `{"theory_score":40,"practical_score":5}`)
	assertCode(t, err, appErrors.ErrValidation)

	_, err = upsertScore(e, scopeA, practical.ID, "student-1", `{"theory_score":40}`)
	assertCode(t, err, appErrors.ErrValidation)

	score, err := upsertScore(e, scopeA, theoryOnly.ID, "student-1", `{"theory_score":64.5}`)
	require.NoError(t, err)
	assert.Equal(t, 65, score.Detail.(*models.SummativeScore).Percent)
	assert.Nil(t, score.Detail.(*models.SummativeScore).MaxPracticalScore)
}

func TestScoreServiceUpsertUpdatesExistingRow(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	first, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)
	second, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":60,"practical_score":20}`)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 80, second.Detail.(*models.SummativeScore).Percent)
	assert.Len(t, e.db.scores, 1)
}

func TestScoreServicePublishFinality(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	score, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)

	_, err = e.publish.Publish(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)

	_, err = upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":50,"practical_score":10}`)
	assertCode(t, err, appErrors.ErrForbidden)
	_, err = upsertScore(e, scopeA, exam.ID, "student-2", `{"theory_score":50,"practical_score":10}`)
	assertCode(t, err, appErrors.ErrForbidden)
	err = e.scores.Delete(ctx, scopeA, score.ID)
	assertCode(t, err, appErrors.ErrForbidden)
}

func TestScoreServiceLockedScores(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	formative := createAssessment(t, e, scopeA, models.KindFormative, map[string]interface{}{"competency_area": "Literacy"})
	competency := createAssessment(t, e, scopeA, models.KindCompetency, map[string]interface{}{"competency_name": "Creativity"})

	submitted, err := upsertScore(e, scopeA, formative.ID, "student-1", `{"raw_score":15,"submitted":true}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, formative.ID, "student-1", `{"raw_score":18}`)
	assertCode(t, err, appErrors.ErrForbidden)
	assertCode(t, e.scores.Delete(ctx, scopeA, submitted.ID), appErrors.ErrForbidden)

	draft, err := upsertScore(e, scopeA, competency.ID, "student-1", `{"rating":2}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, competency.ID, "student-1", `{"rating":3,"finalized":true}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, competency.ID, "student-1", `{"rating":4}`)
	assertCode(t, err, appErrors.ErrForbidden)
	assert.Equal(t, draft.ID, e.db.scores[draft.ID].ID)
}

func TestScoreServiceFormativeAndCompetencyRanges(t *testing.T) {
	e := newTestEngine()
	formative := createAssessment(t, e, scopeA, models.KindFormative, map[string]interface{}{"competency_area": "Literacy"})
	competency := createAssessment(t, e, scopeA, models.KindCompetency, map[string]interface{}{"competency_name": "Creativity", "rating_scale": "five_point"})

	score, err := upsertScore(e, scopeA, formative.ID, "student-1", `{"raw_score":100}`)
	require.NoError(t, err)
	assert.Equal(t, 100.0, score.Detail.(*models.FormativeScore).MaxScore)

	_, err = upsertScore(e, scopeA, formative.ID, "student-2", `{"raw_score":21,"max_score":20}`)
	assertCode(t, err, appErrors.ErrValidation)
	_, err = upsertScore(e, scopeA, formative.ID, "student-3", `{"raw_score":10,"max_score":120}`)
	assertCode(t, err, appErrors.ErrValidation)

	_, err = upsertScore(e, scopeA, competency.ID, "student-1", `{"rating":5}`)
	require.NoError(t, err)
	_, err = upsertScore(e, scopeA, competency.ID, "student-2", `{"rating":6}`)
	assertCode(t, err, appErrors.ErrValidation)
	_, err = upsertScore(e, scopeA, competency.ID, "student-3", `{"rating":0}`)
	assertCode(t, err, appErrors.ErrValidation)
}

func TestScoreServiceTenantIsolation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	score, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)

	_, err = upsertScore(e, scopeB, exam.ID, "student-1", `{"theory_score":50,"practical_score":10}`)
	assertCode(t, err, appErrors.ErrNotFound)
	assertCode(t, e.scores.Delete(ctx, scopeB, score.ID), appErrors.ErrNotFound)
	_, err = e.scores.ListByAssessment(ctx, scopeB, exam.ID, models.KindSummative)
	assertCode(t, err, appErrors.ErrNotFound)

	scores, err := e.scores.ListByStudent(ctx, scopeB, "student-1", "", false)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestScoreServiceRejectsUnknownStudentAndKindMismatch(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	e.db.unknown["ghost"] = true

	_, err := upsertScore(e, scopeA, exam.ID, "ghost", `{"theory_score":30,"practical_score":10}`)
	assertCode(t, err, appErrors.ErrNotFound)

	_, err = e.scores.Upsert(context.Background(), scopeA, dto.UpsertScoreRequest{
		AssessmentID: exam.ID,
		StudentID:    "student-1",
		Kind:         "FORMATIVE",
		Detail:       json.RawMessage(`{"raw_score":1}`),
	}, "teacher-1")
	assertCode(t, err, appErrors.ErrValidation)
}

func TestScoreServiceListByStudentFiltersTerm(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)

	scores, err := e.scores.ListByStudent(ctx, scopeA, "student-1", "term-1", false)
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	scores, err = e.scores.ListByStudent(ctx, scopeA, "student-1", "term-2", false)
	require.NoError(t, err)
	assert.Empty(t, scores)

	_, err = e.scores.ListByStudent(ctx, scopeA, " ", "", false)
	assertCode(t, err, appErrors.ErrValidation)
}

func TestScoreServiceListByStudentPublishedOnly(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)

	scores, err := e.scores.ListByStudent(ctx, scopeA, "student-1", "", true)
	require.NoError(t, err)
	assert.Empty(t, scores)

	_, err = e.publish.Publish(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	scores, err = e.scores.ListByStudent(ctx, scopeA, "student-1", "", true)
	require.NoError(t, err)
	assert.Len(t, scores, 1)
}

func TestScoreServiceDelete(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	score, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":30,"practical_score":10}`)
	require.NoError(t, err)

	require.NoError(t, e.scores.Delete(ctx, scopeA, score.ID))
	assert.Empty(t, e.db.scores)
	assertCode(t, e.scores.Delete(ctx, scopeA, score.ID), appErrors.ErrNotFound)
}

func TestScoreServiceRejectsMissingOrMisshapedDetail(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":55,"practical_score":20}`)
	require.NoError(t, err)

	cases := map[string]string{
		"null":          `null`,
		"empty":         ``,
		"not an object": `[55]`,
		"missing key":   `{"practical_score":20}`,
		"null key":      `{"theory_score":null,"practical_score":20}`,
		"typo":          `{"theory_score":55,"practicle_score":20}`,
		"other kind":    `{"raw_score":55}`,
	}
	for name, detail := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := upsertScore(e, scopeA, exam.ID, "student-1", detail)
			appErr := assertCode(t, err, appErrors.ErrValidation)
			assert.NotEmpty(t, appErr.Details["reason"])
		})
	}

	stored, err := e.scores.ListByAssessment(context.Background(), scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 55.0, stored[0].Detail.(*models.SummativeScore).TheoryScore)
}
