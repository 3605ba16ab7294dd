package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

func strPtr(v string) *string {
	return &v
}

func classRanks(ranks []models.ScoreRank) map[string]int {
	result := make(map[string]int, len(ranks))
	for _, r := range ranks {
		result[r.ScoreID] = r.ClassRank
	}
	return result
}

func TestRankEntriesStandardCompetition(t *testing.T) {
	ranks, ties, streams := RankEntries([]RankEntry{
		{ScoreID: "s3", StudentID: "c", Total: 85},
		{ScoreID: "s1", StudentID: "a", Total: 90},
		{ScoreID: "s2", StudentID: "b", Total: 90},
	})

	assert.Equal(t, map[string]int{"s1": 1, "s2": 1, "s3": 3}, classRanks(ranks))
	assert.Equal(t, 0, streams)
	require.Len(t, ties, 1)
	assert.Equal(t, models.RankScopeClass, ties[0].Scope)
	assert.Equal(t, 1, ties[0].Rank)
	assert.Equal(t, []string{"a", "b"}, ties[0].StudentIDs)
	for _, r := range ranks {
		assert.Nil(t, r.StreamRank)
	}
}

func TestRankEntriesSkipsAfterTies(t *testing.T) {
	ranks, ties, _ := RankEntries([]RankEntry{
		{ScoreID: "s1", StudentID: "a", Total: 70},
		{ScoreID: "s2", StudentID: "b", Total: 80},
		{ScoreID: "s3", StudentID: "c", Total: 80},
		{ScoreID: "s4", StudentID: "d", Total: 80},
		{ScoreID: "s5", StudentID: "e", Total: 60},
		{ScoreID: "s6", StudentID: "f", Total: 60},
	})
	assert.Equal(t, map[string]int{"s2": 1, "s3": 1, "s4": 1, "s1": 4, "s5": 5, "s6": 5}, classRanks(ranks))
	assert.Len(t, ties, 2)
}

func TestRankEntriesPartitionsStreams(t *testing.T) {
	north, south := strPtr("north"), strPtr("south")
	ranks, ties, streams := RankEntries([]RankEntry{
		{ScoreID: "s1", StudentID: "a", StreamID: north, Total: 95},
		{ScoreID: "s2", StudentID: "b", StreamID: south, Total: 90},
		{ScoreID: "s3", StudentID: "c", StreamID: north, Total: 80},
		{ScoreID: "s4", StudentID: "d", StreamID: south, Total: 80},
		{ScoreID: "s5", StudentID: "e", Total: 75},
	})

	streamRanks := make(map[string]*int)
	for _, r := range ranks {
		streamRanks[r.ScoreID] = r.StreamRank
	}
	assert.Equal(t, 2, streams)
	assert.Equal(t, 1, *streamRanks["s1"])
	assert.Equal(t, 2, *streamRanks["s3"])
	assert.Equal(t, 1, *streamRanks["s2"])
	assert.Equal(t, 2, *streamRanks["s4"])
	assert.Nil(t, streamRanks["s5"])
	assert.Equal(t, map[string]int{"s1": 1, "s2": 2, "s3": 3, "s4": 3, "s5": 5}, classRanks(ranks))
	require.Len(t, ties, 1)
	assert.Equal(t, models.RankScopeClass, ties[0].Scope)
}

func TestRankEntriesTreatsFloatNoiseAsTie(t *testing.T) {
	ranks, ties, _ := RankEntries([]RankEntry{
		{ScoreID: "s1", StudentID: "a", Total: 0.1 + 0.2},
		{ScoreID: "s2", StudentID: "b", Total: 0.3},
	})
	assert.Equal(t, map[string]int{"s1": 1, "s2": 1}, classRanks(ranks))
	assert.Len(t, ties, 1)
}

func TestRankingServiceRecalculate(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	e.db.placements["student-1"] = models.StudentPlacement{StudentID: "student-1", ClassID: "class-1", StreamID: strPtr("north")}
	e.db.placements["student-2"] = models.StudentPlacement{StudentID: "student-2", ClassID: "class-1", StreamID: strPtr("south")}

	for student, detail := range map[string]string{
		"student-1": `{"theory_score":60,"practical_score":30}`,
		"student-2": `{"theory_score":65,"practical_score":25}`,
		"student-3": `{"theory_score":60,"practical_score":25}`,
	} {
		_, err := upsertScore(e, scopeA, exam.ID, student, detail)
		require.NoError(t, err)
	}

	summary, err := e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Affected)
	assert.Equal(t, 2, summary.Streams)
	assert.True(t, summary.TiesDetected())

	first, err := e.scores.ListByAssessment(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	ranksByStudent := map[string]int{}
	for _, s := range first {
		require.NotNil(t, s.ClassRank)
		ranksByStudent[s.StudentID] = *s.ClassRank
		assert.False(t, s.RanksStale())
	}
	assert.Equal(t, map[string]int{"student-1": 1, "student-2": 1, "student-3": 3}, ranksByStudent)

	_, err = e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	second, err := e.scores.ListByAssessment(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ClassRank, second[i].ClassRank)
		assert.Equal(t, first[i].StreamRank, second[i].StreamRank)
	}
	assert.Equal(t, 2, e.db.rankWrites)
}

func TestRankingServiceMarksLaterEditsStale(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":60,"practical_score":30}`)
	require.NoError(t, err)
	_, err = e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)

	edited, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":10,"practical_score":30}`)
	require.NoError(t, err)
	assert.Equal(t, 1, *edited.ClassRank)
	assert.True(t, edited.RanksStale())
}

func TestRankingServiceEmptyAssessment(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	summary, err := e.ranking.Recalculate(context.Background(), scopeA, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Affected)
	assert.Empty(t, summary.Ties)
	assert.Equal(t, 0, e.db.rankWrites)
}

func TestRankingServiceRejectsOtherKinds(t *testing.T) {
	e := newTestEngine()
	competency := createAssessment(t, e, scopeA, models.KindCompetency, map[string]interface{}{"competency_name": "Creativity"})

	_, err := e.ranking.Recalculate(context.Background(), scopeA, competency.ID)
	assertCode(t, err, appErrors.ErrNotApplicable)

	_, err = e.ranking.Recalculate(context.Background(), scopeB, competency.ID)
	assertCode(t, err, appErrors.ErrNotFound)
}

func TestRankingServiceAllowsPublishedAssessments(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":60,"practical_score":30}`)
	require.NoError(t, err)
	_, err = e.publish.Publish(ctx, scopeA, exam.ID, models.KindSummative)
	require.NoError(t, err)

	summary, err := e.ranking.Recalculate(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Affected)
}
