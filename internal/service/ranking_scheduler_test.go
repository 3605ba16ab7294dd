package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/jobs"
)

type recordingQueue struct {
	jobs    []jobs.Job
	pending map[string]bool
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	if q.pending == nil {
		q.pending = make(map[string]bool)
	}
	if q.pending[job.Key] {
		return jobs.ErrDuplicate
	}
	q.pending[job.Key] = true
	q.jobs = append(q.jobs, job)
	return nil
}

// countingRanker counts passes and fails every one with err.
type countingRanker struct {
	*RankingService
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRanker) Recalculate(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.RecalcSummary, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil, r.err
}

func (r *countingRanker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRankingSchedulerCoalescesPendingPasses(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	ctx := context.Background()

	scheduler := NewRankingScheduler(e.ranking, nil)
	_, err := scheduler.Schedule(ctx, scopeA, exam.ID)
	require.Error(t, err)

	queue := &recordingQueue{}
	scheduler.Bind(queue)

	queued, err := scheduler.Schedule(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = scheduler.Schedule(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	assert.False(t, queued)

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "ranking:"+tenantA+":"+exam.ID, queue.jobs[0].Key)
	assert.Equal(t, rankingJobType, queue.jobs[0].Type)
}

func TestRankingSchedulerRejectsUnrankableAssessments(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	rubric := createAssessment(t, e, scopeA, models.KindCompetency, map[string]interface{}{"competency_name": "Teamwork"})

	queue := &recordingQueue{}
	scheduler := NewRankingScheduler(e.ranking, nil)
	scheduler.Bind(queue)

	queued, err := scheduler.Schedule(ctx, scopeA, rubric.ID)
	assertCode(t, err, appErrors.ErrNotApplicable)
	assert.False(t, queued)

	queued, err = scheduler.Schedule(ctx, scopeA, "missing")
	assertCode(t, err, appErrors.ErrNotFound)
	assert.False(t, queued)

	queued, err = scheduler.Schedule(ctx, scopeB, exam.ID)
	assertCode(t, err, appErrors.ErrNotFound)
	assert.False(t, queued)
	assert.Empty(t, queue.jobs)

	queued, err = scheduler.Schedule(ctx, scopeA, exam.ID)
	require.NoError(t, err)
	assert.True(t, queued, "a rejected foreign request must not hold the owner's slot")
}

func TestRankingSchedulerRunsPassOnQueue(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())
	_, err := upsertScore(e, scopeA, exam.ID, "student-1", `{"theory_score":60,"practical_score":20}`)
	require.NoError(t, err)

	scheduler := NewRankingScheduler(e.ranking, nil)
	queue := jobs.NewQueue("ranking", scheduler.Handle, jobs.QueueConfig{Workers: 1, MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	scheduler.Bind(queue)
	queue.Start(context.Background())
	defer queue.Stop()

	queued, err := scheduler.Schedule(context.Background(), scopeA, exam.ID)
	require.NoError(t, err)
	require.True(t, queued)

	require.Eventually(t, func() bool {
		e.db.mu.Lock()
		defer e.db.mu.Unlock()
		return e.db.rankWrites == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRankingSchedulerDropsPermanentFailures(t *testing.T) {
	e := newTestEngine()
	exam := createAssessment(t, e, scopeA, models.KindSummative, practicalExam())

	ranker := &countingRanker{RankingService: e.ranking, err: appErrors.Clone(appErrors.ErrNotFound, "assessment not found")}
	scheduler := NewRankingScheduler(ranker, nil)
	queue := jobs.NewQueue("ranking", scheduler.Handle, jobs.QueueConfig{Workers: 1, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})
	scheduler.Bind(queue)
	queue.Start(context.Background())
	defer queue.Stop()

	queued, err := scheduler.Schedule(context.Background(), scopeA, exam.ID)
	require.NoError(t, err)
	require.True(t, queued)

	require.Eventually(t, func() bool { return ranker.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ranker.count())
}

func TestRankingSchedulerHandleErrors(t *testing.T) {
	scheduler := NewRankingScheduler(nil, nil)
	err := scheduler.Handle(context.Background(), jobs.Job{Type: rankingJobType, Payload: "nope"})
	require.Error(t, err)

	ranker := &countingRanker{err: appErrors.Internal(assert.AnError, "failed to load scores for ranking")}
	scheduler = NewRankingScheduler(ranker, nil)
	err = scheduler.Handle(context.Background(), jobs.Job{Type: rankingJobType, Payload: rankingJob{AssessmentID: "a-1", Scope: scopeA}})
	require.Error(t, err, "transient failures stay retryable")

	ranker.err = appErrors.Clone(appErrors.ErrNotApplicable, "ranking applies to summative assessments only")
	err = scheduler.Handle(context.Background(), jobs.Job{Type: rankingJobType, Payload: rankingJob{AssessmentID: "a-1", Scope: scopeA}})
	require.NoError(t, err)
}
