package service

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

// tieEpsilon treats totals closer than this as equal.
const tieEpsilon = 1e-9

type rankScoreReader interface {
	ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string) ([]models.Score, error)
}

type rankWriter interface {
	WriteRanks(ctx context.Context, scope models.TenantScope, assessmentID string, ranks []models.ScoreRank, computedAt time.Time) (int, error)
}

type placementReader interface {
	Placements(ctx context.Context, tenantID string, studentIDs []string) (map[string]models.StudentPlacement, error)
}

// RankEntry is one score taking part in a ranking pass.
type RankEntry struct {
	ScoreID   string
	StudentID string
	StreamID  *string
	Total     float64
}

// RankingService recomputes class and stream positions for summative assessments.
type RankingService struct {
	assessments assessmentFinder
	scores      rankScoreReader
	writer      rankWriter
	placements  placementReader
	cache       *CacheService
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time
}

// NewRankingService constructs the ranking engine.
func NewRankingService(assessments assessmentFinder, scores rankScoreReader, writer rankWriter, placements placementReader, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *RankingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RankingService{
		assessments: assessments,
		scores:      scores,
		writer:      writer,
		placements:  placements,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Recalculate ranks every score of a summative assessment and stores the positions in one batch.
func (s *RankingService) Recalculate(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.RecalcSummary, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	start := time.Now()
	summary, err := s.recalculate(ctx, scope, assessmentID)
	s.metrics.ObserveRanking(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Rankable resolves an assessment inside the caller's scope and confirms a ranking pass applies to it.
func (s *RankingService) Rankable(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.Assessment, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	assessment, err := s.assessments.FindAnyKind(ctx, scope, assessmentID)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to load assessment")
	}
	if assessment.Kind != models.KindSummative {
		return nil, appErrors.WithDetails(appErrors.ErrNotApplicable, "ranking applies to summative assessments only", map[string]interface{}{
			"kind": assessment.Kind,
		})
	}
	return assessment, nil
}

func (s *RankingService) recalculate(ctx context.Context, scope models.TenantScope, assessmentID string) (*models.RecalcSummary, error) {
	assessment, err := s.Rankable(ctx, scope, assessmentID)
	if err != nil {
		return nil, err
	}

	// Taken before reading so any score written during the pass shows up as stale afterwards.
	computedAt := s.now()
	summary := &models.RecalcSummary{AssessmentID: assessment.ID, Ties: []models.TieGroup{}, ComputedAt: computedAt}

	scores, err := s.scores.ListByAssessment(ctx, scope, assessment.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load scores for ranking")
	}
	if len(scores) == 0 {
		return summary, nil
	}

	studentIDs := make([]string, len(scores))
	for i := range scores {
		studentIDs[i] = scores[i].StudentID
	}
	placements, err := s.placements.Placements(ctx, assessment.TenantID, studentIDs)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to resolve student streams")
	}

	entries := make([]RankEntry, 0, len(scores))
	for i := range scores {
		detail, ok := scores[i].Detail.(*models.SummativeScore)
		if !ok {
			continue
		}
		entry := RankEntry{ScoreID: scores[i].ID, StudentID: scores[i].StudentID, Total: detail.RawTotal()}
		if placement, ok := placements[scores[i].StudentID]; ok {
			entry.StreamID = placement.StreamID
		}
		entries = append(entries, entry)
	}

	ranks, ties, streams := RankEntries(entries)
	written, err := s.writer.WriteRanks(ctx, scope, assessment.ID, ranks, computedAt)
	if err != nil {
		return nil, translateAssessmentErr(err, "failed to store ranks")
	}
	summary.Affected = written
	summary.Streams = streams
	summary.Ties = ties
	s.cache.Invalidate(ctx, sheetCacheKey(assessment.ID))
	s.logger.Info("ranking pass completed",
		zap.String("assessment_id", assessment.ID),
		zap.Int("affected", written),
		zap.Int("streams", streams),
		zap.Int("tie_groups", len(ties)))
	return summary, nil
}

// RankEntries assigns standard competition ranks (1, 1, 3) across all entries and independently within each
// stream. Entries without a stream get no stream rank. Equal totals are ordered by student id so repeated
// passes are identical.
func RankEntries(entries []RankEntry) ([]models.ScoreRank, []models.TieGroup, int) {
	sorted := make([]RankEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sameTotal(sorted[i].Total, sorted[j].Total) {
			return sorted[i].Total > sorted[j].Total
		}
		return sorted[i].StudentID < sorted[j].StudentID
	})

	ranks := make([]models.ScoreRank, len(sorted))
	classRanks := competitionRanks(sorted)
	ties := collectTies(models.RankScopeClass, "", sorted, classRanks)

	byStream := make(map[string][]int)
	var streamOrder []string
	for i, entry := range sorted {
		ranks[i] = models.ScoreRank{ScoreID: entry.ScoreID, ClassRank: classRanks[i]}
		if entry.StreamID == nil {
			continue
		}
		if _, seen := byStream[*entry.StreamID]; !seen {
			streamOrder = append(streamOrder, *entry.StreamID)
		}
		byStream[*entry.StreamID] = append(byStream[*entry.StreamID], i)
	}
	sort.Strings(streamOrder)
	for _, streamID := range streamOrder {
		indexes := byStream[streamID]
		members := make([]RankEntry, len(indexes))
		for k, idx := range indexes {
			members[k] = sorted[idx]
		}
		streamRanks := competitionRanks(members)
		for k, idx := range indexes {
			rank := streamRanks[k]
			ranks[idx].StreamRank = &rank
		}
		ties = append(ties, collectTies(models.RankScopeStream, streamID, members, streamRanks)...)
	}
	return ranks, ties, len(streamOrder)
}

// competitionRanks ranks entries already sorted by descending total.
func competitionRanks(sorted []RankEntry) []int {
	ranks := make([]int, len(sorted))
	for i := range sorted {
		if i > 0 && sameTotal(sorted[i].Total, sorted[i-1].Total) {
			ranks[i] = ranks[i-1]
			continue
		}
		ranks[i] = i + 1
	}
	return ranks
}

func collectTies(scope, streamID string, sorted []RankEntry, ranks []int) []models.TieGroup {
	var ties []models.TieGroup
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && ranks[j] == ranks[i] {
			j++
		}
		if j-i > 1 {
			group := models.TieGroup{Scope: scope, StreamID: streamID, Rank: ranks[i], Total: sorted[i].Total}
			for k := i; k < j; k++ {
				group.StudentIDs = append(group.StudentIDs, sorted[k].StudentID)
			}
			ties = append(ties, group)
		}
		i = j
	}
	return ties
}

func sameTotal(a, b float64) bool {
	return math.Abs(a-b) < tieEpsilon
}
