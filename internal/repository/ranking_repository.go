package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/pkg/database"
)

// RankingRepository is the only writer of score rank columns.
type RankingRepository struct {
	db *sqlx.DB
}

// NewRankingRepository creates a ranking repository.
func NewRankingRepository(db *sqlx.DB) *RankingRepository {
	return &RankingRepository{db: db}
}

// WriteRanks stores a ranking pass in one batch. The assessment row is locked exclusively for the duration of
// the write, so rank writers for the same assessment serialize and readers never see a half-written pass.
// Rows deleted since the ranks were computed are skipped.
func (r *RankingRepository) WriteRanks(ctx context.Context, scope models.TenantScope, assessmentID string, ranks []models.ScoreRank, computedAt time.Time) (int, error) {
	var written int
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		args := []interface{}{assessmentID}
		cond, args := scopeCondition(scope, "tenant_id", args)
		var locked string
		if err := tx.GetContext(ctx, &locked, fmt.Sprintf("SELECT id FROM assessments WHERE id = $1%s FOR UPDATE", cond), args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("lock assessment for ranking: %w", err)
		}
		if len(ranks) == 0 {
			return nil
		}
		ids := make([]string, len(ranks))
		classRanks := make([]int64, len(ranks))
		streamRanks := make([]sql.NullInt64, len(ranks))
		for i, rank := range ranks {
			ids[i] = rank.ScoreID
			classRanks[i] = int64(rank.ClassRank)
			if rank.StreamRank != nil {
				streamRanks[i] = sql.NullInt64{Int64: int64(*rank.StreamRank), Valid: true}
			}
		}
		const query = `UPDATE scores AS s
        SET class_rank = v.class_rank, stream_rank = v.stream_rank, ranks_computed_at = $4
        FROM unnest($1::text[], $2::int[], $3::int[]) AS v(id, class_rank, stream_rank)
        WHERE s.id = v.id AND s.assessment_id = $5`
		res, err := tx.ExecContext(ctx, query, pq.Array(ids), pq.Array(classRanks), pq.Array(streamRanks), computedAt, assessmentID)
		if err != nil {
			return fmt.Errorf("write ranks: %w", err)
		}
		affected, _ := res.RowsAffected()
		written = int(affected)
		return nil
	})
	return written, err
}
