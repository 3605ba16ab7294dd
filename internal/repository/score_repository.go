package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	"github.com/noah-isme/sma-assessment-api/pkg/database"
)

// ErrConcurrentWrite reports that another transaction created the same (assessment, student) row first.
var ErrConcurrentWrite = errors.New("score was written concurrently")

const scoreColumns = `s.id, s.tenant_id, s.assessment_id, s.student_id, s.recorded_by, s.kind, s.details,
        s.class_rank, s.stream_rank, s.ranks_computed_at, s.created_at, s.updated_at`

type scoreRow struct {
	ID              string                `db:"id"`
	TenantID        string                `db:"tenant_id"`
	AssessmentID    string                `db:"assessment_id"`
	StudentID       string                `db:"student_id"`
	RecordedBy      string                `db:"recorded_by"`
	Kind            models.AssessmentKind `db:"kind"`
	Details         []byte                `db:"details"`
	ClassRank       sql.NullInt64         `db:"class_rank"`
	StreamRank      sql.NullInt64         `db:"stream_rank"`
	RanksComputedAt *time.Time            `db:"ranks_computed_at"`
	CreatedAt       time.Time             `db:"created_at"`
	UpdatedAt       time.Time             `db:"updated_at"`
}

func (r *scoreRow) toModel() (*models.Score, error) {
	detail, err := models.DecodeScoreDetail(r.Kind, r.Details)
	if err != nil {
		return nil, err
	}
	return &models.Score{
		ID:              r.ID,
		TenantID:        r.TenantID,
		AssessmentID:    r.AssessmentID,
		StudentID:       r.StudentID,
		RecordedBy:      r.RecordedBy,
		Kind:            r.Kind,
		Detail:          detail,
		ClassRank:       nullIntPtr(r.ClassRank),
		StreamRank:      nullIntPtr(r.StreamRank),
		RanksComputedAt: r.RanksComputedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func scanScores(rows []scoreRow) ([]models.Score, error) {
	scores := make([]models.Score, 0, len(rows))
	for i := range rows {
		score, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		scores = append(scores, *score)
	}
	return scores, nil
}

// ScoreMutation receives the locked assessment and the current row (nil on create) and returns the row to
// persist, or an error that aborts the write.
type ScoreMutation func(assessment *models.Assessment, existing *models.Score) (*models.Score, error)

// ScoreGuard inspects the locked assessment and score before a delete.
type ScoreGuard func(assessment *models.Assessment, score *models.Score) error

// ScoreRepository persists score rows. It never writes rank columns.
type ScoreRepository struct {
	db          *sqlx.DB
	assessments *AssessmentRepository
}

// NewScoreRepository creates a new score repository.
func NewScoreRepository(db *sqlx.DB) *ScoreRepository {
	return &ScoreRepository{db: db, assessments: NewAssessmentRepository(db)}
}

// ListByAssessment returns all scores for an assessment visible in scope, ordered by student.
func (r *ScoreRepository) ListByAssessment(ctx context.Context, scope models.TenantScope, assessmentID string) ([]models.Score, error) {
	args := []interface{}{assessmentID}
	cond, args := scopeCondition(scope, "s.tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM scores s WHERE s.assessment_id = $1%s ORDER BY s.student_id", scoreColumns, cond)
	var rows []scoreRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list scores by assessment: %w", err)
	}
	return scanScores(rows)
}

// ListByStudent returns a student's scores visible in scope, optionally narrowed to a term.
func (r *ScoreRepository) ListByStudent(ctx context.Context, scope models.TenantScope, filter models.ScoreFilter) ([]models.Score, error) {
	args := []interface{}{filter.StudentID}
	cond, args := scopeCondition(scope, "s.tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM scores s JOIN assessments a ON a.id = s.assessment_id WHERE s.student_id = $1%s", scoreColumns, cond)
	if filter.TermID != "" {
		args = append(args, filter.TermID)
		query += fmt.Sprintf(" AND a.term_id = $%d", len(args))
	}
	if filter.PublishedOnly {
		query += " AND a.publish_state = 'PUBLISHED'"
	}
	query += " ORDER BY a.assessment_date DESC, s.created_at DESC"
	var rows []scoreRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list scores by student: %w", err)
	}
	return scanScores(rows)
}

// FindByID loads one score visible in scope.
func (r *ScoreRepository) FindByID(ctx context.Context, scope models.TenantScope, id string) (*models.Score, error) {
	args := []interface{}{id}
	cond, args := scopeCondition(scope, "s.tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM scores s WHERE s.id = $1%s", scoreColumns, cond)
	return getScore(ctx, r.db, query, args...)
}

// Upsert creates or updates the score for (assessmentID, studentID) atomically. The assessment row is share
// locked so a publish cannot commit in between, and the score row is locked so concurrent edits of the same
// student serialize. Returns sql.ErrNoRows when the assessment is not visible in scope.
func (r *ScoreRepository) Upsert(ctx context.Context, scope models.TenantScope, assessmentID, studentID string, mutate ScoreMutation) (*models.Score, bool, error) {
	var (
		saved   *models.Score
		created bool
	)
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		assessment, err := r.lockAssessment(ctx, tx, scope, assessmentID, "FOR SHARE")
		if err != nil {
			return err
		}
		existing, err := getScore(ctx, tx, fmt.Sprintf("SELECT %s FROM scores s WHERE s.assessment_id = $1 AND s.student_id = $2 FOR UPDATE", scoreColumns), assessmentID, studentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		next, err := mutate(assessment, existing)
		if err != nil {
			return err
		}
		details, err := json.Marshal(next.Detail)
		if err != nil {
			return fmt.Errorf("marshal score details: %w", err)
		}
		now := time.Now().UTC()
		if existing == nil {
			next.ID = uuid.NewString()
			next.TenantID = assessment.TenantID
			next.AssessmentID = assessment.ID
			next.StudentID = studentID
			next.Kind = assessment.Kind
			next.CreatedAt = now
			next.UpdatedAt = now
			var id string
			err := tx.GetContext(ctx, &id, `INSERT INTO scores (id, tenant_id, assessment_id, student_id, recorded_by, kind, details, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
                ON CONFLICT (assessment_id, student_id) DO NOTHING
                RETURNING id`, next.ID, next.TenantID, next.AssessmentID, next.StudentID, next.RecordedBy, next.Kind, details, now)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConcurrentWrite
			}
			if err != nil {
				return fmt.Errorf("insert score: %w", err)
			}
			saved, created = next, true
			return nil
		}
		next.ID = existing.ID
		next.TenantID = existing.TenantID
		next.AssessmentID = existing.AssessmentID
		next.StudentID = existing.StudentID
		next.Kind = existing.Kind
		next.CreatedAt = existing.CreatedAt
		next.ClassRank = existing.ClassRank
		next.StreamRank = existing.StreamRank
		next.RanksComputedAt = existing.RanksComputedAt
		next.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, "UPDATE scores SET recorded_by = $1, details = $2, updated_at = $3 WHERE id = $4",
			next.RecordedBy, details, now, next.ID); err != nil {
			return fmt.Errorf("update score: %w", err)
		}
		saved = next
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return saved, created, nil
}

// Delete removes a score after guard approves it under the same locks Upsert takes.
func (r *ScoreRepository) Delete(ctx context.Context, scope models.TenantScope, id string, guard ScoreGuard) (*models.Score, error) {
	var deleted *models.Score
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		args := []interface{}{id}
		cond, args := scopeCondition(scope, "s.tenant_id", args)
		var assessmentID string
		if err := tx.GetContext(ctx, &assessmentID, fmt.Sprintf("SELECT s.assessment_id FROM scores s WHERE s.id = $1%s", cond), args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("resolve score: %w", err)
		}
		assessment, err := r.lockAssessment(ctx, tx, models.TenantScope{Elevated: true}, assessmentID, "FOR SHARE")
		if err != nil {
			return err
		}
		score, err := getScore(ctx, tx, fmt.Sprintf("SELECT %s FROM scores s WHERE s.id = $1 FOR UPDATE", scoreColumns), id)
		if err != nil {
			return err
		}
		if err := guard(assessment, score); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM scores WHERE id = $1", id); err != nil {
			return fmt.Errorf("delete score: %w", err)
		}
		deleted = score
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *ScoreRepository) lockAssessment(ctx context.Context, tx *sqlx.Tx, scope models.TenantScope, id, lock string) (*models.Assessment, error) {
	args := []interface{}{id}
	cond, args := scopeCondition(scope, "tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM assessments WHERE id = $1%s %s", assessmentColumns, cond, lock)
	return r.assessments.get(ctx, tx, query, args...)
}

func getScore(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Score, error) {
	var row scoreRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get score: %w", err)
	}
	return row.toModel()
}
