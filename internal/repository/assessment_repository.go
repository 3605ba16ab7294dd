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

// ErrAssessmentPublished blocks edits and deletes of a published assessment.
var ErrAssessmentPublished = errors.New("assessment is published")

// ScoresExistError blocks deleting an assessment that still owns score rows.
type ScoresExistError struct {
	Count int
}

func (e *ScoresExistError) Error() string {
	return fmt.Sprintf("assessment has %d score(s)", e.Count)
}

const assessmentColumns = `id, tenant_id, kind, title, description, class_id, subject_id, teacher_id, term_id, academic_year_id,
        assessment_date, max_score, publish_state, published_at, details, created_at, updated_at`

type assessmentRow struct {
	ID             string                `db:"id"`
	TenantID       string                `db:"tenant_id"`
	Kind           models.AssessmentKind `db:"kind"`
	Title          string                `db:"title"`
	Description    *string               `db:"description"`
	ClassID        string                `db:"class_id"`
	SubjectID      string                `db:"subject_id"`
	TeacherID      string                `db:"teacher_id"`
	TermID         string                `db:"term_id"`
	AcademicYearID string                `db:"academic_year_id"`
	AssessmentDate time.Time             `db:"assessment_date"`
	MaxScore       float64               `db:"max_score"`
	PublishState   models.PublishState   `db:"publish_state"`
	PublishedAt    *time.Time            `db:"published_at"`
	Details        []byte                `db:"details"`
	CreatedAt      time.Time             `db:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at"`
}

func newAssessmentRow(a *models.Assessment) (*assessmentRow, error) {
	details, err := json.Marshal(a.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshal assessment details: %w", err)
	}
	return &assessmentRow{
		ID:             a.ID,
		TenantID:       a.TenantID,
		Kind:           a.Kind,
		Title:          a.Title,
		Description:    a.Description,
		ClassID:        a.ClassID,
		SubjectID:      a.SubjectID,
		TeacherID:      a.TeacherID,
		TermID:         a.TermID,
		AcademicYearID: a.AcademicYearID,
		AssessmentDate: a.AssessmentDate,
		MaxScore:       a.MaxScore,
		PublishState:   a.PublishState,
		PublishedAt:    a.PublishedAt,
		Details:        details,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}, nil
}

func (r *assessmentRow) toModel() (*models.Assessment, error) {
	detail, err := models.DecodeAssessmentDetail(r.Kind, r.Details)
	if err != nil {
		return nil, err
	}
	return &models.Assessment{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Kind:           r.Kind,
		Title:          r.Title,
		Description:    r.Description,
		ClassID:        r.ClassID,
		SubjectID:      r.SubjectID,
		TeacherID:      r.TeacherID,
		TermID:         r.TermID,
		AcademicYearID: r.AcademicYearID,
		AssessmentDate: r.AssessmentDate,
		MaxScore:       r.MaxScore,
		PublishState:   r.PublishState,
		PublishedAt:    r.PublishedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Detail:         detail,
	}, nil
}

// AssessmentRepository persists the assessment variants.
type AssessmentRepository struct {
	db *sqlx.DB
}

// NewAssessmentRepository creates a new assessment repository.
func NewAssessmentRepository(db *sqlx.DB) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

// Create inserts a new assessment, assigning id and timestamps.
func (r *AssessmentRepository) Create(ctx context.Context, assessment *models.Assessment) error {
	if assessment.ID == "" {
		assessment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	assessment.CreatedAt = now
	assessment.UpdatedAt = now
	row, err := newAssessmentRow(assessment)
	if err != nil {
		return err
	}
	const query = `INSERT INTO assessments (id, tenant_id, kind, title, description, class_id, subject_id, teacher_id, term_id,
        academic_year_id, assessment_date, max_score, publish_state, published_at, details, created_at, updated_at)
        VALUES (:id, :tenant_id, :kind, :title, :description, :class_id, :subject_id, :teacher_id, :term_id,
        :academic_year_id, :assessment_date, :max_score, :publish_state, :published_at, :details, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create assessment: %w", err)
	}
	return nil
}

// FindByID loads an assessment of the given kind inside scope. A kind mismatch reads as missing.
func (r *AssessmentRepository) FindByID(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) (*models.Assessment, error) {
	args := []interface{}{id, kind}
	cond, args := scopeCondition(scope, "tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM assessments WHERE id = $1 AND kind = $2%s", assessmentColumns, cond)
	return r.get(ctx, r.db, query, args...)
}

// FindAnyKind loads an assessment inside scope regardless of its kind.
func (r *AssessmentRepository) FindAnyKind(ctx context.Context, scope models.TenantScope, id string) (*models.Assessment, error) {
	args := []interface{}{id}
	cond, args := scopeCondition(scope, "tenant_id", args)
	query := fmt.Sprintf("SELECT %s FROM assessments WHERE id = $1%s", assessmentColumns, cond)
	return r.get(ctx, r.db, query, args...)
}

// List returns assessments matching filter inside scope together with the total count.
func (r *AssessmentRepository) List(ctx context.Context, scope models.TenantScope, filter models.AssessmentFilter) ([]models.Assessment, int, error) {
	where := " WHERE 1=1"
	cond, args := scopeCondition(scope, "tenant_id", nil)
	where += cond
	add := func(column string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	if filter.Kind != "" {
		add("kind", filter.Kind)
	}
	if filter.ClassID != "" {
		add("class_id", filter.ClassID)
	}
	if filter.TermID != "" {
		add("term_id", filter.TermID)
	}
	if filter.SubjectID != "" {
		add("subject_id", filter.SubjectID)
	}
	if filter.TeacherID != "" {
		add("teacher_id", filter.TeacherID)
	}
	if filter.PublishState != "" {
		add("publish_state", filter.PublishState)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM assessments"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count assessments: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM assessments%s ORDER BY assessment_date DESC, created_at DESC", assessmentColumns, where)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	var rows []assessmentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list assessments: %w", err)
	}
	assessments := make([]models.Assessment, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		assessments = append(assessments, *a)
	}
	return assessments, total, nil
}

// CountScores returns how many score rows an assessment owns.
func (r *AssessmentRepository) CountScores(ctx context.Context, id string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM scores WHERE assessment_id = $1", id); err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return count, nil
}

// Update rewrites the mutable fields of a draft assessment. It returns ErrAssessmentPublished when the row was
// published concurrently and sql.ErrNoRows when it is not visible in scope.
func (r *AssessmentRepository) Update(ctx context.Context, scope models.TenantScope, assessment *models.Assessment) error {
	assessment.UpdatedAt = time.Now().UTC()
	details, err := json.Marshal(assessment.Detail)
	if err != nil {
		return fmt.Errorf("marshal assessment details: %w", err)
	}
	args := []interface{}{
		assessment.Title, assessment.Description, assessment.ClassID, assessment.SubjectID, assessment.TeacherID,
		assessment.TermID, assessment.AcademicYearID, assessment.AssessmentDate, assessment.MaxScore, details,
		assessment.UpdatedAt, assessment.ID, assessment.Kind,
	}
	cond, args := scopeCondition(scope, "tenant_id", args)
	query := fmt.Sprintf(`UPDATE assessments SET title = $1, description = $2, class_id = $3, subject_id = $4, teacher_id = $5,
        term_id = $6, academic_year_id = $7, assessment_date = $8, max_score = $9, details = $10, updated_at = $11
        WHERE id = $12 AND kind = $13 AND publish_state = 'DRAFT'%s`, cond)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update assessment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	current, err := r.FindByID(ctx, scope, assessment.ID, assessment.Kind)
	if err != nil {
		return err
	}
	if current.IsPublished() {
		return ErrAssessmentPublished
	}
	return fmt.Errorf("update assessment %s: no rows affected", assessment.ID)
}

// Delete removes a draft assessment without scores. The row is locked so a concurrent score insert or publish
// cannot slip in between the checks and the delete.
func (r *AssessmentRepository) Delete(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		args := []interface{}{id, kind}
		cond, args := scopeCondition(scope, "tenant_id", args)
		query := fmt.Sprintf("SELECT %s FROM assessments WHERE id = $1 AND kind = $2%s FOR UPDATE", assessmentColumns, cond)
		assessment, err := r.get(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		if assessment.IsPublished() {
			return ErrAssessmentPublished
		}
		var count int
		if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM scores WHERE assessment_id = $1", id); err != nil {
			return fmt.Errorf("count scores: %w", err)
		}
		if count > 0 {
			return &ScoresExistError{Count: count}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM assessments WHERE id = $1", id); err != nil {
			return fmt.Errorf("delete assessment: %w", err)
		}
		return nil
	})
}

// Publish flips a draft assessment to published in a single conditional update. The boolean reports whether
// this call performed the transition; an already published assessment is returned unchanged with false.
func (r *AssessmentRepository) Publish(ctx context.Context, scope models.TenantScope, id string, kind models.AssessmentKind, at time.Time) (*models.Assessment, bool, error) {
	args := []interface{}{at, id, kind}
	cond, args := scopeCondition(scope, "tenant_id", args)
	query := fmt.Sprintf(`UPDATE assessments SET publish_state = 'PUBLISHED', published_at = $1, updated_at = $1
        WHERE id = $2 AND kind = $3 AND publish_state = 'DRAFT'%s
        RETURNING %s`, cond, assessmentColumns)
	assessment, err := r.get(ctx, r.db, query, args...)
	if err == nil {
		return assessment, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("publish assessment: %w", err)
	}
	current, err := r.FindByID(ctx, scope, id, kind)
	if err != nil {
		return nil, false, err
	}
	if !current.IsPublished() {
		return nil, false, fmt.Errorf("publish assessment %s: state %s unchanged", id, current.PublishState)
	}
	return current, false, nil
}

func (r *AssessmentRepository) get(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Assessment, error) {
	var row assessmentRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	return row.toModel()
}
