package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-assessment-api/internal/models"
)

var referenceTables = map[string]string{
	models.RefClass:        "classes",
	models.RefSubject:      "subjects",
	models.RefTeacher:      "teachers",
	models.RefTerm:         "terms",
	models.RefAcademicYear: "academic_years",
	models.RefStudent:      "students",
}

// ReferenceRepository reads the school reference data owned by other modules.
type ReferenceRepository struct {
	db *sqlx.DB
}

// NewReferenceRepository creates a reference data reader.
func NewReferenceRepository(db *sqlx.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// Missing returns the references that do not exist under tenantID, preserving input order.
func (r *ReferenceRepository) Missing(ctx context.Context, tenantID string, refs []models.Reference) ([]models.Reference, error) {
	byKind := make(map[string][]string)
	var kinds []string
	for _, ref := range refs {
		if _, ok := byKind[ref.Kind]; !ok {
			kinds = append(kinds, ref.Kind)
		}
		byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
	}
	found := make(map[models.Reference]bool, len(refs))
	for _, kind := range kinds {
		table, ok := referenceTables[kind]
		if !ok {
			return nil, fmt.Errorf("unknown reference kind %q", kind)
		}
		var ids []string
		query := fmt.Sprintf("SELECT id FROM %s WHERE tenant_id = $1 AND id = ANY($2)", table)
		if err := r.db.SelectContext(ctx, &ids, query, tenantID, pq.Array(byKind[kind])); err != nil {
			return nil, fmt.Errorf("resolve %s references: %w", kind, err)
		}
		for _, id := range ids {
			found[models.Reference{Kind: kind, ID: id}] = true
		}
	}
	var missing []models.Reference
	for _, ref := range refs {
		if !found[ref] {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

// Placements returns the class and stream of each requested student under tenantID.
func (r *ReferenceRepository) Placements(ctx context.Context, tenantID string, studentIDs []string) (map[string]models.StudentPlacement, error) {
	result := make(map[string]models.StudentPlacement, len(studentIDs))
	if len(studentIDs) == 0 {
		return result, nil
	}
	var rows []models.StudentPlacement
	const query = `SELECT id AS student_id, class_id, stream_id FROM students WHERE tenant_id = $1 AND id = ANY($2)`
	if err := r.db.SelectContext(ctx, &rows, query, tenantID, pq.Array(studentIDs)); err != nil {
		return nil, fmt.Errorf("load student placements: %w", err)
	}
	for _, row := range rows {
		result[row.StudentID] = row
	}
	return result, nil
}
