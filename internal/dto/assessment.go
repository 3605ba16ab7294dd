package dto

import (
	"encoding/json"
	"time"
)

// AssessmentRequest carries the common envelope plus the variant payload in Detail.
type AssessmentRequest struct {
	Title          string          `json:"title" validate:"required,max=200"`
	Description    *string         `json:"description"`
	ClassID        string          `json:"class_id" validate:"required"`
	SubjectID      string          `json:"subject_id" validate:"required"`
	TeacherID      string          `json:"teacher_id" validate:"required"`
	TermID         string          `json:"term_id" validate:"required"`
	AcademicYearID string          `json:"academic_year_id" validate:"required"`
	AssessmentDate time.Time       `json:"assessment_date" validate:"required"`
	MaxScore       float64         `json:"max_score" validate:"gt=0"`
	Detail         json.RawMessage `json:"detail"`
}

// CreateAssessmentRequest adds the kind discriminator to the shared payload.
type CreateAssessmentRequest struct {
	Kind string `json:"kind" validate:"required"`
	AssessmentRequest
}

// UpdateAssessmentRequest replaces the mutable fields of a draft assessment.
type UpdateAssessmentRequest struct {
	AssessmentRequest
}
