package dto

import "encoding/json"

// UpsertScoreRequest records one student's score. Detail is shaped by the assessment's kind and is checked when
// decoded against it; Kind is optional and, when present, must match it.
type UpsertScoreRequest struct {
	AssessmentID string          `json:"assessment_id" validate:"required"`
	StudentID    string          `json:"student_id" validate:"required"`
	Kind         string          `json:"kind"`
	Detail       json.RawMessage `json:"detail"`
}

// BulkScoreRow is one line of a grading sheet.
type BulkScoreRow struct {
	StudentID string          `json:"student_id"`
	Detail    json.RawMessage `json:"detail"`
}

// BulkScoreRequest submits many rows against one assessment.
type BulkScoreRequest struct {
	AssessmentID     string         `json:"assessment_id" validate:"required"`
	Rows             []BulkScoreRow `json:"rows" validate:"required,min=1"`
	RecalculateRanks bool           `json:"recalculate_ranks"`
}
