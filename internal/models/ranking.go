package models

import "time"

// Rank scopes reported in tie summaries.
const (
	RankScopeClass  = "class"
	RankScopeStream = "stream"
)

// ScoreRank is one row of a ranking write-back.
type ScoreRank struct {
	ScoreID    string `db:"id"`
	ClassRank  int    `db:"class_rank"`
	StreamRank *int   `db:"stream_rank"`
}

// TieGroup lists students sharing one rank position.
type TieGroup struct {
	Scope      string   `json:"scope"`
	StreamID   string   `json:"stream_id,omitempty"`
	Rank       int      `json:"rank"`
	Total      float64  `json:"total"`
	StudentIDs []string `json:"student_ids"`
}

// RecalcSummary reports the outcome of a ranking pass.
type RecalcSummary struct {
	AssessmentID string     `json:"assessment_id"`
	Affected     int        `json:"affected"`
	Streams      int        `json:"streams"`
	Ties         []TieGroup `json:"ties"`
	ComputedAt   time.Time  `json:"computed_at"`
}

// TiesDetected reports whether any rank position is shared.
func (s *RecalcSummary) TiesDetected() bool {
	return len(s.Ties) > 0
}
