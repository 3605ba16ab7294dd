package models

import "time"

// AssessmentSheet is the read-only projection consumed by report rendering.
type AssessmentSheet struct {
	Assessment      *Assessment `json:"assessment"`
	Scores          []Score     `json:"scores"`
	RanksComputedAt *time.Time  `json:"ranks_computed_at,omitempty"`
	RanksStale      bool        `json:"ranks_stale"`
	GeneratedAt     time.Time   `json:"generated_at"`
}
