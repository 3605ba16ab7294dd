package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Score is one student's result against one assessment. Detail matches Kind, which always equals the owning
// assessment's kind. Rank fields are a cache written only by ranking passes.
type Score struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AssessmentID    string         `json:"assessment_id"`
	StudentID       string         `json:"student_id"`
	RecordedBy      string         `json:"recorded_by"`
	Kind            AssessmentKind `json:"kind"`
	Detail          ScoreDetail    `json:"detail"`
	ClassRank       *int           `json:"class_rank,omitempty"`
	StreamRank      *int           `json:"stream_rank,omitempty"`
	RanksComputedAt *time.Time     `json:"ranks_computed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Locked reports whether the score's own submit/finalize flag blocks further edits.
func (s *Score) Locked() bool {
	return s.Detail != nil && s.Detail.Locked()
}

// RanksStale reports whether the score changed after its ranks were last computed.
func (s *Score) RanksStale() bool {
	return s.RanksComputedAt == nil || s.UpdatedAt.After(*s.RanksComputedAt)
}

// UnmarshalJSON decodes the variant payload according to the kind discriminator.
func (s *Score) UnmarshalJSON(data []byte) error {
	type envelope Score
	aux := struct {
		*envelope
		Detail json.RawMessage `json:"detail"`
	}{envelope: (*envelope)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	detail, err := DecodeScoreDetail(s.Kind, aux.Detail)
	if err != nil {
		return err
	}
	s.Detail = detail
	return nil
}

// ScoreDetail is implemented only by the three score payloads in this package.
type ScoreDetail interface {
	Kind() AssessmentKind
	Locked() bool
	scoreDetail()
}

// FormativeScore records a continuous assessment entry.
type FormativeScore struct {
	RawScore  float64 `json:"raw_score"`
	MaxScore  float64 `json:"max_score"`
	Remarks   string  `json:"remarks,omitempty"`
	Submitted bool    `json:"submitted"`
}

// SummativeScore records an exam result. Total, Percent, Passed, PerformanceBand and LetterGrade are derived.
type SummativeScore struct {
	TheoryScore       float64  `json:"theory_score"`
	PracticalScore    *float64 `json:"practical_score,omitempty"`
	MaxTheoryScore    float64  `json:"max_theory_score"`
	MaxPracticalScore *float64 `json:"max_practical_score,omitempty"`
	Total             float64  `json:"total"`
	Percent           int      `json:"percent"`
	Passed            bool     `json:"passed"`
	PerformanceBand   string   `json:"performance_band"`
	LetterGrade       string   `json:"letter_grade"`
	Remarks           string   `json:"remarks,omitempty"`
}

// CompetencyScore records a rating against the assessment's rating scale.
type CompetencyScore struct {
	Rating       int    `json:"rating"`
	Observations string `json:"observations,omitempty"`
	Finalized    bool   `json:"finalized"`
}

func (*FormativeScore) Kind() AssessmentKind  { return KindFormative }
func (*SummativeScore) Kind() AssessmentKind  { return KindSummative }
func (*CompetencyScore) Kind() AssessmentKind { return KindCompetency }

func (s *FormativeScore) Locked() bool  { return s.Submitted }
func (*SummativeScore) Locked() bool    { return false }
func (s *CompetencyScore) Locked() bool { return s.Finalized }

func (*FormativeScore) scoreDetail()  {}
func (*SummativeScore) scoreDetail()  {}
func (*CompetencyScore) scoreDetail() {}

// RawTotal is theory plus practical, recomputed from the stored inputs.
func (s *SummativeScore) RawTotal() float64 {
	total := s.TheoryScore
	if s.PracticalScore != nil {
		total += *s.PracticalScore
	}
	return total
}

// ErrScoreDetailRequired is returned when a submitted score carries no detail payload.
var ErrScoreDetailRequired = errors.New("detail is required")

// scoreKeyFields names the input each score kind cannot be recorded without.
var scoreKeyFields = map[AssessmentKind]string{
	KindFormative:  "raw_score",
	KindSummative:  "theory_score",
	KindCompetency: "rating",
}

func newScoreDetail(kind AssessmentKind) (ScoreDetail, error) {
	switch kind {
	case KindFormative:
		return &FormativeScore{}, nil
	case KindSummative:
		return &SummativeScore{}, nil
	case KindCompetency:
		return &CompetencyScore{}, nil
	default:
		return nil, fmt.Errorf("unknown assessment kind %q", kind)
	}
}

// DecodeScoreDetail decodes a stored payload into the score detail for kind. An empty payload yields a zero detail.
func DecodeScoreDetail(kind AssessmentKind, raw []byte) (ScoreDetail, error) {
	detail, err := newScoreDetail(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return detail, nil
	}
	if err := json.Unmarshal(raw, detail); err != nil {
		return nil, fmt.Errorf("decode %s score: %w", strings.ToLower(string(kind)), err)
	}
	return detail, nil
}

// DecodeScoreInput decodes a client-submitted payload. Unlike DecodeScoreDetail it rejects a missing payload,
// fields the kind does not define, and a payload without the kind's key score field.
func DecodeScoreInput(kind AssessmentKind, raw []byte) (ScoreDetail, error) {
	detail, err := newScoreDetail(kind)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrScoreDetailRequired
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("detail must be a JSON object: %w", err)
	}
	key := scoreKeyFields[kind]
	if value, ok := fields[key]; !ok || string(bytes.TrimSpace(value)) == "null" {
		return nil, fmt.Errorf("%s is required", key)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(detail); err != nil {
		return nil, fmt.Errorf("decode %s score: %w", strings.ToLower(string(kind)), err)
	}
	return detail, nil
}

// ScoreFilter narrows student score listings.
type ScoreFilter struct {
	StudentID     string
	TermID        string
	PublishedOnly bool
}
