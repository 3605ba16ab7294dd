package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AssessmentKind discriminates the closed set of assessment variants.
type AssessmentKind string

const (
	// KindFormative is a continuous/observational assessment.
	KindFormative AssessmentKind = "FORMATIVE"
	// KindSummative is a timed exam with optional practical component.
	KindSummative AssessmentKind = "SUMMATIVE"
	// KindCompetency is a competency rating against a rating scale.
	KindCompetency AssessmentKind = "COMPETENCY"
)

// AssessmentKinds lists every variant in a stable order.
var AssessmentKinds = []AssessmentKind{KindFormative, KindSummative, KindCompetency}

// ParseAssessmentKind accepts the discriminator in any case, as used in URLs and payloads.
func ParseAssessmentKind(raw string) (AssessmentKind, bool) {
	kind := AssessmentKind(strings.ToUpper(strings.TrimSpace(raw)))
	switch kind {
	case KindFormative, KindSummative, KindCompetency:
		return kind, true
	}
	return "", false
}

// PublishState is the visibility lifecycle of an assessment.
type PublishState string

const (
	PublishStateDraft     PublishState = "DRAFT"
	PublishStatePublished PublishState = "PUBLISHED"
)

// ParsePublishState accepts the state in any case.
func ParsePublishState(raw string) (PublishState, bool) {
	state := PublishState(strings.ToUpper(strings.TrimSpace(raw)))
	switch state {
	case PublishStateDraft, PublishStatePublished:
		return state, true
	}
	return "", false
}

// Assessment is the common envelope shared by all variants. Detail holds the variant payload and always
// matches Kind.
type Assessment struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Kind           AssessmentKind   `json:"kind"`
	Title          string           `json:"title"`
	Description    *string          `json:"description,omitempty"`
	ClassID        string           `json:"class_id"`
	SubjectID      string           `json:"subject_id"`
	TeacherID      string           `json:"teacher_id"`
	TermID         string           `json:"term_id"`
	AcademicYearID string           `json:"academic_year_id"`
	AssessmentDate time.Time        `json:"assessment_date"`
	MaxScore       float64          `json:"max_score"`
	PublishState   PublishState     `json:"publish_state"`
	PublishedAt    *time.Time       `json:"published_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Detail         AssessmentDetail `json:"detail"`
}

// IsPublished reports whether the assessment reached the terminal state.
func (a *Assessment) IsPublished() bool {
	return a.PublishState == PublishStatePublished
}

// UnmarshalJSON decodes the variant payload according to the kind discriminator.
func (a *Assessment) UnmarshalJSON(data []byte) error {
	type envelope Assessment
	aux := struct {
		*envelope
		Detail json.RawMessage `json:"detail"`
	}{envelope: (*envelope)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	detail, err := DecodeAssessmentDetail(a.Kind, aux.Detail)
	if err != nil {
		return err
	}
	a.Detail = detail
	return nil
}

// AssessmentDetail is implemented only by the three variant payloads in this package.
type AssessmentDetail interface {
	Kind() AssessmentKind
	assessmentDetail()
}

// FormativeDetail holds continuous assessment attributes.
type FormativeDetail struct {
	CompetencyArea    string  `json:"competency_area"`
	LearningOutcomeID *string `json:"learning_outcome_id,omitempty"`
	Strand            string  `json:"strand,omitempty"`
	SubStrand         string  `json:"sub_strand,omitempty"`
	Weight            float64 `json:"weight"`
	RubricRequired    bool    `json:"rubric_required"`
	Criteria          string  `json:"criteria,omitempty"`
	FeedbackTemplate  string  `json:"feedback_template,omitempty"`
	Instructions      string  `json:"instructions,omitempty"`
}

// SummativeDetail holds timed exam attributes. Weights are percentages.
type SummativeDetail struct {
	ExamType              string  `json:"exam_type"`
	DurationMinutes       int     `json:"duration_minutes"`
	QuestionCount         int     `json:"question_count"`
	PassMark              float64 `json:"pass_mark"`
	HasPracticalComponent bool    `json:"has_practical_component"`
	TheoryWeight          float64 `json:"theory_weight"`
	PracticalWeight       float64 `json:"practical_weight"`
}

// CompetencyDetail holds competency rating attributes.
type CompetencyDetail struct {
	CompetencyName          string `json:"competency_name"`
	Strand                  string `json:"strand,omitempty"`
	SubStrand               string `json:"sub_strand,omitempty"`
	AssessmentMethod        string `json:"assessment_method,omitempty"`
	RatingScale             string `json:"rating_scale"`
	ObservationBased        bool   `json:"observation_based"`
	ToolsRequired           string `json:"tools_required,omitempty"`
	SpecificLearningOutcome string `json:"specific_learning_outcome,omitempty"`
	PerformanceIndicator    string `json:"performance_indicator,omitempty"`
}

func (*FormativeDetail) Kind() AssessmentKind  { return KindFormative }
func (*SummativeDetail) Kind() AssessmentKind  { return KindSummative }
func (*CompetencyDetail) Kind() AssessmentKind { return KindCompetency }

func (*FormativeDetail) assessmentDetail()  {}
func (*SummativeDetail) assessmentDetail()  {}
func (*CompetencyDetail) assessmentDetail() {}

// DecodeAssessmentDetail decodes raw JSON into the variant payload for kind. Empty input yields a zero payload.
func DecodeAssessmentDetail(kind AssessmentKind, raw []byte) (AssessmentDetail, error) {
	var detail AssessmentDetail
	switch kind {
	case KindFormative:
		detail = &FormativeDetail{}
	case KindSummative:
		detail = &SummativeDetail{}
	case KindCompetency:
		detail = &CompetencyDetail{}
	default:
		return nil, fmt.Errorf("unknown assessment kind %q", kind)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return detail, nil
	}
	if err := json.Unmarshal(raw, detail); err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", strings.ToLower(string(kind)), err)
	}
	return detail, nil
}

// AssessmentFilter narrows assessment listings. Empty fields are ignored.
type AssessmentFilter struct {
	Kind         AssessmentKind
	ClassID      string
	TermID       string
	SubjectID    string
	TeacherID    string
	PublishState PublishState
	Page         int
	PageSize     int
}
