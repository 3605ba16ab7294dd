package service

import (
	"math"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

// Performance bands, highest first.
const (
	BandExcellent    = "Excellent"
	BandVeryGood     = "Very Good"
	BandGood         = "Good"
	BandAverage      = "Average"
	BandBelowAverage = "Below Average"
	BandPoor         = "Poor"
)

type performanceBand struct {
	min    int
	label  string
	letter string
}

var performanceBands = []performanceBand{
	{80, BandExcellent, "A"},
	{70, BandVeryGood, "B"},
	{60, BandGood, "C"},
	{50, BandAverage, "D"},
	{40, BandBelowAverage, "E"},
}

// SummativeResult is the derived part of a summative score.
type SummativeResult struct {
	Total           float64 `json:"total"`
	Percent         int     `json:"percent"`
	Passed          bool    `json:"passed"`
	PerformanceBand string  `json:"performance_band"`
	LetterGrade     string  `json:"letter_grade"`
}

// ComputeSummative derives total, whole percent (round half up), pass flag and performance band. A zero
// maximum is rejected rather than reported as 0%.
func ComputeSummative(theory float64, practical *float64, maxTheory float64, maxPractical *float64, passMark float64) (SummativeResult, error) {
	total := theory
	if practical != nil {
		total += *practical
	}
	maxTotal := maxTheory
	if maxPractical != nil {
		maxTotal += *maxPractical
	}
	if maxTotal <= 0 {
		return SummativeResult{}, appErrors.Clone(appErrors.ErrValidation, "maximum total score must be greater than zero")
	}
	percent := RoundHalfUp(total / maxTotal * 100)
	label, letter := Band(percent)
	return SummativeResult{
		Total:           total,
		Percent:         percent,
		Passed:          float64(percent) >= passMark,
		PerformanceBand: label,
		LetterGrade:     letter,
	}, nil
}

// Band maps a whole percent to its performance band and letter grade. First match wins.
func Band(percent int) (string, string) {
	for _, band := range performanceBands {
		if percent >= band.min {
			return band.label, band.letter
		}
	}
	return BandPoor, "F"
}

// RoundHalfUp rounds to the nearest whole number with halves going up. The value is first snapped to 1e-9 so
// binary artifacts such as 64.49999999999999 for an exact 64.5 do not round down.
func RoundHalfUp(v float64) int {
	snapped := math.Round(v*1e9) / 1e9
	return int(math.Floor(snapped + 0.5))
}

// applySummative stores the derived values on the score payload.
func applySummative(score *models.SummativeScore, passMark float64) error {
	result, err := ComputeSummative(score.TheoryScore, score.PracticalScore, score.MaxTheoryScore, score.MaxPracticalScore, passMark)
	if err != nil {
		return err
	}
	score.Total = result.Total
	score.Percent = result.Percent
	score.Passed = result.Passed
	score.PerformanceBand = result.PerformanceBand
	score.LetterGrade = result.LetterGrade
	return nil
}
