package service

import (
	"sort"
	"strings"
)

// Competency rating scales.
const (
	RatingScaleFourPoint = "FOUR_POINT"
	RatingScaleFivePoint = "FIVE_POINT"
	RatingScalePercent   = "PERCENT"
)

type ratingScale struct {
	min    int
	max    int
	labels map[int]string
}

var ratingScales = map[string]ratingScale{
	// CBC descriptors: exceeding, meeting, approaching, below expectations.
	RatingScaleFourPoint: {min: 1, max: 4, labels: map[int]string{4: "EE", 3: "ME", 2: "AE", 1: "BE"}},
	RatingScaleFivePoint: {min: 1, max: 5},
	RatingScalePercent:   {min: 0, max: 100},
}

func normalizeRatingScale(raw string) string {
	scale := strings.ToUpper(strings.TrimSpace(raw))
	if scale == "" {
		return RatingScaleFourPoint
	}
	return scale
}

func ratingScaleNames() []string {
	names := make([]string, 0, len(ratingScales))
	for name := range ratingScales {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RatingLabel returns the descriptor for a rating on the named scale, or an empty string.
func RatingLabel(scale string, rating int) string {
	return ratingScales[normalizeRatingScale(scale)].labels[rating]
}
