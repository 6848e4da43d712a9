// Package verdict turns the classifier's raw score into a tyre condition
// label, a confidence and a recommendation.
package verdict

import (
	"fmt"
	"math"
)

const (
	// Defective is the class index for scores at or below DecisionThreshold.
	Defective = 0
	// Good is the class index for scores above DecisionThreshold.
	Good = 1

	// DecisionThreshold separates the two classes; it belongs to Defective.
	DecisionThreshold = 0.5
)

// ClassNames maps class indices to labels.
var ClassNames = [...]string{
	Defective: "Defective Tyre",
	Good:      "Good Tyre",
}

type tier struct {
	above float64
	text  string
}

// recommendations lists the tiers for each class from the highest
// threshold down. A confidence fraction picks the first tier it strictly
// exceeds; the last tier catches the rest.
var recommendations = [...][]tier{
	Defective: {
		{0.9, "⚠️ HIGH RISK: This tyre shows clear signs of defects. Replace immediately for safety."},
		{0.7, "⚠️ MODERATE RISK: Defects detected. Inspect the tyre and consider replacement."},
		{math.Inf(-1), "⚠️ POSSIBLE DEFECT: Some defects detected. Get a professional inspection."},
	},
	Good: {
		{0.9, "✅ EXCELLENT: Tyre appears to be in good condition. Safe for use."},
		{0.7, "✅ GOOD: Tyre is in acceptable condition. Monitor regularly."},
		{math.Inf(-1), "✅ FAIR: Tyre appears okay but have it checked during next service."},
	},
}

// Verdict is the interpretation of a single raw score.
type Verdict struct {
	ClassIndex     int     `json:"class_index"`
	Label          string  `json:"class"`
	Confidence     float64 `json:"confidence"`
	RawScore       float64 `json:"raw_prediction"`
	Recommendation string  `json:"recommendation"`
}

// IsDefective reports whether the verdict is the defective class.
func (v Verdict) IsDefective() bool {
	return v.ClassIndex == Defective
}

// Interpret applies the decision rule to a raw score in [0,1].
// Confidence is reported as a percentage in [50,100].
func Interpret(score float64) (Verdict, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return Verdict{}, fmt.Errorf("raw score %v outside [0,1]", score)
	}

	class, fraction := Defective, 1-score
	if score > DecisionThreshold {
		class, fraction = Good, score
	}

	return Verdict{
		ClassIndex:     class,
		Label:          ClassNames[class],
		Confidence:     fraction * 100,
		RawScore:       score,
		Recommendation: Recommend(class, fraction),
	}, nil
}

// Recommend returns the recommendation for class at the given confidence
// fraction (not percentage). Unknown classes yield an empty string.
func Recommend(class int, fraction float64) string {
	if class < 0 || class >= len(recommendations) {
		return ""
	}
	tiers := recommendations[class]
	for _, t := range tiers {
		if fraction > t.above {
			return t.text
		}
	}
	return tiers[len(tiers)-1].text
}
