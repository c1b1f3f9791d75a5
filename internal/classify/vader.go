package classify

import (
	"errors"
	"math"

	"github.com/jonreiter/govader"
)

var errNaNScore = errors.New("sentiment score is NaN")

// VaderScorer scores text with the VADER lexicon. The compound score is
// already normalised to [-1, 1].
type VaderScorer struct {
	analyzer *govader.SentimentIntensityAnalyzer
}

// NewVaderScorer loads the VADER lexicon.
func NewVaderScorer() *VaderScorer {
	return &VaderScorer{analyzer: govader.NewSentimentIntensityAnalyzer()}
}

// Polarity returns the VADER compound score for text.
func (v *VaderScorer) Polarity(text string) (float64, error) {
	scores := v.analyzer.PolarityScores(text)
	if math.IsNaN(scores.Compound) {
		return 0, errNaNScore
	}
	return math.Max(-1, math.Min(1, scores.Compound)), nil
}
