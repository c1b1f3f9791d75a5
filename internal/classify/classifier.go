package classify

import (
	"fmt"
	"strings"
)

// Level is the urgency assigned to a message.
type Level string

const (
	LevelPending  Level = "pending"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ParseLevel converts a stored priority string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelPending, LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown priority level %q", s)
	}
}

// Keyword tiers, checked in this order. The first tier with a match wins.
var (
	criticalKeywords = []string{"urgent", "critical", "system down", "server down", "outage"}
	highKeywords     = []string{"cannot access", "security", "data loss", "major"}
	mediumKeywords   = []string{"error", "issue", "bug", "slow", "login"}
)

// Polarity thresholds for the sentiment fallback.
const (
	criticalPolarity = -0.4
	highPolarity     = -0.2
	mediumPolarity   = -0.05
)

// Scorer returns a sentiment polarity in [-1, 1] for a piece of text.
type Scorer interface {
	Polarity(text string) (float64, error)
}

// Classifier maps message text to an urgency level. It holds no mutable state
// and is safe for concurrent use as long as its Scorer is.
type Classifier struct {
	scorer Scorer
}

// New creates a Classifier. A nil scorer disables the sentiment fallback, so
// text without keywords is classified as low.
func New(scorer Scorer) *Classifier {
	return &Classifier{scorer: scorer}
}

// Classify returns the urgency level for a subject and body.
func (c *Classifier) Classify(subject, body string) Level {
	text := strings.TrimSpace(strings.ToLower(subject + " " + body))
	if text == "" {
		return LevelLow
	}

	switch {
	case containsAny(text, criticalKeywords):
		return LevelCritical
	case containsAny(text, highKeywords):
		return LevelHigh
	case containsAny(text, mediumKeywords):
		return LevelMedium
	}

	return c.fromSentiment(text)
}

func (c *Classifier) fromSentiment(text string) (level Level) {
	if c.scorer == nil {
		return LevelLow
	}

	// A misbehaving scorer must never escalate a message.
	defer func() {
		if r := recover(); r != nil {
			level = LevelLow
		}
	}()

	polarity, err := c.scorer.Polarity(text)
	if err != nil {
		return LevelLow
	}
	return LevelForPolarity(polarity)
}

// LevelForPolarity maps a polarity score onto a level.
func LevelForPolarity(polarity float64) Level {
	switch {
	case polarity < criticalPolarity:
		return LevelCritical
	case polarity < highPolarity:
		return LevelHigh
	case polarity < mediumPolarity:
		return LevelMedium
	default:
		return LevelLow
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
