package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedScorer struct {
	polarity float64
	err      error
	calls    int
}

func (f *fixedScorer) Polarity(string) (float64, error) {
	f.calls++
	return f.polarity, f.err
}

type panicScorer struct{}

func (panicScorer) Polarity(string) (float64, error) { panic("lexicon exploded") }

func TestClassifyScenarios(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		body     string
		polarity float64
		want     Level
	}{
		{"server down is critical", "Server down, urgent!", "", 0, LevelCritical},
		{"access problem is high", "Cannot access my account", "", 0, LevelHigh},
		{"slow login is medium", "Login slow", "", 0, LevelMedium},
		{"positive thanks is low", "Thanks!", "Great job", 0.5, LevelLow},
		{"keyword in body", "Question", "we saw a data loss yesterday", 0, LevelHigh},
		{"case insensitive", "OUTAGE in EU", "", 0, LevelCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fixedScorer{polarity: tt.polarity})
			assert.Equal(t, tt.want, c.Classify(tt.subject, tt.body))
		})
	}
}

func TestClassifyEmptyTextIsLow(t *testing.T) {
	scorer := &fixedScorer{polarity: -0.9}
	c := New(scorer)

	assert.Equal(t, LevelLow, c.Classify("", ""))
	assert.Equal(t, LevelLow, c.Classify("   ", "\n\t"))
	assert.Zero(t, scorer.calls, "scorer must not run on empty text")
}

func TestKeywordTiersDominateSentiment(t *testing.T) {
	scorer := &fixedScorer{polarity: 0.99}
	c := New(scorer)

	assert.Equal(t, LevelCritical, c.Classify("critical", "everything is wonderful"))
	// Critical beats high and medium when several tiers match.
	assert.Equal(t, LevelCritical, c.Classify("security bug", "causing an outage"))
	assert.Equal(t, LevelHigh, c.Classify("major bug", ""))
	assert.Zero(t, scorer.calls)
}

func TestSentimentFallbackThresholds(t *testing.T) {
	tests := []struct {
		polarity float64
		want     Level
	}{
		{-1, LevelCritical},
		{-0.41, LevelCritical},
		{-0.4, LevelHigh},
		{-0.21, LevelHigh},
		{-0.2, LevelMedium},
		{-0.06, LevelMedium},
		{-0.05, LevelLow},
		{0, LevelLow},
		{1, LevelLow},
	}

	for _, tt := range tests {
		c := New(&fixedScorer{polarity: tt.polarity})
		assert.Equal(t, tt.want, c.Classify("hello there", "just writing in"), "polarity %v", tt.polarity)
	}
}

func TestScorerFailureIsLow(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		c := New(&fixedScorer{polarity: -0.9, err: errors.New("boom")})
		assert.Equal(t, LevelLow, c.Classify("hello", "there"))
	})

	t.Run("panic", func(t *testing.T) {
		c := New(panicScorer{})
		assert.Equal(t, LevelLow, c.Classify("hello", "there"))
	})

	t.Run("nil scorer", func(t *testing.T) {
		c := New(nil)
		assert.Equal(t, LevelLow, c.Classify("hello", "there"))
	})
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New(NewVaderScorer())
	inputs := [][2]string{
		{"Thanks!", "Great job"},
		{"Refund", "I am very unhappy and disappointed with this terrible service"},
		{"Hello", ""},
	}

	for _, in := range inputs {
		first := c.Classify(in[0], in[1])
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, c.Classify(in[0], in[1]))
		}
	}
}

func TestVaderScorer(t *testing.T) {
	v := NewVaderScorer()

	pos, err := v.Polarity("thanks! great job")
	require.NoError(t, err)
	assert.Greater(t, pos, 0.0)
	assert.LessOrEqual(t, pos, 1.0)

	neg, err := v.Polarity("terrible, horrible, awful experience")
	require.NoError(t, err)
	assert.Less(t, neg, 0.0)
	assert.GreaterOrEqual(t, neg, -1.0)

	assert.Equal(t, LevelLow, New(v).Classify("Thanks!", "Great job"))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("high")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, lvl)

	_, err = ParseLevel("sev1")
	assert.Error(t, err)
}
