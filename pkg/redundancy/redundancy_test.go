package redundancy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestScoreEmptyPrior(t *testing.T) {
	assert.Equal(t, 0.0, Score("a fresh plan with new steps", nil, 3))
	assert.Equal(t, 0.0, Score("a fresh plan with new steps", []string{}, 3))
}

func TestScoreIdenticalText(t *testing.T) {
	text := "launch the product in three distinct phases with measurable targets"
	assert.Equal(t, 1.0, Score(text, []string{text}, 3))
}

func TestScoreDisjointTexts(t *testing.T) {
	got := Score(
		"alpha beta gamma delta epsilon",
		[]string{"one two three four five"},
		3,
	)
	assert.Equal(t, 0.0, got)
}

func TestScorePartialOverlap(t *testing.T) {
	got := Score(
		"plan the launch carefully then measure adoption weekly",
		[]string{"plan the launch carefully but ship fast"},
		3,
	)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 1.0)
}

func TestScoreEmptyCurrent(t *testing.T) {
	assert.Equal(t, 0.0, Score("", []string{"prior text here"}, 3))
}

func TestShinglesNormalization(t *testing.T) {
	// Fullwidth characters NFKC-fold to ASCII, so the shingle sets match.
	a := Shingles("Ship the ｐｌａｎ now", 2)
	b := Shingles("ship the plan now", 2)
	assert.Equal(t, b, a)
}

func TestShinglesShortText(t *testing.T) {
	assert.Empty(t, Shingles("one two", 3))
	assert.Len(t, Shingles("one two three", 3), 1)
}

func TestScoreBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score is always within [0,1]", prop.ForAll(
		func(current string, prior []string) bool {
			s := Score(current, prior, 3)
			return s >= 0.0 && s <= 1.0
		},
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
