package backoff

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DefaultPattern(t *testing.T) {
	p, err := Parse("/500,1000,1500,2000,2500///")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond,
		2000 * time.Millisecond, 2500 * time.Millisecond,
	}, p.Attempt.Values)
	assert.Empty(t, p.Retry.Values)
	assert.Equal(t, 0, p.MaxAttempts)
}

func TestParse_ExhaustionPattern(t *testing.T) {
	p, err := Parse("/100,200/1000/3/")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, p.Attempt.Values)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond}, p.Retry.Values)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestParse_TailMultiplierCap(t *testing.T) {
	p, err := Parse("/500,*2:5000//")
	require.NoError(t, err)
	require.True(t, p.Attempt.HasTail)

	d0, ok := p.Attempt.At(0)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d0)

	d1, ok := p.Attempt.At(1)
	require.True(t, ok)
	assert.Equal(t, 1000*time.Millisecond, d1)

	d2, ok := p.Attempt.At(2)
	require.True(t, ok)
	assert.Equal(t, 2000*time.Millisecond, d2)

	// Capped at 5000ms regardless of how far k advances.
	d10, ok := p.Attempt.At(10)
	require.True(t, ok)
	assert.Equal(t, 5000*time.Millisecond, d10)
}

func TestParse_RejectsSubUnityMultiplier(t *testing.T) {
	_, err := Parse("/500,*0.5//")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestParse_MalformedPattern(t *testing.T) {
	_, err := Parse("not-a-pattern")
	assert.Error(t, err)
}

func TestBuilder_MatchesTextualForm(t *testing.T) {
	fromText, err := Parse("/500,1000,*2:4000/1000,2000/5/")
	require.NoError(t, err)

	fromBuilder := NewBuilder().
		AttemptTimeouts(500, 1000).
		AttemptTail(2, 4000).
		RetryAfter(1000, 2000).
		MaxAttempts(5).
		Build()

	assert.True(t, fromText.Equal(fromBuilder), "builder-constructed pattern must match textual-grammar pattern")
}

func TestBounded(t *testing.T) {
	bounded, err := Parse("/500,1000//3/")
	require.NoError(t, err)
	assert.True(t, bounded.Bounded())

	unbounded, err := Parse("/500,*2//")
	require.NoError(t, err)
	assert.False(t, unbounded.Bounded())

	cappedTail, err := Parse("/500,*2:5000//")
	require.NoError(t, err)
	assert.True(t, cappedTail.Bounded())
}

// TestPatternRoundTrip is the property-based version of spec §8's
// "parse(pattern.save()) == pattern" round-trip law: for any pattern built
// through the Builder (which can only construct valid patterns), saving and
// re-parsing must reproduce a schedule-equivalent Pattern.
func TestPatternRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	patternGen := gen.SliceOfN(3, gen.IntRange(10, 5000)).Map(func(vals []int) Pattern {
		durations := make([]time.Duration, len(vals))
		for i, v := range vals {
			durations[i] = time.Duration(v) * time.Millisecond
		}
		return Pattern{
			Attempt:     Segment{Values: durations},
			Retry:       Segment{Values: durations[:1]},
			MaxAttempts: len(vals) + 1,
		}
	})

	properties.Property("parse(pattern.save()) == pattern", prop.ForAll(
		func(p Pattern) bool {
			reparsed, err := Parse(p.Save())
			if err != nil {
				return false
			}
			return reparsed.Equal(p)
		},
		patternGen,
	))

	properties.TestingRun(t)
}
