package sensitivity

import (
	"math/rand"
	"testing"

	"github.com/maneesh/vidstream/internal/models"
	"github.com/stretchr/testify/assert"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestClassify_HealthyVideoScoresZero(t *testing.T) {
	c := NewClassifier(DeterministicRules()...)

	res := c.Classify(Signal{Duration: 10, Width: 1920, Height: 1080, FrameRate: 30})

	assert.Equal(t, 0, res.Score)
	assert.Equal(t, models.SensitivitySafe, res.Status)
	assert.Equal(t, ReasonSafe, res.Reason)
	assert.Empty(t, res.Flags)
}

func TestClassify_LowResolution(t *testing.T) {
	c := NewClassifier(DeterministicRules()...)

	res := c.Classify(Signal{Duration: 30, Width: 160, Height: 120, FrameRate: 30})
	assert.Contains(t, res.Flags, FlagLowResolution)
	assert.GreaterOrEqual(t, res.Score, 20)

	res = c.Classify(Signal{Duration: 3, Width: 160, Height: 120, FrameRate: 30})
	assert.Contains(t, res.Flags, FlagLowResolution)
	assert.Contains(t, res.Flags, FlagVeryShortDuration)
	assert.GreaterOrEqual(t, res.Score, 35)
	assert.Equal(t, models.SensitivitySafe, res.Status)
}

func TestClassify_RulesAreAdditive(t *testing.T) {
	c := NewClassifier(append(DeterministicRules(), NewRandomRule(fixedSource(0.1)))...)

	res := c.Classify(Signal{Duration: 2, Width: 100, Height: 100, FrameRate: 120})

	// 15 + 20 + 10 + 30
	assert.Equal(t, 75, res.Score)
	assert.Equal(t, models.SensitivityFlagged, res.Status)
	assert.Equal(t, ReasonFlagged, res.Reason)
	assert.ElementsMatch(t, []string{
		FlagVeryShortDuration, FlagLowResolution, FlagHighFrameRate, FlagAutomaticDetection,
	}, res.Flags)
}

func TestClassify_LongDurationAlone(t *testing.T) {
	res := NewClassifier(DeterministicRules()...).Classify(Signal{Duration: 7201, Width: 1920, Height: 1080, FrameRate: 30})
	assert.Equal(t, 5, res.Score)
	assert.Equal(t, []string{FlagVeryLongDuration}, res.Flags)
}

func TestClassify_ScoreIsCapped(t *testing.T) {
	big := RuleFunc(func(Signal) (int, string, bool) { return 90, "big", true })
	res := NewClassifier(big, big).Classify(Signal{})

	assert.Equal(t, MaxScore, res.Score)
	assert.Equal(t, models.SensitivityFlagged, res.Status)
}

func TestClassify_ThresholdBoundary(t *testing.T) {
	at := RuleFunc(func(Signal) (int, string, bool) { return 50, "at", true })
	below := RuleFunc(func(Signal) (int, string, bool) { return 49, "below", true })

	assert.Equal(t, models.SensitivityFlagged, NewClassifier(at).Classify(Signal{}).Status)
	assert.Equal(t, models.SensitivitySafe, NewClassifier(below).Classify(Signal{}).Status)
}

func TestRandomRule_Threshold(t *testing.T) {
	_, _, hit := NewRandomRule(fixedSource(0.19)).Evaluate(Signal{})
	assert.True(t, hit)

	_, _, hit = NewRandomRule(fixedSource(0.20)).Evaluate(Signal{})
	assert.False(t, hit)
}

func TestClassify_ScoreRangeAndStatusProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := NewClassifier(append(DeterministicRules(), NewRandomRule(rand.New(rand.NewSource(7))))...)

	for i := 0; i < 500; i++ {
		s := Signal{
			Duration:  rng.Float64() * 10000,
			Width:     rng.Intn(4000),
			Height:    rng.Intn(3000),
			FrameRate: rng.Float64() * 120,
		}
		res := c.Classify(s)
		assert.GreaterOrEqual(t, res.Score, 0)
		assert.LessOrEqual(t, res.Score, 100)
		assert.Equal(t, res.Score >= 50, res.Status == models.SensitivityFlagged)
	}
}
