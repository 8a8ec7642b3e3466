// Package sensitivity scores videos with a heuristic risk model. The random
// rule stands in for a real content classifier and can be swapped out.
package sensitivity

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/vidstream/internal/models"
)

// FlagThreshold is the lowest score that marks a video flagged
const FlagThreshold = 50

// MaxScore caps the summed rule points
const MaxScore = 100

const (
	ReasonFlagged = "Content flagged by automated sensitivity analysis"
	ReasonSafe    = "No sensitive content detected"
)

// Flag tokens
const (
	FlagVeryShortDuration  = "very_short_duration"
	FlagVeryLongDuration   = "very_long_duration"
	FlagLowResolution      = "low_resolution"
	FlagHighFrameRate      = "high_frame_rate"
	FlagAutomaticDetection = "automatic_detection"
)

// Signal is the input the classifier scores
type Signal struct {
	Duration  float64
	Width     int
	Height    int
	FrameRate float64
}

// Result is the classifier's verdict
type Result struct {
	Status models.SensitivityStatus
	Score  int
	Reason string
	Flags  []string
}

// Details converts the result into the persisted form
func (r Result) Details() *models.SensitivityDetails {
	return &models.SensitivityDetails{
		Score:  r.Score,
		Reason: r.Reason,
		Flags:  append([]string(nil), r.Flags...),
	}
}

// Rule contributes points and a flag when it matches a signal
type Rule interface {
	Evaluate(s Signal) (points int, flag string, hit bool)
}

// RuleFunc adapts a function to Rule
type RuleFunc func(s Signal) (int, string, bool)

func (f RuleFunc) Evaluate(s Signal) (int, string, bool) { return f(s) }

// ShortDuration matches videos under 5 seconds
var ShortDuration = RuleFunc(func(s Signal) (int, string, bool) {
	return 15, FlagVeryShortDuration, s.Duration < 5
})

// LongDuration matches videos over two hours
var LongDuration = RuleFunc(func(s Signal) (int, string, bool) {
	return 5, FlagVeryLongDuration, s.Duration > 7200
})

// LowResolution matches frames narrower than 320 or shorter than 240
var LowResolution = RuleFunc(func(s Signal) (int, string, bool) {
	return 20, FlagLowResolution, s.Width < 320 || s.Height < 240
})

// HighFrameRate matches anything above 60fps
var HighFrameRate = RuleFunc(func(s Signal) (int, string, bool) {
	return 10, FlagHighFrameRate, s.FrameRate > 60
})

// Float64Source yields values in [0,1)
type Float64Source interface {
	Float64() float64
}

// RandomRule flags a fixed fraction of videos at random. It is
// non-deterministic unless built over a seeded source.
type RandomRule struct {
	mu          sync.Mutex
	source      Float64Source
	Probability float64
	Points      int
}

// NewRandomRule builds the placeholder rule over source. A nil source is
// seeded from the clock.
func NewRandomRule(source Float64Source) *RandomRule {
	if source == nil {
		source = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomRule{source: source, Probability: 0.20, Points: 30}
}

func (r *RandomRule) Evaluate(Signal) (int, string, bool) {
	r.mu.Lock()
	draw := r.source.Float64()
	r.mu.Unlock()
	return r.Points, FlagAutomaticDetection, draw < r.Probability
}

// DeterministicRules are the rules that depend only on the signal
func DeterministicRules() []Rule {
	return []Rule{ShortDuration, LongDuration, LowResolution, HighFrameRate}
}

// Classifier sums rule points into a verdict
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over the given rules
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

// NewDefaultClassifier uses the deterministic rules plus a clock-seeded random rule
func NewDefaultClassifier() *Classifier {
	return NewClassifier(append(DeterministicRules(), NewRandomRule(nil))...)
}

// Classify scores the signal. Every rule is evaluated.
func (c *Classifier) Classify(s Signal) Result {
	total := 0
	var flags []string
	for _, rule := range c.rules {
		points, flag, hit := rule.Evaluate(s)
		if !hit {
			continue
		}
		total += points
		flags = append(flags, flag)
	}
	sort.Strings(flags)

	score := total
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}

	if score >= FlagThreshold {
		return Result{Status: models.SensitivityFlagged, Score: score, Reason: ReasonFlagged, Flags: flags}
	}
	return Result{Status: models.SensitivitySafe, Score: score, Reason: ReasonSafe, Flags: flags}
}
