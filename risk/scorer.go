// Package risk computes per-proposal hallucination and integrity risk
// signals and their renormalized weighted composite. All signal values live
// in [0,1]; a nil component means the signal was unavailable and is dropped
// from both the numerator and denominator of the composite.
package risk

// Component identifies a single risk dimension.
type Component string

const (
	ComponentGrounding          Component = "grounding"
	ComponentSelfConsistency    Component = "self_consistency"
	ComponentVerifier           Component = "verifier"
	ComponentNumericInstability Component = "numeric_instability"
	ComponentToolMismatch       Component = "tool_mismatch"
	ComponentDrift              Component = "drift"
)

// Level buckets a composite score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Signals are the loosely typed optional inputs to a scoring pass.
// Empty strings and nil pointers mean the signal is unavailable.
type Signals struct {
	Answer            string
	SecondaryAnswer   string
	RetrievedContext  string
	ToolResultSummary string
	VerifierScore     *float64

	// NormalizedPromptHash and BaselineHash feed the drift signal.
	// An empty BaselineHash means no baseline is stored for the tool.
	NormalizedPromptHash string
	BaselineHash         string
}

// Vector holds the per-component risks for one proposal. Nil means the
// component's inputs were unavailable.
type Vector struct {
	Grounding          *float64
	SelfConsistency    *float64
	Verifier           *float64
	NumericInstability *float64
	ToolMismatch       *float64
	Drift              *float64
}

// Composite is the renormalized weighted mean over present components.
// Defined is false when no components were present at all.
type Composite struct {
	Defined bool
	Score   float64
	Level   Level
}

// Weights for the composite. Renormalization over present components means
// they need not sum to 1.
type Weights struct {
	Grounding          float64
	SelfConsistency    float64
	Verifier           float64
	NumericInstability float64
	ToolMismatch       float64
	Drift              float64
}

// DefaultWeights returns the fixed production weights.
func DefaultWeights() Weights {
	return Weights{
		Grounding:          0.30,
		SelfConsistency:    0.25,
		Verifier:           0.25,
		NumericInstability: 0.10,
		ToolMismatch:       0.10,
		Drift:              0.10,
	}
}

// Thresholds are the level cutoffs: score < Low is low, < Medium is medium,
// anything else is high.
type Thresholds struct {
	Low    float64
	Medium float64
}

// DefaultThresholds returns the fixed level cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.20, Medium: 0.35}
}

// Scorer computes risk vectors and composites. Stateless and safe for
// concurrent use.
type Scorer struct {
	weights    Weights
	thresholds Thresholds
}

// NewScorer builds a scorer. Zero-valued weights or thresholds fall back to
// the defaults.
func NewScorer(weights Weights, thresholds Thresholds) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Scorer{weights: weights, thresholds: thresholds}
}

// Score computes the risk vector and composite for one proposal.
func (s *Scorer) Score(sig Signals) (Vector, Composite) {
	v := Vector{
		Grounding:          GroundingRisk(sig.Answer, sig.RetrievedContext),
		SelfConsistency:    SelfConsistencyRisk(sig.Answer, sig.SecondaryAnswer),
		Verifier:           VerifierRisk(sig.VerifierScore),
		NumericInstability: NumericInstabilityRisk(sig.Answer, sig.SecondaryAnswer),
		ToolMismatch:       ToolMismatchRisk(sig.Answer, sig.ToolResultSummary),
		Drift:              DriftRisk(sig.BaselineHash, sig.NormalizedPromptHash),
	}
	return v, s.Composite(v)
}

// Composite folds a vector into its renormalized weighted mean. Absent
// components drop out of both numerator and denominator; with no components
// present the composite is undefined.
func (s *Scorer) Composite(v Vector) Composite {
	weightedSum := 0.0
	totalWeight := 0.0
	for _, c := range s.contributions(v) {
		weightedSum += clamp01(c.value) * c.weight
		totalWeight += c.weight
	}
	if totalWeight <= 0 {
		return Composite{Defined: false}
	}
	score := clamp01(weightedSum / totalWeight)
	return Composite{Defined: true, Score: score, Level: s.LevelOf(score)}
}

// LevelOf buckets a score against the configured thresholds.
func (s *Scorer) LevelOf(score float64) Level {
	switch {
	case score < s.thresholds.Low:
		return LevelLow
	case score < s.thresholds.Medium:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Dominant returns the present component with the largest weighted
// contribution, or false when the vector is empty.
func (s *Scorer) Dominant(v Vector) (Component, bool) {
	var (
		best     Component
		bestVal  = -1.0
		anyFound bool
	)
	for _, c := range s.contributions(v) {
		contrib := clamp01(c.value) * c.weight
		if contrib > bestVal {
			bestVal = contrib
			best = c.component
			anyFound = true
		}
	}
	return best, anyFound
}

type contribution struct {
	component Component
	value     float64
	weight    float64
}

func (s *Scorer) contributions(v Vector) []contribution {
	var out []contribution
	add := func(c Component, val *float64, w float64) {
		if val != nil {
			out = append(out, contribution{component: c, value: *val, weight: w})
		}
	}
	add(ComponentGrounding, v.Grounding, s.weights.Grounding)
	add(ComponentSelfConsistency, v.SelfConsistency, s.weights.SelfConsistency)
	add(ComponentVerifier, v.Verifier, s.weights.Verifier)
	add(ComponentNumericInstability, v.NumericInstability, s.weights.NumericInstability)
	add(ComponentToolMismatch, v.ToolMismatch, s.weights.ToolMismatch)
	add(ComponentDrift, v.Drift, s.weights.Drift)
	return out
}
