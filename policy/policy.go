// Package policy maps a tool's criticality and a composite risk score to an
// execution decision and a token requirement.
package policy

import "github.com/triage-ai/execplane/risk"

// Decision is the policy outcome for a proposed tool call.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Criticality is the configured blast-radius class of a tool.
type Criticality string

const (
	CriticalityLow    Criticality = "LOW"
	CriticalityMedium Criticality = "MEDIUM"
	CriticalityHigh   Criticality = "HIGH"
)

// Config holds the matrix thresholds. Boundaries are closed on the upper
// side: a score equal to a threshold takes the stricter branch.
type Config struct {
	PolicyID      string
	PolicyVersion string
	HighBlock     float64 // HIGH: score >= HighBlock -> BLOCK
	HighReview    float64 // HIGH: score >= HighReview -> REVIEW
	MediumReview  float64 // MEDIUM: score >= MediumReview -> REVIEW
}

// DefaultConfig returns the production policy matrix.
func DefaultConfig() Config {
	return Config{
		PolicyID:      "risk-bound-exec",
		PolicyVersion: "1.0.0",
		HighBlock:     0.35,
		HighReview:    0.20,
		MediumReview:  0.50,
	}
}

// Result is one evaluated policy outcome.
type Result struct {
	Decision      Decision
	Reason        string
	PolicyID      string
	PolicyVersion string
	TokenRequired bool
}

// Engine evaluates the policy matrix. Stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine; a zero config falls back to DefaultConfig.
func NewEngine(cfg Config) *Engine {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// Decide applies the matrix. An undefined composite (no risk signals
// present) reviews HIGH tools and allows the rest; tokens are only required
// on the HIGH allow path, or when the profile forces RequireToken.
func (e *Engine) Decide(criticality Criticality, requireToken bool, composite risk.Composite) Result {
	cfg := e.cfg

	if !composite.Defined {
		if criticality == CriticalityHigh {
			return e.result(DecisionReview, "high_criticality_unscored", false)
		}
		return e.result(DecisionAllow, "unscored_allow", requireToken)
	}

	s := composite.Score
	switch criticality {
	case CriticalityHigh:
		if s >= cfg.HighBlock {
			return e.result(DecisionBlock, "high_criticality_block_threshold", false)
		}
		if s >= cfg.HighReview {
			return e.result(DecisionReview, "high_criticality_review_threshold", false)
		}
		return e.result(DecisionAllow, "high_criticality_allow", true)
	case CriticalityMedium:
		if s >= cfg.MediumReview {
			return e.result(DecisionReview, "medium_criticality_review_threshold", false)
		}
		return e.result(DecisionAllow, "medium_criticality_allow", requireToken)
	default:
		return e.result(DecisionAllow, "low_criticality_allow", requireToken)
	}
}

func (e *Engine) result(d Decision, reason string, tokenRequired bool) Result {
	// REVIEW and BLOCK never issue tokens.
	if d != DecisionAllow {
		tokenRequired = false
	}
	return Result{
		Decision:      d,
		Reason:        reason,
		PolicyID:      e.cfg.PolicyID,
		PolicyVersion: e.cfg.PolicyVersion,
		TokenRequired: tokenRequired,
	}
}
