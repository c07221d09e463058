package policy

import (
	"testing"

	"github.com/triage-ai/execplane/risk"
)

func defined(score float64) risk.Composite {
	return risk.Composite{Defined: true, Score: score}
}

func TestDecide_Matrix(t *testing.T) {
	e := NewEngine(Config{})

	cases := []struct {
		name        string
		criticality Criticality
		composite   risk.Composite
		want        Decision
		wantToken   bool
	}{
		{"high block at threshold", CriticalityHigh, defined(0.35), DecisionBlock, false},
		{"high block above", CriticalityHigh, defined(0.80), DecisionBlock, false},
		{"high review at threshold", CriticalityHigh, defined(0.20), DecisionReview, false},
		{"high review below block", CriticalityHigh, defined(0.34), DecisionReview, false},
		{"high allow", CriticalityHigh, defined(0.10), DecisionAllow, true},
		{"high unscored reviews", CriticalityHigh, risk.Composite{}, DecisionReview, false},
		{"medium review at threshold", CriticalityMedium, defined(0.50), DecisionReview, false},
		{"medium allow below threshold", CriticalityMedium, defined(0.42), DecisionAllow, false},
		{"medium unscored allows", CriticalityMedium, risk.Composite{}, DecisionAllow, false},
		{"low always allows", CriticalityLow, defined(0.99), DecisionAllow, false},
		{"low unscored allows", CriticalityLow, risk.Composite{}, DecisionAllow, false},
	}

	for _, c := range cases {
		res := e.Decide(c.criticality, false, c.composite)
		if res.Decision != c.want {
			t.Fatalf("%s: decision = %s, want %s", c.name, res.Decision, c.want)
		}
		if res.TokenRequired != c.wantToken {
			t.Fatalf("%s: tokenRequired = %v, want %v", c.name, res.TokenRequired, c.wantToken)
		}
	}
}

func TestDecide_PerToolTokenOverride(t *testing.T) {
	e := NewEngine(Config{})

	res := e.Decide(CriticalityMedium, true, defined(0.10))
	if res.Decision != DecisionAllow || !res.TokenRequired {
		t.Fatalf("expected allow with token under override, got %+v", res)
	}

	// Override never forces tokens onto non-allow outcomes.
	res = e.Decide(CriticalityMedium, true, defined(0.60))
	if res.Decision != DecisionReview || res.TokenRequired {
		t.Fatalf("review must not carry a token, got %+v", res)
	}
}

func TestDecide_ConfigurableMediumThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MediumReview = 0.40
	e := NewEngine(cfg)

	res := e.Decide(CriticalityMedium, false, defined(0.42))
	if res.Decision != DecisionReview {
		t.Fatalf("expected review at 0.42 with lowered threshold, got %s", res.Decision)
	}
}

func TestDecide_ReasonsCarryPolicyIdentity(t *testing.T) {
	e := NewEngine(Config{})
	res := e.Decide(CriticalityHigh, false, defined(0.90))
	if res.PolicyID == "" || res.PolicyVersion == "" {
		t.Fatal("expected policy identity on result")
	}
	if res.Reason != "high_criticality_block_threshold" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}
