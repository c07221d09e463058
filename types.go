// Package execplane is a risk-bound execution control plane for tool
// invocations issued by model-driven agents. A proposal is scored along
// hallucination and integrity dimensions, run through a per-tool policy
// matrix, and either denied with a deterministic fallback, allowed
// immediately, or allowed against a short-lived HMAC-signed execution
// token that a separate commit step must present. Every decision is
// persisted and exported as a telemetry record.
package execplane

import (
	"errors"

	"github.com/triage-ai/execplane/risk"
	"github.com/triage-ai/execplane/store"
	"github.com/triage-ai/execplane/token"
)

// Commit verification reasons. The token codec owns the reasons for its
// own checks; the rest belong to the verifier and proposer.
const (
	ReasonOK                 = token.ReasonOK
	ReasonUnknownProposal    = "unknown_proposal"
	ReasonBlockedByPolicy    = "blocked_by_policy"
	ReasonMissingToken       = "missing_token"
	ReasonBadSignature       = token.ReasonBadSignature
	ReasonExpired            = token.ReasonExpired
	ReasonArgsHashMismatch   = token.ReasonArgsHashMismatch
	ReasonToolMismatch       = token.ReasonToolMismatch
	ReasonNonceReplay        = "nonce_replay"
	ReasonStorageUnavailable = "storage_unavailable"
)

// Fallback reasons on the blocked/review path.
const (
	FallbackReasonLowIntegrity       = "low_integrity"
	FallbackReasonNumericInstability = "numeric_instability"
	FallbackReasonPromptDrift        = "prompt_drift"
	FallbackReasonElevatedRisk       = "elevated_risk"
	FallbackReasonArgumentSchema     = "argument_schema"
)

// Proposal response statuses.
const (
	StatusAllow   = "allow"
	StatusBlocked = "blocked"
	StatusReview  = "review"
)

// ProposalRequest carries the inputs to one propose call. Optional signals
// are empty/nil when unavailable; the scorer drops them from the composite.
type ProposalRequest struct {
	ToolName string
	Args     map[string]any
	Prompt   string

	ModelAnswer       string
	SecondaryAnswer   string
	ToolResultSummary string
	RetrievedContext  string
	VerifierScore     *float64
	PromptTemplateID  string
}

// Draft is the side-effect-free draft embedded in a fallback.
type Draft struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Fallback is the deterministic response returned when policy blocks or
// requires review. Purely a function of the inputs and policy outcome —
// no clocks, randomness, or I/O enter it.
type Fallback struct {
	Status string `json:"status"` // "blocked" or "review"
	Action string `json:"action"` // always "create_draft"
	Reason string `json:"reason"`
	Draft  Draft  `json:"draft"`
}

// ProposalResponse is the outcome of a propose call.
type ProposalResponse struct {
	Status     string
	ProposalID string

	// CommitToken is set only on the ALLOW path when a token is required.
	CommitToken string

	// Fallback is set only for blocked/review outcomes.
	Fallback *Fallback

	Vector    risk.Vector
	Composite risk.Composite
}

// CommitOutcome is the result of one commit attempt. Every attempt writes
// exactly one commit record regardless of outcome.
type CommitOutcome struct {
	Committed bool
	Reason    string
	CommitID  string
}

// OutcomeReason maps an error returned by Propose or Commit onto the
// enumerated reason surface, for API layers that serialize reasons rather
// than errors. Transient backend failures report storage_unavailable; the
// caller owns retry policy.
func OutcomeReason(err error) string {
	if errors.Is(err, store.ErrUnavailable) {
		return ReasonStorageUnavailable
	}
	return ""
}
