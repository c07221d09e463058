package execplane

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/execplane/hashing"
	"github.com/triage-ai/execplane/policy"
	"github.com/triage-ai/execplane/registry"
	"github.com/triage-ai/execplane/risk"
	"github.com/triage-ai/execplane/store"
	"github.com/triage-ai/execplane/telemetry"
	"github.com/triage-ai/execplane/token"
)

// Proposer orchestrates scoring, policy evaluation, token issue and
// proposal persistence for the first phase of a tool invocation.
type Proposer struct {
	registry  *registry.Registry
	scorer    *risk.Scorer
	engine    *policy.Engine
	codec     *token.Codec
	store     store.Store
	baselines *baselineCache
	writer    telemetry.Writer
	logger    *zap.Logger
	tokenTTL  time.Duration
	now       func() time.Time
}

// Propose runs the proposal phase. No tool side effects happen here: the
// outcome is a persisted decision plus either a commit token, a bare allow,
// or a deterministic fallback.
func (p *Proposer) Propose(ctx context.Context, req ProposalRequest) (*ProposalResponse, error) {
	start := time.Now()

	profile := p.registry.Resolve(req.ToolName)

	argsCanonical, err := hashing.CanonicalJSON(req.Args)
	if err != nil {
		return nil, fmt.Errorf("Propose: args not JSON-representable: %w", err)
	}
	argsHash := hashing.SHA256Hex(string(argsCanonical))
	promptHash := hashing.PromptHash(req.Prompt)
	normalizedHash := hashing.NormalizedPromptHash(req.Prompt)

	// Argument gate: schema violations and PII/injection content hits
	// never reach scoring.
	if err := profile.ValidateArgs(req.Args); err != nil {
		p.logger.Warn("argument rejection",
			zap.String("tool_name", req.ToolName),
			zap.Error(err),
		)
		return p.finishDenied(ctx, denied{
			req:        req,
			status:     StatusBlocked,
			decision:   policy.DecisionBlock,
			reason:     FallbackReasonArgumentSchema,
			argsJSON:   string(argsCanonical),
			argsHash:   argsHash,
			promptHash: promptHash,
			start:      start,
		})
	}

	baseline, err := p.baselines.Get(ctx, req.ToolName)
	if err != nil {
		return nil, fmt.Errorf("Propose: %w", err)
	}

	vector, composite := p.scorer.Score(risk.Signals{
		Answer:               req.ModelAnswer,
		SecondaryAnswer:      req.SecondaryAnswer,
		RetrievedContext:     req.RetrievedContext,
		ToolResultSummary:    req.ToolResultSummary,
		VerifierScore:        req.VerifierScore,
		NormalizedPromptHash: normalizedHash,
		BaselineHash:         baseline,
	})

	result := p.engine.Decide(profile.Criticality, profile.RequireToken, composite)

	if result.Decision != policy.DecisionAllow {
		status := StatusBlocked
		if result.Decision == policy.DecisionReview {
			status = StatusReview
		}
		return p.finishDenied(ctx, denied{
			req:        req,
			status:     status,
			decision:   result.Decision,
			reason:     p.fallbackReason(vector),
			argsJSON:   string(argsCanonical),
			argsHash:   argsHash,
			promptHash: promptHash,
			vector:     vector,
			composite:  composite,
			start:      start,
		})
	}

	proposalID := uuid.NewString()
	proposal := &store.Proposal{
		ProposalID:     proposalID,
		ToolName:       req.ToolName,
		ArgsJSON:       string(argsCanonical),
		PromptHash:     promptHash,
		CompositeScore: compositeScorePtr(composite),
		Decision:       policy.DecisionAllow,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.store.PutProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("Propose: %w", err)
	}

	resp := &ProposalResponse{
		Status:     StatusAllow,
		ProposalID: proposalID,
		Vector:     vector,
		Composite:  composite,
	}

	var tokenID string
	if result.TokenRequired {
		issued, err := p.codec.Issue(proposalID, req.ToolName, argsHash, composite.Score, p.tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("Propose: %w", err)
		}
		resp.CommitToken = issued.Blob
		tokenID = issued.Payload.TokenID
	}

	p.emit(&telemetry.DecisionEvent{
		EventID:        uuid.NewString(),
		Kind:           telemetry.KindPropose,
		Timestamp:      p.now().UTC(),
		ProposalID:     proposalID,
		ToolName:       req.ToolName,
		ArgsHash:       argsHash,
		PromptHash:     promptHash,
		Decision:       string(policy.DecisionAllow),
		Reason:         result.Reason,
		CompositeScore: compositeScorePtr(composite),
		RiskLevel:      string(composite.Level),
		TokenIssued:    tokenID != "",
		TokenID:        tokenID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000.0,
	})

	return resp, nil
}

type denied struct {
	req        ProposalRequest
	status     string
	decision   policy.Decision
	reason     string
	argsJSON   string
	argsHash   string
	promptHash string
	vector     risk.Vector
	composite  risk.Composite
	start      time.Time
}

// finishDenied persists the non-allow proposal and builds its fallback.
// The fallback is a pure function of (tool, args, status, reason): no
// clocks, randomness or I/O feed it, so audits can reproduce it.
func (p *Proposer) finishDenied(ctx context.Context, d denied) (*ProposalResponse, error) {
	proposalID := uuid.NewString()
	proposal := &store.Proposal{
		ProposalID:     proposalID,
		ToolName:       d.req.ToolName,
		ArgsJSON:       d.argsJSON,
		PromptHash:     d.promptHash,
		CompositeScore: compositeScorePtr(d.composite),
		Decision:       d.decision,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.store.PutProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("Propose: %w", err)
	}

	p.emit(&telemetry.DecisionEvent{
		EventID:        uuid.NewString(),
		Kind:           telemetry.KindPropose,
		Timestamp:      p.now().UTC(),
		ProposalID:     proposalID,
		ToolName:       d.req.ToolName,
		ArgsHash:       d.argsHash,
		PromptHash:     d.promptHash,
		Decision:       string(d.decision),
		Reason:         d.reason,
		CompositeScore: compositeScorePtr(d.composite),
		RiskLevel:      string(d.composite.Level),
		LatencyMs:      float64(time.Since(d.start).Microseconds()) / 1000.0,
	})

	return &ProposalResponse{
		Status:     d.status,
		ProposalID: proposalID,
		Fallback: &Fallback{
			Status: d.status,
			Action: "create_draft",
			Reason: d.reason,
			Draft: Draft{
				Tool: d.req.ToolName,
				Args: d.req.Args,
			},
		},
		Vector:    d.vector,
		Composite: d.composite,
	}, nil
}

// fallbackReason names the dominant risk component. The integrity family
// (grounding, self-consistency, verifier, tool mismatch) reports
// low_integrity; numeric and drift report their own reasons.
func (p *Proposer) fallbackReason(vector risk.Vector) string {
	dominant, ok := p.scorer.Dominant(vector)
	if !ok {
		return FallbackReasonElevatedRisk
	}
	switch dominant {
	case risk.ComponentNumericInstability:
		return FallbackReasonNumericInstability
	case risk.ComponentDrift:
		return FallbackReasonPromptDrift
	default:
		return FallbackReasonLowIntegrity
	}
}

func (p *Proposer) emit(event *telemetry.DecisionEvent) {
	if p.writer != nil {
		p.writer.Write(event)
	}
}

func compositeScorePtr(c risk.Composite) *float64 {
	if !c.Defined {
		return nil
	}
	score := c.Score
	return &score
}
