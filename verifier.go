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
	"github.com/triage-ai/execplane/store"
	"github.com/triage-ai/execplane/telemetry"
	"github.com/triage-ai/execplane/token"
)

// Verifier validates commit requests: proposal existence and decision,
// token signature/expiry/bindings, and nonce replay. It authorizes; it
// never executes the tool itself.
type Verifier struct {
	registry *registry.Registry
	codec    *token.Codec
	store    store.Store
	writer   telemetry.Writer
	logger   *zap.Logger
	now      func() time.Time
}

// Commit runs the second phase. Exactly one commit record is written per
// attempt; nonce consumption is atomic with the committed record, so for
// any token at most one caller ever sees committed=true.
func (v *Verifier) Commit(ctx context.Context, proposalID, tokenBlob string, args map[string]any) (*CommitOutcome, error) {
	start := time.Now()

	proposal, err := v.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	if proposal == nil {
		return v.reject(ctx, rejection{proposalID: proposalID, reason: ReasonUnknownProposal, start: start})
	}
	if proposal.Decision != policy.DecisionAllow {
		return v.reject(ctx, rejection{proposal: proposal, reason: ReasonBlockedByPolicy, start: start})
	}

	// The profile registry is immutable for the process lifetime, so the
	// token requirement re-derives deterministically at commit time.
	profile := v.registry.Resolve(proposal.ToolName)
	tokenRequired := profile.Criticality == policy.CriticalityHigh || profile.RequireToken
	if tokenRequired && tokenBlob == "" {
		return v.reject(ctx, rejection{proposal: proposal, reason: ReasonMissingToken, start: start})
	}

	argsHash, err := hashing.CanonicalArgsHash(args)
	if err != nil {
		return v.reject(ctx, rejection{proposal: proposal, reason: ReasonArgsHashMismatch, start: start})
	}

	if tokenBlob == "" {
		return v.commitWithoutToken(ctx, proposal, argsHash, start)
	}

	result := v.codec.Verify(tokenBlob, proposal.ToolName, argsHash)
	if !result.OK {
		rej := rejection{proposal: proposal, reason: result.Reason, start: start}
		if result.Payload != nil {
			rej.tokenID = result.Payload.TokenID
		}
		return v.reject(ctx, rej)
	}
	if result.Payload.ProposalID != proposalID {
		return v.reject(ctx, rejection{proposal: proposal, tokenID: result.Payload.TokenID, reason: ReasonUnknownProposal, start: start})
	}

	rec := &store.CommitRecord{
		CommitID:           uuid.NewString(),
		ProposalID:         proposalID,
		TokenID:            result.Payload.TokenID,
		Decision:           store.CommitCommitted,
		VerificationReason: ReasonOK,
		CreatedAt:          v.now().UTC(),
	}
	status, err := v.store.FinalizeCommit(ctx, result.Payload.Nonce, result.Payload.TokenID, result.Payload.ExpiresAtTime(), rec)
	if err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	if status == store.NonceAlreadyExists {
		return v.reject(ctx, rejection{proposal: proposal, tokenID: result.Payload.TokenID, reason: ReasonNonceReplay, start: start})
	}

	v.emitCommit(proposal, rec, start)
	return &CommitOutcome{Committed: true, Reason: ReasonOK, CommitID: rec.CommitID}, nil
}

// commitWithoutToken handles proposals allowed without a token. Args stay
// bound: the presented args must hash to the proposal's stored args.
func (v *Verifier) commitWithoutToken(ctx context.Context, proposal *store.Proposal, argsHash string, start time.Time) (*CommitOutcome, error) {
	storedHash, err := hashing.ArgsJSONHash([]byte(proposal.ArgsJSON))
	if err != nil || storedHash != argsHash {
		return v.reject(ctx, rejection{proposal: proposal, reason: ReasonArgsHashMismatch, start: start})
	}

	rec := &store.CommitRecord{
		CommitID:           uuid.NewString(),
		ProposalID:         proposal.ProposalID,
		Decision:           store.CommitCommitted,
		VerificationReason: ReasonOK,
		CreatedAt:          v.now().UTC(),
	}
	if err := v.store.PutCommit(ctx, rec); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	v.emitCommit(proposal, rec, start)
	return &CommitOutcome{Committed: true, Reason: ReasonOK, CommitID: rec.CommitID}, nil
}

type rejection struct {
	proposal   *store.Proposal
	proposalID string
	tokenID    string
	reason     string
	start      time.Time
}

// reject writes the rejected commit record before returning, preserving
// the one-record-per-attempt audit trail.
func (v *Verifier) reject(ctx context.Context, rej rejection) (*CommitOutcome, error) {
	proposalID := rej.proposalID
	toolName := ""
	if rej.proposal != nil {
		proposalID = rej.proposal.ProposalID
		toolName = rej.proposal.ToolName
	}

	rec := &store.CommitRecord{
		CommitID:           uuid.NewString(),
		ProposalID:         proposalID,
		TokenID:            rej.tokenID,
		Decision:           store.CommitRejected,
		VerificationReason: rej.reason,
		CreatedAt:          v.now().UTC(),
	}
	if err := v.store.PutCommit(ctx, rec); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	v.logger.Info("commit rejected",
		zap.String("proposal_id", proposalID),
		zap.String("tool_name", toolName),
		zap.String("reason", rej.reason),
	)
	v.emit(&telemetry.DecisionEvent{
		EventID:    uuid.NewString(),
		Kind:       telemetry.KindCommit,
		Timestamp:  v.now().UTC(),
		ProposalID: proposalID,
		ToolName:   toolName,
		Decision:   store.CommitRejected,
		Reason:     rej.reason,
		TokenID:    rej.tokenID,
		CommitID:   rec.CommitID,
		LatencyMs:  float64(time.Since(rej.start).Microseconds()) / 1000.0,
	})

	return &CommitOutcome{Committed: false, Reason: rej.reason, CommitID: rec.CommitID}, nil
}

func (v *Verifier) emitCommit(proposal *store.Proposal, rec *store.CommitRecord, start time.Time) {
	v.emit(&telemetry.DecisionEvent{
		EventID:        uuid.NewString(),
		Kind:           telemetry.KindCommit,
		Timestamp:      v.now().UTC(),
		ProposalID:     proposal.ProposalID,
		ToolName:       proposal.ToolName,
		Decision:       store.CommitCommitted,
		Reason:         ReasonOK,
		CompositeScore: proposal.CompositeScore,
		TokenID:        rec.TokenID,
		CommitID:       rec.CommitID,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

func (v *Verifier) emit(event *telemetry.DecisionEvent) {
	if v.writer != nil {
		v.writer.Write(event)
	}
}
