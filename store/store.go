// Package store persists proposals, commit records, consumed nonces and
// prompt baselines. Two backends: MemoryStore for tests and development,
// PostgresStore for durability. Nonce insertion is the replay boundary and
// must be atomic with respect to concurrent commits.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/triage-ai/execplane/policy"
)

var (
	// ErrUnavailable classifies transient backend failures. Surfaced to
	// the caller without retry; retry policy belongs to the caller.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrDuplicate reports a primary-key conflict on insert.
	ErrDuplicate = errors.New("duplicate key")
)

// Commit record decisions.
const (
	CommitCommitted = "committed"
	CommitRejected  = "rejected"
)

// NonceStatus is the outcome of a nonce consumption attempt.
type NonceStatus string

const (
	NonceInserted      NonceStatus = "inserted"
	NonceAlreadyExists NonceStatus = "already_exists"
)

// Proposal is the record persisted at the end of propose. Immutable once
// written; its decision is final.
type Proposal struct {
	ProposalID string
	ToolName   string
	ArgsJSON   string
	PromptHash string
	// CompositeScore is nil when no risk signals were present and the
	// composite was undefined.
	CompositeScore *float64
	Decision       policy.Decision
	CreatedAt      time.Time
}

// CommitRecord is the append-only audit row written on every commit
// attempt, committed or rejected.
type CommitRecord struct {
	CommitID           string
	ProposalID         string
	TokenID            string // empty when no token was presented
	Decision           string
	VerificationReason string
	CreatedAt          time.Time
}

// Store is the pluggable persistence contract. All operations accept a
// deadline through ctx and must not leave partial state on expiry.
type Store interface {
	// PutProposal inserts a proposal; proposal_id is unique.
	PutProposal(ctx context.Context, p *Proposal) error

	// GetProposal returns the proposal or nil when absent.
	GetProposal(ctx context.Context, proposalID string) (*Proposal, error)

	// PutCommit appends a commit record.
	PutCommit(ctx context.Context, rec *CommitRecord) error

	// ConsumeNonce atomically inserts the nonce. On conflict it returns
	// NonceAlreadyExists without modifying the existing row.
	ConsumeNonce(ctx context.Context, nonce, tokenID string, expiresAt time.Time) (NonceStatus, error)

	// FinalizeCommit couples nonce consumption with the committed record:
	// both land or neither does. On replay it returns NonceAlreadyExists
	// and writes nothing.
	FinalizeCommit(ctx context.Context, nonce, tokenID string, expiresAt time.Time, rec *CommitRecord) (NonceStatus, error)

	// PurgeExpiredNonces removes nonces whose expiry is at or before now.
	// Idempotent housekeeping; returns rows removed.
	PurgeExpiredNonces(ctx context.Context, now time.Time) (int64, error)

	// GetPromptBaseline returns the stored normalized prompt hash for a
	// tool, or "" when no baseline exists.
	GetPromptBaseline(ctx context.Context, toolName string) (string, error)

	// SetPromptBaseline upserts a tool's baseline. Administrative writer;
	// the scorer only reads.
	SetPromptBaseline(ctx context.Context, toolName, promptHash string) error

	Close() error
}
