package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/triage-ai/execplane/policy"
)

const pgUniqueViolation = "23505"

// PostgresStore is the durable backend. Replay protection relies on the
// nonces primary key; READ COMMITTED is sufficient given the UNIQUE
// constraint.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// OpenPostgres opens a pooled connection with production settings and
// verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("OpenPostgres", err)
	}
	return NewPostgresStore(db, logger), nil
}

// EnsureSchema creates the proposal/commit tables when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS proposals (
			proposal_id     TEXT PRIMARY KEY,
			tool_name       TEXT NOT NULL,
			args_json       TEXT NOT NULL,
			prompt_hash     TEXT NOT NULL,
			composite_score REAL,
			decision        TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS commits (
			commit_id           TEXT PRIMARY KEY,
			proposal_id         TEXT NOT NULL,
			token_id            TEXT,
			decision            TEXT NOT NULL,
			verification_reason TEXT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS nonces (
			nonce      TEXT PRIMARY KEY,
			token_id   TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tool_prompt_baselines (
			tool_name   TEXT PRIMARY KEY,
			prompt_hash TEXT NOT NULL
		);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return unavailable("EnsureSchema", err)
	}
	return nil
}

func (s *PostgresStore) PutProposal(ctx context.Context, p *Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, tool_name, args_json, prompt_hash, composite_score, decision, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ProposalID, p.ToolName, p.ArgsJSON, p.PromptHash,
		nullableFloat(p.CompositeScore), string(p.Decision), p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("PutProposal: %w: %s", ErrDuplicate, p.ProposalID)
		}
		return unavailable("PutProposal", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, tool_name, args_json, prompt_hash, composite_score, decision, created_at
		FROM proposals
		WHERE proposal_id = $1
	`, proposalID)

	var (
		p        Proposal
		score    sql.NullFloat64
		decision string
	)
	if err := row.Scan(&p.ProposalID, &p.ToolName, &p.ArgsJSON, &p.PromptHash, &score, &decision, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("GetProposal", err)
	}
	if score.Valid {
		p.CompositeScore = &score.Float64
	}
	p.Decision = policy.Decision(decision)
	return &p, nil
}

func (s *PostgresStore) PutCommit(ctx context.Context, rec *CommitRecord) error {
	if err := s.execPutCommit(ctx, s.db, rec); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) execPutCommit(ctx context.Context, ex execer, rec *CommitRecord) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO commits (commit_id, proposal_id, token_id, decision, verification_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.CommitID, rec.ProposalID, nullableString(rec.TokenID),
		rec.Decision, rec.VerificationReason, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("PutCommit: %w: %s", ErrDuplicate, rec.CommitID)
		}
		return unavailable("PutCommit", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeNonce(ctx context.Context, nonce, tokenID string, expiresAt time.Time) (NonceStatus, error) {
	return s.execConsumeNonce(ctx, s.db, nonce, tokenID, expiresAt)
}

// execConsumeNonce is the replay boundary: the primary key makes the insert
// race-free, ON CONFLICT DO NOTHING leaves the winning row untouched.
func (s *PostgresStore) execConsumeNonce(ctx context.Context, ex execer, nonce, tokenID string, expiresAt time.Time) (NonceStatus, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO nonces (nonce, token_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, tokenID, expiresAt)
	if err != nil {
		return "", unavailable("ConsumeNonce", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", unavailable("ConsumeNonce", err)
	}
	if n == 0 {
		return NonceAlreadyExists, nil
	}
	return NonceInserted, nil
}

func (s *PostgresStore) FinalizeCommit(ctx context.Context, nonce, tokenID string, expiresAt time.Time, rec *CommitRecord) (NonceStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("FinalizeCommit", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := s.execConsumeNonce(ctx, tx, nonce, tokenID, expiresAt)
	if err != nil {
		return "", err
	}
	if status == NonceAlreadyExists {
		return NonceAlreadyExists, nil
	}
	if err := s.execPutCommit(ctx, tx, rec); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", unavailable("FinalizeCommit", err)
	}
	return NonceInserted, nil
}

func (s *PostgresStore) PurgeExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, unavailable("PurgeExpiredNonces", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("PurgeExpiredNonces", err)
	}
	return n, nil
}

func (s *PostgresStore) GetPromptBaseline(ctx context.Context, toolName string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt_hash FROM tool_prompt_baselines WHERE tool_name = $1
	`, toolName).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("GetPromptBaseline", err)
	}
	return hash, nil
}

func (s *PostgresStore) SetPromptBaseline(ctx context.Context, toolName, promptHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_prompt_baselines (tool_name, prompt_hash)
		VALUES ($1, $2)
		ON CONFLICT (tool_name) DO UPDATE SET prompt_hash = EXCLUDED.prompt_hash
	`, toolName, promptHash)
	if err != nil {
		return unavailable("SetPromptBaseline", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
