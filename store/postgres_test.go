package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/triage-ai/execplane/policy"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, zap.NewNop()), mock
}

func TestPostgres_ConsumeNonce(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Now().Add(time.Minute)

	mock.ExpectExec("INSERT INTO nonces").
		WithArgs("n1", "t1", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := s.ConsumeNonce(context.Background(), "n1", "t1", exp)
	if err != nil {
		t.Fatal(err)
	}
	if status != NonceInserted {
		t.Fatalf("expected inserted, got %s", status)
	}

	// Conflict: ON CONFLICT DO NOTHING affects zero rows.
	mock.ExpectExec("INSERT INTO nonces").
		WithArgs("n1", "t1", exp).
		WillReturnResult(sqlmock.NewResult(0, 0))

	status, err = s.ConsumeNonce(context.Background(), "n1", "t1", exp)
	if err != nil {
		t.Fatal(err)
	}
	if status != NonceAlreadyExists {
		t.Fatalf("expected already_exists, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgres_FinalizeCommitTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Now().Add(time.Minute)
	rec := &CommitRecord{
		CommitID:           "c1",
		ProposalID:         "p1",
		TokenID:            "t1",
		Decision:           CommitCommitted,
		VerificationReason: "ok",
		CreatedAt:          time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO nonces").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commits").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, err := s.FinalizeCommit(context.Background(), "n1", "t1", exp, rec)
	if err != nil {
		t.Fatal(err)
	}
	if status != NonceInserted {
		t.Fatalf("expected inserted, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgres_FinalizeCommitReplayRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO nonces").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	status, err := s.FinalizeCommit(context.Background(), "n1", "t1", exp, &CommitRecord{CommitID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if status != NonceAlreadyExists {
		t.Fatalf("expected already_exists, got %s", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgres_GetProposalAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM proposals").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	p, err := s.GetProposal(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("expected nil for absent proposal")
	}
}

func TestPostgres_GetProposalRow(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"proposal_id", "tool_name", "args_json", "prompt_hash",
		"composite_score", "decision", "created_at",
	}).AddRow("p1", "transfer_funds", `{"amount":100}`, "hash", 0.12, "ALLOW", created)

	mock.ExpectQuery("SELECT (.+) FROM proposals").
		WithArgs("p1").
		WillReturnRows(rows)

	p, err := s.GetProposal(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Decision != policy.DecisionAllow || p.CompositeScore == nil || *p.CompositeScore != 0.12 {
		t.Fatalf("unexpected proposal %+v", p)
	}
}

func TestPostgres_PutProposalDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO proposals").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err := s.PutProposal(context.Background(), &Proposal{ProposalID: "p1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgres_TransientErrorClassified(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO proposals").
		WillReturnError(errors.New("connection refused"))

	err := s.PutProposal(context.Background(), &Proposal{ProposalID: "p1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPostgres_Baselines(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT prompt_hash FROM tool_prompt_baselines").
		WithArgs("t").
		WillReturnError(sql.ErrNoRows)

	hash, err := s.GetPromptBaseline(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Fatalf("expected empty baseline, got %s", hash)
	}

	mock.ExpectExec("INSERT INTO tool_prompt_baselines").
		WithArgs("t", "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetPromptBaseline(context.Background(), "t", "h1"); err != nil {
		t.Fatal(err)
	}
}
