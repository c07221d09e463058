package execplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/execplane/hashing"
	"github.com/triage-ai/execplane/policy"
	"github.com/triage-ai/execplane/registry"
	"github.com/triage-ai/execplane/risk"
	"github.com/triage-ai/execplane/store"
	"github.com/triage-ai/execplane/telemetry"
	"github.com/triage-ai/execplane/token"
)

// ControlPlane wires the proposer and verifier over shared configuration,
// one registry, one store and one telemetry writer. The registry is
// process-wide state with an explicit init boundary: profiles are
// registered before traffic and immutable afterwards.
type ControlPlane struct {
	cfg      Config
	registry *registry.Registry
	proposer *Proposer
	verifier *Verifier
	store    store.Store
	writer   telemetry.Writer
	logger   *zap.Logger

	janitorDone chan struct{}
}

// New builds a control plane from configuration, opening the selected
// store backend and telemetry writer.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*ControlPlane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var st store.Store
	switch {
	case cfg.StoreBackend == BackendMemory:
		st = store.NewMemoryStore()
	case strings.HasPrefix(cfg.StoreBackend, backendPostgresPrefix):
		dsn := strings.TrimPrefix(cfg.StoreBackend, backendPostgresPrefix)
		pg, err := store.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		st = pg
	default:
		return nil, fmt.Errorf("New: unknown store backend %q", cfg.StoreBackend)
	}

	var writer telemetry.Writer
	if cfg.ClickHouseDSN != "" {
		chWriter, err := telemetry.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = telemetry.NewLogWriter(logger)
		} else {
			writer = chWriter
		}
	} else {
		writer = telemetry.NewLogWriter(logger)
	}

	return NewWithBackends(cfg, st, writer, logger)
}

// NewWithBackends builds a control plane over caller-provided backends.
// The caller keeps ownership of nothing: Close tears both down.
func NewWithBackends(cfg Config, st store.Store, writer telemetry.Writer, logger *zap.Logger) (*ControlPlane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewWithBackends: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := token.NewCodec(cfg.SigningSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("NewWithBackends: %w", err)
	}

	reg := registry.New()
	scorer := risk.NewScorer(cfg.RiskWeights, cfg.RiskThresholds)
	engine := policy.NewEngine(cfg.Policy)
	baselines := newBaselineCache(st, cfg.BaselineCacheTTL, logger)

	cp := &ControlPlane{
		cfg:      cfg,
		registry: reg,
		store:    st,
		writer:   writer,
		logger:   logger,
	}
	cp.proposer = &Proposer{
		registry:  reg,
		scorer:    scorer,
		engine:    engine,
		codec:     codec,
		store:     st,
		baselines: baselines,
		writer:    writer,
		logger:    logger,
		tokenTTL:  cfg.TokenTTL,
		now:       time.Now,
	}
	cp.verifier = &Verifier{
		registry: reg,
		codec:    codec,
		store:    st,
		writer:   writer,
		logger:   logger,
		now:      time.Now,
	}
	return cp, nil
}

// RegisterTool adds or replaces a tool profile. Registration belongs to
// startup; the policy engine consults profiles on every proposal.
func (cp *ControlPlane) RegisterTool(profile registry.ToolProfile) error {
	return cp.registry.Register(profile)
}

// Registry exposes the profile registry for introspection.
func (cp *ControlPlane) Registry() *registry.Registry {
	return cp.registry
}

// Propose runs the proposal phase for one tool invocation.
func (cp *ControlPlane) Propose(ctx context.Context, req ProposalRequest) (*ProposalResponse, error) {
	return cp.proposer.Propose(ctx, req)
}

// Commit runs the commit phase. tokenBlob may be empty for proposals that
// were allowed without a token.
func (cp *ControlPlane) Commit(ctx context.Context, proposalID, tokenBlob string, args map[string]any) (*CommitOutcome, error) {
	return cp.verifier.Commit(ctx, proposalID, tokenBlob, args)
}

// SetPromptBaseline records the normalized hash of prompt as the drift
// baseline for a tool. Administrative out-of-band writer; the scorer only
// ever reads baselines.
func (cp *ControlPlane) SetPromptBaseline(ctx context.Context, toolName, prompt string) error {
	hash := hashing.NormalizedPromptHash(prompt)
	if err := cp.store.SetPromptBaseline(ctx, toolName, hash); err != nil {
		return fmt.Errorf("SetPromptBaseline: %w", err)
	}
	cp.proposer.baselines.Invalidate(toolName)
	return nil
}

// PurgeExpiredNonces removes nonces past their expiry. Idempotent.
func (cp *ControlPlane) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	return cp.store.PurgeExpiredNonces(ctx, time.Now())
}

// StartNonceJanitor launches background nonce housekeeping at the given
// interval. Stopped by Close.
func (cp *ControlPlane) StartNonceJanitor(interval time.Duration) {
	if cp.janitorDone != nil {
		return
	}
	cp.janitorDone = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				removed, err := cp.store.PurgeExpiredNonces(ctx, time.Now())
				cancel()
				if err != nil {
					cp.logger.Warn("nonce purge failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					cp.logger.Debug("purged expired nonces", zap.Int64("removed", removed))
				}
			case <-cp.janitorDone:
				return
			}
		}
	}()
}

// Close stops the janitor, drains the telemetry writer and closes the
// store.
func (cp *ControlPlane) Close() error {
	if cp.janitorDone != nil {
		close(cp.janitorDone)
		cp.janitorDone = nil
	}
	if cp.writer != nil {
		cp.writer.Close()
	}
	return cp.store.Close()
}
