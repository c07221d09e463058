package execplane

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/triage-ai/execplane/policy"
	"github.com/triage-ai/execplane/risk"
	"github.com/triage-ai/execplane/token"
)

// Backend selector values for Config.StoreBackend.
const (
	BackendMemory         = "memory"
	backendPostgresPrefix = "postgres+"
)

// Environment variable names. The signing secret only ever comes from the
// environment, never from a config file.
const (
	EnvSigningSecret = "EXECPLANE_SIGNING_SECRET"
	EnvStoreBackend  = "EXECPLANE_STORE_BACKEND"
	EnvClickHouseDSN = "EXECPLANE_CLICKHOUSE_DSN"
	EnvTokenTTL      = "EXECPLANE_TOKEN_TTL"
)

// Config is the process configuration for a control plane.
type Config struct {
	// SigningSecret signs execution tokens. Required, at least 32 bytes.
	SigningSecret []byte

	// TokenTTL bounds execution token lifetime. Default 120s.
	TokenTTL time.Duration

	// RiskWeights override the fixed composite weights; renormalization
	// over present components still applies.
	RiskWeights risk.Weights

	// RiskThresholds override the low/medium level cutoffs.
	RiskThresholds risk.Thresholds

	// Policy overrides the decision matrix thresholds.
	Policy policy.Config

	// StoreBackend selects persistence: "memory" or "postgres+<dsn>".
	StoreBackend string

	// ClickHouseDSN enables the ClickHouse telemetry writer; empty falls
	// back to the log writer.
	ClickHouseDSN string

	// BaselineCacheTTL bounds prompt-baseline staleness. Default 60s.
	BaselineCacheTTL time.Duration
}

// Validate normalizes defaults and rejects unusable configuration.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < token.MinSecretLen {
		return fmt.Errorf("Validate: %w", token.ErrSecretTooShort)
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 120 * time.Second
	}
	if c.BaselineCacheTTL <= 0 {
		c.BaselineCacheTTL = 60 * time.Second
	}
	if c.StoreBackend == "" {
		c.StoreBackend = BackendMemory
	}
	return nil
}

type fileConfig struct {
	TokenTTL         string            `toml:"token_ttl"`
	StoreBackend     string            `toml:"store_backend"`
	ClickHouseDSN    string            `toml:"clickhouse_dsn"`
	BaselineCacheTTL string            `toml:"baseline_cache_ttl"`
	RiskWeights      *weightsConfig    `toml:"risk_weights"`
	RiskThresholds   *thresholdsConfig `toml:"risk_thresholds"`
	Policy           *policyFileConfig `toml:"policy"`
}

type weightsConfig struct {
	Grounding          float64 `toml:"grounding"`
	SelfConsistency    float64 `toml:"self_consistency"`
	Verifier           float64 `toml:"verifier"`
	NumericInstability float64 `toml:"numeric_instability"`
	ToolMismatch       float64 `toml:"tool_mismatch"`
	Drift              float64 `toml:"drift"`
}

type thresholdsConfig struct {
	Low    float64 `toml:"low"`
	Medium float64 `toml:"medium"`
}

type policyFileConfig struct {
	HighBlock    float64 `toml:"high_block"`
	HighReview   float64 `toml:"high_review"`
	MediumReview float64 `toml:"medium_review"`
}

// LoadConfig builds a Config from an optional TOML file plus environment
// overrides. Pass an empty path to configure from the environment alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("LoadConfig: %w", err)
		}
		if fc.TokenTTL != "" {
			ttl, err := time.ParseDuration(fc.TokenTTL)
			if err != nil {
				return Config{}, fmt.Errorf("LoadConfig: token_ttl: %w", err)
			}
			cfg.TokenTTL = ttl
		}
		if fc.BaselineCacheTTL != "" {
			ttl, err := time.ParseDuration(fc.BaselineCacheTTL)
			if err != nil {
				return Config{}, fmt.Errorf("LoadConfig: baseline_cache_ttl: %w", err)
			}
			cfg.BaselineCacheTTL = ttl
		}
		cfg.StoreBackend = fc.StoreBackend
		cfg.ClickHouseDSN = fc.ClickHouseDSN
		if fc.RiskWeights != nil {
			cfg.RiskWeights = risk.Weights{
				Grounding:          fc.RiskWeights.Grounding,
				SelfConsistency:    fc.RiskWeights.SelfConsistency,
				Verifier:           fc.RiskWeights.Verifier,
				NumericInstability: fc.RiskWeights.NumericInstability,
				ToolMismatch:       fc.RiskWeights.ToolMismatch,
				Drift:              fc.RiskWeights.Drift,
			}
		}
		if fc.RiskThresholds != nil {
			cfg.RiskThresholds = risk.Thresholds{
				Low:    fc.RiskThresholds.Low,
				Medium: fc.RiskThresholds.Medium,
			}
		}
		if fc.Policy != nil {
			cfg.Policy = policy.DefaultConfig()
			if fc.Policy.HighBlock > 0 {
				cfg.Policy.HighBlock = fc.Policy.HighBlock
			}
			if fc.Policy.HighReview > 0 {
				cfg.Policy.HighReview = fc.Policy.HighReview
			}
			if fc.Policy.MediumReview > 0 {
				cfg.Policy.MediumReview = fc.Policy.MediumReview
			}
		}
	}

	if v := os.Getenv(EnvSigningSecret); v != "" {
		cfg.SigningSecret = []byte(v)
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv(EnvClickHouseDSN); v != "" {
		cfg.ClickHouseDSN = v
	}
	if v := os.Getenv(EnvTokenTTL); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LoadConfig: %s: %w", EnvTokenTTL, err)
		}
		cfg.TokenTTL = ttl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
