package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Weights are the feature weights of the match scorer. They must sum to 1.0
// so the total score stays inside [0,1].
type Weights struct {
	Amount       float64 `yaml:"amount"`
	Reference    float64 `yaml:"reference"`
	Counterparty float64 `yaml:"counterparty"`
	Date         float64 `yaml:"date"`
}

// Matching holds the scorer and decision-policy tuning. The thresholds are a
// proposed baseline, not hard-coded law; deployments override them per
// tenant risk appetite.
type Matching struct {
	AutoThreshold    float64 `yaml:"auto_threshold"`
	SuggestThreshold float64 `yaml:"suggest_threshold"`
	TieMargin        float64 `yaml:"tie_margin"`

	// AmountToleranceMinor is the band (in minor units) over which the
	// amount feature decays linearly from 1 to 0.
	AmountToleranceMinor int64 `yaml:"amount_tolerance_minor"`

	WindowDays    int `yaml:"window_days"`
	MaxCandidates int `yaml:"max_candidates"`

	Weights Weights `yaml:"weights"`
}

// Import holds statement-import tuning.
type Import struct {
	// BalanceEpsilonMinor is the tolerated rounding gap between
	// opening+lines and the declared closing balance.
	BalanceEpsilonMinor int64 `yaml:"balance_epsilon_minor"`
}

// Retry bounds the backoff applied to transient ledger-collaborator
// failures. Scoring and decision logic is pure and never retried.
type Retry struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// Config is the full engine configuration.
type Config struct {
	Matching Matching `yaml:"matching"`
	Import   Import   `yaml:"import"`
	Retry    Retry    `yaml:"retry"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Matching: Matching{
			AutoThreshold:        0.92,
			SuggestThreshold:     0.60,
			TieMargin:            0.05,
			AmountToleranceMinor: 200,
			WindowDays:           14,
			MaxCandidates:        50,
			Weights: Weights{
				Amount:       0.45,
				Reference:    0.25,
				Counterparty: 0.20,
				Date:         0.10,
			},
		},
		Import: Import{
			BalanceEpsilonMinor: 1,
		},
		Retry: Retry{
			Attempts:       3,
			InitialBackoff: 200 * time.Millisecond,
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("Load: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	m := c.Matching
	if m.AutoThreshold < m.SuggestThreshold {
		return fmt.Errorf("auto_threshold %.2f below suggest_threshold %.2f", m.AutoThreshold, m.SuggestThreshold)
	}
	if m.TieMargin < 0 || m.TieMargin > 1 {
		return fmt.Errorf("tie_margin %.2f outside [0,1]", m.TieMargin)
	}
	sum := m.Weights.Amount + m.Weights.Reference + m.Weights.Counterparty + m.Weights.Date
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("feature weights sum to %.4f, want 1.0", sum)
	}
	if m.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive, got %d", m.WindowDays)
	}
	if m.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive, got %d", m.MaxCandidates)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	return nil
}
