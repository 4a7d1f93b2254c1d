// Package config builds the immutable runtime configuration record.
// The environment is read exactly once, at startup; every component receives
// the resulting Config by value and never touches the environment again.
package config

import (
	"os"
	"strconv"
)

// Pay trigger modes for the GitHub ingress.
const (
	PayOnChecksSuccess = "checks_success"
	PayOnMerge         = "merge"
)

// Config carries every tunable of the exchange.
type Config struct {
	Port          int
	SpectatorPort int

	StartingCredits       int64
	WorkerStakePct        float64
	WorkerSlashPct        float64
	NegotiationMaxRounds  int
	DefaultTimeoutSeconds int64

	DatabaseURL string
	RedisURL    string

	GithubWebhookSecret string
	GhPayOn             string

	EvaluatorURL string
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		Port:                  8787,
		SpectatorPort:         8790,
		StartingCredits:       1000,
		WorkerStakePct:        0.05,
		WorkerSlashPct:        0.5,
		NegotiationMaxRounds:  3,
		DefaultTimeoutSeconds: 900,
		GhPayOn:               PayOnChecksSuccess,
	}
}

// FromEnv reads SYNAPSE_* variables on top of the defaults.
func FromEnv() Config {
	cfg := Default()

	cfg.Port = envInt("SYNAPSE_PORT", cfg.Port)
	cfg.SpectatorPort = envInt("SYNAPSE_SPECTATOR_PORT", cfg.SpectatorPort)
	cfg.StartingCredits = envInt64("SYNAPSE_STARTING_CREDITS", cfg.StartingCredits)
	cfg.WorkerStakePct = envFloat("SYNAPSE_WORKER_STAKE_PCT", cfg.WorkerStakePct)
	cfg.WorkerSlashPct = envFloat("SYNAPSE_WORKER_SLASH_PCT", cfg.WorkerSlashPct)
	cfg.NegotiationMaxRounds = envInt("SYNAPSE_NEGOTIATION_MAX_ROUNDS", cfg.NegotiationMaxRounds)
	cfg.DefaultTimeoutSeconds = envInt64("SYNAPSE_DEFAULT_TIMEOUT_SECONDS", cfg.DefaultTimeoutSeconds)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("SYNAPSE_REDIS_URL")
	cfg.GithubWebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	if v := os.Getenv("SYNAPSE_GH_PAY_ON"); v == PayOnMerge || v == PayOnChecksSuccess {
		cfg.GhPayOn = v
	}
	cfg.EvaluatorURL = os.Getenv("SYNAPSE_EVALUATOR_URL")

	return cfg
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
