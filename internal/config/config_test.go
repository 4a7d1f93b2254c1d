package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, 8790, cfg.SpectatorPort)
	assert.Equal(t, int64(1000), cfg.StartingCredits)
	assert.Equal(t, 0.05, cfg.WorkerStakePct)
	assert.Equal(t, 0.5, cfg.WorkerSlashPct)
	assert.Equal(t, 3, cfg.NegotiationMaxRounds)
	assert.Equal(t, int64(900), cfg.DefaultTimeoutSeconds)
	assert.Equal(t, PayOnChecksSuccess, cfg.GhPayOn)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_PORT", "9000")
	t.Setenv("SYNAPSE_STARTING_CREDITS", "250")
	t.Setenv("SYNAPSE_WORKER_STAKE_PCT", "0.1")
	t.Setenv("SYNAPSE_NEGOTIATION_MAX_ROUNDS", "5")
	t.Setenv("SYNAPSE_GH_PAY_ON", "merge")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "s3cret")

	cfg := FromEnv()
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, int64(250), cfg.StartingCredits)
	assert.Equal(t, 0.1, cfg.WorkerStakePct)
	assert.Equal(t, 5, cfg.NegotiationMaxRounds)
	assert.Equal(t, PayOnMerge, cfg.GhPayOn)
	assert.Equal(t, "s3cret", cfg.GithubWebhookSecret)
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("SYNAPSE_PORT", "not-a-number")
	t.Setenv("SYNAPSE_GH_PAY_ON", "whenever")

	cfg := FromEnv()
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, PayOnChecksSuccess, cfg.GhPayOn, "unknown pay trigger keeps the default")
}
