package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/copytrade/internal/domain"
)

const sampleYAML = `
logging:
  level: debug
brokers:
  - name: Kraken
    rate_limits:
      entry: {max_calls: 1, period: 3s}
  - name: coinbase
    profit_steps:
      - {gross_pct: 1.0, exit_fraction: 0.1}
      - {gross_pct: 2.0, exit_fraction: 0.15}
accounts:
  - role: master
    broker: kraken
    api_key_env: KRAKEN_MASTER_KEY
    api_secret_env: KRAKEN_MASTER_SECRET
  - role: user
    broker: kraken
    user_id: alice
    tier: investor
    api_key_env: KRAKEN_ALICE_KEY
    api_secret_env: KRAKEN_ALICE_SECRET
  - role: master
    broker: coinbase
    enabled: false
execution:
  poll_interval: 5s
copy:
  enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Execution.PollInterval)
	assert.Equal(t, 48*time.Hour, cfg.Execution.MaxHold)
	assert.Equal(t, 2.0, cfg.Execution.StopLossPct)
	assert.Equal(t, 64, cfg.Copy.QueueCapacity)

	kraken, ok := cfg.Broker("kraken")
	require.True(t, ok)
	assert.Equal(t, 0.36, kraken.FeePct())
	require.Len(t, kraken.ProfitSteps, 3)
	assert.Equal(t, 0.7, kraken.ProfitSteps[0].GrossPct)
	assert.Equal(t, 3*time.Second, kraken.Rules()[domain.CategoryEntry].Period)

	alice := cfg.Accounts[1].Domain()
	assert.Equal(t, "kraken:user:alice", alice.Key())
	assert.Equal(t, 100.0, cfg.TierMax(alice.Tier))
	assert.False(t, cfg.Accounts[2].Domain().Enabled)
}

func TestExitPolicyDropsStepsBelowFee(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cb, _ := cfg.Broker("coinbase")
	policy, dropped := cfg.ExitPolicy(cb)
	assert.Equal(t, 1.4, policy.RoundTripFeePct)
	require.Len(t, policy.Steps, 1)
	assert.Equal(t, 2.0, policy.Steps[0].GrossPct)
	require.Len(t, dropped, 1)
	assert.Equal(t, 1.0, dropped[0].GrossPct)
}

func TestValidateRequiresSingleMaster(t *testing.T) {
	cfg := &Config{
		Brokers: []BrokerConfig{{Name: "kraken"}},
		Accounts: []AccountConfig{
			{Role: "USER", Broker: "kraken", UserID: "bob"},
		},
	}
	cfg.ApplyDefaults()
	assert.ErrorContains(t, cfg.Validate(), "exactly one MASTER")

	cfg.Accounts = append(cfg.Accounts, AccountConfig{Role: "MASTER", Broker: "kraken"}, AccountConfig{Role: "MASTER", Broker: "kraken"})
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	cfg := &Config{
		Brokers: []BrokerConfig{{Name: "paper"}},
		Accounts: []AccountConfig{
			{Role: "MASTER", Broker: "paper"},
			{Role: "USER", Broker: "paper", UserID: "u", Tier: "whale"},
		},
	}
	cfg.ApplyDefaults()
	assert.ErrorContains(t, cfg.Validate(), "unknown tier")
}

func TestCredentialsFromEnv(t *testing.T) {
	a := AccountConfig{Role: "MASTER", Broker: "kraken", APIKeyEnv: "CT_TEST_KEY", APISecretEnv: "CT_TEST_SECRET"}
	_, err := a.Credentials()
	assert.Error(t, err)

	t.Setenv("CT_TEST_KEY", "k")
	t.Setenv("CT_TEST_SECRET", "s")
	creds, err := a.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "k", creds.APIKey)

	paper, err := AccountConfig{Broker: "paper"}.Credentials()
	require.NoError(t, err)
	assert.Empty(t, paper.APIKey)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "bogus: 1\n"))
	assert.Error(t, err)
}
