package relayer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
db_path: /var/lib/relayer/relayer.db
api_addr: 127.0.0.1:9000
log_level: DEBUG
pull_interval: 500ms
batch_size: 16
scheduler:
  base_retry_delay: 2s
  max_retry_delay: 5m
  retry_exponent: 1.5
  max_retries: 10
  fairness_mixing: true
  mixing_salt: 1337
chains:
  - name: sepolia
    domain: 11155111
    json_rpc_addr: http://127.0.0.1:8545
    key: "0x1010101010101010101010101010101010101010101010101010101010101010"
    block_time: 12s
    finality_depth: 32
    max_batch_size: 8
    inflight_window: 16
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	config, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/relayer/relayer.db", config.DBPath)
	assert.Equal(t, "127.0.0.1:9000", config.APIAddr)
	assert.Equal(t, "DEBUG", config.LogLevel)
	assert.Equal(t, 500*time.Millisecond, config.PullInterval.Duration)
	assert.Equal(t, 16, config.BatchSize)

	assert.Equal(t, 2*time.Second, config.Scheduler.BaseRetryDelay.Duration)
	assert.Equal(t, 5*time.Minute, config.Scheduler.MaxRetryDelay.Duration)
	assert.True(t, config.Scheduler.FairnessMixing)
	assert.Equal(t, uint64(1337), config.Scheduler.MixingSalt)

	require.Len(t, config.Chains, 1)
	chain := config.Chains[0]
	assert.Equal(t, "sepolia", chain.Name)
	assert.Equal(t, uint64(11155111), chain.Domain)
	assert.Equal(t, 12*time.Second, chain.BlockTime.Duration)
	assert.Equal(t, uint64(32), chain.FinalityDepth)
	assert.Equal(t, uint64(16), chain.InflightWindow)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	minimal := `
chains:
  - name: local
    domain: 1
    json_rpc_addr: http://127.0.0.1:8545
    key: "0x01"
    block_time: 2s
`

	config, err := LoadConfig(writeConfig(t, minimal))
	require.NoError(t, err)

	// unspecified fields keep the defaults
	assert.Equal(t, "relayer.db", config.DBPath)
	assert.Equal(t, time.Second, config.PullInterval.Duration)
	assert.Equal(t, uint32(20), config.Scheduler.MaxRetries)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			"no chains",
			`db_path: relayer.db`,
			"at least one destination chain is required",
		},
		{
			"missing rpc address",
			"chains:\n  - name: broken\n    key: \"0x01\"\n    block_time: 2s",
			"json_rpc_addr is required",
		},
		{
			"missing key",
			"chains:\n  - name: broken\n    json_rpc_addr: http://x\n    block_time: 2s",
			"signer key is required",
		},
		{
			"missing block time",
			"chains:\n  - name: broken\n    json_rpc_addr: http://x\n    key: \"0x01\"",
			"block_time must be positive",
		},
		{
			"duplicate domains",
			"chains:\n" +
				"  - name: one\n    domain: 5\n    json_rpc_addr: http://x\n    key: \"0x01\"\n    block_time: 2s\n" +
				"  - name: two\n    domain: 5\n    json_rpc_addr: http://y\n    key: \"0x02\"\n    block_time: 2s",
			"duplicate destination domain",
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(writeConfig(t, c.content))
			require.ErrorContains(t, err, c.errMsg)
		})
	}
}
