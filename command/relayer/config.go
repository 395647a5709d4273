package relayer

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/portalgrid/relayer/helper/common"
)

// ChainConfig describes one destination chain and its pipeline tuning
type ChainConfig struct {
	Name   string `yaml:"name"`
	Domain uint64 `yaml:"domain"`

	JSONRPCAddr string `yaml:"json_rpc_addr"`

	// Key is the signer's private key, hex encoded
	Key string `yaml:"key"`

	BlockTime     common.Duration `yaml:"block_time"`
	FinalityDepth uint64          `yaml:"finality_depth"`
	MaxBatchSize  int             `yaml:"max_batch_size"`

	QueueSize        int             `yaml:"queue_size"`
	TickInterval     common.Duration `yaml:"tick_interval"`
	ResubmitInterval common.Duration `yaml:"resubmit_interval"`

	// InflightWindow is the expected number of in-flight nonces before the
	// nonce gap backpressure kicks in
	InflightWindow uint64 `yaml:"inflight_window"`
}

// SchedulerConfig tunes the message-level retry policy and queue ordering
type SchedulerConfig struct {
	BaseRetryDelay common.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  common.Duration `yaml:"max_retry_delay"`
	RetryExponent  float64         `yaml:"retry_exponent"`
	MaxRetries     uint32          `yaml:"max_retries"`

	FairnessMixing bool   `yaml:"fairness_mixing"`
	MixingSalt     uint64 `yaml:"mixing_salt"`
}

type Config struct {
	DBPath  string `yaml:"db_path"`
	APIAddr string `yaml:"api_addr"`

	LogLevel string `yaml:"log_level"`

	PullInterval common.Duration `yaml:"pull_interval"`
	BatchSize    int             `yaml:"batch_size"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	Chains []ChainConfig `yaml:"chains"`
}

func DefaultConfig() *Config {
	return &Config{
		DBPath:       "relayer.db",
		APIAddr:      "0.0.0.0:8475",
		LogLevel:     "INFO",
		PullInterval: common.Duration{Duration: time.Second},
		BatchSize:    32,
		Scheduler: SchedulerConfig{
			BaseRetryDelay: common.Duration{Duration: time.Second},
			MaxRetryDelay:  common.Duration{Duration: time.Minute},
			RetryExponent:  2.0,
			MaxRetries:     20,
		},
	}
}

// LoadConfig reads the YAML config file, layered over the defaults
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("malformed config file %s: %w", path, err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate reports every configuration problem at once instead of stopping at
// the first one
func (c *Config) validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one destination chain is required")
	}

	var errs *multierror.Error

	seen := make(map[uint64]struct{}, len(c.Chains))

	for _, chain := range c.Chains {
		if chain.JSONRPCAddr == "" {
			errs = multierror.Append(errs, fmt.Errorf("chain %s: json_rpc_addr is required", chain.Name))
		}

		if chain.Key == "" {
			errs = multierror.Append(errs, fmt.Errorf("chain %s: signer key is required", chain.Name))
		}

		if chain.BlockTime.Duration <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("chain %s: block_time must be positive", chain.Name))
		}

		if _, ok := seen[chain.Domain]; ok {
			errs = multierror.Append(errs, fmt.Errorf("duplicate destination domain: %d", chain.Domain))
		}

		seen[chain.Domain] = struct{}{}
	}

	return errs.ErrorOrNil()
}
