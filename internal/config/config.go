// Package config loads marketd configuration from YAML files and MARKET_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the full marketd configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Market  MarketConfig  `mapstructure:"market"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Journal JournalConfig `mapstructure:"journal"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MarketConfig configures the engine: privileged identities and the fee
// schedule.
type MarketConfig struct {
	Admin          string `mapstructure:"admin"`
	FeeSink        string `mapstructure:"fee_sink"`
	Custodian      string `mapstructure:"custodian"`
	FeeNumerator   uint64 `mapstructure:"fee_numerator"`
	FeeDenominator uint64 `mapstructure:"fee_denominator"`
}

// ChainConfig connects the engine to the chain hosting the asset registry
// and native payments. CustodianKey is the hex private key of the escrow
// identity; supply it through MARKET_CHAIN_CUSTODIAN_KEY, not a file.
type ChainConfig struct {
	RPCURL       string `mapstructure:"rpc_url"`
	CustodianKey string `mapstructure:"custodian_key"`
}

// JournalConfig configures the append-only event journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig configures the Redis-backed API rate limiter. Disabled by
// default; single-instance deployments rarely need it.
type RedisConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Addr            string  `mapstructure:"addr"`
	Password        string  `mapstructure:"password"`
	DB              int     `mapstructure:"db"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
}

// KafkaConfig configures the Kafka event publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load reads configuration from the given paths (missing files are skipped),
// applies MARKET_* environment overrides, and validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "/etc/marketd/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("market.fee_numerator", 1)
	v.SetDefault("market.fee_denominator", 100)
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/market-events.jsonl")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "market.events")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.rate_limit_burst", 20)
	v.SetDefault("redis.rate_limit_per_sec", 10)
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"market.admin":    c.Market.Admin,
		"market.fee_sink": c.Market.FeeSink,
	} {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: %q is not a valid address", name, addr)
		}
	}
	// The custodian address is optional; marketd derives it from the chain
	// signing key when unset.
	if c.Market.Custodian != "" && !common.IsHexAddress(c.Market.Custodian) {
		return fmt.Errorf("market.custodian: %q is not a valid address", c.Market.Custodian)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.CustodianKey == "" {
		return fmt.Errorf("chain.custodian_key is required")
	}
	if c.Market.FeeDenominator == 0 {
		return fmt.Errorf("market.fee_denominator must be positive")
	}
	if c.Market.FeeNumerator > c.Market.FeeDenominator {
		return fmt.Errorf("market.fee_numerator must not exceed the denominator")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}
