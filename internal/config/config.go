package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Chain  ChainConfig
	Engine EngineConfig
	Server ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// ChainConfig is optional as a whole: with no RPC URL the engine runs in
// book-only mode and an external custodian executes the transfers.
type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	EscrowContract string `mapstructure:"escrow_contract"`
	OperatorKey    string `mapstructure:"operator_key"`
	ChainID        int64  `mapstructure:"chain_id"`
}

type EngineConfig struct {
	SweepIntervalSec int64  `mapstructure:"sweep_interval_sec"`
	MinTermSec       int64  `mapstructure:"min_term_sec"`
	RevealStream     string `mapstructure:"reveal_stream"`
	EventStream      string `mapstructure:"event_stream"`
	Consumer         string `mapstructure:"consumer"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func (e EngineConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("engine.sweep_interval_sec", 30)
	v.SetDefault("engine.min_term_sec", 3600)
	v.SetDefault("engine.reveal_stream", "btcwatch:reveals")
	v.SetDefault("engine.event_stream", "settlement:events")
	v.SetDefault("engine.consumer", "bondlock")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"chain.rpc_url":             "RPC_URL",
		"chain.escrow_contract":     "ESCROW_CONTRACT",
		"chain.operator_key":        "OPERATOR_KEY",
		"chain.chain_id":            "CHAIN_ID",
		"engine.sweep_interval_sec": "SWEEP_INTERVAL_SEC",
		"engine.min_term_sec":       "MIN_TERM_SEC",
		"engine.reveal_stream":      "REVEAL_STREAM",
		"engine.event_stream":       "EVENT_STREAM",
		"engine.consumer":           "SETTLEMENT_CONSUMER",
		"server.port":               "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if c.Engine.SweepIntervalSec <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SEC must be positive")
	}
	// keep refund latency bounded relative to the shortest supported term
	if c.Engine.MinTermSec > 0 && c.Engine.SweepIntervalSec*100 > c.Engine.MinTermSec {
		return fmt.Errorf("SWEEP_INTERVAL_SEC %d too long for MIN_TERM_SEC %d (want <= 1%%)",
			c.Engine.SweepIntervalSec, c.Engine.MinTermSec)
	}
	if c.Chain.RPCURL == "" {
		return nil // book-only mode
	}
	for _, r := range []struct{ val, name string }{
		{c.Chain.EscrowContract, "ESCROW_CONTRACT"},
		{c.Chain.OperatorKey, "OPERATOR_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}
