// Package config loads and validates the watcher's YAML configuration.
package config

import (
	"time"

	"github.com/rickgao/pyth-data/internal/ratelimit"
	"github.com/rickgao/pyth-data/internal/solana"
)

// WatcherConfig is the root configuration for a watcher instance.
type WatcherConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Network   string          `yaml:"network"`
	Solana    SolanaConfig    `yaml:"solana"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Watch     WatchConfig     `yaml:"watch"`
	Hermes    HermesConfig    `yaml:"hermes"`
}

// InstanceConfig identifies this watcher.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// SolanaConfig holds the node endpoints and oracle keys. Empty fields are
// filled in from the named network's defaults.
type SolanaConfig struct {
	Endpoint        string `yaml:"endpoint"`
	WSEndpoint      string `yaml:"ws_endpoint"`
	FirstMappingKey string `yaml:"first_mapping_key"`
	ProgramKey      string `yaml:"program_key"`
}

// RateLimitConfig holds the node rate limits in calls per second. A nil
// field inherits the library default; an explicit 0 disables that limit.
type RateLimitConfig struct {
	OverallCPS    *float64 `yaml:"overall_cps"`
	MethodCPS     *float64 `yaml:"method_cps"`
	ConnectionCPS *float64 `yaml:"connection_cps"`
}

// Limits converts the configured rates to limiter limits.
func (c *RateLimitConfig) Limits() ratelimit.Limits {
	toRate := func(cps *float64) ratelimit.Rate {
		if cps == nil {
			return ratelimit.Inherit()
		}
		return ratelimit.PerSecond(*cps)
	}
	return ratelimit.Limits{
		Overall:    toRate(c.OverallCPS),
		PerMethod:  toRate(c.MethodCPS),
		Connection: toRate(c.ConnectionCPS),
	}
}

// BackoffConfig holds the retry policy for transient node failures.
type BackoffConfig struct {
	MaxTries  int           `yaml:"max_tries"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Policy converts the configured backoff to the client's retry policy.
func (c *BackoffConfig) Policy() solana.BackoffConfig {
	return solana.BackoffConfig{
		MaxTries:  c.MaxTries,
		BaseDelay: c.BaseDelay,
		MaxDelay:  c.MaxDelay,
	}
}

// WatchConfig controls the push subscription session.
type WatchConfig struct {
	// SubscribePrograms subscribes to the whole oracle program instead of
	// one subscription per price account.
	SubscribePrograms bool `yaml:"subscribe_programs"`
	// ResubscribeTimeout bounds each subscription request made while
	// restoring state after a reconnect.
	ResubscribeTimeout time.Duration `yaml:"resubscribe_timeout"`
}

// HermesConfig holds the Hermes price service settings.
type HermesConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	WSEndpoint string   `yaml:"ws_endpoint"`
	FeedIDs    []string `yaml:"feed_ids"`
}
