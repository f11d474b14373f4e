package config

import (
	"time"

	"github.com/rickgao/pyth-data/internal/hermes"
	"github.com/rickgao/pyth-data/internal/pyth"
)

// Default values for optional configuration fields.
const (
	DefaultNetwork          = "devnet"
	DefaultBackoffMaxTries  = 8
	DefaultBackoffBaseDelay = 500 * time.Millisecond
	DefaultBackoffMaxDelay  = 16 * time.Second

	DefaultResubscribeTimeout = 10 * time.Second
)

func (c *WatcherConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}

	// Solana defaults come from the named network's key table. Lookup
	// failures are left for Validate to report.
	network := pyth.Network(c.Network)
	if c.Solana.Endpoint == "" {
		c.Solana.Endpoint, _ = pyth.HTTPEndpoint(network)
	}
	if c.Solana.WSEndpoint == "" {
		c.Solana.WSEndpoint, _ = pyth.WSEndpoint(network)
	}
	if c.Solana.FirstMappingKey == "" {
		if key, err := pyth.MappingKey(network); err == nil {
			c.Solana.FirstMappingKey = key.String()
		}
	}
	if c.Solana.ProgramKey == "" {
		if key, err := pyth.ProgramKey(network); err == nil {
			c.Solana.ProgramKey = key.String()
		}
	}

	// Backoff defaults
	if c.Backoff.MaxTries == 0 {
		c.Backoff.MaxTries = DefaultBackoffMaxTries
	}
	if c.Backoff.BaseDelay == 0 {
		c.Backoff.BaseDelay = DefaultBackoffBaseDelay
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultBackoffMaxDelay
	}

	if c.Watch.ResubscribeTimeout == 0 {
		c.Watch.ResubscribeTimeout = DefaultResubscribeTimeout
	}

	// Hermes defaults
	if c.Hermes.Endpoint == "" {
		c.Hermes.Endpoint = hermes.DefaultEndpoint
	}
	if c.Hermes.WSEndpoint == "" {
		c.Hermes.WSEndpoint = hermes.DefaultWSEndpoint
	}
}
