package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/pyth-data/internal/solana"
)

// Validate checks that all required fields are set and values are valid.
func (c *WatcherConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Solana.Endpoint == "" {
		return fmt.Errorf("solana.endpoint is required (unknown network %q)", c.Network)
	}
	if c.Solana.WSEndpoint == "" {
		return fmt.Errorf("solana.ws_endpoint is required (unknown network %q)", c.Network)
	}
	if c.Solana.FirstMappingKey == "" {
		return errors.New("solana.first_mapping_key is required")
	}
	if _, err := solana.ParsePublicKey(c.Solana.FirstMappingKey); err != nil {
		return fmt.Errorf("solana.first_mapping_key: %w", err)
	}
	if c.Solana.ProgramKey != "" {
		if _, err := solana.ParsePublicKey(c.Solana.ProgramKey); err != nil {
			return fmt.Errorf("solana.program_key: %w", err)
		}
	}

	if err := validateCPS("ratelimit.overall_cps", c.RateLimit.OverallCPS); err != nil {
		return err
	}
	if err := validateCPS("ratelimit.method_cps", c.RateLimit.MethodCPS); err != nil {
		return err
	}
	if err := validateCPS("ratelimit.connection_cps", c.RateLimit.ConnectionCPS); err != nil {
		return err
	}

	if c.Backoff.MaxTries < 1 {
		return errors.New("backoff.max_tries must be >= 1")
	}
	if c.Backoff.BaseDelay <= 0 {
		return errors.New("backoff.base_delay must be > 0")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("backoff.max_delay (%s) cannot be less than base_delay (%s)",
			c.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}

	if c.Watch.ResubscribeTimeout < 0 {
		return errors.New("watch.resubscribe_timeout must be >= 0")
	}

	return nil
}

func validateCPS(field string, cps *float64) error {
	if cps != nil && *cps < 0 {
		return fmt.Errorf("%s must be >= 0, got %v", field, *cps)
	}
	return nil
}
