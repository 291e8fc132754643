package auth

import (
	"fmt"
	"time"
)

type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	TokenIssuer string        `mapstructure:"token_issuer"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("auth `token_issuer` is required when auth is enabled")
	}
	if len(c.TokenSecret) < 16 {
		return fmt.Errorf("auth `token_secret` must be at least 16 characters")
	}
	if c.TokenExpiry < 0 {
		return fmt.Errorf("auth `token_expiry` must not be negative")
	}
	return nil
}
