package server

import (
	"errors"
	"fmt"

	"github.com/ulule/limiter/v3"

	"github.com/arcsync/arcsync/internal/server/auth"
	"github.com/arcsync/arcsync/internal/server/mirror"
)

const (
	DefaultAddr      = "127.0.0.1:8080"
	DefaultRateLimit = "50-S"
)

type Config struct {
	HTTP    HTTPConfig      `mapstructure:"http"`
	Stream  StreamConfig    `mapstructure:"stream"`
	Archive ArchiveConfig   `mapstructure:"archive"`
	Mirror  mirror.S3Config `mapstructure:"mirror"`
	Auth    auth.Config     `mapstructure:"auth"`
	LogDir  string          `mapstructure:"log_dir"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// RateLimit applies per client IP to the sync routes, in limiter format.
	RateLimit   string   `mapstructure:"rate_limit"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// MaxMessage bounds one sync request envelope in bytes.
	MaxMessage int `mapstructure:"max_message"`
}

type StreamConfig struct {
	// Addr enables the framed TCP listener when set.
	Addr string `mapstructure:"addr"`
}

type ArchiveConfig struct {
	Root      string `mapstructure:"root"`
	CacheSize int    `mapstructure:"cache_size"`
}

func (c *Config) Validate() error {
	if c.Archive.Root == "" {
		return errors.New("archive `root` is required")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http `addr` is required")
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return errors.New("http `cert_file` and `key_file` must be set together")
	}
	if c.HTTP.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
			return fmt.Errorf("http `rate_limit`: %w", err)
		}
	}
	if c.HTTP.MaxMessage < 0 {
		return errors.New("http `max_message` must not be negative")
	}
	if c.Mirror.Enabled() {
		if err := c.Mirror.Validate(); err != nil {
			return err
		}
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) TLS() bool {
	return c.HTTP.CertFile != "" && c.HTTP.KeyFile != ""
}
