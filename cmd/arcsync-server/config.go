package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arcsync/arcsync/internal/server"
	"github.com/arcsync/arcsync/internal/utils"
)

const envPrefix = "ARCSYNC"

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".arcsync-server", "config.json")
	DefaultArchiveRoot = filepath.Join(home, ".arcsync-server", "archive")
)

// flagKeys maps command line flags onto config keys. A flag only overrides
// the config when it was given.
var flagKeys = map[string]string{
	"bind":          "http.addr",
	"cert":          "http.cert_file",
	"key":           "http.key_file",
	"rate-limit":    "http.rate_limit",
	"cors-origin":   "http.cors_origins",
	"stream-addr":   "stream.addr",
	"archive":       "archive.root",
	"auth":          "auth.enabled",
	"issuer":        "auth.token_issuer",
	"token-expiry":  "auth.token_expiry",
	"bucket":        "mirror.bucket_name",
	"region":        "mirror.region",
	"access-key":    "mirror.access_key",
	"secret-key":    "mirror.secret_key",
	"s3-endpoint":   "mirror.endpoint",
	"mirror-prefix": "mirror.prefix",
	"log-dir":       "log_dir",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", server.DefaultAddr)
	v.SetDefault("http.cert_file", "")
	v.SetDefault("http.key_file", "")
	v.SetDefault("http.rate_limit", server.DefaultRateLimit)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.max_message", 0)
	v.SetDefault("stream.addr", "")
	v.SetDefault("archive.root", DefaultArchiveRoot)
	v.SetDefault("archive.cache_size", 0)
	v.SetDefault("mirror.bucket_name", "")
	v.SetDefault("mirror.region", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.use_accelerate", false)
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.workers", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_issuer", "arcsync")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_expiry", "0s")
	v.SetDefault("log_dir", "")
}

// loadConfig layers defaults, the config file at path, ARCSYNC_* env vars
// and the given flags, in that order. A missing file is not an error.
func loadConfig(path string, flags *pflag.FlagSet) (*server.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				v.Set(key, sv.GetSlice())
			} else {
				v.Set(key, f.Value.String())
			}
		}
	}

	var cfg server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if cfg.Archive.Root != "" {
		root, err := utils.ResolvePath(cfg.Archive.Root)
		if err != nil {
			return nil, err
		}
		cfg.Archive.Root = root
	}
	return &cfg, nil
}

// saveConfig writes cfg in the format named by the file extension. The file
// holds secrets and is private to the owner.
func saveConfig(path string, cfg *server.Config) error {
	doc := map[string]any{
		"http": map[string]any{
			"addr":         cfg.HTTP.Addr,
			"cert_file":    cfg.HTTP.CertFile,
			"key_file":     cfg.HTTP.KeyFile,
			"rate_limit":   cfg.HTTP.RateLimit,
			"cors_origins": cfg.HTTP.CORSOrigins,
			"max_message":  cfg.HTTP.MaxMessage,
		},
		"stream": map[string]any{
			"addr": cfg.Stream.Addr,
		},
		"archive": map[string]any{
			"root":       cfg.Archive.Root,
			"cache_size": cfg.Archive.CacheSize,
		},
		"auth": map[string]any{
			"enabled":      cfg.Auth.Enabled,
			"token_issuer": cfg.Auth.TokenIssuer,
			"token_secret": cfg.Auth.TokenSecret,
			"token_expiry": cfg.Auth.TokenExpiry.String(),
		},
		"log_dir": cfg.LogDir,
	}
	if cfg.Mirror.Enabled() {
		doc["mirror"] = map[string]any{
			"bucket_name":    cfg.Mirror.BucketName,
			"region":         cfg.Mirror.Region,
			"access_key":     cfg.Mirror.AccessKey,
			"secret_key":     cfg.Mirror.SecretKey,
			"endpoint":       cfg.Mirror.Endpoint,
			"use_accelerate": cfg.Mirror.UseAccelerate,
			"prefix":         cfg.Mirror.Prefix,
			"workers":        cfg.Mirror.Workers,
		}
	}

	var data []byte
	var err error
	if configType(path) == "yaml" {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o600)
}

// configType is yaml for .yaml and .yml files and json otherwise.
func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func configPath(flags *pflag.FlagSet) string {
	path, _ := flags.GetString("config")
	if path == "" {
		return DefaultConfigPath
	}
	return path
}
