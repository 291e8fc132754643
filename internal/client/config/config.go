package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/utils"
)

const (
	EnvPrefix        = "ARCSYNC"
	ConfigFileName   = "config.json"
	StateDBName      = "state.db"
	LockFileName     = "sync.lock"
	DefaultServerURL = "http://localhost:7938"
	DefaultEncoding  = "msgpack"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".arcsync", ConfigFileName)
	DefaultLogPath    = filepath.Join(home, ".arcsync", "logs", "arcsync.log")
)

var (
	ErrNotInitialized = errors.New("source is not initialized")
	ErrAlreadyInit    = errors.New("source is already initialized")
)

// Global holds the defaults shared by every source on this machine.
type Global struct {
	ServerURL string `json:"server_url" mapstructure:"server_url"`
	Encoding  string `json:"encoding" mapstructure:"encoding"`
	Token     string `json:"token,omitempty" mapstructure:"token"`
	Path      string `json:"-" mapstructure:"-"`
}

// Source is the configuration of one synced directory, kept in
// <root>/.arcsync/config.json. Unset fields fall back to Global.
type Source struct {
	Endpoint  string   `json:"endpoint" mapstructure:"endpoint"`
	SourceID  string   `json:"source_id" mapstructure:"source_id"`
	ServerURL string   `json:"server_url,omitempty" mapstructure:"server_url"`
	Encoding  string   `json:"encoding,omitempty" mapstructure:"encoding"`
	Token     string   `json:"token,omitempty" mapstructure:"token"`
	Excludes  []string `json:"excludes,omitempty" mapstructure:"excludes"`
	Workers   int      `json:"workers,omitempty" mapstructure:"workers"`
	Root      string   `json:"-" mapstructure:"-"`
	Path      string   `json:"-" mapstructure:"-"`
}

// MetaDir returns the metadata directory of the source rooted at root.
func MetaDir(root string) string {
	return filepath.Join(root, snapshot.MetaDir)
}

// SourcePath returns the config file of the source rooted at root.
func SourcePath(root string) string {
	return filepath.Join(MetaDir(root), ConfigFileName)
}

func (s *Source) StateDBPath() string  { return filepath.Join(MetaDir(s.Root), StateDBName) }
func (s *Source) LockFilePath() string { return filepath.Join(MetaDir(s.Root), LockFileName) }

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

func readIfExists(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// LoadGlobal reads the global config. A missing file yields defaults.
func LoadGlobal(path string) (*Global, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	v := newViper(path)
	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("encoding", DefaultEncoding)
	v.SetDefault("token", "")
	if err := readIfExists(v); err != nil {
		return nil, err
	}

	var g Global
	if err := v.Unmarshal(&g); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	g.Path = path
	return &g, g.Validate()
}

func (g *Global) Validate() error {
	if !utils.IsSupportedServerURL(g.ServerURL) {
		return fmt.Errorf("invalid server url: %q", g.ServerURL)
	}
	return validateEncoding(g.Encoding)
}

func (g *Global) Save() error {
	return save(g.Path, g)
}

// LoadSource reads the config of the source rooted at root, falling back to
// global for anything the source leaves unset. Env vars override both.
func LoadSource(root string, global *Global) (*Source, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	path := SourcePath(root)
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, root)
	}

	v := newViper(path)
	v.SetDefault("endpoint", "")
	v.SetDefault("source_id", "")
	v.SetDefault("excludes", []string{})
	v.SetDefault("workers", 0)
	if global != nil {
		v.SetDefault("server_url", global.ServerURL)
		v.SetDefault("encoding", global.Encoding)
		v.SetDefault("token", global.Token)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read '%s': %w", path, err)
	}

	var s Source
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	s.Root = root
	s.Path = path
	return &s, s.Validate()
}

// Init writes a fresh source config under root with a new source id.
func Init(root, endpoint string, global *Global) (*Source, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	if utils.FileExists(SourcePath(root)) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInit, root)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, err
	}

	s := &Source{
		Endpoint: endpoint,
		SourceID: uuid.NewString(),
		Root:     root,
		Path:     SourcePath(root),
	}
	if global != nil {
		s.ServerURL = global.ServerURL
		s.Encoding = global.Encoding
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, s.Save()
}

func (s *Source) Validate() error {
	if s.Root == "" || !filepath.IsAbs(s.Root) {
		return fmt.Errorf("source root must be an absolute path: %q", s.Root)
	}
	if !utils.DirExists(s.Root) {
		return fmt.Errorf("source root is not a directory: %s", s.Root)
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.ContainsAny(s.Endpoint, "/\\") {
		return fmt.Errorf("invalid endpoint name: %q", s.Endpoint)
	}
	if s.SourceID == "" {
		return errors.New("source id is required")
	}
	if !utils.IsSupportedServerURL(s.ServerURL) {
		return fmt.Errorf("invalid server url: %q", s.ServerURL)
	}
	if err := validateEncoding(s.Encoding); err != nil {
		return err
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must not be negative: %d", s.Workers)
	}
	if s.Workers == 0 {
		s.Workers = runtime.NumCPU()
	}
	return localstate.ValidateExcludes(s.Excludes)
}

func (s *Source) Save() error {
	return save(s.Path, s)
}

func validateEncoding(enc string) error {
	switch enc {
	case "", "msgpack", "json":
		return nil
	default:
		return fmt.Errorf("unsupported encoding: %q", enc)
	}
}

func save(path string, v any) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o600)
}
