package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/igrechuhin/cortex/internal/registry"
	"github.com/igrechuhin/cortex/internal/storage"
	"github.com/igrechuhin/cortex/internal/transclusion"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App          ApplicationConfig  `yaml:"app"`
	Store        StoreConfig        `yaml:"store"`
	Transclusion TransclusionConfig `yaml:"transclusion"`
	SQLite       SQLiteConfig       `yaml:"sqlite"`
	Auth         AuthConfig         `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Transclusion.Validate(); err != nil {
		return fmt.Errorf("transclusion: %w", err)
	}
	if err := c.SQLite.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return c.Auth.Validate()
}

// RegistryOptions maps the configuration onto the component registry.
func (c *Config) RegistryOptions(logger *slog.Logger) registry.Options {
	return registry.Options{
		Root:         c.Store.Root,
		StateDir:     c.Store.StateDirPath(),
		Include:      c.Store.Include,
		Exclude:      c.Store.Exclude,
		LockTimeout:  c.Store.LockTimeout,
		StaleLockAge: c.Store.StaleLockAge,
		MaxDepth:     c.Transclusion.MaxDepth,
		CacheSize:    c.Transclusion.CacheSize,
		Strict:       c.Transclusion.Strict,
		SQLitePath:   c.SQLite.Path,
		Logger:       logger,
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig locates the document root and tunes locking.
//
// StateDir holds the metadata index and version history. A relative
// StateDir is resolved against Root.
type StoreConfig struct {
	Root         string        `yaml:"root"`
	StateDir     string        `yaml:"state_dir"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	StaleLockAge time.Duration `yaml:"stale_lock_age"`
	Include      []string      `yaml:"include"`
	Exclude      []string      `yaml:"exclude"`
}

// StateDirPath returns the effective state directory.
func (c *StoreConfig) StateDirPath() string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(c.Root, c.StateDir)
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.StateDir, validation.Required),
		validation.Field(&c.LockTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.StaleLockAge, validation.Required, validation.Min(time.Millisecond)),
	)
}

// TransclusionConfig tunes the transclusion engine.
type TransclusionConfig struct {
	MaxDepth  int  `yaml:"max_depth"`
	CacheSize int  `yaml:"cache_size"`
	Strict    bool `yaml:"strict"`
}

// Validate validates the transclusion configuration.
func (c *TransclusionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxDepth, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.CacheSize, validation.Required, validation.Min(1)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return errors.New("auth: mode is \"token\" but token is empty")
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Root:         "./memory-bank",
			StateDir:     ".cortex",
			LockTimeout:  30 * time.Second,
			StaleLockAge: 5 * time.Minute,
			Include:      storage.DefaultInclude,
			Exclude:      storage.DefaultExclude,
		},
		Transclusion: TransclusionConfig{
			MaxDepth:  transclusion.DefaultMaxDepth,
			CacheSize: transclusion.DefaultCacheSize,
		},
		SQLite: SQLiteConfig{
			Path: "./memory-bank/.cortex/links.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
