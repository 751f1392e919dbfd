package internal

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfig_RejectsBadValues(t *testing.T) {
	tests := map[string]func(*Config){
		"port":         func(c *Config) { c.App.HTTP.Port = 70000 },
		"root":         func(c *Config) { c.Store.Root = "" },
		"lock_timeout": func(c *Config) { c.Store.LockTimeout = 0 },
		"max_depth":    func(c *Config) { c.Transclusion.MaxDepth = 65 },
		"cache_size":   func(c *Config) { c.Transclusion.CacheSize = -1 },
		"sqlite":       func(c *Config) { c.SQLite.Path = "" },
		"auth":         func(c *Config) { c.Auth = AuthConfig{Mode: AuthModeToken} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestStoreConfig_StateDirPath(t *testing.T) {
	c := StoreConfig{Root: "/data", StateDir: ".cortex"}
	if got := c.StateDirPath(); got != filepath.Join("/data", ".cortex") {
		t.Errorf("relative state dir = %q", got)
	}
	c.StateDir = "/var/cortex"
	if got := c.StateDirPath(); got != "/var/cortex" {
		t.Errorf("absolute state dir = %q", got)
	}
}

func TestConfig_RegistryOptions(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Store.LockTimeout = time.Second
	cfg.Transclusion.Strict = true
	opts := cfg.RegistryOptions(nil)
	if opts.LockTimeout != time.Second || !opts.Strict || opts.MaxDepth != cfg.Transclusion.MaxDepth {
		t.Errorf("options = %+v", opts)
	}
	if opts.StateDir != cfg.Store.StateDirPath() {
		t.Errorf("state dir = %q", opts.StateDir)
	}
}
