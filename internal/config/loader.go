package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Load loads config from the default path (~/.celest-relay/config.json).
// A missing file yields the defaults rather than an error.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	path := filepath.Join(home, ".celest-relay", "config.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		expandPaths(cfg)
		return cfg, nil
	}
	return LoadFromFile(path)
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	expandPaths(cfg)

	return cfg, nil
}

// applyEnvOverrides applies CELEST_RELAY_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"CELEST_RELAY_SERVER_ADDR":  &cfg.Server.Addr,
		"CELEST_RELAY_QUEUE_DIR":    &cfg.Queue.Dir,
		"CELEST_RELAY_AGENT_INBOX":  &cfg.Agent.InboxPath,
		"CELEST_RELAY_AGENT_OUTBOX": &cfg.Agent.OutboxPath,
	}

	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}
}

// expandPaths expands a leading ~ in the configured paths.
func expandPaths(cfg *Config) {
	cfg.Queue.Dir = expandHome(cfg.Queue.Dir)
	cfg.Agent.InboxPath = expandHome(cfg.Agent.InboxPath)
	cfg.Agent.OutboxPath = expandHome(cfg.Agent.OutboxPath)
}

func expandHome(path string) string {
	if len(path) >= 2 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
