package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	// Global settings may be written as flat top-level keys as well as in
	// their section tables: the embedded section pointers promote each
	// section's fields to the top level, while the tables still decode
	// through Config.
	doc := struct {
		*Config
		*FilterConfig
		*TransfersConfig
		*SafetyConfig
		*SyncConfig
		*LoggingConfig
		*NetworkConfig
	}{cfg, &cfg.Filter, &cfg.Transfers, &cfg.Safety, &cfg.Sync, &cfg.Logging, &cfg.Network}

	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully",
		"path", path,
		"profile_count", len(cfg.Profiles),
	)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: users can start without creating a config file.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. It
// returns the fully resolved profile configuration and the raw parsed
// config.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*ResolvedProfile, *Config, error) {
	cfgPath := ResolveConfigPath(env, cli, logger)

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	name := env.Profile
	if cli.Profile != "" {
		name = cli.Profile
	}

	logger.Debug("profile resolved",
		"name", name,
		"source_env", env.Profile,
		"source_cli", cli.Profile,
	)

	resolved, err := ResolveProfile(cfg, name)
	if err != nil {
		return nil, nil, err
	}

	if cli.SyncDir != "" {
		resolved.SyncDir = cli.SyncDir
		logger.Debug("CLI override applied", "sync_dir", resolved.SyncDir)
	}

	if env.SyncDir != "" && cli.SyncDir == "" {
		resolved.SyncDir = env.SyncDir
		logger.Debug("env override applied", "sync_dir", resolved.SyncDir)
	}

	if cli.DryRun != nil {
		resolved.Sync.DryRun = *cli.DryRun
		logger.Debug("CLI override applied", "dry_run", resolved.Sync.DryRun)
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, cfg, nil
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag > environment variable > platform default. This is
// the single correct implementation of config path resolution — all
// callers should use this.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) string {
	cfgPath := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
		source = "env"
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", cfgPath, "source", source)

	return cfgPath
}

// CLIOverrides holds values derived from command-line flags.
type CLIOverrides struct {
	ConfigPath string
	Profile    string
	SyncDir    string
	DryRun     *bool
}
