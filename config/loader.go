package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "envdraft.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/envdraft"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "ENVDRAFT_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	getenv  func(string) string
	dotenv  string
	workDir string
	homeDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv, dotenv: ".env"}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/envdraft/config.yaml)
// 3. Project config (envdraft.yaml in current or parent directories)
// 4. Explicit config file (the --config flag), when path is non-empty
// 5. .env file and ENVDRAFT_* environment variables
func (l *Loader) Load(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := config.ApplyFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if err := config.ApplyFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Explicit file must load
	if path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
	}

	// .env only fills variables that are not already set
	if l.dotenv != "" {
		if err := godotenv.Load(l.dotenv); err == nil {
			l.logger.Debug("Loaded environment file", slog.String("path", l.dotenv))
		}
	}
	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays ENVDRAFT_* variables
func (l *Loader) applyEnv(c *Config) error {
	strs := map[string]*string{
		"TEMPLATE_ROOT":   &c.Library.TemplateRoot,
		"DOCUMENTS_FILE":  &c.Library.DocumentsFile,
		"RULES_FILE":      &c.Library.RulesFile,
		"PROVIDER":        &c.Provider.Name,
		"LLM_ENDPOINT":    &c.Provider.Endpoint,
		"MODEL":           &c.Generation.Model,
		"TIMEZONE":        &c.Quota.Timezone,
		"CACHE_URL":       &c.Cache.SharedURL,
		"CACHE_BUCKET":    &c.Cache.SharedBucket,
		"SERVER_ADDR":     &c.Server.Addr,
		"MARKER_TEMPLATE": &c.Degraded.MarkerTemplate,
	}
	for name, dst := range strs {
		if v := l.getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"QUOTA_PER_USER": &c.Quota.PerUserDaily,
		"QUOTA_GLOBAL":   &c.Quota.GlobalDaily,
		"CACHE_CAPACITY": &c.Cache.Capacity,
		"PARALLELISM":    &c.Assembly.Parallelism,
		"MAX_ATTEMPTS":   &c.Provider.MaxAttempts,
	}
	for name, dst := range ints {
		v := l.getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"LLM_TIMEOUT": &c.Provider.Timeout,
		"CACHE_TTL":   &c.Cache.TTL,
	}
	for name, dst := range durations {
		v := l.getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	if v := l.getenv(EnvPrefix + "WATCH"); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sWATCH: %w", EnvPrefix, err)
		}
		c.Library.Watch = watch
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for envdraft.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
