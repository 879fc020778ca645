package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// envPrefix prefixes every environment override, e.g. GROUPWARE_TOKEN.
const envPrefix = "GROUPWARE"

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.groupware/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" envconfig:"BASE_URL" validate:"omitempty,url"`
	Scope     string `toml:"scope" envconfig:"SCOPE"`
	CompanyID string `toml:"company_id" envconfig:"COMPANY_ID"`
	LogLevel  string `toml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	CacheDir  string `toml:"cache_dir" envconfig:"CACHE_DIR"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token        string `toml:"token" envconfig:"TOKEN"`
	UserID       string `toml:"user_id" envconfig:"USER_ID"`
	TokenExpires string `toml:"token_expires" envconfig:"TOKEN_EXPIRES" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

var validate = validator.New()

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.groupware, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".groupware")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with GROUPWARE_* environment overrides
// applied and the result validated. Commands that talk to the server use it;
// commands that write the file use loadConfig so overrides are not persisted.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GROUPWARE_* variables on cfg. Unset variables leave the
// file values alone.
func applyEnv(cfg *Config) error {
	if err := envconfig.Process(envPrefix, &cfg.Default); err != nil {
		return fmt.Errorf("cannot read environment: %w", err)
	}
	if err := envconfig.Process(envPrefix, &cfg.Auth); err != nil {
		return fmt.Errorf("cannot read environment: %w", err)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config value for %s: %q fails %q", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadDotEnv loads ./.env when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot load .env: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "scope":
			cfg.Default.Scope = value
		case "company_id":
			cfg.Default.CompanyID = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return validateConfig(cfg)
}

// newLogger builds the CLI's stderr logger. --verbose wins over the config.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Default.LogLevel != "" {
		_ = level.UnmarshalText([]byte(cfg.Default.LogLevel))
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "groupware",
	Short: "Groupware messenger CLI",
	Long:  "Command-line interface for the groupware messenger SDK.\nManage configuration, browse conversations, and follow the live push channel.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
