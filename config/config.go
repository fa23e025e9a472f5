// Package config provides centralized configuration management using Viper.
// Configuration is assembled from defaults, an optional YAML file, and
// environment variables, with precedence: Env > Config File > Defaults.
package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default puzzle and server configuration values.
const (
	DefaultPort               = 8000
	DefaultDifficulty         = 12
	DefaultMinDifficulty      = 4
	DefaultMaxDifficulty      = 24
	DefaultTargetTime         = 75.0
	DefaultTargetTimeout      = 120.0
	DefaultMaxNonceSpeed      = 0.0
	DefaultWorkerCount        = 1
	DefaultArgon2TimeCost     = 3
	DefaultArgon2MemoryCost   = 65536
	DefaultArgon2Parallelism  = 1
	DefaultSessionExpiry      = 5 * time.Minute
	DefaultSessionAbsoluteTTL = 0 * time.Second
	DefaultAPIReadTimeout     = 15 * time.Second
	DefaultAPIWriteTimeout    = 15 * time.Second
	DefaultAPIIdleTimeout     = 60 * time.Second
	DefaultAuditLogPath       = "verify.json"
	DefaultBlacklistPath      = "blacklist.json"
	DefaultStaticDir          = "static"
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "color"
)

// Config is the full server configuration.
type Config struct {
	Port int `mapstructure:"port"`

	// Puzzle parameters.
	Difficulty    int     `mapstructure:"difficulty"`
	MinDifficulty int     `mapstructure:"min_difficulty"`
	MaxDifficulty int     `mapstructure:"max_difficulty"`
	TargetTime    float64 `mapstructure:"target_time"`
	TargetTimeout float64 `mapstructure:"target_timeout"`
	MaxNonceSpeed float64 `mapstructure:"max_nonce_speed"`

	// WorkerCount is the thread-count hint broadcast to browser miners.
	WorkerCount int `mapstructure:"worker_count"`

	// VerifyWorkers sizes the Argon2 verification pool. Zero means
	// automatic (one per CPU, keeping one core free).
	VerifyWorkers int `mapstructure:"verify_workers"`

	// HMACSecret signs invite codes (hex, at least 128 bits). When
	// empty a random secret is generated at startup.
	HMACSecret string `mapstructure:"hmac_secret"`

	SessionExpiry time.Duration `mapstructure:"session_expiry"`

	// SessionAbsoluteTTL bounds a session token's total lifetime.
	// Zero disables the bound; tokens then live until revoked or
	// disconnected past SessionExpiry.
	SessionAbsoluteTTL time.Duration `mapstructure:"session_absolute_ttl"`

	Argon2    Argon2Config    `mapstructure:"argon2"`
	Turnstile TurnstileConfig `mapstructure:"turnstile"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	API       APIConfig       `mapstructure:"api"`
	Files     FilesConfig     `mapstructure:"files"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	AdminToken string `mapstructure:"admin_token"`
}

// Argon2Config holds the proof-of-work cost parameters.
type Argon2Config struct {
	TimeCost    uint32 `mapstructure:"time_cost"`
	MemoryCost  uint32 `mapstructure:"memory_cost"` // KiB
	Parallelism uint8  `mapstructure:"parallelism"`
}

// TurnstileConfig configures the Cloudflare Turnstile CAPTCHA check.
type TurnstileConfig struct {
	SiteKey   string `mapstructure:"site_key"`
	SecretKey string `mapstructure:"secret_key"`
	TestMode  bool   `mapstructure:"test_mode"`
}

// WebhookConfig configures the solve notification webhook. An empty URL
// disables notifications.
type WebhookConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type APIConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// FilesConfig names the files the server persists state to.
type FilesConfig struct {
	AuditLog  string `mapstructure:"audit_log"`
	Blacklist string `mapstructure:"blacklist"`
	StaticDir string `mapstructure:"static_dir"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

// Validate checks all ranges. It is called after every load and reload,
// and the same ranges guard the admin mutation endpoints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if err := c.validateDifficulty(); err != nil {
		return err
	}
	if err := c.validateArgon2(); err != nil {
		return err
	}
	if c.WorkerCount < 1 || c.WorkerCount > 32 {
		return fmt.Errorf("invalid worker_count: %d (must be 1-32)", c.WorkerCount)
	}
	if c.VerifyWorkers < 0 {
		return fmt.Errorf("verify_workers cannot be negative, got %d", c.VerifyWorkers)
	}
	if c.MaxNonceSpeed < 0 {
		return fmt.Errorf("max_nonce_speed cannot be negative, got %v", c.MaxNonceSpeed)
	}
	if c.HMACSecret != "" {
		if err := ValidateHMACSecret(c.HMACSecret); err != nil {
			return err
		}
	}
	if c.SessionExpiry < time.Second {
		return fmt.Errorf("session_expiry too short (minimum 1s), got %v", c.SessionExpiry)
	}
	if c.SessionAbsoluteTTL < 0 {
		return fmt.Errorf("session_absolute_ttl cannot be negative, got %v", c.SessionAbsoluteTTL)
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDifficulty() error {
	if c.MinDifficulty < 1 || c.MinDifficulty > 32 {
		return fmt.Errorf("invalid min_difficulty: %d (must be 1-32)", c.MinDifficulty)
	}
	if c.MaxDifficulty < 1 || c.MaxDifficulty > 32 {
		return fmt.Errorf("invalid max_difficulty: %d (must be 1-32)", c.MaxDifficulty)
	}
	if c.MinDifficulty > c.MaxDifficulty {
		return fmt.Errorf("min_difficulty (%d) must be <= max_difficulty (%d)", c.MinDifficulty, c.MaxDifficulty)
	}
	if c.Difficulty < c.MinDifficulty || c.Difficulty > c.MaxDifficulty {
		return fmt.Errorf("difficulty %d outside [%d, %d]", c.Difficulty, c.MinDifficulty, c.MaxDifficulty)
	}
	if c.TargetTime <= 0 {
		return fmt.Errorf("target_time must be positive, got %v", c.TargetTime)
	}
	if c.TargetTimeout <= 0 {
		return fmt.Errorf("target_timeout must be positive, got %v", c.TargetTimeout)
	}
	return nil
}

func (c *Config) validateArgon2() error {
	if c.Argon2.TimeCost < 1 || c.Argon2.TimeCost > 10 {
		return fmt.Errorf("invalid argon2.time_cost: %d (must be 1-10)", c.Argon2.TimeCost)
	}
	if c.Argon2.MemoryCost < 1024 || c.Argon2.MemoryCost > 1048576 {
		return fmt.Errorf("invalid argon2.memory_cost: %d (must be 1024-1048576 KiB)", c.Argon2.MemoryCost)
	}
	if c.Argon2.Parallelism < 1 || c.Argon2.Parallelism > 8 {
		return fmt.Errorf("invalid argon2.parallelism: %d (must be 1-8)", c.Argon2.Parallelism)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.ReadTimeout < time.Second {
		return fmt.Errorf("api.read_timeout too short (minimum 1s), got %v", c.API.ReadTimeout)
	}
	if c.API.WriteTimeout < time.Second {
		return fmt.Errorf("api.write_timeout too short (minimum 1s), got %v", c.API.WriteTimeout)
	}
	if c.API.IdleTimeout < time.Second {
		return fmt.Errorf("api.idle_timeout too short (minimum 1s), got %v", c.API.IdleTimeout)
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "color": true, "json": true}
	if c.Logging.Format != "" && !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", c.Logging.Format)
	}
	return nil
}

// ValidateHMACSecret checks that the secret is hex-encoded and at least
// 128 bits. The same rule guards the admin set-secret endpoint.
func ValidateHMACSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("hmac_secret too short: %d hex chars (minimum 32)", len(secret))
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return fmt.Errorf("hmac_secret must be hex: %w", err)
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hashpass-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hashpass")
		v.AddConfigPath("/etc/hashpass")
	}

	v.SetEnvPrefix("HASHPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// These are conventionally set without the HASHPASS prefix
	// (deployment platforms inject PORT; the CAPTCHA and webhook
	// credentials are shared with other services).
	_ = v.BindEnv("port", "HASHPASS_PORT", "PORT")
	_ = v.BindEnv("admin_token", "ADMIN_TOKEN")
	_ = v.BindEnv("turnstile.site_key", "HASHPASS_TURNSTILE_SITE_KEY", "TURNSTILE_SITE_KEY")
	_ = v.BindEnv("turnstile.secret_key", "HASHPASS_TURNSTILE_SECRET_KEY", "TURNSTILE_SECRET_KEY")
	_ = v.BindEnv("turnstile.test_mode", "HASHPASS_TURNSTILE_TEST_MODE", "TURNSTILE_TEST_MODE")
	_ = v.BindEnv("webhook.url", "HASHPASS_WEBHOOK_URL", "WEBHOOK_URL")
	_ = v.BindEnv("webhook.token", "HASHPASS_WEBHOOK_TOKEN", "WEBHOOK_TOKEN")

	return v
}

// Load reads configuration from file, environment, and defaults.
//
// Environment variables use the prefix HASHPASS_ followed by the config
// key with dots replaced by underscores. Examples:
//   - difficulty         → HASHPASS_DIFFICULTY
//   - target_time        → HASHPASS_TARGET_TIME
//   - argon2.memory_cost → HASHPASS_ARGON2_MEMORY_COST
//
// If configPath is empty, "hashpass-config.yaml" is searched for in the
// current directory, ~/.hashpass, and /etc/hashpass; a missing file is
// not an error. If configPath is set and unreadable, an error is
// returned. The loaded configuration is validated before being returned.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Watch starts a background watcher on the configuration file and calls
// the callback with each valid reloaded configuration. Invalid reloads
// are logged and dropped. The watcher stops when the context is
// cancelled. If logger is nil, logging is disabled.
func Watch(ctx context.Context, configPath string, callback func(*Config), logger *slog.Logger) error {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if logger != nil {
			logger.Info("configuration file changed",
				"file", e.Name,
				"operation", e.Op.String())
		}

		var newConfig Config
		if err := v.Unmarshal(&newConfig); err != nil {
			if logger != nil {
				logger.Error("failed to unmarshal config on reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if err := newConfig.Validate(); err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		callback(&newConfig)
	})

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped", "reason", "context cancelled")
		}
	}()

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("difficulty", DefaultDifficulty)
	v.SetDefault("min_difficulty", DefaultMinDifficulty)
	v.SetDefault("max_difficulty", DefaultMaxDifficulty)
	v.SetDefault("target_time", DefaultTargetTime)
	v.SetDefault("target_timeout", DefaultTargetTimeout)
	v.SetDefault("max_nonce_speed", DefaultMaxNonceSpeed)
	v.SetDefault("worker_count", DefaultWorkerCount)
	v.SetDefault("verify_workers", 0)
	v.SetDefault("hmac_secret", "")
	v.SetDefault("session_expiry", DefaultSessionExpiry)
	v.SetDefault("session_absolute_ttl", DefaultSessionAbsoluteTTL)
	v.SetDefault("argon2.time_cost", DefaultArgon2TimeCost)
	v.SetDefault("argon2.memory_cost", DefaultArgon2MemoryCost)
	v.SetDefault("argon2.parallelism", DefaultArgon2Parallelism)
	v.SetDefault("turnstile.site_key", "")
	v.SetDefault("turnstile.secret_key", "")
	v.SetDefault("turnstile.test_mode", false)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.token", "")
	v.SetDefault("api.read_timeout", DefaultAPIReadTimeout)
	v.SetDefault("api.write_timeout", DefaultAPIWriteTimeout)
	v.SetDefault("api.idle_timeout", DefaultAPIIdleTimeout)
	v.SetDefault("files.audit_log", DefaultAuditLogPath)
	v.SetDefault("files.blacklist", DefaultBlacklistPath)
	v.SetDefault("files.static_dir", DefaultStaticDir)
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", false)
	v.SetDefault("logging.verbose", false)
	v.SetDefault("admin_token", "")
}
