// Package config provides configuration structures and loading logic for agentgov.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/telemetry"
)

const envPrefix = "AGENTGOV_"

// Config holds the global configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Governance GovernanceConfig `yaml:"governance"`
	Backend    BackendConfig    `yaml:"backend"`
	Storage    StorageConfig    `yaml:"storage"`
	Policy     PolicyConfig     `yaml:"policy"`
	Executor   ExecutorConfig   `yaml:"executor"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// GovernanceConfig tunes the resilience layer.
type GovernanceConfig struct {
	// StrictMode refuses every direct agent access.
	StrictMode bool `yaml:"strict_mode"`
	// PolicyFailureMode overrides the posture used when the access policy errors.
	PolicyFailureMode string `yaml:"policy_failure_mode" validate:"omitempty,oneof=fail-open fail-closed"`

	DefaultRateLimit governance.RateLimiterConfig            `yaml:"default_rate_limit"`
	RateLimits       map[string]governance.RateLimiterConfig `yaml:"rate_limits" validate:"dive,keys,required,endkeys"`
	Retry            governance.RetryConfig                  `yaml:"retry"`
	CacheTTLs        map[governance.TTLClass]time.Duration   `yaml:"cache_ttls" validate:"dive,keys,oneof=quote analytics historical,endkeys,gt=0"`
	Timeouts         governance.TimeoutConfig                `yaml:"timeouts"`

	BypassLogCapacity     int `yaml:"bypass_log_capacity" validate:"gte=0"`
	FallbackEventCapacity int `yaml:"fallback_event_capacity" validate:"gte=0"`
}

// BackendConfig selects and configures the capability backend.
type BackendConfig struct {
	Mode    capability.Mode `yaml:"mode" validate:"oneof=fixture live"`
	BaseURL string          `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string          `yaml:"api_key"`
	Timeout time.Duration   `yaml:"timeout" validate:"gte=0"`
}

// Live returns the live backend settings.
func (b BackendConfig) Live() capability.LiveConfig {
	return capability.LiveConfig{BaseURL: b.BaseURL, APIKey: b.APIKey, Timeout: b.Timeout}
}

// StorageConfig locates persisted provenance.
type StorageConfig struct {
	Dir string `yaml:"dir" validate:"required"`
	// PatternDB is the SQLite file for established patterns, relative to Dir.
	// "memory" keeps patterns in process.
	PatternDB        string `yaml:"pattern_db"`
	PatternThreshold int    `yaml:"pattern_threshold" validate:"gte=0"`
	MaxLogEntries    int    `yaml:"max_log_entries" validate:"gte=0"`
	LogRotateBytes   int64  `yaml:"log_rotate_bytes" validate:"gte=0"`
	BackupsToKeep    int    `yaml:"backups_to_keep" validate:"gte=0"`
	SnapshotEvery    int    `yaml:"snapshot_every" validate:"gte=0"`
}

// PatternDBPath resolves PatternDB against Dir. It returns "" for the in-memory store.
func (s StorageConfig) PatternDBPath() string {
	if s.PatternDB == "" || s.PatternDB == "memory" {
		return ""
	}
	if filepath.IsAbs(s.PatternDB) {
		return s.PatternDB
	}
	return filepath.Join(s.Dir, s.PatternDB)
}

// RuntimeStatePath is where the periodic runtime-state snapshot is written.
func (s StorageConfig) RuntimeStatePath() string {
	return filepath.Join(s.Dir, "runtime_state.json")
}

// PolicyConfig lists extra Rego modules for the access policy.
type PolicyConfig struct {
	Files []string `yaml:"files" validate:"dive,required"`
}

// ExecutorConfig names the patterns the executor consults.
type ExecutorConfig struct {
	MetaPattern      string `yaml:"meta_pattern"`
	ValidatorPattern string `yaml:"validator_pattern"`
	// PatternsFile is a YAML list of pattern definitions.
	PatternsFile string `yaml:"patterns_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Governance: GovernanceConfig{
			DefaultRateLimit:      governance.RateLimiterConfig{MaxRequestsPerMinute: 60},
			Retry:                 governance.DefaultRetryConfig(),
			CacheTTLs:             governance.DefaultTTLs(),
			Timeouts:              governance.DefaultTimeoutConfig(),
			BypassLogCapacity:     100,
			FallbackEventCapacity: 1000,
		},
		Backend: BackendConfig{Mode: capability.ModeFixture, Timeout: 10 * time.Second},
		Storage: StorageConfig{
			Dir:              "data",
			PatternDB:        "patterns.db",
			PatternThreshold: 3,
			MaxLogEntries:    1000,
			LogRotateBytes:   5 << 20,
			BackupsToKeep:    5,
			SnapshotEvery:    10,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values already set for absent keys.
func Parse(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool) {
		val, ok := os.LookupEnv(envPrefix + name)
		return strings.TrimSpace(val), ok && strings.TrimSpace(val) != ""
	}
	var errs []error
	parseBool := func(name string, dst *bool) {
		if val, ok := lookup(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	parseBool("STRICT_MODE", &cfg.Governance.StrictMode)
	parseBool("OTLP_INSECURE", &cfg.Telemetry.Insecure)

	if val, ok := lookup("ADMIN_ADDR"); ok {
		cfg.Server.AdminAddress = val
	}
	if val, ok := lookup("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Endpoint = val
	}
	if val, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val, ok := lookup("LOG_FORMAT"); ok {
		cfg.Logging.Format = strings.ToLower(val)
	}
	if val, ok := lookup("BACKEND_MODE"); ok {
		cfg.Backend.Mode = capability.Mode(strings.ToLower(val))
	}
	if val, ok := lookup("BACKEND_URL"); ok {
		cfg.Backend.BaseURL = val
	}
	if val, ok := lookup("API_KEY"); ok {
		cfg.Backend.APIKey = val
	}
	if val, ok := lookup("DATA_DIR"); ok {
		cfg.Storage.Dir = val
	}
	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and normalises case-insensitive values.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Backend.Mode == capability.ModeLive && c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required in live mode")
	}
	for name, rl := range c.Governance.RateLimits {
		if rl.Threshold < 0 || rl.Threshold > 1 {
			return fmt.Errorf("governance.rate_limits.%s.threshold must be within [0, 1]", name)
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
