package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source          SourceConfig     `yaml:"source"`
	Cluster         ClusterConfig    `yaml:"cluster"`
	Database        DatabaseConfig   `yaml:"database"`
	Log             LogConfig        `yaml:"log"`
	Reconciler      ReconcilerConfig `yaml:"reconciler"`
	Health          HealthConfig     `yaml:"health"`
	Drift           DriftConfig      `yaml:"drift"`
	Ledger          LedgerConfig     `yaml:"ledger"`
	Notify          NotifyConfig     `yaml:"notify"`
	API             APIConfig        `yaml:"api"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// SourceConfig contains desired-state source settings
type SourceConfig struct {
	Driver       string   `yaml:"driver"` // "fs" or "http"
	Path         string   `yaml:"path"`   // root directory for the fs driver
	URL          string   `yaml:"url"`    // artifact URL for the http driver
	PollInterval Duration `yaml:"poll_interval"`
	HTTPTimeout  Duration `yaml:"http_timeout"` // HTTP timeout for artifact fetches

	// Fetch retry settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between fetch retries (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between fetch retries (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
}

// ClusterConfig contains target cluster connection settings
type ClusterConfig struct {
	Driver        string   `yaml:"driver"`         // "kube" or "memory"
	Kubeconfig    string   `yaml:"kubeconfig"`     // empty = in-cluster, then ~/.kube/config
	Namespace     string   `yaml:"namespace"`      // fallback namespace for namespaced objects
	ApplyTimeout  Duration `yaml:"apply_timeout"`  // Per-group apply deadline
	HealthTimeout Duration `yaml:"health_timeout"` // Per-group health probe deadline
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	Colors bool   `yaml:"colors"`
}

// ReconcilerConfig contains reconciler settings
type ReconcilerConfig struct {
	DefaultInterval Duration `yaml:"default_interval"` // Interval for groups that declare none
	TickInterval    Duration `yaml:"tick_interval"`    // Scheduler pass resolution
	Concurrency     int      `yaml:"concurrency"`      // Worker pool size (default: 4)
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
}

// HealthConfig contains health evaluation settings
type HealthConfig struct {
	Strict    bool   `yaml:"strict"`     // Unknown kinds fail instead of passing once present
	ChecksDir string `yaml:"checks_dir"` // Directory of Lua check scripts (empty = builtins only)
}

// DriftConfig contains drift detection settings
type DriftConfig struct {
	Enabled       *bool    `yaml:"enabled"`        // Defaults to true
	AllowPrefixes []string `yaml:"allow_prefixes"` // Field path prefixes exempt from drift reporting
}

// GetEnabled returns whether drift detection is on, defaulting to true
func (c *DriftConfig) GetEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// NotifyConfig contains notification dispatch settings
type NotifyConfig struct {
	Workers      int      `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize    int      `yaml:"queue_size"` // Event queue size (default: 100)
	WebhookURL   string   `yaml:"webhook_url"`
	WebhookToken string   `yaml:"webhook_token"` // Bearer token, usually ${CONVERGD_WEBHOOK_TOKEN}
	Timeout      Duration `yaml:"timeout"`       // Per-delivery timeout
}

// GetWorkers returns worker count with default
func (c *NotifyConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *NotifyConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// APIConfig contains status/control server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./convergd.sqlite"
	}

	// Source defaults
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = "fs"
	}
	if cfg.Source.PollInterval == 0 {
		cfg.Source.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Source.HTTPTimeout == 0 {
		cfg.Source.HTTPTimeout = Duration(30 * time.Second)
	}
	if cfg.Source.MinRetryBackoff == 0 {
		cfg.Source.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Source.MaxRetryBackoff == 0 {
		cfg.Source.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Source.RetryMultiplier == 0 {
		cfg.Source.RetryMultiplier = 2.0
	}

	// Cluster defaults
	if cfg.Cluster.Driver == "" {
		cfg.Cluster.Driver = "kube"
	}
	if cfg.Cluster.Namespace == "" {
		cfg.Cluster.Namespace = "default"
	}
	if cfg.Cluster.ApplyTimeout == 0 {
		cfg.Cluster.ApplyTimeout = Duration(30 * time.Second)
	}
	if cfg.Cluster.HealthTimeout == 0 {
		cfg.Cluster.HealthTimeout = Duration(15 * time.Second)
	}

	// Reconciler defaults
	if cfg.Reconciler.DefaultInterval == 0 {
		cfg.Reconciler.DefaultInterval = Duration(1 * time.Minute)
	}
	if cfg.Reconciler.TickInterval == 0 {
		cfg.Reconciler.TickInterval = Duration(5 * time.Second)
	}
	if cfg.Reconciler.Concurrency <= 0 {
		cfg.Reconciler.Concurrency = 4
	}
	if cfg.Reconciler.RateLimitRPS == 0 {
		cfg.Reconciler.RateLimitRPS = 10.0 // 10 requests per second
	}

	// Drift defaults
	if len(cfg.Drift.AllowPrefixes) == 0 {
		cfg.Drift.AllowPrefixes = []string{"status", "metadata.annotations"}
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Notify defaults
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = Duration(10 * time.Second)
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Source.Driver {
	case "fs":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for the fs driver")
		}
	case "http":
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required for the http driver")
		}
	default:
		return fmt.Errorf("unknown source driver %q", c.Source.Driver)
	}
	switch c.Cluster.Driver {
	case "kube", "memory":
	default:
		return fmt.Errorf("unknown cluster driver %q", c.Cluster.Driver)
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
