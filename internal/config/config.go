package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Agent Configuration with Environment Overrides
// =============================================================================

// Config is the agent's full configuration (spec.md §6), nested by
// concern and overridable by environment variable for the handful of
// keys an operator is most likely to need to override without editing
// the shared YAML file.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Paths      PathsConfig      `yaml:"paths"`
	Inspection InspectionConfig `yaml:"inspection"`
	Ring       RingConfig       `yaml:"ring"`
	Registrar  RegistrarConfig  `yaml:"registrar"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tenant     TenantConfig     `yaml:"tenant"`
}

// InstanceConfig identifies this agent process to the plugin worker it
// is paired with (spec.md §4.5, §4.7 handshake validation). UniqueID
// must be stable across the agent's lifetime but need not survive a
// restart: the watchdog re-registers the worker against whatever id
// the agent currently reports.
type InstanceConfig struct {
	UniqueID string `yaml:"unique_id"`
}

// PathsConfig holds every filesystem path spec.md §6 names.
type PathsConfig struct {
	RegistrationSocketDir string `yaml:"registration_socket_dir"`
	SharedSettingsPath    string `yaml:"shared_settings_path"`
	StaticResourcesDir    string `yaml:"static_resources_dir"`
}

// InspectionConfig controls the per-worker inspection loop (§4.7).
type InspectionConfig struct {
	// FailOpen selects the default verdict for an empty RequestStart
	// buffer and for frames arriving while fail-open mode is asserted.
	FailOpen bool `yaml:"fail_open"`
	// Mode names the policy-evaluation mode the worker runs in
	// (e.g. "blocking", "detect").
	Mode       string `yaml:"mode"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RingConfig sizes the shared-memory ring each worker allocates.
type RingConfig struct {
	Elements    uint32 `yaml:"elements"`
	SegmentSize uint32 `yaml:"segment_size"`
}

// RegistrarConfig controls family expiration and the re-registration
// rate limiter (§4.7 "6 within 20s", §4.6 expiration).
type RegistrarConfig struct {
	ExpirationIntervalSec   int `yaml:"expiration_interval_sec"`
	ReRegistrationLimit     int `yaml:"re_registration_limit"`
	ReRegistrationWindowSec int `yaml:"re_registration_window_sec"`
}

// MetricsConfig controls the periodic metric-flush timer (§5).
type MetricsConfig struct {
	FlushIntervalSec int `yaml:"flush_interval_sec"`
}

// TenantConfig names the header the tenant/profile ids are parsed from
// (§3: "two comma-separated strings, second defaults to empty").
type TenantConfig struct {
	HeaderKey string `yaml:"header_key"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Instance.UniqueID = getEnv("HTTP_INTAKE_INSTANCE_UNIQUE_ID", c.Instance.UniqueID)

	c.Paths.RegistrationSocketDir = getEnv("HTTP_INTAKE_REGISTRATION_DIR", c.Paths.RegistrationSocketDir)
	c.Paths.SharedSettingsPath = getEnv("HTTP_INTAKE_SHARED_SETTINGS_PATH", c.Paths.SharedSettingsPath)
	c.Paths.StaticResourcesDir = getEnv("HTTP_INTAKE_STATIC_RESOURCES_DIR", c.Paths.StaticResourcesDir)

	c.Inspection.FailOpen = getEnvBool("HTTP_INTAKE_FAIL_OPEN", c.Inspection.FailOpen)
	c.Inspection.Mode = getEnv("HTTP_INTAKE_INSPECTION_MODE", c.Inspection.Mode)
	if v := getEnvInt("HTTP_INTAKE_INSPECTION_TIMEOUT_SEC", 0); v > 0 {
		c.Inspection.TimeoutSec = v
	}

	if v := getEnvInt("HTTP_INTAKE_RING_ELEMENTS", 0); v > 0 {
		c.Ring.Elements = uint32(v)
	}
	if v := getEnvInt("HTTP_INTAKE_RING_SEGMENT_SIZE", 0); v > 0 {
		c.Ring.SegmentSize = uint32(v)
	}

	if v := getEnvInt("HTTP_INTAKE_FAMILY_EXPIRATION_SEC", 0); v > 0 {
		c.Registrar.ExpirationIntervalSec = v
	}
	if v := getEnvInt("HTTP_INTAKE_REREGISTRATION_LIMIT", 0); v > 0 {
		c.Registrar.ReRegistrationLimit = v
	}
	if v := getEnvInt("HTTP_INTAKE_REREGISTRATION_WINDOW_SEC", 0); v > 0 {
		c.Registrar.ReRegistrationWindowSec = v
	}

	if v := getEnvInt("HTTP_INTAKE_METRIC_FLUSH_INTERVAL_SEC", 0); v > 0 {
		c.Metrics.FlushIntervalSec = v
	}

	c.Tenant.HeaderKey = getEnv("HTTP_INTAKE_TENANT_HEADER_KEY", c.Tenant.HeaderKey)
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Instance.UniqueID == "" {
		c.Instance.UniqueID = fmt.Sprintf("%s-%d", hostnameOrUnknown(), os.Getpid())
	}

	if c.Paths.RegistrationSocketDir == "" {
		c.Paths.RegistrationSocketDir = "/dev/shm/check-point"
	}
	if c.Paths.SharedSettingsPath == "" {
		c.Paths.SharedSettingsPath = "/dev/shm/cp_nano_http_attachment_conf"
	}
	if c.Paths.StaticResourcesDir == "" {
		c.Paths.StaticResourcesDir = "/dev/shm/static_resources"
	}

	if c.Inspection.Mode == "" {
		c.Inspection.Mode = "blocking"
	}
	if c.Inspection.TimeoutSec == 0 {
		c.Inspection.TimeoutSec = 5
	}

	if c.Ring.Elements == 0 {
		c.Ring.Elements = 256
	}
	if c.Ring.SegmentSize == 0 {
		c.Ring.SegmentSize = 64 * 1024
	}

	if c.Registrar.ExpirationIntervalSec == 0 {
		c.Registrar.ExpirationIntervalSec = 300
	}
	if c.Registrar.ReRegistrationLimit == 0 {
		c.Registrar.ReRegistrationLimit = 6
	}
	if c.Registrar.ReRegistrationWindowSec == 0 {
		c.Registrar.ReRegistrationWindowSec = 20
	}

	if c.Metrics.FlushIntervalSec == 0 {
		c.Metrics.FlushIntervalSec = 600
	}

	if c.Tenant.HeaderKey == "" {
		c.Tenant.HeaderKey = "X-Tenant-Profile"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}

// =============================================================================
// Convenience Methods
// =============================================================================

// InspectionTimeout returns Inspection.TimeoutSec as a time.Duration.
func (c *Config) InspectionTimeout() time.Duration {
	return time.Duration(c.Inspection.TimeoutSec) * time.Second
}

// ReRegistrationWindow returns Registrar.ReRegistrationWindowSec as a
// time.Duration.
func (c *Config) ReRegistrationWindow() time.Duration {
	return time.Duration(c.Registrar.ReRegistrationWindowSec) * time.Second
}

// MetricFlushInterval returns Metrics.FlushIntervalSec as a
// time.Duration.
func (c *Config) MetricFlushInterval() time.Duration {
	return time.Duration(c.Metrics.FlushIntervalSec) * time.Second
}

// FamilyExpirationInterval returns Registrar.ExpirationIntervalSec as a
// time.Duration.
func (c *Config) FamilyExpirationInterval() time.Duration {
	return time.Duration(c.Registrar.ExpirationIntervalSec) * time.Second
}
