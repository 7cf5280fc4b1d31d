package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// PanelConfig is the top-level configuration structure for cmd/panel.
type PanelConfig struct {
	// DatabaseURL is the panel's persistent store DSN. Required. Passed to
	// pgxpool.
	DatabaseURL string `yaml:"database_url"`

	// DBPoolSize is the base pgxpool connection pool size.
	DBPoolSize int `yaml:"db_pool_size"`

	// DBMaxOverflow is the number of additional connections permitted beyond
	// DBPoolSize under load.
	DBMaxOverflow int `yaml:"db_max_overflow"`

	// RedisURL is parsed from the configuration file but no component reads
	// it; the recovery fallback cache is always the in-process LRU.
	RedisURL string `yaml:"redis_url"`

	// TLS holds the panel's own client certificate/key and the CA used to
	// verify every node's server certificate. It is the identity
	// presented when dialing every node in Nodes; per-node pinning is
	// layered on top via NodeBootstrap.CertPath.
	TLS TLSConfig `yaml:"tls"`

	// DisableRecordingNodeUsage toggles FetchUsersStats polling.
	DisableRecordingNodeUsage bool `yaml:"disable_recording_node_usage"`

	// Tasks holds the scheduled-task cadences.
	Tasks TasksConfig `yaml:"tasks"`

	// Pool tunes the per-node gRPC connection pool.
	Pool PoolConfig `yaml:"pool"`

	// Breaker tunes the per-(node, operation-class) circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Nodes is the bootstrap list of nodes the panel dials at startup.
	// cmd/panel registers one node client per entry; nodes do not register
	// themselves, so this list is the only source of registered nodes.
	Nodes []NodeBootstrap `yaml:"nodes"`

	// LogLevel sets the minimum log severity: debug|info|warn|error.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address for the health/readiness HTTP surface.
	HTTPAddr string `yaml:"http_addr"`

	// AuditLogPath, if set, enables a tamper-evident hash-chained log of
	// every node Add/Remove/Reconnect. Empty disables the audit trail.
	AuditLogPath string `yaml:"audit_log_path"`
}

// TasksConfig holds scheduled polling cadences for external schedulers.
type TasksConfig struct {
	RecordUserUsagesInterval time.Duration `yaml:"record_user_usages_interval"`
	ReviewUsersInterval      time.Duration `yaml:"review_users_interval"`
}

// PoolConfig tunes the per-node gRPC channel pool.
type PoolConfig struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	ConnectionLifetime  time.Duration `yaml:"connection_lifetime"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// BreakerConfig tunes the default per-(node, operation-class) circuit
// breaker. Individual operation classes may override these via
// BreakerConfig.Overrides.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	MonitoringWindow   time.Duration `yaml:"monitoring_window"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls   int           `yaml:"half_open_max_calls"`

	// Overrides keys by operation class: user_stats, user_sync,
	// backend_operations, logs_streaming, system_monitoring.
	Overrides map[string]BreakerClassOverride `yaml:"overrides"`
}

// BreakerClassOverride holds a partial override of BreakerConfig for one
// operation class. Zero fields fall back to the class-wide default.
type BreakerClassOverride struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	MonitoringWindow   time.Duration `yaml:"monitoring_window"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls   int           `yaml:"half_open_max_calls"`
}

// NodeBootstrap identifies one node the panel should dial at startup.
type NodeBootstrap struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`

	// CertPath optionally pins this node's expected server certificate
	// (PEM), layered on top of the panel-wide TLS.CAPath trust chain.
	CertPath string `yaml:"cert_path"`
}

// OperationClasses enumerates the circuit-breaker operation classes.
var OperationClasses = []string{
	"user_stats",
	"user_sync",
	"backend_operations",
	"logs_streaming",
	"system_monitoring",
}

// LoadPanelConfig reads the YAML file at path, merges in documented
// defaults via mergo (so an operator only needs to specify overrides), and
// validates required fields.
func LoadPanelConfig(path string) (*PanelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg PanelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := mergo.Merge(&cfg, panelDefaults()); err != nil {
		return nil, fmt.Errorf("config: merging defaults for %q: %w", path, err)
	}

	if err := validatePanel(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// panelDefaults returns the documented defaults as a
// PanelConfig suitable for mergo.Merge, which only fills zero-value fields
// on the destination.
func panelDefaults() PanelConfig {
	return PanelConfig{
		DBPoolSize:    10,
		DBMaxOverflow: 20,
		LogLevel:      "info",
		HTTPAddr:      "127.0.0.1:8000",
		Tasks: TasksConfig{
			RecordUserUsagesInterval: 30 * time.Second,
			ReviewUsersInterval:      30 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:             5,
			MaxSize:             10,
			ConnectionLifetime:  time.Hour,
			IdleTimeout:         5 * time.Minute,
			AcquireTimeout:      5 * time.Second,
			HealthCheckInterval: 60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			ErrorRateThreshold: 0.5,
			MonitoringWindow:   60 * time.Second,
			RecoveryTimeout:    30 * time.Second,
			HalfOpenMaxCalls:   3,
		},
	}
}

var validLogLevelsPanel = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validatePanel(cfg *PanelConfig) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if !validLogLevelsPanel[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Pool.MinSize <= 0 || cfg.Pool.MaxSize < cfg.Pool.MinSize {
		errs = append(errs, fmt.Errorf("pool.min_size (%d) must be > 0 and <= pool.max_size (%d)", cfg.Pool.MinSize, cfg.Pool.MaxSize))
	}
	if cfg.Breaker.HalfOpenMaxCalls <= 0 {
		errs = append(errs, errors.New("breaker.half_open_max_calls must be > 0"))
	}
	for class, o := range cfg.Breaker.Overrides {
		if o.HalfOpenMaxCalls < 0 {
			errs = append(errs, fmt.Errorf("breaker.overrides[%s].half_open_max_calls must be >= 0", class))
		}
	}
	for i, n := range cfg.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		}
		if n.Addr == "" {
			errs = append(errs, fmt.Errorf("%s: addr is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// ResolveBreakerClass returns the effective BreakerConfig for the named
// operation class, applying any class-specific override onto the default.
func (c *PanelConfig) ResolveBreakerClass(class string) BreakerConfig {
	resolved := c.Breaker
	resolved.Overrides = nil
	o, ok := c.Breaker.Overrides[class]
	if !ok {
		return resolved
	}
	if o.FailureThreshold > 0 {
		resolved.FailureThreshold = o.FailureThreshold
	}
	if o.ErrorRateThreshold > 0 {
		resolved.ErrorRateThreshold = o.ErrorRateThreshold
	}
	if o.MonitoringWindow > 0 {
		resolved.MonitoringWindow = o.MonitoringWindow
	}
	if o.RecoveryTimeout > 0 {
		resolved.RecoveryTimeout = o.RecoveryTimeout
	}
	if o.HalfOpenMaxCalls > 0 {
		resolved.HalfOpenMaxCalls = o.HalfOpenMaxCalls
	}
	return resolved
}
