// Package config provides YAML configuration loading and validation for the
// fleetd node and panel binaries, following the same load → default →
// validate shape for both.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the top-level configuration structure for cmd/node.
type NodeConfig struct {
	// NodeID is this node's numeric identifier in the panel's fleet,
	// stamped onto every PeakEvent this node emits.
	NodeID int64 `yaml:"node_id"`

	// GRPCAddr is the listen address for the node's gRPC service.
	// Defaults to ":62050" when omitted.
	GRPCAddr string `yaml:"grpc_addr"`

	// TLS holds the paths to the node's server certificate, private key, and
	// CA certificate used to verify the panel's client certificate. Required.
	TLS TLSConfig `yaml:"tls"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// TokenHash is the sha256 hex digest of the bearer token the panel must
	// present on every authenticated RPC. The raw token
	// is never stored in config, only its hash. Required.
	TokenHash string `yaml:"token_hash"`

	// StoragePath is the path to the node's local SQLite user-storage
	// database.
	StoragePath string `yaml:"storage_path"`

	// PeakSeqPath is the path to the fsync'd peak-sequence counter file
	// used to hand out monotonic PeakEvent.Seq values across restarts.
	PeakSeqPath string `yaml:"peak_seq_path"`

	// Peak holds per-metric threshold and timing overrides for the peak
	// monitor FSM.
	Peak PeakConfig `yaml:"peak"`

	// Backends lists the back-end processes this node manages (xray,
	// hysteria, sing-box).
	Backends []BackendConfig `yaml:"backends"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the PEM-encoded certificate. Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the remote peer's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// PeakConfig carries the overridable thresholds and timings for the node
// peak monitor's per-metric FSM: IDLE → RISING → PEAK → COOLING →
// IDLE/PEAK, with hysteresis to avoid flapping around a threshold.
type PeakConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	HysteresisPct  float64       `yaml:"hysteresis_pct"`
	CoolDownCycles int           `yaml:"cool_down_cycles"`
	MinDuration    time.Duration `yaml:"min_duration"`
	CPUWarn        float64       `yaml:"cpu_warn"`
	CPUCrit        float64       `yaml:"cpu_crit"`
	MemWarn        float64       `yaml:"mem_warn"`
	MemCrit        float64       `yaml:"mem_crit"`
	DiskWarn       float64       `yaml:"disk_warn"`
	DiskCrit       float64       `yaml:"disk_crit"`
	NetWarnBps     float64       `yaml:"net_warn_bps"`
	NetCritBps     float64       `yaml:"net_crit_bps"`
	QueueCapacity  int           `yaml:"queue_capacity"`
}

// BackendConfig describes one proxy back-end process a node manages.
type BackendConfig struct {
	// Name is a human-readable identifier for this backend. Required.
	Name string `yaml:"name"`

	// Type is one of "xray", "hysteria", "sing-box". Required.
	Type string `yaml:"type"`

	// BinaryPath is the path to the backend executable. Required.
	BinaryPath string `yaml:"binary_path"`

	// ConfigPath is the path to the backend's own config file. Required.
	ConfigPath string `yaml:"config_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackendTypes is the set of accepted backend type strings.
var validBackendTypes = map[string]bool{
	"xray":     true,
	"hysteria": true,
	"sing-box": true,
}

// LoadNodeConfig reads the YAML file at path, unmarshals it into NodeConfig,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered, joined via
// errors.Join.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyNodeDefaults(&cfg)

	if err := validateNode(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyNodeDefaults fills in zero-value optional fields with sensible
// defaults.
func applyNodeDefaults(cfg *NodeConfig) {
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":62050"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "/var/lib/fleetd/node-users.db"
	}
	if cfg.PeakSeqPath == "" {
		cfg.PeakSeqPath = "/var/lib/fleetd/peak_seq"
	}

	p := &cfg.Peak
	if p.SampleInterval <= 0 {
		p.SampleInterval = 5 * time.Second
	}
	if p.HysteresisPct <= 0 {
		p.HysteresisPct = 5
	}
	if p.CoolDownCycles <= 0 {
		p.CoolDownCycles = 3
	}
	if p.MinDuration <= 0 {
		p.MinDuration = 30 * time.Second
	}
	if p.CPUWarn <= 0 {
		p.CPUWarn = 75
	}
	if p.CPUCrit <= 0 {
		p.CPUCrit = 90
	}
	if p.MemWarn <= 0 {
		p.MemWarn = 80
	}
	if p.MemCrit <= 0 {
		p.MemCrit = 95
	}
	if p.DiskWarn <= 0 {
		p.DiskWarn = 85
	}
	if p.DiskCrit <= 0 {
		p.DiskCrit = 95
	}
	if p.NetWarnBps <= 0 {
		p.NetWarnBps = 100 * 1024 * 1024 // 100 MB/s
	}
	if p.NetCritBps <= 0 {
		p.NetCritBps = 500 * 1024 * 1024 // 500 MB/s
	}
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = 256
	}
}

// validateNode checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validateNode(cfg *NodeConfig) error {
	var errs []error

	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if cfg.TokenHash == "" {
		errs = append(errs, errors.New("token_hash is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !validBackendTypes[b.Type] {
			errs = append(errs, fmt.Errorf("%s: type %q must be one of: xray, hysteria, sing-box", prefix, b.Type))
		}
		if b.BinaryPath == "" {
			errs = append(errs, fmt.Errorf("%s: binary_path is required", prefix))
		}
		if b.ConfigPath == "" {
			errs = append(errs, fmt.Errorf("%s: config_path is required", prefix))
		}
	}

	return errors.Join(errs...)
}
